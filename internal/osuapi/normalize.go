package osuapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/l0p7/mapinfo/internal/beatmap"
)

type rawSummary struct {
	ID               *json.Number `json:"id"`
	DifficultyRating json.Number  `json:"difficulty_rating"`
	BPM              json.Number  `json:"bpm"`
	MaxCombo         json.Number  `json:"max_combo"`
	Accuracy         json.Number  `json:"accuracy"`
	AR               json.Number  `json:"ar"`
	CS               json.Number  `json:"cs"`
	Drain            json.Number  `json:"drain"`
	Mode             string       `json:"mode"`
}

type rawMapset struct {
	ID          *json.Number `json:"id"`
	BPM         json.Number  `json:"bpm"`
	RankedDate  string       `json:"ranked_date"`
	LastUpdated string       `json:"last_updated"`
	Beatmaps    []rawSummary `json:"beatmaps"`
}

// normalizeMapset projects a raw mapset onto the persisted record. The date
// is taken from ranked_date, then last_updated, then now.
func normalizeMapset(raw json.RawMessage, now time.Time) (beatmap.Mapset, error) {
	var in rawMapset
	if err := json.Unmarshal(raw, &in); err != nil {
		return beatmap.Mapset{}, fmt.Errorf("osuapi: decode mapset: %w", err)
	}
	if in.ID == nil {
		return beatmap.Mapset{}, errors.New("osuapi: mapset id missing")
	}
	id, err := in.ID.Int64()
	if err != nil {
		return beatmap.Mapset{}, fmt.Errorf("osuapi: mapset id: %w", err)
	}
	out := beatmap.Mapset{
		ID:   id,
		BPM:  number(in.BPM),
		Date: normalizeDate(now, in.RankedDate, in.LastUpdated),
	}
	for _, rb := range in.Beatmaps {
		if rb.ID == nil {
			continue
		}
		bid, err := rb.ID.Int64()
		if err != nil {
			continue
		}
		out.Beatmaps = append(out.Beatmaps, beatmap.Summary{
			ID:               bid,
			DifficultyRating: number(rb.DifficultyRating),
			BPM:              number(rb.BPM),
			MaxCombo:         int(number(rb.MaxCombo)),
			Accuracy:         number(rb.Accuracy),
			AR:               number(rb.AR),
			CS:               number(rb.CS),
			Drain:            number(rb.Drain),
			Mode:             rb.Mode,
		})
	}
	if err := out.Validate(); err != nil {
		return beatmap.Mapset{}, fmt.Errorf("osuapi: mapset %d: %w", id, err)
	}
	return out, nil
}

// normalizeCalc rounds every numeric difficulty attribute and requires a
// positive pp value.
func normalizeCalc(raw []byte, now time.Time) (beatmap.Calc, error) {
	var in struct {
		PP         *json.Number               `json:"pp"`
		Difficulty map[string]json.RawMessage `json:"difficulty"`
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&in); err != nil {
		return beatmap.Calc{}, fmt.Errorf("osuapi: decode calc: %w", err)
	}
	if in.PP == nil {
		return beatmap.Calc{}, errors.New("osuapi: calc pp missing")
	}
	pp, err := in.PP.Float64()
	if err != nil || pp <= 0 {
		return beatmap.Calc{}, errors.New("osuapi: calc pp invalid")
	}
	var difficulty beatmap.Difficulty
	for name, value := range in.Difficulty {
		var n json.Number
		if err := json.Unmarshal(value, &n); err != nil {
			continue
		}
		if f, err := n.Float64(); err == nil {
			difficulty.SetAttribute(name, f)
		}
	}
	return beatmap.Calc{
		Difficulty: difficulty.Rounded(),
		PP:         beatmap.Round(pp),
		Date:       now.UTC().Format(time.RFC3339),
	}, nil
}

func normalizeDate(now time.Time, candidates ...string) string {
	for _, candidate := range candidates {
		if candidate == "" {
			continue
		}
		if parsed, err := time.Parse(time.RFC3339, candidate); err == nil {
			return parsed.UTC().Format(time.RFC3339)
		}
	}
	return now.UTC().Format(time.RFC3339)
}

func number(n json.Number) float64 {
	if n == "" {
		return 0
	}
	f, err := strconv.ParseFloat(string(n), 64)
	if err != nil {
		return 0
	}
	return f
}
