package beatmap

import (
	"errors"
	"math"
	"time"
)

// ErrNoBeatmaps is returned when a mapset carries no difficulties.
var ErrNoBeatmaps = errors.New("beatmap: mapset has no beatmaps")

// Mapset is the normalized mapset record persisted in the mapsets namespace.
// Only the fields below survive normalization.
type Mapset struct {
	ID       int64     `json:"id"`
	BPM      float64   `json:"bpm"`
	Beatmaps []Summary `json:"beatmaps"`
	Date     string    `json:"date"`
}

// Summary is the per-difficulty projection kept inside a Mapset.
type Summary struct {
	ID               int64   `json:"id"`
	DifficultyRating float64 `json:"difficulty_rating"`
	BPM              float64 `json:"bpm"`
	MaxCombo         int     `json:"max_combo"`
	Accuracy         float64 `json:"accuracy"`
	AR               float64 `json:"ar"`
	CS               float64 `json:"cs"`
	Drain            float64 `json:"drain"`
	Mode             string  `json:"mode"`
}

// Validate reports whether the mapset satisfies the record invariants.
func (m Mapset) Validate() error {
	if len(m.Beatmaps) == 0 {
		return ErrNoBeatmaps
	}
	if _, err := time.Parse(time.RFC3339, m.Date); err != nil {
		return errors.New("beatmap: mapset date invalid")
	}
	return nil
}

// Representative returns the difficulty with the highest rating. When ratings
// tie the first one in input order wins.
func (m Mapset) Representative() (Summary, bool) {
	if len(m.Beatmaps) == 0 {
		return Summary{}, false
	}
	best := m.Beatmaps[0]
	for _, candidate := range m.Beatmaps[1:] {
		if candidate.DifficultyRating > best.DifficultyRating {
			best = candidate
		}
	}
	return best, true
}

// Beatmap looks up a difficulty by id.
func (m Mapset) Beatmap(id int64) (Summary, bool) {
	for _, summary := range m.Beatmaps {
		if summary.ID == id {
			return summary, true
		}
	}
	return Summary{}, false
}

// Difficulty holds the calculator's difficulty attributes. Counts are kept as
// floats so every field goes through the same rounding.
type Difficulty struct {
	Stars          float64 `json:"stars,omitempty"`
	MaxCombo       float64 `json:"maxCombo,omitempty"`
	Aim            float64 `json:"aim"`
	Speed          float64 `json:"speed"`
	Flashlight     float64 `json:"flashlight"`
	SliderFactor   float64 `json:"sliderFactor,omitempty"`
	SpeedNoteCount float64 `json:"speedNoteCount"`
	AR             float64 `json:"ar,omitempty"`
	OD             float64 `json:"od,omitempty"`
	HP             float64 `json:"hp,omitempty"`
	NCircles       float64 `json:"nCircles"`
	NSliders       float64 `json:"nSliders"`
	NSpinners      float64 `json:"nSpinners,omitempty"`
}

// Calc is the calculated beatmap record persisted in the beatmaps namespace.
type Calc struct {
	Difficulty Difficulty `json:"difficulty"`
	PP         float64    `json:"pp"`
	Date       string     `json:"date"`
}

// Precision is the number of decimals kept for calculated values.
const Precision = 3

// Round rounds v to Precision decimals.
func Round(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	scale := math.Pow(10, Precision)
	return math.Round(v*scale) / scale
}

// Rounded returns a copy with every attribute rounded.
func (d Difficulty) Rounded() Difficulty {
	return Difficulty{
		Stars:          Round(d.Stars),
		MaxCombo:       Round(d.MaxCombo),
		Aim:            Round(d.Aim),
		Speed:          Round(d.Speed),
		Flashlight:     Round(d.Flashlight),
		SliderFactor:   Round(d.SliderFactor),
		SpeedNoteCount: Round(d.SpeedNoteCount),
		AR:             Round(d.AR),
		OD:             Round(d.OD),
		HP:             Round(d.HP),
		NCircles:       Round(d.NCircles),
		NSliders:       Round(d.NSliders),
		NSpinners:      Round(d.NSpinners),
	}
}

// SetAttribute assigns a calculator attribute by its wire name. Unknown names
// are reported as false and dropped.
func (d *Difficulty) SetAttribute(name string, value float64) bool {
	switch name {
	case "stars":
		d.Stars = value
	case "maxCombo":
		d.MaxCombo = value
	case "aim":
		d.Aim = value
	case "speed":
		d.Speed = value
	case "flashlight":
		d.Flashlight = value
	case "sliderFactor":
		d.SliderFactor = value
	case "speedNoteCount":
		d.SpeedNoteCount = value
	case "ar":
		d.AR = value
	case "od":
		d.OD = value
	case "hp":
		d.HP = value
	case "nCircles":
		d.NCircles = value
	case "nSliders":
		d.NSliders = value
	case "nSpinners":
		d.NSpinners = value
	default:
		return false
	}
	return true
}
