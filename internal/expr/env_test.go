package expr

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/mapinfo/internal/beatmap"
)

func newEnv(t *testing.T) *Environment {
	t.Helper()
	env, err := NewEnvironment()
	require.NoError(t, err)
	return env
}

func TestNewPredicateRejectsBadExpressions(t *testing.T) {
	env := newEnv(t)
	for _, expression := range []string{
		"   ",
		`"text"`,
		`1 + 2`,
		`unknown.mode == "osu"`,
	} {
		_, err := NewPredicate(env, expression)
		require.Error(t, err, expression)
	}
	_, err := NewPredicate(nil, DefaultDeepInfoWhen)
	require.Error(t, err)
}

func TestPredicateSourceIsTrimmed(t *testing.T) {
	pred, err := NewPredicate(newEnv(t), "  true ")
	require.NoError(t, err)
	require.Equal(t, "true", pred.Source())
}

func TestPredicate(t *testing.T) {
	env := newEnv(t)

	deep, err := NewPredicate(env, DefaultDeepInfoWhen)
	require.NoError(t, err)
	require.Equal(t, DefaultDeepInfoWhen, deep.Source())

	cases := []struct {
		name       string
		expression string
		summary    beatmap.Summary
		want       bool
	}{
		{"standard mode", DefaultDeepInfoWhen, beatmap.Summary{Mode: "osu"}, true},
		{"other mode", DefaultDeepInfoWhen, beatmap.Summary{Mode: "mania"}, false},
		{"numeric fields", `beatmap.difficulty_rating >= 6.0 && beatmap.max_combo > 500`, beatmap.Summary{DifficultyRating: 6.8, MaxCombo: 900}, true},
		{"mode list", `beatmap.mode in ["taiko", "fruits"]`, beatmap.Summary{Mode: "fruits"}, true},
		{"presence", `has(beatmap.ar) && beatmap.ar > 9.5`, beatmap.Summary{AR: 9}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pred, err := NewPredicate(env, tc.expression)
			require.NoError(t, err)
			got, err := pred.Match(tc.summary)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestPredicateRejectsNonBoolResultAtEvaluation(t *testing.T) {
	pred, err := NewPredicate(newEnv(t), `beatmap.mode`)
	require.NoError(t, err)
	_, err = pred.Match(beatmap.Summary{Mode: "osu"})
	require.ErrorContains(t, err, "want bool")
}
