package templates

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/mapinfo/internal/beatmap"
)

func TestRendererDropsEnvironmentAndFileHelpers(t *testing.T) {
	renderer := NewRenderer(nil)
	t.Setenv("TEST_VAR", "value")

	for _, source := range []string{`{{ env "TEST_VAR" }}`, `{{ readFile "/etc/passwd" }}`, `{{ glob "*" }}`} {
		_, err := renderer.Compile("inline", source)
		require.Error(t, err, source)
	}
}

func TestRendererCompile(t *testing.T) {
	renderer := NewRenderer(nil)
	_, err := renderer.Compile("empty", "   ")
	require.Error(t, err)

	tmpl, err := renderer.Compile("", `{{ fixed 2 .Value }} {{ upper .Name }}`)
	require.NoError(t, err)
	require.Equal(t, "inline", tmpl.Name())
	out, err := tmpl.Render(map[string]any{"Value": 1.23456, "Name": "hard"})
	require.NoError(t, err)
	require.Equal(t, "1.23 HARD", out)

	var missing *Template
	_, err = missing.Render(nil)
	require.Error(t, err)
}

func TestRendererCompileFileHonoursSandbox(t *testing.T) {
	dir := t.TempDir()
	allowedDir := filepath.Join(dir, "templates")
	require.NoError(t, os.MkdirAll(allowedDir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(allowedDir, "info.tmpl"), []byte("{{ .Mode }}: {{ .DifficultyRating }}"), 0o600))
	sandbox, err := NewSandbox(allowedDir)
	require.NoError(t, err)
	renderer := NewRenderer(sandbox)

	tests := []struct {
		name    string
		path    string
		want    string
		wantErr bool
	}{
		{name: "renders file inside sandbox", path: "info.tmpl", want: "osu: 6.8"},
		{name: "rejects escaping sandbox", path: "../escape.tmpl", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tmpl, err := renderer.CompileFile(tc.path)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			out, err := tmpl.Render(beatmap.Summary{Mode: "osu", DifficultyRating: 6.8})
			require.NoError(t, err)
			require.Equal(t, tc.want, out)
		})
	}

	_, err = NewRenderer(nil).CompileFile("info.tmpl")
	require.Error(t, err)
}

func TestDefaultViews(t *testing.T) {
	views := DefaultViews()

	info, err := views.Info(beatmap.Summary{DifficultyRating: 6.8, BPM: 180, MaxCombo: 900, AR: 9, CS: 4, Accuracy: 8, Drain: 6})
	require.NoError(t, err)
	require.Equal(t, "6.8★ bpm 180 combo 900 ar 9 cs 4 od 8 hp 6", info)

	pp, err := views.PP(beatmap.Calc{PP: 245.679})
	require.NoError(t, err)
	require.Equal(t, "246pp", pp)

	tooltip, err := views.Tooltip(beatmap.Difficulty{Aim: 2.889, Speed: 2.1, NCircles: 512, NSliders: 300, SpeedNoteCount: 150.31, Flashlight: 1.234})
	require.NoError(t, err)
	require.Equal(t, "Aim diff: 2.9, Speed diff: 2.1, Circles: 512, Sliders: 300, Speed note count: 150.3, FL Diff: 1.23", tooltip)
}

func TestNewViewsOverrides(t *testing.T) {
	views, err := NewViews(NewRenderer(nil), ViewSources{PP: `{{ .PP }} performance`})
	require.NoError(t, err)
	pp, err := views.PP(beatmap.Calc{PP: 10.5})
	require.NoError(t, err)
	require.Equal(t, "10.5 performance", pp)

	_, err = NewViews(NewRenderer(nil), ViewSources{Info: `{{ .Missing`})
	require.Error(t, err)
}
