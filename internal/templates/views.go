package templates

import (
	"github.com/l0p7/mapinfo/internal/beatmap"
)

const (
	DefaultInfoTemplate    = `{{ .DifficultyRating }}★ bpm {{ .BPM }} combo {{ .MaxCombo }} ar {{ .AR }} cs {{ .CS }} od {{ .Accuracy }} hp {{ .Drain }}`
	DefaultPPTemplate      = `{{ round .PP 0 }}pp`
	DefaultTooltipTemplate = `Aim diff: {{ fixed 1 .Aim }}, Speed diff: {{ fixed 1 .Speed }}, Circles: {{ .NCircles }}, Sliders: {{ .NSliders }}, Speed note count: {{ fixed 1 .SpeedNoteCount }}, FL Diff: {{ fixed 2 .Flashlight }}`
)

// ViewSources picks each view's template. A file path wins over inline
// source; both empty selects the default.
type ViewSources struct {
	Info        string
	InfoFile    string
	PP          string
	PPFile      string
	Tooltip     string
	TooltipFile string
}

// Views renders the text mounted into listing blocks.
type Views struct {
	info    *Template
	pp      *Template
	tooltip *Template
}

func NewViews(r *Renderer, src ViewSources) (*Views, error) {
	info, err := compileView(r, "info", src.Info, src.InfoFile, DefaultInfoTemplate)
	if err != nil {
		return nil, err
	}
	pp, err := compileView(r, "pp", src.PP, src.PPFile, DefaultPPTemplate)
	if err != nil {
		return nil, err
	}
	tooltip, err := compileView(r, "tooltip", src.Tooltip, src.TooltipFile, DefaultTooltipTemplate)
	if err != nil {
		return nil, err
	}
	return &Views{info: info, pp: pp, tooltip: tooltip}, nil
}

// DefaultViews compiles the built-in templates.
func DefaultViews() *Views {
	views, err := NewViews(NewRenderer(nil), ViewSources{})
	if err != nil {
		panic(err)
	}
	return views
}

func compileView(r *Renderer, name, inline, file, fallback string) (*Template, error) {
	switch {
	case file != "":
		return r.CompileFile(file)
	case inline != "":
		return r.Compile(name, inline)
	default:
		return r.Compile(name, fallback)
	}
}

func (v *Views) Info(summary beatmap.Summary) (string, error) {
	return v.info.Render(summary)
}

func (v *Views) PP(calc beatmap.Calc) (string, error) {
	return v.pp.Render(calc)
}

func (v *Views) Tooltip(difficulty beatmap.Difficulty) (string, error) {
	return v.tooltip.Render(difficulty)
}
