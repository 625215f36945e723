package describe

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"text/template"
)

const defaultTemplate = `{{.Name}}: {{km .Distance}} km with {{printf "%.0f" .ElevationGain}} m of climbing.
{{- if .Participants}}
#{{.DistanceRank}} of {{.Participants}} by distance and #{{.ElevationRank}} by elevation on {{.Day}}.
{{- end}}`

// TemplateGenerator renders descriptions locally with text/template.
type TemplateGenerator struct {
	tmpl   *template.Template
	marker string
}

type templateData struct {
	Name          string
	Distance      float64
	ElevationGain float64
	DistanceRank  int
	ElevationRank int
	Participants  int
	Day           string
}

var templateFuncs = template.FuncMap{
	"km": func(meters float64) string {
		return strconv.FormatFloat(meters/1000, 'f', 1, 64)
	},
}

// NewTemplateGenerator parses source; an empty source selects the built-in template.
func NewTemplateGenerator(source, marker string) (*TemplateGenerator, error) {
	if source == "" {
		source = defaultTemplate
	}
	tmpl, err := template.New("description").Funcs(templateFuncs).Parse(source)
	if err != nil {
		return nil, fmt.Errorf("parse description template: %w", err)
	}
	return &TemplateGenerator{tmpl: tmpl, marker: marker}, nil
}

// Generate implements Generator.
func (g *TemplateGenerator) Generate(ctx context.Context, in Input) (string, error) {
	data := templateData{
		Name:          in.Activity.Name,
		Distance:      in.Activity.Distance,
		ElevationGain: in.Activity.ElevationGain,
		DistanceRank:  in.Ranking.DistanceRank,
		ElevationRank: in.Ranking.ElevationRank,
		Participants:  in.Ranking.Participants,
	}
	if !in.Ranking.Day.IsZero() {
		data.Day = in.Ranking.Day.Format("2006-01-02")
	}

	var buf bytes.Buffer
	if err := g.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render description: %w", err)
	}
	return withMarker(buf.String(), g.marker), nil
}
