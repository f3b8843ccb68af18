package synthesis

import (
	"bytes"
	"fmt"
	"text/template"
)

// DefaultTemplate is used for kinds without a configured template.
const DefaultTemplate = `You are distilling a recurring pattern from {{.Count}} "{{.Kind}}" records (level {{.Level}}) that share {{.Dimension}} = {{.Bucket}}.

## Statistics
{{- if .Stats.Observed}}
- Success rate: {{percent .Stats.SuccessRate}} ({{.Stats.Successes}}/{{.Stats.Observed}})
{{- end}}
{{- range $name, $n := .Stats.Numeric}}
- {{$name}}: mean {{printf "%.4g" $n.Mean}}, median {{printf "%.4g" $n.Median}}, variance {{printf "%.4g" $n.Variance}} (n={{$n.N}})
{{- end}}
- Time span: {{.Stats.Oldest.Format "2006-01-02T15:04Z07:00"}} to {{.Stats.Newest.Format "2006-01-02T15:04Z07:00"}}

## Resonance
- S={{printf "%.3f" .Scores.S}} phi={{printf "%.3f" .Scores.Phi}} rho={{printf "%.3f" .Scores.Rho}} theta={{printf "%.3f" .Scores.Theta}} omega={{printf "%.3f" .Scores.Omega}}

## Representative records
{{- range .Representatives}}

### {{.ID}}
- Attributes: {{.Attributes}}
{{- if .Payload}}
- Payload: {{.Payload}}
{{- end}}
{{- if .Lesson}}
- Lesson: {{.Lesson}}
{{- end}}
{{- end}}

## Instructions
Write one lesson that explains what this group of records teaches, then list concrete insights and recommendations. Base every statement on the data above.

## Output Format
Respond with exactly these sections:

LESSON: <one paragraph>
KEY_INSIGHTS:
- <insight>
RECOMMENDATIONS:
- <recommendation>
`

var funcs = template.FuncMap{
	"percent": func(f float64) string { return fmt.Sprintf("%.1f%%", f*100) },
}

// PromptBuilder renders bounded prompts from kind templates.
type PromptBuilder struct {
	templates map[string]*template.Template
	fallback  *template.Template
	maxBytes  int
}

// NewPromptBuilder parses the default template and per-kind overrides.
// maxBytes bounds the rendered prompt; 0 disables the bound.
func NewPromptBuilder(kindTemplates map[string]string, maxBytes int) (*PromptBuilder, error) {
	fallback, err := template.New("default").Funcs(funcs).Parse(DefaultTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse default template: %w", err)
	}
	pb := &PromptBuilder{
		templates: make(map[string]*template.Template, len(kindTemplates)),
		fallback:  fallback,
		maxBytes:  maxBytes,
	}
	for kind, text := range kindTemplates {
		tmpl, err := template.New(kind).Funcs(funcs).Parse(text)
		if err != nil {
			return nil, fmt.Errorf("parse template for %s: %w", kind, err)
		}
		pb.templates[kind] = tmpl
	}
	return pb, nil
}

// Build renders the prompt for summary. When the result exceeds the byte
// bound, representatives are dropped from the middle outward until it fits;
// a prompt still too large is truncated.
func (pb *PromptBuilder) Build(summary Summary) (string, error) {
	tmpl, ok := pb.templates[summary.Kind]
	if !ok {
		tmpl = pb.fallback
	}
	for {
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, summary); err != nil {
			return "", fmt.Errorf("render prompt for %s: %w", summary.Kind, err)
		}
		if pb.maxBytes <= 0 || buf.Len() <= pb.maxBytes {
			return buf.String(), nil
		}
		if len(summary.Representatives) == 0 {
			return truncate(buf.String(), pb.maxBytes), nil
		}
		summary.Representatives = dropMiddle(summary.Representatives)
	}
}

func dropMiddle(reps []Representative) []Representative {
	mid := len(reps) / 2
	out := make([]Representative, 0, len(reps)-1)
	out = append(out, reps[:mid]...)
	return append(out, reps[mid+1:]...)
}
