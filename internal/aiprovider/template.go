package aiprovider

import (
	"context"
	"sort"
	"strings"
)

// categoryHints maps well-known parameter names onto a category guess.
var categoryHints = map[string]string{
	"capacitance":     "Capacitors",
	"resistance":      "Resistors",
	"inductance":      "Inductors",
	"forward voltage": "Diodes",
	"gate charge":     "Transistors",
}

// TemplateProvider builds descriptions deterministically from the facts
// already on the part. It never leaves the process, so it is always
// available and acts as the fallback of last resort.
type TemplateProvider struct{}

func NewTemplateProvider() *TemplateProvider { return &TemplateProvider{} }

func (t *TemplateProvider) Name() string  { return "template" }
func (t *TemplateProvider) Priority() int { return 100 }

func (t *TemplateProvider) Describe(_ context.Context, req Request) (*Suggestion, error) {
	sug := &Suggestion{Confidence: 0.3}

	category := req.Category
	if category == "" {
		for param, hint := range categoryHints {
			for name := range req.Parameters {
				if strings.Contains(strings.ToLower(name), param) {
					category = hint
					break
				}
			}
			if category != "" {
				break
			}
		}
		sug.Category = category
	}

	parts := make([]string, 0, 4)
	if category != "" {
		parts = append(parts, strings.TrimSuffix(category, "s"))
	}
	if req.Manufacturer != "" {
		parts = append(parts, req.Manufacturer)
	}
	parts = append(parts, req.MPN)

	if traits := topParameters(req.Parameters, 3); len(traits) > 0 {
		parts = append(parts, strings.Join(traits, ", "))
	}
	sug.Description = strings.Join(parts, " ")
	return sug, nil
}

// topParameters returns up to n "value" strings in stable name order.
func topParameters(params map[string]string, n int) []string {
	names := make([]string, 0, len(params))
	for name, value := range params {
		if value != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	if len(names) > n {
		names = names[:n]
	}
	values := make([]string, 0, len(names))
	for _, name := range names {
		values = append(values, params[name])
	}
	return values
}
