package aiprovider

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partstream/backend/internal/enrich"
	"github.com/partstream/backend/internal/fault"
)

type fakeProvider struct {
	name     string
	priority int
	sug      *Suggestion
	err      error
	calls    int
}

func (f *fakeProvider) Name() string  { return f.name }
func (f *fakeProvider) Priority() int { return f.priority }

func (f *fakeProvider) Describe(context.Context, Request) (*Suggestion, error) {
	f.calls++
	return f.sug, f.err
}

func quietEnricher(t *testing.T, providers ...Provider) *Enricher {
	t.Helper()
	e := NewEnricher(slog.New(slog.NewTextHandler(io.Discard, nil)))
	for _, p := range providers {
		require.NoError(t, e.Register(p))
	}
	return e
}

func TestTemplateProviderGuessesCategoryFromParameters(t *testing.T) {
	p := NewTemplateProvider()

	sug, err := p.Describe(context.Background(), Request{
		MPN:          "GRM188R71H104KA93D",
		Manufacturer: "Murata",
		Parameters:   map[string]string{"Capacitance": "0.1 µF", "Voltage - Rated": "50V"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Capacitors", sug.Category)
	assert.Contains(t, sug.Description, "Murata")
	assert.Contains(t, sug.Description, "GRM188R71H104KA93D")
	assert.Contains(t, sug.Description, "0.1 µF")
}

func TestTemplateProviderKeepsKnownCategory(t *testing.T) {
	p := NewTemplateProvider()

	sug, err := p.Describe(context.Background(), Request{
		MPN: "NE555P", Manufacturer: "TI", Category: "Clock & Timer ICs",
	})
	require.NoError(t, err)
	assert.Empty(t, sug.Category, "known category must not be re-suggested")
	assert.Contains(t, sug.Description, "NE555P")
}

func TestEnricherFillsOnlyEmptyFields(t *testing.T) {
	p := &fakeProvider{name: "fake", priority: 1, sug: &Suggestion{
		Description: "synthesized description",
		Category:    "Synthesized Category",
		Confidence:  0.8,
	}}
	e := quietEnricher(t, p)

	c := &enrich.Component{MPN: "NE555P", Category: "Clock & Timer ICs"}
	used := e.Fill(context.Background(), c)

	assert.Equal(t, "fake", used)
	assert.Equal(t, "synthesized description", c.Description)
	assert.Equal(t, "Clock & Timer ICs", c.Category, "supplier category must win")
}

func TestEnricherSkipsCompleteComponents(t *testing.T) {
	p := &fakeProvider{name: "fake", priority: 1, sug: &Suggestion{Description: "x"}}
	e := quietEnricher(t, p)

	c := &enrich.Component{MPN: "NE555P", Description: "done", Category: "ICs"}
	used := e.Fill(context.Background(), c)

	assert.Empty(t, used)
	assert.Zero(t, p.calls)
}

func TestEnricherFallsThroughFailingProvider(t *testing.T) {
	broken := &fakeProvider{name: "broken", priority: 1,
		err: fault.New(fault.KindTransient, "test", "model unavailable")}
	backup := &fakeProvider{name: "backup", priority: 2,
		sug: &Suggestion{Description: "from backup", Confidence: 0.4}}
	e := quietEnricher(t, broken, backup)

	c := &enrich.Component{MPN: "NE555P"}
	used := e.Fill(context.Background(), c)

	assert.Equal(t, "backup", used)
	assert.Equal(t, "from backup", c.Description)
	assert.Equal(t, 1, broken.calls)
}

func TestParseSuggestionToleratesProse(t *testing.T) {
	sug, err := parseSuggestion("Here you go:\n```json\n{\"description\":\"Timer IC\",\"category\":\"ICs\",\"confidence\":0.9}\n```")
	require.NoError(t, err)
	assert.Equal(t, "Timer IC", sug.Description)
	assert.Equal(t, 0.9, sug.Confidence)

	sug, err = parseSuggestion(`{"description":"bare"}`)
	require.NoError(t, err)
	assert.Equal(t, 0.5, sug.Confidence, "missing confidence defaults")

	_, err = parseSuggestion("no json here")
	require.Error(t, err)
}
