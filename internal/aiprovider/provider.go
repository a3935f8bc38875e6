package aiprovider

import (
	"context"
	"log/slog"
	"time"

	"github.com/partstream/backend/internal/enrich"
	"github.com/partstream/backend/pkg/plugins"
)

// Provider synthesizes descriptive fields for parts the suppliers returned
// sparsely. Providers suggest, they never decide: supplier facts always win.
type Provider interface {
	Name() string
	Priority() int
	Describe(ctx context.Context, req Request) (*Suggestion, error)
}

// Request carries the known facts about a part. Parameters are read-only
// context for the provider.
type Request struct {
	MPN          string            `json:"mpn"`
	Manufacturer string            `json:"manufacturer"`
	Category     string            `json:"category,omitempty"`
	Parameters   map[string]string `json:"parameters,omitempty"`
}

// Suggestion is a provider's proposed fill for empty fields.
type Suggestion struct {
	Description string  `json:"description,omitempty"`
	Category    string  `json:"category,omitempty"`
	Confidence  float64 `json:"confidence"`
}

const describeTimeout = 20 * time.Second

// Enricher runs providers in priority order to fill gaps in a normalized
// component. Only empty fields are ever written.
type Enricher struct {
	registry *plugins.Registry[Provider]
	logger   *slog.Logger
}

func NewEnricher(logger *slog.Logger) *Enricher {
	return &Enricher{
		registry: plugins.NewRegistry[Provider]("ai-provider"),
		logger:   logger.With("component", "ai-enricher"),
	}
}

func (e *Enricher) Register(p Provider) error { return e.registry.Register(p) }

func (e *Enricher) Providers() []plugins.Info { return e.registry.List() }

// Fill asks providers, best first, to complete the component's description
// and category. The first usable suggestion wins. Returns the provider name
// that contributed, or empty when nothing was filled. Provider failures are
// logged and skipped; gap filling is strictly best-effort.
func (e *Enricher) Fill(ctx context.Context, c *enrich.Component) string {
	if c.Description != "" && c.Category != "" {
		return ""
	}

	req := Request{
		MPN:          c.MPN,
		Manufacturer: c.Manufacturer,
		Category:     c.Category,
		Parameters:   c.Parameters,
	}

	for _, p := range e.registry.InOrder() {
		pctx, cancel := context.WithTimeout(ctx, describeTimeout)
		sug, err := p.Describe(pctx, req)
		cancel()
		if err != nil {
			e.logger.Warn("🤖 AI provider failed, trying next",
				"provider", p.Name(), "mpn", c.MPN, "error", err)
			continue
		}
		if sug == nil {
			continue
		}

		filled := false
		if c.Description == "" && sug.Description != "" {
			c.Description = sug.Description
			filled = true
		}
		if c.Category == "" && sug.Category != "" {
			c.Category = sug.Category
			filled = true
		}
		if filled {
			e.logger.Debug("🤖 AI provider filled gaps",
				"provider", p.Name(), "mpn", c.MPN, "confidence", sug.Confidence)
			return p.Name()
		}
	}
	return ""
}
