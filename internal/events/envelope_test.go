package events

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchKey(t *testing.T) {
	cases := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"bom.parsed", "bom.parsed", true},
		{"bom.parsed", "bom.deleted", false},
		{"customer.bom.*", "customer.bom.enrichment_progress", true},
		{"customer.bom.*", "customer.bom.audit.ready", false}, // * is one segment
		{"customer.#", "customer.bom.enrichment_progress", true},
		{"#", "anything.at.all", true},
		{"", "anything.at.all", true},
		{"admin.workflow.*", "admin.workflow.pause", true},
		{"admin.workflow.*", "admin.workflow", false},
		{"enrichment.api.#", "enrichment.api.mouser_called", true},
		{"bom.parsed.extra", "bom.parsed", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, MatchKey(tc.pattern, tc.key), "pattern=%q key=%q", tc.pattern, tc.key)
	}
}

func TestMatchAnyEmptyMatchesEverything(t *testing.T) {
	assert.True(t, MatchAny(nil, "bom.parsed"))
	assert.True(t, MatchAny([]string{"nope.*", "bom.*"}, "bom.parsed"))
	assert.False(t, MatchAny([]string{"nope.*"}, "bom.parsed"))
}

func TestStreamFor(t *testing.T) {
	assert.Equal(t, StreamBOM, StreamFor(KeyBOMParsed))
	assert.Equal(t, StreamBOM, StreamFor(KeyEnrichmentProgress))
	assert.Equal(t, StreamBOM, StreamFor(KeyAuditReady))
	assert.Equal(t, StreamEnrichment, StreamFor(KeyComponentEnrichRequest))
	assert.Equal(t, StreamEnrichment, StreamFor(KeyComponentEnriched))
	assert.Equal(t, StreamEnrichment, StreamFor(SupplierCalledKey("mouser")))
	assert.Equal(t, StreamAdmin, StreamFor(KeyAdminPause))
	assert.Equal(t, StreamAdmin, StreamFor(KeyWorkflowPaused))
	assert.Equal(t, StreamAudit, StreamFor("something.unmapped"), "unknown keys land on audit")
}

func TestSupplierCalledKey(t *testing.T) {
	assert.Equal(t, "enrichment.api.digikey_called", SupplierCalledKey("digikey"))
}

func TestEnvelopeRoundtrip(t *testing.T) {
	env, err := NewEnvelope(KeyBOMParsed, "org-1", BOMParsed{
		BOMID:          "0f1e2d3c-0000-4000-8000-000000000001",
		OrganizationID: "0f1e2d3c-0000-4000-8000-000000000002",
		Source:         "customer",
		ParsedS3Key:    "parsed/org-1/bom.json",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, env.ID)
	assert.Equal(t, "org-1", env.TenantID)
	assert.False(t, env.OccurredAt.IsZero())

	var got BOMParsed
	require.NoError(t, env.Decode(&got))
	assert.Equal(t, "parsed/org-1/bom.json", got.ParsedS3Key)
}

func TestSSEFormat(t *testing.T) {
	env, err := NewEnvelope(KeyEnrichmentProgress, "org-1", EnrichmentProgress{BOMID: "bom-1", PercentComplete: 40})
	require.NoError(t, err)

	frame, err := env.SSEFormat()
	require.NoError(t, err)
	text := string(frame)
	assert.True(t, strings.HasPrefix(text, "event: customer.bom.enrichment_progress\n"))
	assert.Contains(t, text, "data: {")
	assert.True(t, strings.HasSuffix(text, "\n\n"), "SSE frames end with a blank line")
}
