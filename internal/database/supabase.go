package database

import (
	"context"
	"fmt"
	"time"

	supabase "github.com/supabase-community/supabase-go"

	"github.com/partstream/backend/internal/config"
)

// ============================================================================
// SUPABASE CLIENT - org directory, API keys, platform settings
// ============================================================================

// SupabaseClient wraps the Supabase Go client. Organizations and API keys are
// owned by the account service; this side only reads them, plus reads/writes
// the platform_settings table backing runtime configuration.
type SupabaseClient struct {
	client *supabase.Client
}

// NewSupabaseClient creates a client from config.
func NewSupabaseClient(cfg config.SupabaseConfig) (*SupabaseClient, error) {
	if cfg.URL == "" || cfg.ServiceKey == "" {
		return nil, fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY must be set")
	}

	client, err := supabase.NewClient(cfg.URL, cfg.ServiceKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Supabase client: %w", err)
	}

	return &SupabaseClient{client: client}, nil
}

// ============================================================================
// DATA MODELS
// ============================================================================

// Organization is a customer tenant.
type Organization struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Slug      string                 `json:"slug"`
	Plan      string                 `json:"plan"`
	Status    string                 `json:"status"`
	Limits    map[string]interface{} `json:"limits"`
	CreatedAt string                 `json:"created_at"` // string to handle Supabase timestamp format
}

// APIKey is a service credential scoped to one organization.
type APIKey struct {
	KeyID      string     `json:"key_id"`
	OrgID      string     `json:"organization_id"`
	Name       string     `json:"name"`
	KeyHash    string     `json:"key_hash"`
	Role       string     `json:"role"`
	IsActive   bool       `json:"is_active"`
	ExpiresAt  *time.Time `json:"expires_at"`
	LastUsedAt *time.Time `json:"last_used_at"`
}

// PlatformSetting is one runtime configuration row.
type PlatformSetting struct {
	Key         string `json:"key"`
	Value       string `json:"value"`
	Description string `json:"description,omitempty"`
	UpdatedAt   string `json:"updated_at,omitempty"`
	UpdatedBy   string `json:"updated_by,omitempty"`
}

// ============================================================================
// ORGANIZATION OPERATIONS
// ============================================================================

// GetOrganization retrieves an organization by id. Returns nil when absent.
func (sc *SupabaseClient) GetOrganization(ctx context.Context, orgID string) (*Organization, error) {
	var orgs []Organization
	_, err := sc.client.From("organizations").
		Select("*", "", false).
		Eq("id", orgID).
		ExecuteTo(&orgs)

	if err != nil {
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}
	if len(orgs) == 0 {
		return nil, nil
	}
	return &orgs[0], nil
}

// ============================================================================
// API KEY OPERATIONS
// ============================================================================

// GetAPIKey retrieves an API key row by its public key id.
func (sc *SupabaseClient) GetAPIKey(ctx context.Context, keyID string) (*APIKey, error) {
	var keys []APIKey
	_, err := sc.client.From("api_keys").
		Select("*", "", false).
		Eq("key_id", keyID).
		ExecuteTo(&keys)

	if err != nil {
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	return &keys[0], nil
}

// CreateAPIKey inserts a new key row. The caller supplies the bcrypt hash.
func (sc *SupabaseClient) CreateAPIKey(ctx context.Context, key *APIKey) error {
	var result []APIKey
	_, err := sc.client.From("api_keys").
		Insert(key, false, "", "", "").
		ExecuteTo(&result)
	return err
}

// TouchAPIKey updates last_used_at; failures are non-fatal for auth.
func (sc *SupabaseClient) TouchAPIKey(ctx context.Context, keyID string) error {
	now := time.Now().UTC()
	var result []APIKey
	_, err := sc.client.From("api_keys").
		Update(map[string]interface{}{"last_used_at": now.Format(time.RFC3339)}, "", "").
		Eq("key_id", keyID).
		ExecuteTo(&result)
	return err
}

// DeactivateAPIKey flips is_active off.
func (sc *SupabaseClient) DeactivateAPIKey(ctx context.Context, keyID string) error {
	var result []APIKey
	_, err := sc.client.From("api_keys").
		Update(map[string]interface{}{"is_active": false}, "", "").
		Eq("key_id", keyID).
		ExecuteTo(&result)
	return err
}

// ============================================================================
// PLATFORM SETTINGS OPERATIONS
// ============================================================================

// ListPlatformSettings returns all runtime settings as a flat map.
func (sc *SupabaseClient) ListPlatformSettings(ctx context.Context) (map[string]string, error) {
	var rows []PlatformSetting
	_, err := sc.client.From("platform_settings").
		Select("*", "", false).
		ExecuteTo(&rows)

	if err != nil {
		return nil, fmt.Errorf("failed to list platform settings: %w", err)
	}

	out := make(map[string]string, len(rows))
	for _, row := range rows {
		out[row.Key] = row.Value
	}
	return out, nil
}

// UpsertPlatformSetting writes one setting row.
func (sc *SupabaseClient) UpsertPlatformSetting(ctx context.Context, setting *PlatformSetting) error {
	var result []PlatformSetting
	_, err := sc.client.From("platform_settings").
		Upsert(setting, "key", "", "").
		ExecuteTo(&result)
	return err
}

// ============================================================================
// SETTINGS SOURCE ADAPTER
// ============================================================================

// SettingsSource adapts the client to config.Source.
type SettingsSource struct {
	client *SupabaseClient
}

func NewSettingsSource(client *SupabaseClient) *SettingsSource {
	return &SettingsSource{client: client}
}

func (s *SettingsSource) Load(ctx context.Context) (map[string]string, error) {
	return s.client.ListPlatformSettings(ctx)
}

var _ config.Source = (*SettingsSource)(nil)
