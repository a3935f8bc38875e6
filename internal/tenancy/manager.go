// Package tenancy loads organizations and validates service API keys against
// the account store.
package tenancy

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/partstream/backend/internal/database"
	"github.com/partstream/backend/internal/fault"
)

// KeyPrefix marks platform service keys: ps_<key_id>.<secret>
const KeyPrefix = "ps_"

// Manager resolves organizations and API keys via the account store.
type Manager struct {
	db *database.SupabaseClient
}

func NewManager(db *database.SupabaseClient) *Manager {
	return &Manager{db: db}
}

// ============================================================================
// ORGANIZATION OPERATIONS
// ============================================================================

// GetOrganization retrieves an organization by ID.
func (m *Manager) GetOrganization(ctx context.Context, orgID string) (*database.Organization, error) {
	return m.db.GetOrganization(ctx, orgID)
}

// LoadOrganization validates and loads an organization, ensuring it can use
// the platform. Suspended and cancelled orgs are refused.
func (m *Manager) LoadOrganization(ctx context.Context, orgID string) (*database.Organization, error) {
	org, err := m.db.GetOrganization(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if org == nil {
		return nil, fault.New(fault.KindUnauthenticated, "tenancy.load", "organization not found")
	}

	switch strings.ToLower(org.Status) {
	case "active", "trial":
		return org, nil
	default:
		return nil, fault.Newf(fault.KindForbidden, "tenancy.load", "organization is %s", org.Status)
	}
}

// ============================================================================
// API KEY MANAGEMENT
// ============================================================================

// CreateAPIKey creates a new API key with format: ps_<id>.<secret>
// The full key is returned exactly once; only the secret's hash is stored.
func (m *Manager) CreateAPIKey(ctx context.Context, orgID, name, role string) (*database.APIKey, string, error) {
	idBytes := make([]byte, 8)
	rand.Read(idBytes)
	keyID := hex.EncodeToString(idBytes) // 16 chars

	secretBytes := make([]byte, 24)
	rand.Read(secretBytes)
	secret := hex.EncodeToString(secretBytes) // 48 chars

	fullKey := fmt.Sprintf("%s%s.%s", KeyPrefix, keyID, secret)

	// The ID is used for lookup, so only the secret is hashed.
	secretHash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", err
	}

	apiKey := &database.APIKey{
		KeyID:    keyID,
		OrgID:    orgID,
		Name:     name,
		KeyHash:  string(secretHash),
		Role:     role,
		IsActive: true,
	}

	if err := m.db.CreateAPIKey(ctx, apiKey); err != nil {
		return nil, "", err
	}

	return apiKey, fullKey, nil
}

// ValidateAPIKey validates a full key string and returns the owning
// organization plus the key's role.
func (m *Manager) ValidateAPIKey(ctx context.Context, fullKey string) (*database.Organization, string, error) {
	if !strings.HasPrefix(fullKey, KeyPrefix) {
		return nil, "", fault.New(fault.KindUnauthenticated, "tenancy.apikey", "invalid key format")
	}
	parts := strings.Split(strings.TrimPrefix(fullKey, KeyPrefix), ".")
	if len(parts) != 2 {
		return nil, "", fault.New(fault.KindUnauthenticated, "tenancy.apikey", "invalid key format")
	}

	keyID := parts[0]
	secret := parts[1]

	apiKey, err := m.db.GetAPIKey(ctx, keyID)
	if err != nil {
		return nil, "", fmt.Errorf("lookup failed: %w", err)
	}
	if apiKey == nil {
		return nil, "", fault.New(fault.KindUnauthenticated, "tenancy.apikey", "invalid api key")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(apiKey.KeyHash), []byte(secret)); err != nil {
		return nil, "", fault.New(fault.KindUnauthenticated, "tenancy.apikey", "invalid api key secret")
	}

	if !apiKey.IsActive {
		return nil, "", fault.New(fault.KindUnauthenticated, "tenancy.apikey", "api key inactive")
	}
	if apiKey.ExpiresAt != nil && time.Now().After(*apiKey.ExpiresAt) {
		return nil, "", fault.New(fault.KindUnauthenticated, "tenancy.apikey", "api key expired")
	}

	org, err := m.LoadOrganization(ctx, apiKey.OrgID)
	if err != nil {
		return nil, "", err
	}

	// Best-effort usage stamp.
	_ = m.db.TouchAPIKey(ctx, keyID)

	return org, apiKey.Role, nil
}
