// Package identity issues and verifies agent bearer credentials.
//
// Secrets are 256-bit random values shown once at creation; only their
// SHA-256 digest is stored, which keeps lookup a single indexed read. A
// deployment-level superuser secret bypasses the store and maps to
// SUPER_ADMIN.
package identity

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"github.com/basket/leadops/internal/persistence"
	"github.com/basket/leadops/internal/roles"
	"github.com/basket/leadops/internal/shared"
	"github.com/google/uuid"
)

const (
	CredentialPrefix = "lo_"
	SuperuserID      = "superuser"
	secretBytes      = 32
)

// Store is the slice of persistence.Store the service needs.
type Store interface {
	CreateAgent(ctx context.Context, rec *persistence.AgentRecord) error
	GetAgent(ctx context.Context, id string) (*persistence.AgentRecord, error)
	GetAgentByCredentialHash(ctx context.Context, hash string) (*persistence.AgentRecord, error)
	ListAgents(ctx context.Context, includeInactive bool) ([]persistence.AgentRecord, error)
	DeactivateAgent(ctx context.Context, id string) (bool, error)
	UpdateAgentCredential(ctx context.Context, id, hash string) (bool, error)
}

// Principal is an authenticated caller.
type Principal struct {
	AgentID string     `json:"agent_id"`
	Name    string     `json:"name"`
	Role    roles.Role `json:"role"`
}

// IsSuperuser reports whether p carries the universal role.
func (p *Principal) IsSuperuser() bool {
	return p != nil && p.Role == roles.SuperAdmin
}

type Service struct {
	store     Store
	superHash [sha256.Size]byte
	hasSuper  bool
	logger    *slog.Logger
}

// New returns a Service. An empty superuserSecret disables the bypass.
func New(store Store, superuserSecret string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{store: store, logger: logger}
	if superuserSecret != "" {
		s.superHash = sha256.Sum256([]byte(superuserSecret))
		s.hasSuper = true
	}
	return s
}

// GenerateCredential returns a fresh "lo_"-prefixed bearer secret.
func GenerateCredential() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return CredentialPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashCredential returns the hex SHA-256 digest stored for secret.
func HashCredential(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// Create registers a new active agent and returns it with its plaintext
// secret. The secret cannot be recovered later.
func (s *Service) Create(ctx context.Context, name string, role roles.Role, metadata map[string]string) (*persistence.AgentRecord, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, "", shared.NewError(shared.KindInvalidInput, "agent name is required")
	}
	if !role.Valid() {
		return nil, "", shared.NewError(shared.KindInvalidInput, "unknown role %q", role)
	}
	secret, err := GenerateCredential()
	if err != nil {
		return nil, "", shared.WrapError(shared.KindInternal, err, "generate credential")
	}
	rec := &persistence.AgentRecord{
		ID:             uuid.NewString(),
		Name:           name,
		Role:           role,
		CredentialHash: HashCredential(secret),
		IsActive:       true,
		Metadata:       metadata,
	}
	if err := s.store.CreateAgent(ctx, rec); err != nil {
		return nil, "", err
	}
	s.logger.Info("agent created", "agent_id", rec.ID, "role", string(role))
	return rec, secret, nil
}

// Authenticate resolves secret to a Principal. Unknown and inactive
// credentials both yield Unauthenticated.
func (s *Service) Authenticate(ctx context.Context, secret string) (*Principal, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, shared.NewError(shared.KindUnauthenticated, "missing credential")
	}
	if s.hasSuper {
		candidate := sha256.Sum256([]byte(secret))
		if subtle.ConstantTimeCompare(candidate[:], s.superHash[:]) == 1 {
			return &Principal{AgentID: SuperuserID, Name: "superuser", Role: roles.SuperAdmin}, nil
		}
	}
	rec, err := s.store.GetAgentByCredentialHash(ctx, HashCredential(secret))
	if err != nil {
		return nil, err
	}
	if rec == nil || !rec.IsActive {
		return nil, shared.NewError(shared.KindUnauthenticated, "invalid credential")
	}
	return &Principal{AgentID: rec.ID, Name: rec.Name, Role: rec.Role}, nil
}

// Get returns the agent with id or a NotFound error.
func (s *Service) Get(ctx context.Context, id string) (*persistence.AgentRecord, error) {
	rec, err := s.store.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, shared.NewError(shared.KindNotFound, "agent %s not found", id)
	}
	return rec, nil
}

func (s *Service) List(ctx context.Context, includeInactive bool) ([]persistence.AgentRecord, error) {
	return s.store.ListAgents(ctx, includeInactive)
}

// Deactivate disables an agent. Agents are never deleted.
func (s *Service) Deactivate(ctx context.Context, id string) error {
	ok, err := s.store.DeactivateAgent(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return shared.NewError(shared.KindNotFound, "agent %s not found", id)
	}
	s.logger.Info("agent deactivated", "agent_id", id)
	return nil
}

// Rotate issues a new secret for an active agent; the old one stops working
// immediately.
func (s *Service) Rotate(ctx context.Context, id string) (string, error) {
	secret, err := GenerateCredential()
	if err != nil {
		return "", shared.WrapError(shared.KindInternal, err, "generate credential")
	}
	ok, err := s.store.UpdateAgentCredential(ctx, id, HashCredential(secret))
	if err != nil {
		return "", err
	}
	if !ok {
		return "", shared.NewError(shared.KindNotFound, "active agent %s not found", id)
	}
	s.logger.Info("agent credential rotated", "agent_id", id)
	return secret, nil
}
