// Package player owns this installation's device identity and its
// playback endpoint registration lifecycle against the server: ghost
// adoption on first run, existence check, registration with retry,
// post-registration verification, and the liveness heartbeat.
package player

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/CollotsSpot/Massiv/internal/state"
)

const (
	// CurrentIDPrefix marks identifiers minted in the current format.
	CurrentIDPrefix = "ensemble_"

	// LegacyIDPrefix marks identifiers minted by pre-1.0 builds, which
	// registered under an app-namespaced id.
	LegacyIDPrefix = "massiv_"
)

// IsCurrentFormat reports whether id carries the current-format prefix.
func IsCurrentFormat(id string) bool {
	return strings.HasPrefix(id, CurrentIDPrefix)
}

// IdentityStore persists the single stable per-installation identity.
// Exactly one identity exists at a time; it is immutable once created
// and only ever replaced wholesale by Adopt.
type IdentityStore struct {
	st     *state.State
	logger *slog.Logger
}

// NewIdentityStore creates an IdentityStore over the given state db.
func NewIdentityStore(st *state.State, logger *slog.Logger) *IdentityStore {
	return &IdentityStore{st: st, logger: logger}
}

// Get returns the persisted identity, or nil when none exists. An
// identity found only under the legacy key is migrated in place: the
// same value is re-persisted under the current key, never regenerated.
func (s *IdentityStore) Get() (*state.Identity, error) {
	id, err := s.st.Identity()
	if err != nil {
		return nil, err
	}

	if id != nil {
		return id, nil
	}

	legacy := s.st.LegacyClientID()
	if legacy == "" {
		return nil, nil
	}

	migrated := state.Identity{ID: legacy, CreatedAt: time.Now()}
	if err := s.st.SetIdentity(migrated); err != nil {
		return nil, fmt.Errorf("migrating legacy identity: %w", err)
	}

	if err := s.st.DeleteLegacyClientID(); err != nil {
		return nil, fmt.Errorf("removing legacy identity key: %w", err)
	}

	s.logger.Info("migrated legacy identity", slog.String("player_id", legacy))

	return &migrated, nil
}

// GetOrCreate returns the existing identity verbatim, or mints and
// persists a new one when none exists. The presence of any stored
// identifier short-circuits generation: a legacy-format marker beside
// a valid identifier must never force a new id.
func (s *IdentityStore) GetOrCreate() (*state.Identity, error) {
	id, err := s.Get()
	if err != nil {
		return nil, err
	}

	if id != nil {
		return id, nil
	}

	fresh := state.Identity{
		ID:        CurrentIDPrefix + uuid.NewString(),
		CreatedAt: time.Now(),
	}

	if err := s.st.SetIdentity(fresh); err != nil {
		return nil, fmt.Errorf("persisting new identity: %w", err)
	}

	s.logger.Info("created new identity", slog.String("player_id", fresh.ID))

	return &fresh, nil
}

// Adopt overwrites the stored identity with id, bypassing generation.
// Must run strictly before the first GetOrCreate of a fresh
// installation.
func (s *IdentityStore) Adopt(id string) error {
	if id == "" {
		return fmt.Errorf("cannot adopt empty identifier")
	}

	if err := s.st.SetIdentity(state.Identity{ID: id, CreatedAt: time.Now()}); err != nil {
		return fmt.Errorf("persisting adopted identity: %w", err)
	}

	s.logger.Info("adopted identity", slog.String("player_id", id))

	return nil
}
