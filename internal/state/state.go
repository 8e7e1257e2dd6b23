package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.massiv/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket      = []byte("app")
	identityKey    = []byte("player_identity")
	legacyIDKey    = []byte("client_id")
	ownerNameKey   = []byte("owner_name")
	serverIDKey    = []byte("server_id")
	configSavedKey = []byte("player_config_saved")
)

// Identity is the persisted per-installation device identity.
type Identity struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// State wraps a bbolt database for all persistent application state.
type State struct {
	db *bolt.DB
}

// Load opens the state database at ~/.massiv/state.db, creating it
// if it does not exist. The app bucket is created on open.
func Load() (*State, error) {
	return LoadAt(dbPath())
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(appBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Identity returns the stored device identity, or nil when absent.
func (s *State) Identity() (*Identity, error) {
	var id *Identity

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(identityKey)
		if v == nil {
			return nil
		}

		id = &Identity{}

		return json.Unmarshal(v, id)
	})
	if err != nil {
		return nil, fmt.Errorf("reading identity: %w", err)
	}

	return id, nil
}

// SetIdentity persists the device identity, replacing any previous value.
func (s *State) SetIdentity(id Identity) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(id)
		if err != nil {
			return err
		}

		return tx.Bucket(appBucket).Put(identityKey, data)
	})
}

// LegacyClientID returns the identifier stored by pre-1.0 builds under
// the old client_id key, or empty string.
func (s *State) LegacyClientID() string {
	var id string

	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(legacyIDKey)
		if v != nil {
			id = string(v)
		}

		return nil
	})

	return id
}

// DeleteLegacyClientID removes the old client_id key after migration.
func (s *State) DeleteLegacyClientID() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Delete(legacyIDKey)
	})
}

// SetLegacyClientID writes the old-format key. Only used by tests and
// the migration path; current builds persist through SetIdentity.
func (s *State) SetLegacyClientID(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(legacyIDKey, []byte(id))
	})
}

// OwnerName returns the cached owner display label, or empty string.
func (s *State) OwnerName() string {
	return s.getString(ownerNameKey)
}

// SetOwnerName persists the owner display label.
func (s *State) SetOwnerName(name string) error {
	return s.putString(ownerNameKey, name)
}

// ServerID returns the identifier of the last server this installation
// connected to, or empty string.
func (s *State) ServerID() string {
	return s.getString(serverIDKey)
}

// SetServerID persists the last-seen server identifier.
func (s *State) SetServerID(id string) error {
	return s.putString(serverIDKey, id)
}

// PlayerConfigSaved reports whether the server acknowledged persisting
// this player's configuration after the most recent registration.
func (s *State) PlayerConfigSaved() bool {
	return s.getString(configSavedKey) == "true"
}

// SetPlayerConfigSaved records the registration save acknowledgement.
func (s *State) SetPlayerConfigSaved(saved bool) error {
	v := "false"
	if saved {
		v = "true"
	}

	return s.putString(configSavedKey, v)
}

func (s *State) getString(key []byte) string {
	var out string

	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(key)
		if v != nil {
			out = string(v)
		}

		return nil
	})

	return out
}

func (s *State) putString(key []byte, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(key, []byte(value))
	})
}

func dbPath() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		// Fail loudly rather than silently writing to the current
		// directory where the database might end up with wrong
		// permissions or inside a source-controlled tree.
		fmt.Fprintf(os.Stderr, "fatal: cannot determine home directory: %v\n", err)
		os.Exit(1)
	}

	return filepath.Join(dir, ".massiv", "state.db")
}
