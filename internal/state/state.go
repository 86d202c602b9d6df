package state

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/avolkow/huddle/internal/chat"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.huddle/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	// It holds session tokens, so group/world access is never granted.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket   = []byte("app")
	readsBucket = []byte("reads")
	sessionKey  = []byte("session")
)

// globalScopeKey keys the read mark for the implicit global room, which
// has an empty scope id on the wire.
const globalScopeKey = "global"

// Session is the persisted sign-in state, so restarting the client does
// not force a fresh sign-in while the credential is still valid.
type Session struct {
	Token     string `json:"token"`
	UserID    string `json:"user_id"`
	Email     string `json:"email"`
	ExpiresAt int64  `json:"expires_at"`
}

// Expired reports whether the session credential has passed its expiry.
func (s Session) Expired() bool {
	return s.ExpiresAt != 0 && time.Now().Unix() >= s.ExpiresAt
}

// State wraps a bbolt database for all persistent client state: the
// session and per-conversation read watermarks.
type State struct {
	db *bolt.DB
}

// Load opens the state database at ~/.huddle/state.db, creating it if it
// does not exist.
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
		if _, err := tx.CreateBucketIfNotExists(appBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(readsBucket)

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

// Session returns the persisted session, or nil when none is stored.
func (s *State) Session() (*Session, error) {
	var sess *Session

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(sessionKey)
		if v == nil {
			return nil
		}

		sess = &Session{}

		return json.Unmarshal(v, sess)
	})

	return sess, err
}

// SetSession persists the session.
func (s *State) SetSession(sess Session) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(sess)
		if err != nil {
			return err
		}

		return tx.Bucket(appBucket).Put(sessionKey, data)
	})
}

// ClearSession removes the persisted session.
func (s *State) ClearSession() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Delete(sessionKey)
	})
}

// SetLastRead persists the read watermark for a scope in milliseconds.
func (s *State) SetLastRead(scope chat.Scope, ts int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(ts))

		return tx.Bucket(readsBucket).Put(scopeKey(scope), buf[:])
	})
}

// LastRead returns the read watermark for a scope, or zero when the scope
// has never been marked read.
func (s *State) LastRead(scope chat.Scope) (int64, error) {
	var ts int64

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(readsBucket).Get(scopeKey(scope))
		if len(v) == 8 {
			ts = int64(binary.BigEndian.Uint64(v))
		}

		return nil
	})

	return ts, err
}

func scopeKey(scope chat.Scope) []byte {
	if scope.Global() {
		return []byte(globalScopeKey)
	}

	return []byte(scope)
}

func dbPath() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		// Fail loudly rather than silently writing to the current directory
		// where the database (containing session tokens) might end up with
		// wrong permissions or inside a source-controlled tree.
		fmt.Fprintf(os.Stderr, "fatal: cannot determine home directory: %v\n", err)
		os.Exit(1)
	}

	return filepath.Join(dir, ".huddle", "state.db")
}
