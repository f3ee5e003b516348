// Package session persists the daily broker access token between restarts so
// a mid-day restart does not force a fresh login.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrNoSession is returned when no token has been stored yet.
var ErrNoSession = errors.New("session: no stored session")

// ErrStale is returned when the stored token predates today's validity
// window. The upstream invalidates all tokens early each morning, so a token
// generated before that cutoff is dead regardless of age.
var ErrStale = errors.New("session: stored token is stale")

// tokenCutoffHourIST is the IST hour before which the upstream flushes the
// previous day's tokens.
const tokenCutoffHourIST = 8

// Session is the persisted login state.
type Session struct {
	APIKey      string    `json:"api_key"`
	AccessToken string    `json:"access_token"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Store reads and writes the session file. Writes are atomic (temp file plus
// rename) and owner-only, the token being a live credential.
type Store struct {
	path string
	ist  *time.Location
}

// NewStore builds a store over the given file path.
func NewStore(path string) *Store {
	ist, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		ist = time.FixedZone("IST", 5*3600+1800)
	}
	return &Store{path: path, ist: ist}
}

// Save writes the session atomically with 0600 permissions.
func (s *Store) Save(sess Session) error {
	if sess.AccessToken == "" {
		return fmt.Errorf("refusing to save an empty access token")
	}
	if sess.GeneratedAt.IsZero() {
		sess.GeneratedAt = time.Now()
	}

	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating session dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".session-*.json")
	if err != nil {
		return fmt.Errorf("creating temp session file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("restricting session file mode: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing session: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing session: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing session file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replacing session file: %w", err)
	}
	return nil
}

// Load returns the stored session if it is still usable at the given time.
// A missing file yields ErrNoSession; a token from before today's cutoff
// yields ErrStale.
func (s *Store) Load(now time.Time) (Session, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Session{}, ErrNoSession
		}
		return Session{}, fmt.Errorf("reading session file: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return Session{}, fmt.Errorf("parsing session file: %w", err)
	}
	if sess.AccessToken == "" {
		return Session{}, ErrNoSession
	}

	if s.staleAt(sess.GeneratedAt, now) {
		return Session{}, ErrStale
	}
	return sess, nil
}

// Clear removes the stored session. Missing file is not an error.
func (s *Store) Clear() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing session file: %w", err)
	}
	return nil
}

// staleAt reports whether a token generated at gen is dead at now: anything
// from before today's cutoff (or from the future) is unusable.
func (s *Store) staleAt(gen, now time.Time) bool {
	if gen.IsZero() {
		return true
	}
	nowIST := now.In(s.ist)
	cutoff := time.Date(nowIST.Year(), nowIST.Month(), nowIST.Day(), tokenCutoffHourIST, 0, 0, 0, s.ist)
	if nowIST.Before(cutoff) {
		// Before today's flush the previous evening's token still works.
		cutoff = cutoff.AddDate(0, 0, -1)
	}
	return gen.Before(cutoff)
}
