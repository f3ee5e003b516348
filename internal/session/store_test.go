package session

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

var ist = time.FixedZone("IST", 5*3600+1800)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "session.json"))
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	store := newTestStore(t)
	gen := time.Date(2026, time.January, 5, 9, 0, 0, 0, ist)

	err := store.Save(Session{APIKey: "key", AccessToken: "tok123", GeneratedAt: gen})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := store.Load(gen.Add(2 * time.Hour))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.AccessToken != "tok123" || got.APIKey != "key" {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestLoadMissingFileReturnsNoSession(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Load(time.Now()); !errors.Is(err, ErrNoSession) {
		t.Fatalf("want ErrNoSession, got %v", err)
	}
}

func TestLoadYesterdayTokenIsStale(t *testing.T) {
	store := newTestStore(t)
	gen := time.Date(2026, time.January, 4, 15, 0, 0, 0, ist)
	if err := store.Save(Session{AccessToken: "tok", GeneratedAt: gen}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Next trading morning, after the upstream flush.
	now := time.Date(2026, time.January, 5, 8, 50, 0, 0, ist)
	if _, err := store.Load(now); !errors.Is(err, ErrStale) {
		t.Fatalf("want ErrStale, got %v", err)
	}
}

func TestLoadYesterdayTokenStillValidBeforeCutoff(t *testing.T) {
	store := newTestStore(t)
	gen := time.Date(2026, time.January, 4, 15, 0, 0, 0, ist)
	if err := store.Save(Session{AccessToken: "tok", GeneratedAt: gen}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Pre-dawn the next day the token has not been flushed yet.
	now := time.Date(2026, time.January, 5, 6, 0, 0, 0, ist)
	if _, err := store.Load(now); err != nil {
		t.Fatalf("pre-cutoff load: %v", err)
	}
}

func TestSaveRefusesEmptyToken(t *testing.T) {
	store := newTestStore(t)
	if err := store.Save(Session{}); err == nil {
		t.Fatal("empty token must not be persisted")
	}
}

func TestSessionFileIsOwnerOnly(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file modes are not meaningful on windows")
	}
	store := newTestStore(t)
	if err := store.Save(Session{AccessToken: "tok", GeneratedAt: time.Now()}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	info, err := os.Stat(store.path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if mode := info.Mode().Perm(); mode != 0o600 {
		t.Errorf("session file mode = %o, want 600", mode)
	}
}

func TestClearRemovesSession(t *testing.T) {
	store := newTestStore(t)
	if err := store.Save(Session{AccessToken: "tok", GeneratedAt: time.Now()}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, err := store.Load(time.Now()); !errors.Is(err, ErrNoSession) {
		t.Fatalf("want ErrNoSession after Clear, got %v", err)
	}
	if err := store.Clear(); err != nil {
		t.Errorf("Clear on missing file: %v", err)
	}
}
