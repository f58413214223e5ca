package storage

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, dbPath, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if filepath.Base(dbPath) != DefaultDBFileName {
		t.Fatalf("unexpected database path %q", dbPath)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return store
}

// recordSpaced inserts attempts with distinct millisecond timestamps so the
// newest-first ordering is deterministic.
func recordSpaced(t *testing.T, store *Store, profileName string, succeeded bool, reason string) {
	t.Helper()

	if err := store.RecordKnock(profileName, succeeded, reason); err != nil {
		t.Fatalf("RecordKnock failed: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
}

func TestRecordKnockAndList(t *testing.T) {
	store := newTestStore(t)

	recordSpaced(t, store, "home", true, "")
	recordSpaced(t, store, "home", false, "dial \"home.example.com:54154\": no route to host")

	attempts, err := store.ListKnocks("home", 0)
	if err != nil {
		t.Fatalf("ListKnocks failed: %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(attempts))
	}

	newest, oldest := attempts[0], attempts[1]
	if newest.Outcome != OutcomeFailed || newest.Reason == "" {
		t.Fatalf("expected newest attempt failed with reason, got %+v", newest)
	}
	if oldest.Outcome != OutcomeSucceeded || oldest.Reason != "" {
		t.Fatalf("expected oldest attempt succeeded with empty reason, got %+v", oldest)
	}
	if newest.Timestamp <= oldest.Timestamp {
		t.Fatalf("expected newest-first ordering, got %d then %d", newest.Timestamp, oldest.Timestamp)
	}
	if newest.AttemptID == "" || newest.AttemptID == oldest.AttemptID {
		t.Fatalf("expected distinct non-empty attempt ids")
	}
}

func TestRecordKnockClearsReasonOnSuccess(t *testing.T) {
	store := newTestStore(t)

	if err := store.RecordKnock("home", true, "stale reason from a prior failure"); err != nil {
		t.Fatalf("RecordKnock failed: %v", err)
	}

	attempt, err := store.LastKnock("home")
	if err != nil {
		t.Fatalf("LastKnock failed: %v", err)
	}
	if attempt.Reason != "" {
		t.Fatalf("expected empty reason for success, got %q", attempt.Reason)
	}
}

func TestRecordKnockRequiresProfileName(t *testing.T) {
	store := newTestStore(t)

	if err := store.RecordKnock("  ", true, ""); err == nil {
		t.Fatalf("expected error for blank profile name")
	}
}

func TestListKnocksFilterAndLimit(t *testing.T) {
	store := newTestStore(t)

	recordSpaced(t, store, "home", true, "")
	recordSpaced(t, store, "office", true, "")
	recordSpaced(t, store, "home", false, "timeout")

	all, err := store.ListKnocks("", 0)
	if err != nil {
		t.Fatalf("ListKnocks failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 attempts across profiles, got %d", len(all))
	}

	home, err := store.ListKnocks("home", 0)
	if err != nil {
		t.Fatalf("ListKnocks failed: %v", err)
	}
	if len(home) != 2 {
		t.Fatalf("expected 2 attempts for home, got %d", len(home))
	}
	for _, attempt := range home {
		if attempt.ProfileName != "home" {
			t.Fatalf("filter leaked attempt for %q", attempt.ProfileName)
		}
	}

	limited, err := store.ListKnocks("home", 1)
	if err != nil {
		t.Fatalf("ListKnocks failed: %v", err)
	}
	if len(limited) != 1 || limited[0].Outcome != OutcomeFailed {
		t.Fatalf("expected the single newest attempt, got %+v", limited)
	}
}

func TestLastKnock(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.LastKnock("home"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	recordSpaced(t, store, "home", false, "first")
	recordSpaced(t, store, "home", true, "")

	attempt, err := store.LastKnock("home")
	if err != nil {
		t.Fatalf("LastKnock failed: %v", err)
	}
	if attempt.Outcome != OutcomeSucceeded {
		t.Fatalf("expected most recent attempt, got %+v", attempt)
	}
}

func TestDeleteKnocks(t *testing.T) {
	store := newTestStore(t)

	recordSpaced(t, store, "home", true, "")
	recordSpaced(t, store, "office", true, "")

	if err := store.DeleteKnocks("home"); err != nil {
		t.Fatalf("DeleteKnocks failed: %v", err)
	}

	if _, err := store.LastKnock("home"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected home history gone, got %v", err)
	}
	if _, err := store.LastKnock("office"); err != nil {
		t.Fatalf("expected office history intact, got %v", err)
	}

	// Deleting an absent profile is not an error.
	if err := store.DeleteKnocks("home"); err != nil {
		t.Fatalf("second DeleteKnocks failed: %v", err)
	}
}

func TestRetentionPrunesOldAttempts(t *testing.T) {
	store := newTestStore(t)
	store.SetAttemptRetention(time.Millisecond)

	if err := store.RecordKnock("home", true, ""); err != nil {
		t.Fatalf("RecordKnock failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	// The next insert prunes everything past the retention horizon.
	if err := store.RecordKnock("home", false, "late attempt"); err != nil {
		t.Fatalf("RecordKnock failed: %v", err)
	}

	attempts, err := store.ListKnocks("home", 0)
	if err != nil {
		t.Fatalf("ListKnocks failed: %v", err)
	}
	if len(attempts) != 1 || attempts[0].Outcome != OutcomeFailed {
		t.Fatalf("expected only the fresh attempt to survive, got %+v", attempts)
	}
}

func TestReopenKeepsHistory(t *testing.T) {
	dataDir := t.TempDir()

	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := store.RecordKnock("home", true, ""); err != nil {
		t.Fatalf("RecordKnock failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	if _, err := reopened.LastKnock("home"); err != nil {
		t.Fatalf("expected history to survive reopen, got %v", err)
	}
}
