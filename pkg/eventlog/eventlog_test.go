package eventlog

import (
	"testing"

	"github.com/rs/zerolog"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir()+"/eventlog.db", zerolog.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestIdempotentInsert(t *testing.T) {
	s := openTestStore(t)
	group, err := s.GetOrCreateGroup("contract-1")
	if err != nil {
		t.Fatalf("get or create group: %v", err)
	}

	tag := "emit_by:key1:psbt_hash:abc"
	if _, err := s.Insert(group, "EmittedPSBTVia", []byte(`{}`), &tag); err != nil {
		t.Fatalf("first insert: %v", err)
	}

	_, err = s.Insert(group, "EmittedPSBTVia", []byte(`{}`), &tag)
	if err != ErrAlreadyExists {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	occs, err := s.GetOccurrencesForGroupAfterID(group, 0)
	if err != nil {
		t.Fatalf("get occurrences: %v", err)
	}
	if len(occs) != 1 {
		t.Fatalf("expected exactly one row, got %d", len(occs))
	}
}

func TestGetOccurrencesForGroupAfterIDOrdersByID(t *testing.T) {
	s := openTestStore(t)
	group, err := s.GetOrCreateGroup("contract-2")
	if err != nil {
		t.Fatalf("get or create group: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := s.Insert(group, "NewRecompileTriggeringObservation", []byte(`{}`), nil); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	occs, err := s.GetOccurrencesForGroupAfterID(group, 0)
	if err != nil {
		t.Fatalf("get occurrences: %v", err)
	}
	if len(occs) != 3 {
		t.Fatalf("expected 3 occurrences, got %d", len(occs))
	}
	for i := 1; i < len(occs); i++ {
		if occs[i].ID <= occs[i-1].ID {
			t.Fatalf("occurrences not in increasing id order: %v", occs)
		}
	}

	after := occs[0].ID
	rest, err := s.GetOccurrencesForGroupAfterID(group, after)
	if err != nil {
		t.Fatalf("get occurrences after: %v", err)
	}
	if len(rest) != 2 {
		t.Fatalf("expected 2 occurrences after first id, got %d", len(rest))
	}
}
