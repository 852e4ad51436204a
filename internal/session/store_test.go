package session

import (
	"fmt"
	"sync"
	"testing"
)

func TestNewStore(t *testing.T) {
	s := NewStore(0)
	if s == nil {
		t.Fatal("NewStore() returned nil")
	}
	if s.limit != DefaultHistorySize {
		t.Errorf("limit = %d, want %d", s.limit, DefaultHistorySize)
	}
	if got := len(s.GetAll()); got != 0 {
		t.Errorf("new store has %d sessions, want 0", got)
	}
}

func TestGetMissing(t *testing.T) {
	s := NewStore(5)
	snap, ok := s.Get("nonexistent")
	if ok {
		t.Error("Get for missing key returned ok=true")
	}
	if snap != nil {
		t.Error("Get for missing key returned non-nil snapshot")
	}
}

func TestAddAndGet(t *testing.T) {
	s := NewStore(5)
	s.Add(&Snapshot{SessionID: "a", State: SessionEnd, ModulesRun: []string{"x"}})

	snap, ok := s.Get("a")
	if !ok {
		t.Fatal("Get returned ok=false after Add")
	}
	if snap.State != SessionEnd || len(snap.ModulesRun) != 1 {
		t.Errorf("Get returned unexpected snapshot: %+v", snap)
	}
}

func TestAddIgnoresEmptyID(t *testing.T) {
	s := NewStore(5)
	s.Add(nil)
	s.Add(&Snapshot{})
	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0", s.Len())
	}
}

func TestGetReturnsCopy(t *testing.T) {
	s := NewStore(5)
	s.Add(&Snapshot{SessionID: "a", ModulesRun: []string{"original"}})

	got, _ := s.Get("a")
	got.ModulesRun[0] = "mutated"

	got2, _ := s.Get("a")
	if got2.ModulesRun[0] != "original" {
		t.Error("Get did not return a copy; mutation leaked into store")
	}
}

func TestAddStoresCopy(t *testing.T) {
	s := NewStore(5)
	snap := &Snapshot{SessionID: "a", ModulesRun: []string{"original"}}
	s.Add(snap)

	snap.ModulesRun[0] = "mutated"

	got, _ := s.Get("a")
	if got.ModulesRun[0] != "original" {
		t.Error("Add did not copy input; external mutation leaked into store")
	}
}

func TestAddReplacesSameID(t *testing.T) {
	s := NewStore(5)
	s.Add(&Snapshot{SessionID: "a", State: SafeShutdown})
	s.Add(&Snapshot{SessionID: "a", State: SessionEnd})

	if s.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", s.Len())
	}
	got, _ := s.Get("a")
	if got.State != SessionEnd {
		t.Errorf("State = %v, want session_end", got.State)
	}
}

func TestGetAllNewestFirst(t *testing.T) {
	s := NewStore(5)
	for _, id := range []string{"a", "b", "c"} {
		s.Add(&Snapshot{SessionID: id})
	}

	all := s.GetAll()
	if len(all) != 3 {
		t.Fatalf("GetAll() returned %d, want 3", len(all))
	}
	for i, want := range []string{"c", "b", "a"} {
		if all[i].SessionID != want {
			t.Errorf("GetAll()[%d] = %s, want %s", i, all[i].SessionID, want)
		}
	}
}

func TestEvictsOldest(t *testing.T) {
	s := NewStore(2)
	s.Add(&Snapshot{SessionID: "a"})
	s.Add(&Snapshot{SessionID: "b"})
	s.Add(&Snapshot{SessionID: "c"})

	if s.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", s.Len())
	}
	if _, ok := s.Get("a"); ok {
		t.Error("oldest session was not evicted")
	}
	if _, ok := s.Get("c"); !ok {
		t.Error("newest session missing")
	}
}

func TestConcurrentAccess(t *testing.T) {
	s := NewStore(10)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			s.Add(&Snapshot{SessionID: fmt.Sprintf("s%d", i)})
		}(i)
		go func() {
			defer wg.Done()
			_ = s.GetAll()
		}()
	}
	wg.Wait()

	if s.Len() != 10 {
		t.Errorf("Len() = %d, want 10", s.Len())
	}
}
