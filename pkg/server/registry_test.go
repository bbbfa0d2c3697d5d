package server

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/NicolasHaas/linechat/pkg/model"
)

func newBareSession(id string) *Session {
	return NewSession(id, "test", NewOutbox(0, OverflowDisconnect))
}

func TestRegisterNameTakenScenario(t *testing.T) {
	r := NewRegistry()
	s1, s2 := newBareSession("s1"), newBareSession("s2")

	if err := r.Register("alice", s1); err != nil {
		t.Fatalf("Register s1: %v", err)
	}
	if err := r.Register("alice", s2); !errors.Is(err, model.ErrNameTaken) {
		t.Fatalf("Register s2: got %v, want ErrNameTaken", err)
	}
	if s2.State() != model.SessionConnected {
		t.Fatalf("rejected session state = %s", s2.State())
	}

	r.Unregister("alice")
	r.Unregister("alice") // idempotent

	if err := r.Register("alice", s2); err != nil {
		t.Fatalf("Register s2 after unregister: %v", err)
	}
	got, ok := r.Lookup("alice")
	if !ok || got != s2 {
		t.Fatalf("Lookup = %v, %t; want s2", got, ok)
	}
}

func TestRegisterConcurrentExactlyOneWinner(t *testing.T) {
	const n = 64
	r := NewRegistry()

	var wg sync.WaitGroup
	errs := make([]error, n)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := newBareSession(fmt.Sprintf("s%d", i))
			<-start
			errs[i] = r.Register("alice", s)
		}(i)
	}
	close(start)
	wg.Wait()

	wins, taken := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, model.ErrNameTaken):
			taken++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || taken != n-1 {
		t.Fatalf("wins=%d taken=%d, want 1 and %d", wins, taken, n-1)
	}
	if r.Count() != 1 {
		t.Fatalf("Count = %d, want 1", r.Count())
	}
}

func TestClosedHolderDoesNotBlockRegister(t *testing.T) {
	r := NewRegistry()
	s1, s2 := newBareSession("s1"), newBareSession("s2")
	if err := r.Register("alice", s1); err != nil {
		t.Fatalf("Register: %v", err)
	}
	s1.markClosed()

	if _, ok := r.Lookup("alice"); ok {
		t.Fatal("Lookup returned a closed session")
	}
	if err := r.Register("alice", s2); err != nil {
		t.Fatalf("Register over closed holder: %v", err)
	}

	// A stale close of s1 must not evict s2.
	if r.unregisterSession(s1) {
		t.Fatal("unregisterSession removed another session's name")
	}
	if got, _ := r.Lookup("alice"); got != s2 {
		t.Fatal("alice no longer maps to s2")
	}
}

func TestRegisterSameSessionKeepsName(t *testing.T) {
	r := NewRegistry()
	s1, s2 := newBareSession("s1"), newBareSession("s2")
	if err := r.Register("alice", s1); err != nil {
		t.Fatalf("Register s1: %v", err)
	}
	if err := r.Register("alice", s1); err != nil {
		t.Fatalf("repeat Register s1: %v", err)
	}
	if got, ok := r.Lookup("alice"); !ok || got != s1 {
		t.Fatalf("Lookup after repeat = %v, %t; want s1", got, ok)
	}
	if diff := cmp.Diff([]string{"alice"}, r.ListOnline()); diff != "" {
		t.Errorf("ListOnline mismatch (-want +got):\n%s", diff)
	}
	if err := r.Register("alice", s2); !errors.Is(err, model.ErrNameTaken) {
		t.Fatalf("Register s2 while s1 holds alice: got %v, want ErrNameTaken", err)
	}

	// A session already holding one name cannot take another.
	if err := r.Register("bob", s1); !errors.Is(err, model.ErrInvalidState) {
		t.Fatalf("Register bob on s1: got %v, want ErrInvalidState", err)
	}
	if _, ok := r.Lookup("bob"); ok {
		t.Error("bob registered on a session that already holds alice")
	}
	if got, ok := r.Lookup("alice"); !ok || got != s1 {
		t.Errorf("alice lost after failed rebind: %v, %t", got, ok)
	}
}

func TestRegisterCheckFailureLeavesNameFree(t *testing.T) {
	r := NewRegistry()
	s := newBareSession("s1")
	err := r.register("alice", s, func() error { return model.ErrPermissionDenied })
	if !errors.Is(err, model.ErrPermissionDenied) {
		t.Fatalf("register with failing check: got %v, want ErrPermissionDenied", err)
	}
	if s.State() != model.SessionConnected {
		t.Fatalf("session state = %s, want connected", s.State())
	}
	if _, ok := r.Lookup("alice"); ok {
		t.Fatal("alice bound despite failing check")
	}
	if err := r.register("alice", s, func() error { return nil }); err != nil {
		t.Fatalf("register with passing check: %v", err)
	}
}

func TestRegisterClosedSessionFails(t *testing.T) {
	r := NewRegistry()
	s := newBareSession("s1")
	s.markClosed()
	if err := r.Register("alice", s); !errors.Is(err, model.ErrInvalidState) {
		t.Fatalf("got %v, want ErrInvalidState", err)
	}
	if r.Count() != 0 {
		t.Fatalf("Count = %d", r.Count())
	}
}

func TestBroadcastAllExcludesSenderAndClosed(t *testing.T) {
	r := NewRegistry()
	a, b, c := newBareSession("a"), newBareSession("b"), newBareSession("c")
	for name, s := range map[string]*Session{"alice": a, "bob": b, "carol": c} {
		if err := r.Register(name, s); err != nil {
			t.Fatalf("Register %s: %v", name, err)
		}
	}
	c.markClosed()
	c.out.Discard()

	if n := r.BroadcastAll("[alice] hi", a.ID); n != 1 {
		t.Fatalf("delivered = %d, want 1", n)
	}
	if a.out.Len() != 0 {
		t.Fatal("sender received its own broadcast")
	}
	if diff := cmp.Diff([]string{"[alice] hi"}, drain(b)); diff != "" {
		t.Errorf("bob queue (-want +got):\n%s", diff)
	}
}

func TestListOnlineKeepsRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"carol", "alice", "bob"} {
		if err := r.Register(name, newBareSession(name)); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	r.Unregister("alice")
	if err := r.Register("alice", newBareSession("alice2")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if diff := cmp.Diff([]string{"carol", "bob", "alice"}, r.ListOnline()); diff != "" {
		t.Errorf("ListOnline (-want +got):\n%s", diff)
	}
}

func TestRegistryShutdown(t *testing.T) {
	r := NewRegistry()
	a := newBareSession("a")
	if err := r.Register("alice", a); err != nil {
		t.Fatalf("Register: %v", err)
	}
	_ = a.Send("pending")

	if got := r.Shutdown(); len(got) != 1 || got[0] != a {
		t.Fatalf("Shutdown returned %v", got)
	}
	if r.Count() != 0 || len(r.ListOnline()) != 0 {
		t.Fatal("registry not cleared")
	}
	if err := a.Send("late"); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("Send after shutdown: %v", err)
	}
	batch, ok := a.out.Next(nil)
	if !ok || len(batch) != 1 || batch[0] != "pending" {
		t.Fatalf("pending line lost: %v %t", batch, ok)
	}
}

func TestConcurrentBroadcastAndChurn(t *testing.T) {
	r := NewRegistry()
	sender := newBareSession("sender")
	if err := r.Register("sender", sender); err != nil {
		t.Fatalf("Register: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				name := fmt.Sprintf("u%d", i)
				s := newBareSession(fmt.Sprintf("%s-%d", name, j))
				if err := r.Register(name, s); err != nil {
					t.Errorf("Register %s: %v", name, err)
					return
				}
				r.unregisterSession(s)
			}
		}(i)
	}
	for k := 0; k < 200; k++ {
		r.BroadcastAll("tick", sender.ID)
	}
	wg.Wait()

	if sender.out.Len() != 0 {
		t.Fatal("sender received its own broadcast")
	}
	if r.Count() != 1 {
		t.Fatalf("Count = %d, want 1", r.Count())
	}
}
