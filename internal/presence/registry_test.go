package presence

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

type fakeConn struct{ id string }

func (c *fakeConn) ID() string                             { return c.id }
func (c *fakeConn) Send(_ context.Context, _ []byte) error { return nil }

func conn(id string) *fakeConn { return &fakeConn{id: id} }

func currentID(t *testing.T, r *Registry, userID string) string {
	t.Helper()
	c, ok := r.HandleFor(userID)
	if !ok {
		return ""
	}
	return c.ID()
}

func TestJoinAndHandleFor(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.HandleFor("u1"); ok {
		t.Fatal("HandleFor on empty registry returned ok")
	}

	r.Join("u1", conn("h1"))
	if got := currentID(t, r, "u1"); got != "h1" {
		t.Errorf("HandleFor(u1) = %q, want h1", got)
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}

func TestJoinLastWins(t *testing.T) {
	r := NewRegistry()
	r.Join("u1", conn("h1"))
	r.Join("u1", conn("h2"))

	if got := currentID(t, r, "u1"); got != "h2" {
		t.Errorf("HandleFor(u1) = %q, want h2", got)
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}

func TestLeaveCurrentHandle(t *testing.T) {
	r := NewRegistry()
	r.Join("u1", conn("h1"))

	user, ok := r.Leave("h1")
	if !ok || user != "u1" {
		t.Fatalf("Leave(h1) = (%q, %v), want (u1, true)", user, ok)
	}
	if _, ok := r.HandleFor("u1"); ok {
		t.Error("u1 still present after leave")
	}
}

// A disconnect for h1 processed after the reconnect as h2 must not evict h2.
func TestStaleLeaveDoesNotEvictNewerJoin(t *testing.T) {
	r := NewRegistry()
	r.Join("u1", conn("h1"))
	r.Join("u1", conn("h2"))

	if _, ok := r.Leave("h1"); ok {
		t.Error("stale Leave(h1) reported a removal")
	}
	if got := currentID(t, r, "u1"); got != "h2" {
		t.Errorf("HandleFor(u1) = %q, want h2", got)
	}

	if _, ok := r.Leave("h2"); !ok {
		t.Error("Leave(h2) did not remove the current handle")
	}
	if _, ok := r.HandleFor("u1"); ok {
		t.Error("u1 still present after leaving with the current handle")
	}
}

func TestLeaveUnknownHandle(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Leave("nope"); ok {
		t.Error("Leave on unknown handle reported a removal")
	}
}

func TestHandleMapsToOneUser(t *testing.T) {
	r := NewRegistry()
	h := conn("h1")
	r.Join("u1", h)
	r.Join("u2", h)

	if _, ok := r.HandleFor("u1"); ok {
		t.Error("u1 still mapped after its handle was re-registered to u2")
	}
	if got := currentID(t, r, "u2"); got != "h1" {
		t.Errorf("HandleFor(u2) = %q, want h1", got)
	}
	user, ok := r.Leave("h1")
	if !ok || user != "u2" {
		t.Errorf("Leave(h1) = (%q, %v), want (u2, true)", user, ok)
	}
}

// Every ordering of join(h1), join(h2), leave(h1), leave(h2) with h2 issued
// after h1 leaves u absent only when leave(h2) was processed.
func TestPresenceInterleavings(t *testing.T) {
	type op struct {
		join bool
		id   string
	}
	all := []op{{true, "h1"}, {true, "h2"}, {false, "h1"}, {false, "h2"}}

	var permute func([]op, int, func([]op))
	permute = func(a []op, k int, f func([]op)) {
		if k == len(a) {
			f(a)
			return
		}
		for i := k; i < len(a); i++ {
			a[k], a[i] = a[i], a[k]
			permute(a, k+1, f)
			a[k], a[i] = a[i], a[k]
		}
	}

	permute(append([]op(nil), all...), 0, func(seq []op) {
		joinedH1, joinedH2 := -1, -1
		for i, o := range seq {
			if o.join && o.id == "h1" {
				joinedH1 = i
			}
			if o.join && o.id == "h2" {
				joinedH2 = i
			}
		}
		if joinedH2 < joinedH1 {
			return
		}

		r := NewRegistry()
		var last string
		leftLast := false
		for _, o := range seq {
			if o.join {
				r.Join("u", conn(o.id))
				last = o.id
				leftLast = false
				continue
			}
			if _, ok := r.Leave(o.id); ok && o.id == last {
				leftLast = true
			}
		}

		_, present := r.HandleFor("u")
		if present == leftLast {
			t.Errorf("sequence %v: present = %v, last-registered left = %v", seq, present, leftLast)
		}
		if present && currentID(t, r, "u") != "h2" {
			t.Errorf("sequence %v: handle = %q, want h2", seq, currentID(t, r, "u"))
		}
	})
}

func TestConcurrentJoinLeave(t *testing.T) {
	r := NewRegistry()
	const users = 64

	var wg sync.WaitGroup
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := fmt.Sprintf("u%d", i)
			for j := 0; j < 50; j++ {
				id := fmt.Sprintf("%s-h%d", user, j)
				r.Join(user, conn(id))
				if j%2 == 0 {
					r.Leave(id)
				}
			}
			r.Join(user, conn(user+"-final"))
		}(i)
	}
	wg.Wait()

	if r.Len() != users {
		t.Fatalf("Len = %d, want %d", r.Len(), users)
	}
	for i := 0; i < users; i++ {
		user := fmt.Sprintf("u%d", i)
		if got := currentID(t, r, user); got != user+"-final" {
			t.Errorf("HandleFor(%s) = %q, want %s-final", user, got, user)
		}
	}
	if n := len(r.Connections()); n != users {
		t.Errorf("Connections() returned %d, want %d", n, users)
	}
}

// A Leave racing the Join of the same connection must never leave behind an
// entry that a later Leave cannot remove.
func TestLeaveRacingJoinLeavesNoOrphan(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < 2000; i++ {
		user := fmt.Sprintf("u%d", i%8)
		c := conn(fmt.Sprintf("h%d", i))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Join(user, c)
		}()
		go func() {
			defer wg.Done()
			r.Leave(c.ID())
		}()
		wg.Wait()

		r.Leave(c.ID())
		if got := currentID(t, r, user); got == c.ID() {
			t.Fatalf("iteration %d: %s still mapped to %s after Leave", i, user, got)
		}
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d after every connection left, want 0", r.Len())
	}
}
