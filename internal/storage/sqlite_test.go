package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/kalambet/recoverd/internal/lifecycle"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) || len(v1) == 0 {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	for _, idx := range []string{
		"ux_claims_one_winner",
		"ux_claims_pending_claimant",
		"idx_matches_status",
		"idx_jobs_status_run_after",
	} {
		var name string
		err := s.db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'index' AND name = ?`, idx).Scan(&name)
		if err != nil {
			t.Errorf("index %s missing: %v", idx, err)
		}
	}
}

func seedPair(t *testing.T, s *Store) (lost, found Item) {
	t.Helper()
	ctx := context.Background()
	lost = Item{ID: "lost-1", Role: lifecycle.RoleLost, OwnerID: "owner", Name: "black wallet"}
	found = Item{ID: "found-1", Role: lifecycle.RoleFound, OwnerID: "finder", Name: "wallet"}
	if err := s.CreateItem(ctx, &lost); err != nil {
		t.Fatalf("CreateItem lost: %v", err)
	}
	if err := s.CreateItem(ctx, &found); err != nil {
		t.Fatalf("CreateItem found: %v", err)
	}
	return lost, found
}

func seedMatch(t *testing.T, s *Store) Match {
	t.Helper()
	lost, found := seedPair(t, s)
	m := Match{ID: "m1", LostItemID: lost.ID, FoundItemID: found.ID, Score: 42}
	if err := s.CreateMatch(context.Background(), &m); err != nil {
		t.Fatalf("CreateMatch: %v", err)
	}
	return m
}

func TestItemRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	lost, _ := seedPair(t, s)

	got, err := s.GetItem(ctx, lost.ID)
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if got.Status != lifecycle.ItemOpen || got.Role != lifecycle.RoleLost || got.Name != "black wallet" {
		t.Errorf("GetItem = %+v", got)
	}

	items, err := s.ListItemsByOwner(ctx, "owner", 10)
	if err != nil {
		t.Fatalf("ListItemsByOwner: %v", err)
	}
	if len(items) != 1 {
		t.Errorf("ListItemsByOwner returned %d items, want 1", len(items))
	}
}

func TestGetItemNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetItem(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetItem error = %v, want ErrNotFound", err)
	}
}

func TestSetItemStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	lost, _ := seedPair(t, s)

	if err := s.SetItemStatus(ctx, lost.ID, lifecycle.ItemOpen, lifecycle.ItemMatched); err != nil {
		t.Fatalf("SetItemStatus: %v", err)
	}
	err := s.SetItemStatus(ctx, lost.ID, lifecycle.ItemOpen, lifecycle.ItemMatched)
	if !errors.Is(err, lifecycle.ErrStaleState) {
		t.Errorf("second SetItemStatus error = %v, want ErrStaleState", err)
	}
	err = s.SetItemStatus(ctx, "missing", lifecycle.ItemOpen, lifecycle.ItemMatched)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("SetItemStatus on missing item error = %v, want ErrNotFound", err)
	}
}

func TestCreateMatchDuplicatePair(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	m := seedMatch(t, s)

	dup := Match{ID: "m2", LostItemID: m.LostItemID, FoundItemID: m.FoundItemID, Score: 50}
	if err := s.CreateMatch(ctx, &dup); !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate CreateMatch error = %v, want ErrConflict", err)
	}

	got, err := s.FindMatch(ctx, m.LostItemID, m.FoundItemID)
	if err != nil {
		t.Fatalf("FindMatch: %v", err)
	}
	if got.ID != "m1" || got.Version != 1 || got.Status != lifecycle.MatchPendingClaim {
		t.Errorf("FindMatch = %+v", got)
	}
}

func TestSwapMatchStatusBumpsVersion(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	m := seedMatch(t, s)

	stale := m
	if err := s.SwapMatchStatus(ctx, &m, lifecycle.MatchUnderApproval); err != nil {
		t.Fatalf("SwapMatchStatus: %v", err)
	}
	if m.Version != 2 {
		t.Errorf("Version = %d, want 2", m.Version)
	}

	if err := s.SwapMatchStatus(ctx, &stale, lifecycle.MatchArchived); !errors.Is(err, lifecycle.ErrStaleState) {
		t.Errorf("stale SwapMatchStatus error = %v, want ErrStaleState", err)
	}

	got, err := s.GetMatch(ctx, m.ID)
	if err != nil {
		t.Fatalf("GetMatch: %v", err)
	}
	if got.Status != lifecycle.MatchUnderApproval || got.Version != 2 {
		t.Errorf("GetMatch = %+v, want under_approval v2", got)
	}
}

func TestApproveMatchGuards(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	m := seedMatch(t, s)

	// Not under approval yet.
	pending := m
	if err := s.ApproveMatch(ctx, &pending); !errors.Is(err, lifecycle.ErrStaleState) {
		t.Fatalf("ApproveMatch from pending_claim error = %v, want ErrStaleState", err)
	}

	if err := s.SwapMatchStatus(ctx, &m, lifecycle.MatchUnderApproval); err != nil {
		t.Fatalf("SwapMatchStatus: %v", err)
	}
	first, second := m, m
	if err := s.ApproveMatch(ctx, &first); err != nil {
		t.Fatalf("ApproveMatch: %v", err)
	}
	if first.Status != lifecycle.MatchClaimApproved || first.Version != 3 {
		t.Errorf("approved match = %+v", first)
	}
	if err := s.ApproveMatch(ctx, &second); !errors.Is(err, lifecycle.ErrStaleState) {
		t.Errorf("second ApproveMatch error = %v, want ErrStaleState", err)
	}
}

func TestClaimsUniqueness(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	m := seedMatch(t, s)

	c1 := Claim{ID: "c1", MatchID: m.ID, ClaimantID: "owner"}
	if err := s.CreateClaim(ctx, &c1); err != nil {
		t.Fatalf("CreateClaim: %v", err)
	}
	dup := Claim{ID: "c1b", MatchID: m.ID, ClaimantID: "owner"}
	if err := s.CreateClaim(ctx, &dup); !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate pending claim error = %v, want ErrConflict", err)
	}

	has, err := s.HasPendingClaim(ctx, m.ID, "owner")
	if err != nil || !has {
		t.Errorf("HasPendingClaim = (%v, %v), want (true, nil)", has, err)
	}

	c2 := Claim{ID: "c2", MatchID: m.ID, ClaimantID: "other"}
	if err := s.CreateClaim(ctx, &c2); err != nil {
		t.Fatalf("CreateClaim c2: %v", err)
	}

	if err := s.DecideClaim(ctx, &c1, lifecycle.ClaimApproved, ""); err != nil {
		t.Fatalf("DecideClaim c1: %v", err)
	}
	if c1.DecidedAt == nil {
		t.Error("DecidedAt not set")
	}
	// The schema refuses a second winner even when the caller skips the guards.
	if err := s.DecideClaim(ctx, &c2, lifecycle.ClaimApproved, ""); !errors.Is(err, ErrConflict) {
		t.Errorf("second approval error = %v, want ErrConflict", err)
	}

	n, err := s.CountClaims(ctx, m.ID, lifecycle.ClaimPending)
	if err != nil {
		t.Fatalf("CountClaims: %v", err)
	}
	if n != 1 {
		t.Errorf("pending claims = %d, want 1", n)
	}
}

func TestListClaimsOrdering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	m := seedMatch(t, s)

	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		c := Claim{
			ID:          fmt.Sprintf("c%d", i),
			MatchID:     m.ID,
			ClaimantID:  fmt.Sprintf("u%d", i),
			SubmittedAt: base.Add(time.Duration(i) * time.Millisecond),
		}
		if err := s.CreateClaim(ctx, &c); err != nil {
			t.Fatalf("CreateClaim: %v", err)
		}
	}

	got, err := s.ListClaimsByMatch(ctx, m.ID, lifecycle.ClaimPending)
	if err != nil {
		t.Fatalf("ListClaimsByMatch: %v", err)
	}
	if len(got) != 3 || got[0].ID != "c0" || got[2].ID != "c2" {
		t.Errorf("ListClaimsByMatch order = %v", got)
	}

	all, err := s.ListClaims(ctx, "", 2, 0)
	if err != nil {
		t.Fatalf("ListClaims: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("ListClaims limit 2 returned %d", len(all))
	}
}

func TestWithTxRollsBack(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	lost, _ := seedPair(t, s)

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx *Tx) error {
		if err := tx.SetItemStatus(ctx, lost.ID, lifecycle.ItemOpen, lifecycle.ItemMatched); err != nil {
			return err
		}
		m := Match{ID: "m-rollback", LostItemID: lost.ID, FoundItemID: "found-1", Score: 20}
		if err := tx.CreateMatch(ctx, &m); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx error = %v, want boom", err)
	}

	got, err := s.GetItem(ctx, lost.ID)
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if got.Status != lifecycle.ItemOpen {
		t.Errorf("item status = %s after rollback, want open", got.Status)
	}
	if _, err := s.GetMatch(ctx, "m-rollback"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetMatch after rollback error = %v, want ErrNotFound", err)
	}
}

func TestWithTxTimeout(t *testing.T) {
	s := openTestStore(t)
	s.SetTxTimeout(20 * time.Millisecond)

	err := s.WithTx(context.Background(), func(tx *Tx) error {
		time.Sleep(50 * time.Millisecond)
		_, err := tx.GetItem(context.Background(), "anything")
		return err
	})
	if err == nil {
		t.Fatal("WithTx succeeded past its deadline")
	}
	if errors.Is(err, ErrNotFound) {
		t.Errorf("WithTx error = %v, want a deadline failure", err)
	}
}

func TestSetTxTimeoutIgnoresNonPositive(t *testing.T) {
	s := openTestStore(t)
	s.SetTxTimeout(0)
	if s.txTimeout != DefaultTxTimeout {
		t.Errorf("txTimeout = %v, want %v", s.txTimeout, DefaultTxTimeout)
	}
}

// Two processes sharing one file: the second transaction must see the first
// one's commit and lose on the version check, not on a stale snapshot.
func TestWithTxAcrossStoresSharingFile(t *testing.T) {
	dir := t.TempDir()
	a, err := Open(dir)
	if err != nil {
		t.Fatalf("Open a: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	b, err := Open(dir)
	if err != nil {
		t.Fatalf("Open b: %v", err)
	}
	t.Cleanup(func() { b.Close() })

	ctx := context.Background()
	m := seedMatch(t, a)
	if err := a.SwapMatchStatus(ctx, &m, lifecycle.MatchUnderApproval); err != nil {
		t.Fatalf("SwapMatchStatus: %v", err)
	}

	inTx := make(chan struct{})
	errA := make(chan error, 1)
	go func() {
		errA <- a.WithTx(ctx, func(tx *Tx) error {
			cur, err := tx.GetMatch(ctx, m.ID)
			if err != nil {
				close(inTx)
				return err
			}
			close(inTx)
			time.Sleep(100 * time.Millisecond)
			return tx.ApproveMatch(ctx, &cur)
		})
	}()

	<-inTx
	errB := b.WithTx(ctx, func(tx *Tx) error {
		cur, err := tx.GetMatch(ctx, m.ID)
		if err != nil {
			return err
		}
		return tx.ApproveMatch(ctx, &cur)
	})
	if err := <-errA; err != nil {
		t.Fatalf("first approval: %v", err)
	}
	if !errors.Is(errB, lifecycle.ErrStaleState) {
		t.Fatalf("second approval error = %v, want ErrStaleState", errB)
	}

	got, err := b.GetMatch(ctx, m.ID)
	if err != nil {
		t.Fatalf("GetMatch: %v", err)
	}
	if got.Status != lifecycle.MatchClaimApproved || got.Version != 3 {
		t.Errorf("GetMatch = %+v, want claim_approved v3", got)
	}
}

func TestListMatchesForOwnerAndCount(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// More items than any fixed scan window, all owned by one user.
	const n = 230
	for i := 0; i < n; i++ {
		lost := Item{ID: fmt.Sprintf("l%03d", i), Role: lifecycle.RoleLost, OwnerID: "owner", Name: "key"}
		found := Item{ID: fmt.Sprintf("f%03d", i), Role: lifecycle.RoleFound, OwnerID: "finder", Name: "key"}
		if err := s.CreateItem(ctx, &lost); err != nil {
			t.Fatalf("CreateItem: %v", err)
		}
		if err := s.CreateItem(ctx, &found); err != nil {
			t.Fatalf("CreateItem: %v", err)
		}
		m := Match{ID: fmt.Sprintf("m%03d", i), LostItemID: lost.ID, FoundItemID: found.ID, Score: 50}
		if err := s.CreateMatch(ctx, &m); err != nil {
			t.Fatalf("CreateMatch: %v", err)
		}
		if i%2 == 0 {
			if err := s.SwapMatchStatus(ctx, &m, lifecycle.MatchUnderApproval); err != nil {
				t.Fatalf("SwapMatchStatus: %v", err)
			}
		}
	}
	stranger := Item{ID: "x", Role: lifecycle.RoleLost, OwnerID: "stranger", Name: "hat"}
	if err := s.CreateItem(ctx, &stranger); err != nil {
		t.Fatalf("CreateItem: %v", err)
	}

	last, err := s.ListMatchesForOwner(ctx, "owner", "", 50, n-10)
	if err != nil {
		t.Fatalf("ListMatchesForOwner: %v", err)
	}
	if len(last) != 10 {
		t.Errorf("last page has %d matches, want 10", len(last))
	}
	finder, err := s.ListMatchesForOwner(ctx, "finder", lifecycle.MatchUnderApproval, 500, 0)
	if err != nil {
		t.Fatalf("ListMatchesForOwner finder: %v", err)
	}
	if len(finder) != n/2 {
		t.Errorf("finder sees %d under_approval matches, want %d", len(finder), n/2)
	}
	none, err := s.ListMatchesForOwner(ctx, "stranger", "", 50, 0)
	if err != nil {
		t.Fatalf("ListMatchesForOwner stranger: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("stranger sees %d matches, want 0", len(none))
	}

	awaiting, err := s.CountMatches(ctx, lifecycle.MatchUnderApproval)
	if err != nil {
		t.Fatalf("CountMatches: %v", err)
	}
	total, err := s.CountMatches(ctx, "")
	if err != nil {
		t.Fatalf("CountMatches all: %v", err)
	}
	if awaiting != n/2 || total != n {
		t.Errorf("CountMatches = %d awaiting, %d total, want %d and %d", awaiting, total, n/2, n)
	}
}
