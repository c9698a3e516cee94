// Package matching orchestrates the match and claim lifecycles. Every
// multi-entity write runs in one store transaction; notifications are sent
// only after the transaction commits.
package matching

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/google/uuid"

	"github.com/kalambet/recoverd/internal/lifecycle"
	"github.com/kalambet/recoverd/internal/notify"
	"github.com/kalambet/recoverd/internal/storage"
)

// ErrInvalidInput marks a malformed request, e.g. an unknown role or an empty ID.
var ErrInvalidInput = errors.New("invalid input")

// ErrBelowThreshold is returned when a candidate's score is under the acceptance threshold.
var ErrBelowThreshold = errors.New("score below acceptance threshold")

// Notifier delivers events to users. notify.Dispatcher implements it.
type Notifier interface {
	Dispatch(ctx context.Context, userID string, ev notify.Event) notify.Outcome
	Broadcast(ctx context.Context, ev notify.Event) notify.BroadcastResult
}

// Options tunes a Coordinator.
type Options struct {
	// MinScore is the lowest score that creates a match.
	MinScore float64
	// MaxCandidatesPerItem caps live matches per lost item. Defaults to 3.
	MaxCandidatesPerItem int
	// NotifyFinder informs the found item's reporter about approvals and handoffs.
	NotifyFinder bool
	// BroadcastMatches announces every new match to all connected users.
	BroadcastMatches bool
}

// Candidate is a pairing reported by the similarity engine.
type Candidate struct {
	LostItemID  string  `json:"lost_item_id"`
	FoundItemID string  `json:"found_item_id"`
	Score       float64 `json:"score"`
}

// Coordinator applies lifecycle transitions to items, matches and claims.
type Coordinator struct {
	store    *storage.Store
	notifier Notifier
	opts     Options
	logger   *slog.Logger
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(store *storage.Store, notifier Notifier, opts Options) *Coordinator {
	if opts.MaxCandidatesPerItem <= 0 {
		opts.MaxCandidatesPerItem = 3
	}
	return &Coordinator{
		store:    store,
		notifier: notifier,
		opts:     opts,
		logger:   slog.Default(),
	}
}

// message is a notification queued inside a transaction and sent after commit.
type message struct {
	userID string
	ev     notify.Event
}

// send runs after commit. The caller going away must not drop events for a
// change that already happened, so cancellation is detached; PushTimeout
// still bounds each live push.
func (c *Coordinator) send(ctx context.Context, msgs []message) {
	ctx = context.WithoutCancel(ctx)
	for _, m := range msgs {
		outcome := c.notifier.Dispatch(ctx, m.userID, m.ev)
		c.logger.Debug("notification dispatched", "user_id", m.userID, "type", m.ev.Type, "outcome", outcome.String())
	}
}

// RegisterItem stores a new lost or found report in the open state.
func (c *Coordinator) RegisterItem(ctx context.Context, it storage.Item) (storage.Item, error) {
	it.Name = strings.TrimSpace(it.Name)
	switch {
	case !it.Role.Valid():
		return storage.Item{}, fmt.Errorf("%w: role must be %q or %q", ErrInvalidInput, lifecycle.RoleLost, lifecycle.RoleFound)
	case it.OwnerID == "":
		return storage.Item{}, fmt.Errorf("%w: owner is required", ErrInvalidInput)
	case it.Name == "":
		return storage.Item{}, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	it.ID = uuid.New().String()
	it.Status = lifecycle.ItemOpen

	if err := c.store.CreateItem(ctx, &it); err != nil {
		return storage.Item{}, err
	}
	c.logger.Info("item registered", "item_id", it.ID, "role", it.Role, "user_id", it.OwnerID)
	return it, nil
}

// ReportCandidate turns a candidate pairing into a match in pending_claim and
// notifies the lost item's owner. A pair that already has a match returns it
// with created == false.
func (c *Coordinator) ReportCandidate(ctx context.Context, cand Candidate) (storage.Match, bool, error) {
	switch {
	case cand.LostItemID == "" || cand.FoundItemID == "":
		return storage.Match{}, false, fmt.Errorf("%w: lost_item_id and found_item_id are required", ErrInvalidInput)
	case cand.LostItemID == cand.FoundItemID:
		return storage.Match{}, false, fmt.Errorf("%w: an item cannot match itself", ErrInvalidInput)
	case math.IsNaN(cand.Score) || math.IsInf(cand.Score, 0):
		return storage.Match{}, false, fmt.Errorf("%w: score must be a finite number", ErrInvalidInput)
	case cand.Score < c.opts.MinScore:
		return storage.Match{}, false, fmt.Errorf("%w: %.2f < %.2f", ErrBelowThreshold, cand.Score, c.opts.MinScore)
	}

	var (
		m       storage.Match
		created bool
		lost    storage.Item
	)
	err := c.store.WithTx(ctx, func(tx *storage.Tx) error {
		existing, err := tx.FindMatch(ctx, cand.LostItemID, cand.FoundItemID)
		if err == nil {
			m = existing
			return nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}

		if lost, err = tx.GetItem(ctx, cand.LostItemID); err != nil {
			return err
		}
		found, err := tx.GetItem(ctx, cand.FoundItemID)
		if err != nil {
			return err
		}
		if lost.Role != lifecycle.RoleLost || found.Role != lifecycle.RoleFound {
			return fmt.Errorf("%w: expected a lost item and a found item, got %s and %s", ErrInvalidInput, lost.Role, found.Role)
		}
		for _, it := range []storage.Item{lost, found} {
			if !it.Status.Matchable() {
				return &lifecycle.TransitionError{Entity: "item", ID: it.ID, From: string(it.Status), Event: "match",
					Reason: "item no longer accepts matches"}
			}
		}

		live, err := tx.CountLiveMatches(ctx, lost.ID)
		if err != nil {
			return err
		}
		if live >= c.opts.MaxCandidatesPerItem {
			return &lifecycle.TransitionError{Entity: "item", ID: lost.ID, From: string(lost.Status), Event: "match",
				Reason: fmt.Sprintf("already has %d live matches", live)}
		}

		m = storage.Match{
			ID:          uuid.New().String(),
			LostItemID:  lost.ID,
			FoundItemID: found.ID,
			Score:       cand.Score,
		}
		if err := tx.CreateMatch(ctx, &m); err != nil {
			return err
		}
		for _, it := range []storage.Item{lost, found} {
			if it.Status == lifecycle.ItemOpen {
				if err := tx.SetItemStatus(ctx, it.ID, lifecycle.ItemOpen, lifecycle.ItemMatched); err != nil {
					return err
				}
			}
		}
		created = true
		return nil
	})
	if err != nil {
		return storage.Match{}, false, fmt.Errorf("reporting candidate %s/%s: %w", cand.LostItemID, cand.FoundItemID, err)
	}
	if !created {
		return m, false, nil
	}

	c.logger.Info("match created", "match_id", m.ID, "lost_item_id", m.LostItemID, "found_item_id", m.FoundItemID, "score", m.Score)
	c.send(ctx, []message{{
		userID: lost.OwnerID,
		ev: notify.NewEvent(notify.EventMatchFound, "Possible match found",
			fmt.Sprintf("A found item may be your %q.", lost.Name),
			map[string]any{"match_id": m.ID, "lost_item_id": m.LostItemID, "found_item_id": m.FoundItemID, "score": m.Score}),
	}})
	if c.opts.BroadcastMatches {
		c.notifier.Broadcast(ctx, notify.NewEvent(notify.EventMatchFound, "New match",
			"A lost item was matched with a found report.", map[string]any{"match_id": m.ID}))
	}
	return m, true, nil
}

// SubmitClaim records a pending claim on a match and moves the match to
// under_approval. A claimant may hold only one pending claim per match.
func (c *Coordinator) SubmitClaim(ctx context.Context, matchID, claimantID string) (storage.Claim, error) {
	if claimantID == "" {
		return storage.Claim{}, fmt.Errorf("%w: claimant is required", ErrInvalidInput)
	}

	var claim storage.Claim
	err := c.store.WithTx(ctx, func(tx *storage.Tx) error {
		m, err := tx.GetMatch(ctx, matchID)
		if err != nil {
			return err
		}
		next, err := lifecycle.NextMatchStatus(m.ID, m.Status, lifecycle.EventClaimSubmitted, 0)
		if err != nil {
			return err
		}

		lost, err := tx.GetItem(ctx, m.LostItemID)
		if err != nil {
			return err
		}
		found, err := tx.GetItem(ctx, m.FoundItemID)
		if err != nil {
			return err
		}
		for _, it := range []storage.Item{lost, found} {
			if !it.Status.Matchable() {
				return &lifecycle.TransitionError{Entity: "match", ID: m.ID, From: string(m.Status),
					Event: string(lifecycle.EventClaimSubmitted), Reason: fmt.Sprintf("item %s is %s", it.ID, it.Status)}
			}
		}
		if claimantID == found.OwnerID {
			return &lifecycle.TransitionError{Entity: "match", ID: m.ID, From: string(m.Status),
				Event: string(lifecycle.EventClaimSubmitted), Reason: "the finder cannot claim the item they reported"}
		}

		dup, err := tx.HasPendingClaim(ctx, m.ID, claimantID)
		if err != nil {
			return err
		}
		if dup {
			return &lifecycle.TransitionError{Entity: "match", ID: m.ID, From: string(m.Status),
				Event: string(lifecycle.EventClaimSubmitted), Reason: "claimant already has a pending claim"}
		}

		claim = storage.Claim{ID: uuid.New().String(), MatchID: m.ID, ClaimantID: claimantID}
		if err := tx.CreateClaim(ctx, &claim); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				return &lifecycle.TransitionError{Entity: "match", ID: m.ID, From: string(m.Status),
					Event: string(lifecycle.EventClaimSubmitted), Reason: "claimant already has a pending claim"}
			}
			return err
		}
		if next != m.Status {
			return tx.SwapMatchStatus(ctx, &m, next)
		}
		return nil
	})
	if err != nil {
		return storage.Claim{}, fmt.Errorf("submitting claim on match %s: %w", matchID, err)
	}

	c.logger.Info("claim submitted", "claim_id", claim.ID, "match_id", matchID, "user_id", claimantID)
	c.send(ctx, []message{{
		userID: claimantID,
		ev: notify.NewEvent(notify.EventClaimSubmitted, "Claim received",
			"Your claim is awaiting review.", map[string]any{"claim_id": claim.ID, "match_id": matchID}),
	}})
	return claim, nil
}

// ApproveClaim makes claimID the single winner on its match. Sibling claims
// still pending are rejected with lifecycle.AutoRejectNote and both items move
// to claimed. Losing a race against another approval fails with
// lifecycle.ErrStaleState.
func (c *Coordinator) ApproveClaim(ctx context.Context, claimID, note string) (storage.Claim, error) {
	var (
		claim       storage.Claim
		siblings    []storage.Claim
		lost, found storage.Item
	)
	err := c.store.WithTx(ctx, func(tx *storage.Tx) error {
		var err error
		if claim, err = tx.GetClaim(ctx, claimID); err != nil {
			return err
		}
		m, err := tx.GetMatch(ctx, claim.MatchID)
		if err != nil {
			return err
		}
		if m.Status == lifecycle.MatchClaimApproved && claim.Status != lifecycle.ClaimApproved {
			return fmt.Errorf("match %s already decided: %w", m.ID, lifecycle.ErrStaleState)
		}
		if err := lifecycle.CheckClaimTransition(claim.ID, claim.Status, lifecycle.ClaimApproved, note); err != nil {
			return err
		}
		if _, err := lifecycle.NextMatchStatus(m.ID, m.Status, lifecycle.EventClaimApproved, 0); err != nil {
			return err
		}

		pending, err := tx.ListClaimsByMatch(ctx, m.ID, lifecycle.ClaimPending)
		if err != nil {
			return err
		}

		if err := tx.ApproveMatch(ctx, &m); err != nil {
			return err
		}
		if err := tx.DecideClaim(ctx, &claim, lifecycle.ClaimApproved, note); err != nil {
			return err
		}
		for _, sib := range pending {
			if sib.ID == claim.ID {
				continue
			}
			if err := tx.DecideClaim(ctx, &sib, lifecycle.ClaimRejected, lifecycle.AutoRejectNote); err != nil {
				return err
			}
			siblings = append(siblings, sib)
		}

		if lost, err = moveItem(ctx, tx, m.LostItemID, lifecycle.ItemMatched, lifecycle.ItemClaimed); err != nil {
			return err
		}
		if found, err = moveItem(ctx, tx, m.FoundItemID, lifecycle.ItemMatched, lifecycle.ItemClaimed); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return storage.Claim{}, fmt.Errorf("approving claim %s: %w", claimID, err)
	}

	c.logger.Info("claim approved", "claim_id", claim.ID, "match_id", claim.MatchID, "user_id", claim.ClaimantID, "auto_rejected", len(siblings))

	data := map[string]any{"claim_id": claim.ID, "match_id": claim.MatchID}
	msgs := []message{{
		userID: claim.ClaimantID,
		ev:     notify.NewEvent(notify.EventClaimApproved, "Claim approved", fmt.Sprintf("Your claim on %q was approved.", lost.Name), data),
	}}
	for _, sib := range siblings {
		msgs = append(msgs, message{
			userID: sib.ClaimantID,
			ev: notify.NewEvent(notify.EventClaimRejected, "Claim rejected", sib.AdminNote,
				map[string]any{"claim_id": sib.ID, "match_id": sib.MatchID}),
		})
	}
	if c.opts.NotifyFinder && found.OwnerID != claim.ClaimantID {
		msgs = append(msgs, message{
			userID: found.OwnerID,
			ev:     notify.NewEvent(notify.EventClaimApproved, "Item claimed", fmt.Sprintf("The %q you found has an approved owner.", found.Name), data),
		})
	}
	if lost.OwnerID != claim.ClaimantID {
		msgs = append(msgs, message{
			userID: lost.OwnerID,
			ev:     notify.NewEvent(notify.EventClaimApproved, "Claim approved", fmt.Sprintf("A claim on your %q was approved.", lost.Name), data),
		})
	}
	c.send(ctx, msgs)
	return claim, nil
}

// RejectClaim rejects a pending claim. note must be non-empty. When no
// pending claims remain the match returns to pending_claim.
func (c *Coordinator) RejectClaim(ctx context.Context, claimID, note string) (storage.Claim, error) {
	note = strings.TrimSpace(note)

	var (
		claim storage.Claim
		m     storage.Match
	)
	err := c.store.WithTx(ctx, func(tx *storage.Tx) error {
		var err error
		if claim, err = tx.GetClaim(ctx, claimID); err != nil {
			return err
		}
		if err := lifecycle.CheckClaimTransition(claim.ID, claim.Status, lifecycle.ClaimRejected, note); err != nil {
			return err
		}
		if m, err = tx.GetMatch(ctx, claim.MatchID); err != nil {
			return err
		}
		if err := tx.DecideClaim(ctx, &claim, lifecycle.ClaimRejected, note); err != nil {
			return err
		}

		if m.Status != lifecycle.MatchUnderApproval {
			return nil
		}
		remaining, err := tx.CountClaims(ctx, m.ID, lifecycle.ClaimPending)
		if err != nil {
			return err
		}
		next, err := lifecycle.NextMatchStatus(m.ID, m.Status, lifecycle.EventClaimRejected, remaining)
		if err != nil {
			return err
		}
		if next != m.Status {
			return tx.SwapMatchStatus(ctx, &m, next)
		}
		return nil
	})
	if err != nil {
		return storage.Claim{}, fmt.Errorf("rejecting claim %s: %w", claimID, err)
	}

	c.logger.Info("claim rejected", "claim_id", claim.ID, "match_id", m.ID, "match_status", m.Status)
	c.send(ctx, []message{{
		userID: claim.ClaimantID,
		ev: notify.NewEvent(notify.EventClaimRejected, "Claim rejected", note,
			map[string]any{"claim_id": claim.ID, "match_id": claim.MatchID}),
	}})
	return claim, nil
}

// ResolveClaim confirms the physical handoff of an approved claim. Both items
// move to recovered.
func (c *Coordinator) ResolveClaim(ctx context.Context, claimID string) (storage.Claim, error) {
	var (
		claim       storage.Claim
		lost, found storage.Item
	)
	err := c.store.WithTx(ctx, func(tx *storage.Tx) error {
		var err error
		if claim, err = tx.GetClaim(ctx, claimID); err != nil {
			return err
		}
		if err := lifecycle.CheckClaimTransition(claim.ID, claim.Status, lifecycle.ClaimResolved, ""); err != nil {
			return err
		}
		m, err := tx.GetMatch(ctx, claim.MatchID)
		if err != nil {
			return err
		}
		if err := tx.DecideClaim(ctx, &claim, lifecycle.ClaimResolved, claim.AdminNote); err != nil {
			return err
		}
		if lost, err = moveItem(ctx, tx, m.LostItemID, lifecycle.ItemClaimed, lifecycle.ItemRecovered); err != nil {
			return err
		}
		if found, err = moveItem(ctx, tx, m.FoundItemID, lifecycle.ItemClaimed, lifecycle.ItemRecovered); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return storage.Claim{}, fmt.Errorf("resolving claim %s: %w", claimID, err)
	}

	c.logger.Info("claim resolved", "claim_id", claim.ID, "match_id", claim.MatchID)
	data := map[string]any{"claim_id": claim.ID, "match_id": claim.MatchID}
	msgs := []message{{
		userID: claim.ClaimantID,
		ev:     notify.NewEvent(notify.EventClaimResolved, "Item recovered", fmt.Sprintf("Your %q has been handed over.", lost.Name), data),
	}}
	if c.opts.NotifyFinder && found.OwnerID != claim.ClaimantID {
		msgs = append(msgs, message{
			userID: found.OwnerID,
			ev:     notify.NewEvent(notify.EventItemRecovered, "Item returned", fmt.Sprintf("The %q you found is back with its owner.", found.Name), data),
		})
	}
	c.send(ctx, msgs)
	return claim, nil
}

// ArchiveMatch retires a match that is waiting for claims. Items left without
// a live match return to open.
func (c *Coordinator) ArchiveMatch(ctx context.Context, matchID string) (storage.Match, error) {
	var m storage.Match
	err := c.store.WithTx(ctx, func(tx *storage.Tx) error {
		var err error
		if m, err = tx.GetMatch(ctx, matchID); err != nil {
			return err
		}
		next, err := lifecycle.NextMatchStatus(m.ID, m.Status, lifecycle.EventArchive, 0)
		if err != nil {
			return err
		}
		if err := tx.SwapMatchStatus(ctx, &m, next); err != nil {
			return err
		}

		for _, id := range []string{m.LostItemID, m.FoundItemID} {
			it, err := tx.GetItem(ctx, id)
			if err != nil {
				return err
			}
			if it.Status != lifecycle.ItemMatched {
				continue
			}
			live, err := tx.CountLiveMatchesForItem(ctx, id)
			if err != nil {
				return err
			}
			if live == 0 {
				if err := tx.SetItemStatus(ctx, id, lifecycle.ItemMatched, lifecycle.ItemOpen); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return storage.Match{}, fmt.Errorf("archiving match %s: %w", matchID, err)
	}
	c.logger.Info("match archived", "match_id", m.ID)
	return m, nil
}

// CloseItem closes an open or recovered item.
func (c *Coordinator) CloseItem(ctx context.Context, itemID string) (storage.Item, error) {
	var it storage.Item
	err := c.store.WithTx(ctx, func(tx *storage.Tx) error {
		var err error
		if it, err = tx.GetItem(ctx, itemID); err != nil {
			return err
		}
		it, err = moveItem(ctx, tx, itemID, it.Status, lifecycle.ItemClosed)
		return err
	})
	if err != nil {
		return storage.Item{}, fmt.Errorf("closing item %s: %w", itemID, err)
	}
	c.logger.Info("item closed", "item_id", it.ID)
	return it, nil
}

// moveItem validates and applies an item transition, returning the updated item.
func moveItem(ctx context.Context, tx *storage.Tx, id string, from, to lifecycle.ItemStatus) (storage.Item, error) {
	it, err := tx.GetItem(ctx, id)
	if err != nil {
		return storage.Item{}, err
	}
	if it.Status != from {
		return storage.Item{}, &lifecycle.TransitionError{Entity: "item", ID: id, From: string(it.Status), Event: string(to)}
	}
	if err := lifecycle.CheckItemTransition(id, from, to); err != nil {
		return storage.Item{}, err
	}
	if err := tx.SetItemStatus(ctx, id, from, to); err != nil {
		return storage.Item{}, err
	}
	it.Status = to
	return it, nil
}
