// Package notify delivers events to present users over their live connection
// and defers to a durable inbox when they are offline.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/recoverd/internal/presence"
)

// ErrDeliveryUnavailable marks a failed live push to a user who was present.
// It is logged and triggers the inbox fallback; it never fails the caller.
var ErrDeliveryUnavailable = errors.New("live delivery unavailable")

// Presence looks up the live connection of a user.
type Presence interface {
	HandleFor(userID string) (presence.Conn, bool)
	Connections() []presence.Conn
}

// Inbox durably stores an event for later retrieval by its recipient.
type Inbox interface {
	Deliver(ctx context.Context, recipientID string, ev Event) error
}

// Outcome reports which delivery path a Dispatch call took.
type Outcome int

const (
	// OutcomeLive means the event was pushed over the live connection.
	OutcomeLive Outcome = iota
	// OutcomeLiveFailed means the push failed and the inbox fallback ran.
	OutcomeLiveFailed
	// OutcomeDeferred means the user was offline and the event went to the inbox.
	OutcomeDeferred
	// OutcomeDropped means both the push (if attempted) and the inbox failed.
	OutcomeDropped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeLive:
		return "live"
	case OutcomeLiveFailed:
		return "live_failed"
	case OutcomeDeferred:
		return "deferred"
	case OutcomeDropped:
		return "dropped"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Options tunes a Dispatcher.
type Options struct {
	// PushTimeout bounds a single live push. Defaults to 2s.
	PushTimeout time.Duration
	// InboxOnPushFailure also writes to the inbox when a present user's push fails.
	InboxOnPushFailure bool
	// BroadcastConcurrency bounds parallel sends during Broadcast. Defaults to 16.
	BroadcastConcurrency int
}

// Dispatcher routes events to live connections or the durable inbox.
type Dispatcher struct {
	presence Presence
	inbox    Inbox
	opts     Options
	logger   *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(p Presence, inbox Inbox, opts Options) *Dispatcher {
	if opts.PushTimeout <= 0 {
		opts.PushTimeout = 2 * time.Second
	}
	if opts.BroadcastConcurrency <= 0 {
		opts.BroadcastConcurrency = 16
	}
	return &Dispatcher{
		presence: p,
		inbox:    inbox,
		opts:     opts,
		logger:   slog.Default(),
	}
}

// Dispatch delivers ev to userID. A present user gets a live push; an absent
// user gets an inbox entry. Failures are logged, never returned.
func (d *Dispatcher) Dispatch(ctx context.Context, userID string, ev Event) Outcome {
	conn, ok := d.presence.HandleFor(userID)
	if !ok {
		if err := d.inbox.Deliver(ctx, userID, ev); err != nil {
			d.logger.Error("inbox delivery failed", "user_id", userID, "event_id", ev.ID, "error", err)
			return OutcomeDropped
		}
		d.logger.Debug("event deferred to inbox", "user_id", userID, "event_id", ev.ID, "type", ev.Type)
		return OutcomeDeferred
	}

	err := d.push(ctx, conn, ev)
	if err == nil {
		d.logger.Debug("event pushed", "user_id", userID, "event_id", ev.ID, "conn_id", conn.ID())
		return OutcomeLive
	}
	d.logger.Warn("live push failed", "user_id", userID, "event_id", ev.ID, "conn_id", conn.ID(), "error", err)

	if !d.opts.InboxOnPushFailure {
		return OutcomeLiveFailed
	}
	if err := d.inbox.Deliver(ctx, userID, ev); err != nil {
		d.logger.Error("inbox fallback failed", "user_id", userID, "event_id", ev.ID, "error", err)
		return OutcomeDropped
	}
	return OutcomeLiveFailed
}

// BroadcastResult summarizes a Broadcast.
type BroadcastResult struct {
	Attempted int
	Failed    int
}

// Broadcast pushes ev to every registered connection. A failing recipient is
// logged and counted; it never stops delivery to the others.
func (d *Dispatcher) Broadcast(ctx context.Context, ev Event) BroadcastResult {
	conns := d.presence.Connections()
	var failed atomic.Int32

	var g errgroup.Group
	g.SetLimit(d.opts.BroadcastConcurrency)
	for _, c := range conns {
		g.Go(func() error {
			if err := d.push(ctx, c, ev); err != nil {
				failed.Add(1)
				d.logger.Warn("broadcast push failed", "conn_id", c.ID(), "event_id", ev.ID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	res := BroadcastResult{Attempted: len(conns), Failed: int(failed.Load())}
	d.logger.Info("broadcast sent", "event_id", ev.ID, "type", ev.Type, "attempted", res.Attempted, "failed", res.Failed)
	return res
}

func (d *Dispatcher) push(ctx context.Context, conn presence.Conn, ev Event) error {
	payload, err := ev.Encode()
	if err != nil {
		return fmt.Errorf("encoding event %s: %w", ev.ID, err)
	}
	pushCtx, cancel := context.WithTimeout(ctx, d.opts.PushTimeout)
	defer cancel()
	if err := conn.Send(pushCtx, payload); err != nil {
		return fmt.Errorf("%w: conn %s: %v", ErrDeliveryUnavailable, conn.ID(), err)
	}
	return nil
}
