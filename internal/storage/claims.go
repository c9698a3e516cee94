package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/recoverd/internal/lifecycle"
)

const claimColumns = `id, match_id, claimant_id, status, admin_note, submitted_at, decided_at`

// CreateClaim inserts a pending claim. A second pending claim by the same
// claimant on the match fails with ErrConflict.
func (q *queries) CreateClaim(ctx context.Context, c *Claim) error {
	if c.SubmittedAt.IsZero() {
		c.SubmittedAt = now()
	}
	if c.Status == "" {
		c.Status = lifecycle.ClaimPending
	}
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO claims (id, match_id, claimant_id, status, admin_note, submitted_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.MatchID, c.ClaimantID, c.Status, c.AdminNote, formatTime(c.SubmittedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting claim %s: %w", c.ID, mapConstraint(err))
	}
	return nil
}

func (q *queries) GetClaim(ctx context.Context, id string) (Claim, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+claimColumns+` FROM claims WHERE id = ?`, id)
	c, err := scanClaim(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Claim{}, fmt.Errorf("claim %s: %w", id, ErrNotFound)
	}
	return c, err
}

// HasPendingClaim reports whether the claimant already has a pending claim on the match.
func (q *queries) HasPendingClaim(ctx context.Context, matchID, claimantID string) (bool, error) {
	var n int
	err := q.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM claims
		WHERE match_id = ? AND claimant_id = ? AND status = ?`,
		matchID, claimantID, lifecycle.ClaimPending).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking pending claims on %s: %w", matchID, err)
	}
	return n > 0, nil
}

// CountClaims counts a match's claims in the given status.
func (q *queries) CountClaims(ctx context.Context, matchID string, status lifecycle.ClaimStatus) (int, error) {
	var n int
	err := q.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM claims WHERE match_id = ? AND status = ?`, matchID, status).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting claims on %s: %w", matchID, err)
	}
	return n, nil
}

// ListClaimsByMatch returns a match's claims in submission order, optionally
// filtered by status.
func (q *queries) ListClaimsByMatch(ctx context.Context, matchID string, status lifecycle.ClaimStatus) ([]Claim, error) {
	query := `SELECT ` + claimColumns + ` FROM claims WHERE match_id = ?`
	args := []any{matchID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY submitted_at ASC, id ASC`

	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectClaims(rows)
}

// ListClaims returns claims across all matches in submission order, optionally
// filtered by status. This backs the admin review queue.
func (q *queries) ListClaims(ctx context.Context, status lifecycle.ClaimStatus, limit, offset int) ([]Claim, error) {
	query := `SELECT ` + claimColumns + ` FROM claims`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY submitted_at ASC, id ASC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectClaims(rows)
}

// DecideClaim moves a claim out of from, recording the note and decision
// time. It fails with lifecycle.ErrStaleState when the claim is no longer in from.
func (q *queries) DecideClaim(ctx context.Context, c *Claim, to lifecycle.ClaimStatus, note string) error {
	ts := now()
	res, err := q.q.ExecContext(ctx, `
		UPDATE claims SET status = ?, admin_note = ?, decided_at = ?
		WHERE id = ? AND status = ?`,
		to, note, formatTime(ts), c.ID, c.Status)
	if err != nil {
		return fmt.Errorf("updating claim %s: %w", c.ID, mapConstraint(err))
	}
	if err := q.checkSwapped(ctx, res, "claims", "claim", c.ID); err != nil {
		return err
	}
	c.Status = to
	c.AdminNote = note
	c.DecidedAt = &ts
	return nil
}

func collectClaims(rows *sql.Rows) ([]Claim, error) {
	defer rows.Close()
	var claims []Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		claims = append(claims, c)
	}
	return claims, rows.Err()
}

func scanClaim(s scanner) (Claim, error) {
	var c Claim
	var submittedAt string
	var decidedAt sql.NullString
	if err := s.Scan(&c.ID, &c.MatchID, &c.ClaimantID, &c.Status, &c.AdminNote,
		&submittedAt, &decidedAt); err != nil {
		return Claim{}, err
	}
	var err error
	if c.SubmittedAt, err = parseTime("submitted_at", submittedAt); err != nil {
		return Claim{}, err
	}
	if decidedAt.Valid {
		var t time.Time
		if t, err = parseTime("decided_at", decidedAt.String); err != nil {
			return Claim{}, err
		}
		c.DecidedAt = &t
	}
	return c, nil
}
