package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kalambet/recoverd/internal/lifecycle"
)

const matchColumns = `id, lost_item_id, found_item_id, score, status, version, created_at, updated_at`

// CreateMatch inserts a match in pending_claim at version 1. A duplicate
// (lost, found) pair fails with ErrConflict.
func (q *queries) CreateMatch(ctx context.Context, m *Match) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now()
	}
	m.UpdatedAt = m.CreatedAt
	if m.Status == "" {
		m.Status = lifecycle.MatchPendingClaim
	}
	if m.Version == 0 {
		m.Version = 1
	}
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO matches (`+matchColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.LostItemID, m.FoundItemID, m.Score, m.Status, m.Version,
		formatTime(m.CreatedAt), formatTime(m.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting match %s: %w", m.ID, mapConstraint(err))
	}
	return nil
}

func (q *queries) GetMatch(ctx context.Context, id string) (Match, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+matchColumns+` FROM matches WHERE id = ?`, id)
	m, err := scanMatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Match{}, fmt.Errorf("match %s: %w", id, ErrNotFound)
	}
	return m, err
}

// FindMatch returns the match for a (lost, found) pair.
func (q *queries) FindMatch(ctx context.Context, lostItemID, foundItemID string) (Match, error) {
	row := q.q.QueryRowContext(ctx, `
		SELECT `+matchColumns+` FROM matches
		WHERE lost_item_id = ? AND found_item_id = ?`, lostItemID, foundItemID)
	m, err := scanMatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Match{}, fmt.Errorf("match %s/%s: %w", lostItemID, foundItemID, ErrNotFound)
	}
	return m, err
}

// CountLiveMatches counts the non-archived matches of a lost item.
func (q *queries) CountLiveMatches(ctx context.Context, lostItemID string) (int, error) {
	var n int
	err := q.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM matches
		WHERE lost_item_id = ? AND status != ?`, lostItemID, lifecycle.MatchArchived).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting matches of %s: %w", lostItemID, err)
	}
	return n, nil
}

// CountLiveMatchesForItem counts non-archived matches that reference the item
// on either side.
func (q *queries) CountLiveMatchesForItem(ctx context.Context, itemID string) (int, error) {
	var n int
	err := q.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM matches
		WHERE (lost_item_id = ? OR found_item_id = ?) AND status != ?`,
		itemID, itemID, lifecycle.MatchArchived).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting matches of %s: %w", itemID, err)
	}
	return n, nil
}

// ListMatchesForItem returns matches on either side of an item, best score first.
func (q *queries) ListMatchesForItem(ctx context.Context, itemID string) ([]Match, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT `+matchColumns+` FROM matches
		WHERE lost_item_id = ? OR found_item_id = ?
		ORDER BY score DESC, created_at ASC`, itemID, itemID)
	if err != nil {
		return nil, err
	}
	return collectMatches(rows)
}

// ListMatches returns matches, newest first, optionally filtered by status.
func (q *queries) ListMatches(ctx context.Context, status lifecycle.MatchStatus, limit, offset int) ([]Match, error) {
	query := `SELECT ` + matchColumns + ` FROM matches`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectMatches(rows)
}

// ListMatchesForOwner returns matches where ownerID reported either item,
// newest first, optionally filtered by status.
func (q *queries) ListMatchesForOwner(ctx context.Context, ownerID string, status lifecycle.MatchStatus, limit, offset int) ([]Match, error) {
	query := `SELECT ` + matchColumns + ` FROM matches
		WHERE (lost_item_id IN (SELECT id FROM items WHERE owner_id = ?)
		    OR found_item_id IN (SELECT id FROM items WHERE owner_id = ?))`
	args := []any{ownerID, ownerID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectMatches(rows)
}

// CountMatches counts matches, optionally filtered by status.
func (q *queries) CountMatches(ctx context.Context, status lifecycle.MatchStatus) (int, error) {
	query := `SELECT COUNT(*) FROM matches`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	var n int
	if err := q.q.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting matches: %w", err)
	}
	return n, nil
}

// SwapMatchStatus moves a match from one status to another if it is still
// at the given version. The version is bumped on success and m is updated.
// A lost race fails with lifecycle.ErrStaleState.
func (q *queries) SwapMatchStatus(ctx context.Context, m *Match, to lifecycle.MatchStatus) error {
	ts := now()
	res, err := q.q.ExecContext(ctx, `
		UPDATE matches SET status = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND status = ? AND version = ?`,
		to, formatTime(ts), m.ID, m.Status, m.Version)
	if err != nil {
		return fmt.Errorf("updating match %s: %w", m.ID, err)
	}
	if err := q.checkSwapped(ctx, res, "matches", "match", m.ID); err != nil {
		return err
	}
	m.Status = to
	m.Version++
	m.UpdatedAt = ts
	return nil
}

// ApproveMatch is the approval CAS: the match must still be under_approval
// at the observed version and carry no approved or resolved claim.
func (q *queries) ApproveMatch(ctx context.Context, m *Match) error {
	ts := now()
	res, err := q.q.ExecContext(ctx, `
		UPDATE matches SET status = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND status = ? AND version = ?
		  AND NOT EXISTS (
			SELECT 1 FROM claims
			WHERE claims.match_id = matches.id AND claims.status IN (?, ?)
		  )`,
		lifecycle.MatchClaimApproved, formatTime(ts),
		m.ID, lifecycle.MatchUnderApproval, m.Version,
		lifecycle.ClaimApproved, lifecycle.ClaimResolved)
	if err != nil {
		return fmt.Errorf("approving match %s: %w", m.ID, err)
	}
	if err := q.checkSwapped(ctx, res, "matches", "match", m.ID); err != nil {
		return err
	}
	m.Status = lifecycle.MatchClaimApproved
	m.Version++
	m.UpdatedAt = ts
	return nil
}

func collectMatches(rows *sql.Rows) ([]Match, error) {
	defer rows.Close()
	var matches []Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

func scanMatch(s scanner) (Match, error) {
	var m Match
	var createdAt, updatedAt string
	if err := s.Scan(&m.ID, &m.LostItemID, &m.FoundItemID, &m.Score, &m.Status, &m.Version,
		&createdAt, &updatedAt); err != nil {
		return Match{}, err
	}
	var err error
	if m.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Match{}, err
	}
	if m.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return Match{}, err
	}
	return m, nil
}
