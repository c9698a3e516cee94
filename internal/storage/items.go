package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/kalambet/recoverd/internal/lifecycle"
)

const itemColumns = `id, role, owner_id, name, description, features_ref, status, created_at, updated_at`

// CreateItem inserts a new item. CreatedAt and UpdatedAt are set when zero.
func (q *queries) CreateItem(ctx context.Context, it *Item) error {
	if it.CreatedAt.IsZero() {
		it.CreatedAt = now()
	}
	if it.UpdatedAt.IsZero() {
		it.UpdatedAt = it.CreatedAt
	}
	if it.Status == "" {
		it.Status = lifecycle.ItemOpen
	}
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO items (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.ID, it.Role, it.OwnerID, it.Name, it.Description, it.FeaturesRef, it.Status,
		formatTime(it.CreatedAt), formatTime(it.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting item %s: %w", it.ID, mapConstraint(err))
	}
	return nil
}

func (q *queries) GetItem(ctx context.Context, id string) (Item, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = ?`, id)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	return it, err
}

// ListItemsByOwner returns an owner's items, newest first.
func (q *queries) ListItemsByOwner(ctx context.Context, ownerID string, limit int) ([]Item, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT `+itemColumns+` FROM items
		WHERE owner_id = ?
		ORDER BY created_at DESC
		LIMIT ?`, ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// SetItemStatus moves an item from one status to another. It fails with
// lifecycle.ErrStaleState when the item is no longer in from.
func (q *queries) SetItemStatus(ctx context.Context, id string, from, to lifecycle.ItemStatus) error {
	res, err := q.q.ExecContext(ctx,
		`UPDATE items SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, formatTime(now()), id, from)
	if err != nil {
		return fmt.Errorf("updating item %s: %w", id, err)
	}
	return q.checkSwapped(ctx, res, "items", "item", id)
}

// checkSwapped turns a zero-row conditional update into ErrNotFound or ErrStaleState.
func (q *queries) checkSwapped(ctx context.Context, res sql.Result, table, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking updated %s rows: %w", table, err)
	}
	if n == 1 {
		return nil
	}
	var exists int
	if err := q.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table+` WHERE id = ?`, id).Scan(&exists); err != nil {
		return fmt.Errorf("checking %s %s: %w", table, id, err)
	}
	if exists == 0 {
		return fmt.Errorf("%s %s: %w", entity, id, ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", entity, id, lifecycle.ErrStaleState)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(s scanner) (Item, error) {
	var it Item
	var createdAt, updatedAt string
	if err := s.Scan(&it.ID, &it.Role, &it.OwnerID, &it.Name, &it.Description, &it.FeaturesRef,
		&it.Status, &createdAt, &updatedAt); err != nil {
		return Item{}, err
	}
	var err error
	if it.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Item{}, err
	}
	if it.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return Item{}, err
	}
	return it, nil
}

// mapConstraint maps SQLite uniqueness violations to ErrConflict.
func mapConstraint(err error) error {
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}
