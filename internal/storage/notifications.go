package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kalambet/recoverd/internal/notify"
)

const notificationColumns = `id, recipient_id, type, title, message, data_json, status, created_at`

// Deliver stores ev in the recipient's inbox. Redelivering the same event
// ID is a no-op, so retries never duplicate a row.
func (s *Store) Deliver(ctx context.Context, recipientID string, ev notify.Event) error {
	data := []byte("{}")
	if len(ev.Data) > 0 {
		var err error
		if data, err = json.Marshal(ev.Data); err != nil {
			return fmt.Errorf("encoding data for event %s: %w", ev.ID, err)
		}
	}
	createdAt := ev.CreatedAt
	if createdAt.IsZero() {
		createdAt = now()
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO notifications (`+notificationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, 'unread', ?)
		ON CONFLICT (id) DO NOTHING`,
		ev.ID, recipientID, string(ev.Type), ev.Title, ev.Message, string(data), formatTime(createdAt),
	)
	if err != nil {
		return fmt.Errorf("storing notification %s for %s: %w", ev.ID, recipientID, err)
	}
	return nil
}

// ListNotifications returns a recipient's notifications, newest first.
func (s *Store) ListNotifications(ctx context.Context, recipientID string, unreadOnly bool, limit, offset int) ([]Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE recipient_id = ?`
	if unreadOnly {
		query += ` AND status = 'unread'`
	}
	query += ` ORDER BY created_at DESC, id ASC LIMIT ? OFFSET ?`

	rows, err := s.q.QueryContext(ctx, query, recipientID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// CountUnread returns the number of unread notifications for a recipient.
func (s *Store) CountUnread(ctx context.Context, recipientID string) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE recipient_id = ? AND status = 'unread'`,
		recipientID).Scan(&n)
	return n, err
}

// MarkNotificationRead marks one of the recipient's notifications read.
func (s *Store) MarkNotificationRead(ctx context.Context, recipientID, id string) (Notification, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE notifications SET status = 'read' WHERE id = ? AND recipient_id = ?`, id, recipientID)
	if err != nil {
		return Notification{}, fmt.Errorf("marking notification %s read: %w", id, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return Notification{}, err
	} else if n == 0 {
		return Notification{}, fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}

	row := s.q.QueryRowContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id = ?`, id)
	return scanNotification(row)
}

// DeleteNotification removes one of the recipient's notifications.
func (s *Store) DeleteNotification(ctx context.Context, recipientID, id string) error {
	res, err := s.q.ExecContext(ctx,
		`DELETE FROM notifications WHERE id = ? AND recipient_id = ?`, id, recipientID)
	if err != nil {
		return fmt.Errorf("deleting notification %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanNotification(s scanner) (Notification, error) {
	var n Notification
	var data, createdAt string
	err := s.Scan(&n.ID, &n.RecipientID, &n.Type, &n.Title, &n.Message, &data, &n.Status, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Notification{}, ErrNotFound
	}
	if err != nil {
		return Notification{}, err
	}
	if data != "" && data != "{}" {
		if err := json.Unmarshal([]byte(data), &n.Data); err != nil {
			return Notification{}, fmt.Errorf("decoding data for notification %s: %w", n.ID, err)
		}
	}
	if n.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Notification{}, err
	}
	return n, nil
}
