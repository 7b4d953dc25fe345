package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/austindbirch/mailhook/internal/delivery"
	"github.com/austindbirch/mailhook/internal/formatter"
	"github.com/austindbirch/mailhook/internal/tracing"
)

//go:embed schema.sql
var Schema string

// DBTX is the subset of *pgxpool.Pool the store uses
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store keeps webhooks, attempts, signing keys and the audit log in postgres
type Store struct {
	db DBTX
}

func New(db DBTX) *Store {
	return &Store{db: db}
}

// Migrate creates the schema if it does not exist
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *Store) LoadAttempt(ctx context.Context, id string) (delivery.Attempt, error) {
	tracing.AddSpanEvent(ctx, "db.load_attempt")
	var (
		a          delivery.Attempt
		payload    []byte
		retryAfter *time.Time
	)
	err := s.db.QueryRow(ctx, `
		SELECT id, webhook_id, server_id, event, payload, created_at, attempts, locked, retry_after
		FROM mailhook.webhook_requests
		WHERE id = $1`, id,
	).Scan(&a.ID, &a.WebhookID, &a.ServerID, &a.Event, &payload, &a.CreatedAt, &a.Attempts, &a.Locked, &retryAfter)
	if err != nil {
		return delivery.Attempt{}, notFound(err, "attempt", id)
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &a.Payload); err != nil {
			return delivery.Attempt{}, fmt.Errorf("decode payload of attempt %s: %w", id, err)
		}
	}
	if retryAfter != nil {
		a.RetryAfter = *retryAfter
	}
	return a, nil
}

func (s *Store) LoadWebhook(ctx context.Context, id string) (delivery.Webhook, error) {
	tracing.AddSpanEvent(ctx, "db.load_webhook")
	var (
		wh       delivery.Webhook
		style    string
		lastUsed *time.Time
	)
	err := s.db.QueryRow(ctx, `
		SELECT id, server_id, url, output_style, signing_key_ref, last_used_at
		FROM mailhook.webhooks
		WHERE id = $1`, id,
	).Scan(&wh.ID, &wh.ServerID, &wh.URL, &style, &wh.SigningKeyRef, &lastUsed)
	if err != nil {
		return delivery.Webhook{}, notFound(err, "webhook", id)
	}
	wh.OutputStyle = formatter.Style(style)
	if lastUsed != nil {
		wh.LastUsedAt = *lastUsed
	}
	return wh, nil
}

func (s *Store) SigningKey(ctx context.Context, ref string) (string, error) {
	tracing.AddSpanEvent(ctx, "db.fetch_signing_key")
	var secret string
	err := s.db.QueryRow(ctx, `SELECT secret FROM mailhook.signing_keys WHERE ref = $1`, ref).Scan(&secret)
	if err != nil {
		return "", notFound(err, "signing key", ref)
	}
	return secret, nil
}

func (s *Store) DeleteAttempt(ctx context.Context, id string) error {
	tracing.AddSpanEvent(ctx, "db.delete_attempt")
	tag, err := s.db.Exec(ctx, `DELETE FROM mailhook.webhook_requests WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("attempt %s: %w", id, delivery.ErrNotFound)
	}
	return nil
}

func (s *Store) RescheduleAttempt(ctx context.Context, id string, attempts int, retryAfter time.Time) error {
	tracing.AddSpanEvent(ctx, "db.reschedule_attempt")
	tag, err := s.db.Exec(ctx, `
		UPDATE mailhook.webhook_requests
		SET attempts = $2, retry_after = $3, locked = false, locked_at = NULL
		WHERE id = $1`,
		id, attempts, retryAfter,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("attempt %s: %w", id, delivery.ErrNotFound)
	}
	return nil
}

func (s *Store) TouchWebhook(ctx context.Context, id string, at time.Time) error {
	tracing.AddSpanEvent(ctx, "db.touch_webhook")
	tag, err := s.db.Exec(ctx, `UPDATE mailhook.webhooks SET last_used_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("webhook %s: %w", id, delivery.ErrNotFound)
	}
	return nil
}

func (s *Store) AppendLog(ctx context.Context, e delivery.LogEntry) error {
	tracing.AddSpanEvent(ctx, "db.append_log")
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("encode log payload: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO mailhook.webhook_logs
			(id, server_id, webhook_id, event, url, status_code, body, uuid, attempt, will_retry, timestamp, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID, e.ServerID, e.WebhookID, e.Event, e.URL, e.StatusCode, e.Body,
		e.DeliveryID, e.Attempt, e.WillRetry, e.Timestamp, payload,
	)
	return err
}

func (s *Store) ListLogs(ctx context.Context, serverID string, page, perPage int) (delivery.LogPage, error) {
	page, perPage, offset := delivery.NormalizePage(page, perPage)
	out := delivery.LogPage{Page: page, PerPage: perPage, Records: []delivery.LogEntry{}}

	if err := s.db.QueryRow(ctx,
		`SELECT count(*) FROM mailhook.webhook_logs WHERE server_id = $1`, serverID,
	).Scan(&out.Total); err != nil {
		return delivery.LogPage{}, fmt.Errorf("count logs: %w", err)
	}

	rows, err := s.db.Query(ctx, `
		SELECT id, server_id, webhook_id, event, url, status_code, body, uuid, attempt, will_retry, timestamp, payload
		FROM mailhook.webhook_logs
		WHERE server_id = $1
		ORDER BY timestamp DESC, id DESC
		LIMIT $2 OFFSET $3`,
		serverID, perPage, offset,
	)
	if err != nil {
		return delivery.LogPage{}, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e       delivery.LogEntry
			payload []byte
		)
		if err := rows.Scan(&e.ID, &e.ServerID, &e.WebhookID, &e.Event, &e.URL, &e.StatusCode, &e.Body,
			&e.DeliveryID, &e.Attempt, &e.WillRetry, &e.Timestamp, &payload); err != nil {
			return delivery.LogPage{}, fmt.Errorf("scan log: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				return delivery.LogPage{}, fmt.Errorf("decode log payload: %w", err)
			}
		}
		out.Records = append(out.Records, e)
	}
	if err := rows.Err(); err != nil {
		return delivery.LogPage{}, err
	}
	return out, nil
}

func notFound(err error, what, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, delivery.ErrNotFound)
	}
	return err
}
