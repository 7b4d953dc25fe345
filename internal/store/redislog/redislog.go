// Package redislog keeps each server's delivery audit log in a redis list,
// newest entry at the head.
package redislog

import (
	"context"
	"encoding/json"
	"fmt"

	redis "github.com/redis/go-redis/v9"

	"github.com/austindbirch/mailhook/internal/delivery"
	"github.com/austindbirch/mailhook/internal/tracing"
)

const keyPrefix = "mailhook:webhook_logs:"

type Store struct {
	rdb *redis.Client
	// retention caps the list length per server; 0 keeps everything
	retention int64
}

// Open parses a redis:// URL and returns a store backed by a new client
func Open(url string, retention int) (*Store, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return New(redis.NewClient(opt), retention), nil
}

func New(rdb *redis.Client, retention int) *Store {
	return &Store{rdb: rdb, retention: int64(retention)}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

func Key(serverID string) string { return keyPrefix + serverID }

func (s *Store) AppendLog(ctx context.Context, e delivery.LogEntry) error {
	tracing.AddSpanEvent(ctx, "redis.append_log")
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode log entry: %w", err)
	}
	key := Key(e.ServerID)
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, key, data)
		if s.retention > 0 {
			p.LTrim(ctx, key, 0, s.retention-1)
		}
		return nil
	})
	return err
}

func (s *Store) ListLogs(ctx context.Context, serverID string, page, perPage int) (delivery.LogPage, error) {
	page, perPage, offset := delivery.NormalizePage(page, perPage)
	key := Key(serverID)

	var (
		total *redis.IntCmd
		items *redis.StringSliceCmd
	)
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		total = p.LLen(ctx, key)
		items = p.LRange(ctx, key, int64(offset), int64(offset+perPage-1))
		return nil
	})
	if err != nil {
		return delivery.LogPage{}, fmt.Errorf("list logs: %w", err)
	}
	return decodePage(total.Val(), page, perPage, items.Val())
}

func decodePage(total int64, page, perPage int, items []string) (delivery.LogPage, error) {
	out := delivery.LogPage{Total: total, Page: page, PerPage: perPage, Records: make([]delivery.LogEntry, 0, len(items))}
	for _, raw := range items {
		var e delivery.LogEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return delivery.LogPage{}, fmt.Errorf("decode log entry: %w", err)
		}
		out.Records = append(out.Records, e)
	}
	return out, nil
}
