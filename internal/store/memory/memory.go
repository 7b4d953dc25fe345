// Package memory is an in-process implementation of every delivery store,
// used by tests and by mailhookctl dry runs.
package memory

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/austindbirch/mailhook/internal/delivery"
)

type Store struct {
	mu       sync.Mutex
	webhooks map[string]delivery.Webhook
	attempts map[string]delivery.Attempt
	keys     map[string]string
	logs     map[string][]delivery.LogEntry // server id -> oldest first
}

func New() *Store {
	return &Store{
		webhooks: make(map[string]delivery.Webhook),
		attempts: make(map[string]delivery.Attempt),
		keys:     make(map[string]string),
		logs:     make(map[string][]delivery.LogEntry),
	}
}

func (s *Store) PutWebhook(wh delivery.Webhook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.webhooks[wh.ID] = wh
}

func (s *Store) PutAttempt(a delivery.Attempt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a.Payload = maps.Clone(a.Payload)
	s.attempts[a.ID] = a
}

func (s *Store) PutKey(ref, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[ref] = key
}

func (s *Store) LoadAttempt(_ context.Context, id string) (delivery.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[id]
	if !ok {
		return delivery.Attempt{}, delivery.ErrNotFound
	}
	return a, nil
}

func (s *Store) LoadWebhook(_ context.Context, id string) (delivery.Webhook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wh, ok := s.webhooks[id]
	if !ok {
		return delivery.Webhook{}, delivery.ErrNotFound
	}
	return wh, nil
}

func (s *Store) SigningKey(_ context.Context, ref string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[ref]
	if !ok {
		return "", delivery.ErrNotFound
	}
	return key, nil
}

func (s *Store) DeleteAttempt(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.attempts[id]; !ok {
		return delivery.ErrNotFound
	}
	delete(s.attempts, id)
	return nil
}

func (s *Store) RescheduleAttempt(_ context.Context, id string, attempts int, retryAfter time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[id]
	if !ok {
		return delivery.ErrNotFound
	}
	a.Attempts = attempts
	a.RetryAfter = retryAfter
	a.Locked = false
	s.attempts[id] = a
	return nil
}

func (s *Store) TouchWebhook(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wh, ok := s.webhooks[id]
	if !ok {
		return delivery.ErrNotFound
	}
	wh.LastUsedAt = at
	s.webhooks[id] = wh
	return nil
}

func (s *Store) AppendLog(_ context.Context, entry delivery.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[entry.ServerID] = append(s.logs[entry.ServerID], entry)
	return nil
}

func (s *Store) ListLogs(_ context.Context, serverID string, page, perPage int) (delivery.LogPage, error) {
	page, perPage, offset := delivery.NormalizePage(page, perPage)

	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.logs[serverID]
	out := delivery.LogPage{Total: int64(len(all)), Page: page, PerPage: perPage, Records: []delivery.LogEntry{}}
	// walk backwards for newest first
	for i := len(all) - 1 - offset; i >= 0 && len(out.Records) < perPage; i-- {
		out.Records = append(out.Records, all[i])
	}
	return out, nil
}
