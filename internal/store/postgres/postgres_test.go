package postgres

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/austindbirch/mailhook/internal/delivery"
	"github.com/austindbirch/mailhook/internal/formatter"
)

// assign copies src values into Scan destinations; types must match exactly
func assign(dest []any, src []any) error {
	if len(dest) != len(src) {
		return fmt.Errorf("scan: %d destinations for %d values", len(dest), len(src))
	}
	for i := range dest {
		dv := reflect.ValueOf(dest[i]).Elem()
		if src[i] == nil {
			dv.Set(reflect.Zero(dv.Type()))
			continue
		}
		sv := reflect.ValueOf(src[i])
		if !sv.Type().AssignableTo(dv.Type()) {
			return fmt.Errorf("scan: column %d is %s, destination is %s", i, sv.Type(), dv.Type())
		}
		dv.Set(sv)
	}
	return nil
}

type fakeRow struct {
	vals []any
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return assign(dest, r.vals)
}

type fakeRows struct {
	data [][]any
	i    int
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return r.data[r.i-1], nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	if r.i >= len(r.data) {
		return false
	}
	r.i++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	return assign(dest, r.data[r.i-1])
}

type call struct {
	sql  string
	args []any
}

// fakeDB records statements and replays canned results
type fakeDB struct {
	calls   []call
	tag     pgconn.CommandTag
	execErr error
	row     fakeRow
	rows    [][]any
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.calls = append(f.calls, call{sql, args})
	return f.tag, f.execErr
}

func (f *fakeDB) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.calls = append(f.calls, call{sql, args})
	return &fakeRows{data: f.rows}, nil
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.calls = append(f.calls, call{sql, args})
	return f.row
}

func (f *fakeDB) last(t *testing.T) call {
	t.Helper()
	if len(f.calls) == 0 {
		t.Fatal("no statements executed")
	}
	return f.calls[len(f.calls)-1]
}

func TestLoadAttempt(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	retryAt := created.Add(2 * time.Minute)
	db := &fakeDB{row: fakeRow{vals: []any{
		"req-1", "wh-1", "srv-1", "MessageSent", []byte(`{"message":{"id":7}}`), created, 1, true, &retryAt,
	}}}

	a, err := New(db).LoadAttempt(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("LoadAttempt() error = %v", err)
	}
	if a.ID != "req-1" || a.WebhookID != "wh-1" || a.ServerID != "srv-1" || a.Attempts != 1 || !a.Locked {
		t.Errorf("LoadAttempt() = %+v", a)
	}
	if !a.RetryAfter.Equal(retryAt) || !a.CreatedAt.Equal(created) {
		t.Errorf("LoadAttempt() times = (%v, %v)", a.CreatedAt, a.RetryAfter)
	}
	msg, ok := a.Payload["message"].(map[string]any)
	if !ok || msg["id"] != float64(7) {
		t.Errorf("LoadAttempt() payload = %v", a.Payload)
	}
	if got := db.last(t).args; len(got) != 1 || got[0] != "req-1" {
		t.Errorf("LoadAttempt() args = %v", got)
	}
}

func TestLoadAttemptNullRetryAfter(t *testing.T) {
	db := &fakeDB{row: fakeRow{vals: []any{
		"req-1", "wh-1", "srv-1", "MessageSent", []byte(`{}`), time.Now(), 0, true, nil,
	}}}
	a, err := New(db).LoadAttempt(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("LoadAttempt() error = %v", err)
	}
	if !a.RetryAfter.IsZero() {
		t.Errorf("RetryAfter = %v, want zero", a.RetryAfter)
	}
}

func TestNotFoundMapping(t *testing.T) {
	ctx := context.Background()
	db := &fakeDB{row: fakeRow{err: pgx.ErrNoRows}}
	s := New(db)

	_, errAttempt := s.LoadAttempt(ctx, "x")
	_, errWebhook := s.LoadWebhook(ctx, "x")
	_, errKey := s.SigningKey(ctx, "x")
	for name, err := range map[string]error{"LoadAttempt": errAttempt, "LoadWebhook": errWebhook, "SigningKey": errKey} {
		if !errors.Is(err, delivery.ErrNotFound) {
			t.Errorf("%s() error = %v, want ErrNotFound", name, err)
		}
	}

	boom := errors.New("conn closed")
	db.row = fakeRow{err: boom}
	if _, err := s.SigningKey(ctx, "x"); !errors.Is(err, boom) || errors.Is(err, delivery.ErrNotFound) {
		t.Errorf("SigningKey() error = %v, want the driver error unchanged", err)
	}
}

func TestLoadWebhook(t *testing.T) {
	used := time.Date(2026, 5, 5, 5, 5, 5, 0, time.UTC)
	db := &fakeDB{row: fakeRow{vals: []any{"wh-1", "srv-1", "https://x.test/hook", "listmonk", "key-1", &used}}}

	wh, err := New(db).LoadWebhook(context.Background(), "wh-1")
	if err != nil {
		t.Fatalf("LoadWebhook() error = %v", err)
	}
	want := delivery.Webhook{
		ID: "wh-1", ServerID: "srv-1", URL: "https://x.test/hook",
		OutputStyle: formatter.StyleListmonk, SigningKeyRef: "key-1", LastUsedAt: used,
	}
	if !reflect.DeepEqual(wh, want) {
		t.Errorf("LoadWebhook() = %+v, want %+v", wh, want)
	}
}

func TestMutations(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2026, 10, 15, 9, 30, 0, 0, time.UTC)

	tests := []struct {
		name     string
		run      func(s *Store) error
		wantSQL  string
		wantArgs []any
	}{
		{
			name:     "delete attempt",
			run:      func(s *Store) error { return s.DeleteAttempt(ctx, "req-1") },
			wantSQL:  "DELETE FROM mailhook.webhook_requests",
			wantArgs: []any{"req-1"},
		},
		{
			name:     "reschedule clears the lock",
			run:      func(s *Store) error { return s.RescheduleAttempt(ctx, "req-1", 2, at) },
			wantSQL:  "locked = false",
			wantArgs: []any{"req-1", 2, at},
		},
		{
			name:     "touch webhook",
			run:      func(s *Store) error { return s.TouchWebhook(ctx, "wh-1", at) },
			wantSQL:  "SET last_used_at = $2",
			wantArgs: []any{"wh-1", at},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := &fakeDB{tag: pgconn.NewCommandTag("UPDATE 1")}
			if err := tt.run(New(db)); err != nil {
				t.Fatalf("error = %v", err)
			}
			c := db.last(t)
			if !strings.Contains(c.sql, tt.wantSQL) {
				t.Errorf("sql = %q, want it to contain %q", c.sql, tt.wantSQL)
			}
			if !reflect.DeepEqual(c.args, tt.wantArgs) {
				t.Errorf("args = %v, want %v", c.args, tt.wantArgs)
			}

			db.tag = pgconn.NewCommandTag("UPDATE 0")
			if err := tt.run(New(db)); !errors.Is(err, delivery.ErrNotFound) {
				t.Errorf("no rows affected: error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestAppendLog(t *testing.T) {
	db := &fakeDB{tag: pgconn.NewCommandTag("INSERT 0 1")}
	ts := time.Date(2026, 10, 15, 9, 30, 0, 0, time.UTC)
	e := delivery.LogEntry{
		ID: "log-1", ServerID: "srv-1", WebhookID: "wh-1", Event: "MessageSent", URL: "https://x.test",
		StatusCode: 500, Body: "nope", DeliveryID: "req-1", Attempt: 2, WillRetry: true, Timestamp: ts,
		Payload: map[string]any{"a": "b"},
	}
	if err := New(db).AppendLog(context.Background(), e); err != nil {
		t.Fatalf("AppendLog() error = %v", err)
	}
	c := db.last(t)
	if len(c.args) != 12 {
		t.Fatalf("AppendLog() bound %d args, want 12", len(c.args))
	}
	if c.args[7] != "req-1" || c.args[8] != 2 || c.args[9] != true {
		t.Errorf("AppendLog() args = %v", c.args)
	}
	if got := string(c.args[11].([]byte)); got != `{"a":"b"}` {
		t.Errorf("payload arg = %s", got)
	}
}

func TestListLogs(t *testing.T) {
	ts := time.Date(2026, 10, 15, 9, 30, 0, 0, time.UTC)
	row := func(id string, attempt int) []any {
		return []any{id, "srv-1", "wh-1", "MessageSent", "https://x.test", 200, "OK", "req-1", attempt, false, ts, []byte(`{"k":1}`)}
	}
	db := &fakeDB{
		row:  fakeRow{vals: []any{int64(12)}},
		rows: [][]any{row("log-2", 2), row("log-1", 1)},
	}

	page, err := New(db).ListLogs(context.Background(), "srv-1", 2, 5)
	if err != nil {
		t.Fatalf("ListLogs() error = %v", err)
	}
	if page.Total != 12 || page.Page != 2 || page.PerPage != 5 {
		t.Errorf("ListLogs() page = %+v", page)
	}
	if len(page.Records) != 2 || page.Records[0].ID != "log-2" || page.Records[1].Attempt != 1 {
		t.Errorf("ListLogs() records = %+v", page.Records)
	}
	if page.Records[0].Payload["k"] != float64(1) {
		t.Errorf("payload = %v", page.Records[0].Payload)
	}

	q := db.last(t)
	if !strings.Contains(q.sql, "ORDER BY timestamp DESC") {
		t.Errorf("query not newest first: %q", q.sql)
	}
	if !reflect.DeepEqual(q.args, []any{"srv-1", 5, 5}) {
		t.Errorf("query args = %v, want [srv-1 5 5]", q.args)
	}
}

func TestMigrate(t *testing.T) {
	db := &fakeDB{}
	if err := New(db).Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if !strings.Contains(db.last(t).sql, "CREATE TABLE IF NOT EXISTS mailhook.webhook_logs") {
		t.Error("Migrate() did not run the embedded schema")
	}

	db.execErr = errors.New("permission denied")
	if err := New(db).Migrate(context.Background()); err == nil {
		t.Error("Migrate() error = nil, want failure")
	}
}
