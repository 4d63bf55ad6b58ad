package infra

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

const testMarker = "6f1d2c3b-4a5e-4f60-8a7b-9c0d1e2f3a4b"

type fakeRow struct{ err error }

func (r fakeRow) Scan(dest ...any) error { return r.err }

// fakeDB records the statements it receives.
type fakeDB struct {
	queries []string
	execErr error
	rowErr  error
}

func (f *fakeDB) Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	f.queries = append(f.queries, query)
	return pgconn.NewCommandTag("UPDATE 1"), f.execErr
}

func (f *fakeDB) QueryRow(ctx context.Context, query string, args ...any) pgx.Row {
	f.queries = append(f.queries, query)
	return fakeRow{err: f.rowErr}
}

func (f *fakeDB) Query(ctx context.Context, query string, args ...any) (pgx.Rows, error) {
	f.queries = append(f.queries, query)
	return nil, errors.New("not used")
}

func logLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal(line, &entry); err != nil {
			t.Fatalf("bad log line %q: %v", line, err)
		}
		out = append(out, entry)
	}
	return out
}

func TestExtractMarker(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		want    string
		wantSQL string
		wantErr bool
	}{
		{name: "marked", query: "\n  --sql " + testMarker + "\nSELECT 1", want: testMarker, wantSQL: "SELECT 1"},
		{name: "missing marker", query: "SELECT 1", wantErr: true},
		{name: "uppercase uuid", query: "--sql 6F1D2C3B-4A5E-4F60-8A7B-9C0D1E2F3A4B\nSELECT 1", wantErr: true},
		{name: "empty", query: "   ", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			marker, sql, err := extractMarker(tc.query)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if marker != tc.want || sql != tc.wantSQL {
				t.Fatalf("got %q %q, want %q %q", marker, sql, tc.want, tc.wantSQL)
			}
		})
	}
}

func TestSQLRunnerExec(t *testing.T) {
	var buf bytes.Buffer
	db := &fakeDB{}
	r := NewSQLRunner(db, zerolog.New(&buf))

	if _, err := r.Exec(context.Background(), "UPDATE tasks SET progress = 10"); err == nil {
		t.Fatal("expected unmarked statement to be refused")
	}
	if len(db.queries) != 0 {
		t.Fatalf("unmarked statement reached the database: %v", db.queries)
	}

	tag, err := r.Exec(context.Background(), "--sql "+testMarker+"\nUPDATE tasks SET progress = 10")
	if err != nil || tag.RowsAffected() != 1 {
		t.Fatalf("Exec = %v, %v", tag, err)
	}
	if db.queries[0] != "UPDATE tasks SET progress = 10" {
		t.Fatalf("marker not stripped: %q", db.queries[0])
	}
	lines := logLines(t, &buf)
	if len(lines) != 1 || lines[0]["sql"] != testMarker || lines[0]["level"] != "debug" || lines[0]["rows"] != float64(1) {
		t.Fatalf("unexpected log %v", lines)
	}
}

func TestSQLRunnerLogLevels(t *testing.T) {
	tests := []struct {
		name      string
		rowErr    error
		elapsed   time.Duration
		wantLevel string
	}{
		{name: "fast hit", wantLevel: "debug"},
		{name: "no rows is routine", rowErr: pgx.ErrNoRows, wantLevel: "debug"},
		{name: "slow query", elapsed: SlowQuery, wantLevel: "warn"},
		{name: "driver error", rowErr: errors.New("conn closed"), wantLevel: "error"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			r := NewSQLRunner(&fakeDB{rowErr: tc.rowErr}, zerolog.New(&buf))
			now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
			r.now = func() time.Time { return now }

			row := r.QueryRow(context.Background(), "--sql "+testMarker+"\nSELECT balance FROM credit_accounts")
			now = now.Add(tc.elapsed)
			if err := row.Scan(); !errors.Is(err, tc.rowErr) {
				t.Fatalf("Scan error = %v, want %v", err, tc.rowErr)
			}
			lines := logLines(t, &buf)
			if len(lines) != 1 || lines[0]["level"] != tc.wantLevel {
				t.Fatalf("unexpected log %v", lines)
			}
		})
	}
}
