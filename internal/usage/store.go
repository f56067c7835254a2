package usage

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides database operations for the usage log.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// BatchInsert writes a slice of events to the database in a single
// multi-row INSERT statement. It is a no-op when events is empty.
func (s *Store) BatchInsert(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	const cols = 11 // number of columns per row (excluding server-generated id)
	args := make([]any, 0, len(events)*cols)
	rows := make([]string, 0, len(events))

	for i, ev := range events {
		base := i * cols
		rows = append(rows, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6,
			base+7, base+8, base+9, base+10, base+11,
		))
		ts := ev.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		args = append(args,
			ev.UserID,
			ev.ReservationID,
			ev.Operation,
			ev.Model,
			ev.PromptTokens,
			ev.CompletionTokens,
			ev.CreditsCharged,
			ev.LatencyMs,
			ev.Success,
			ev.Error,
			ts,
		)
	}

	query := `INSERT INTO usage_events
		(user_id, reservation_id, operation, model, prompt_tokens,
		 completion_tokens, credits_charged, latency_ms, success, error, timestamp)
		VALUES ` + strings.Join(rows, ", ")

	_, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("batch inserting usage events: %w", err)
	}

	return nil
}

// GetSummary returns aggregate usage metrics matching the given query filters.
func (s *Store) GetSummary(ctx context.Context, q Query) (*Summary, error) {
	where, args := buildWhereClause(q)

	query := `SELECT
		COUNT(*),
		COALESCE(SUM(prompt_tokens + completion_tokens), 0),
		COALESCE(SUM(credits_charged), 0),
		COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN NOT success THEN 1 ELSE 0 END), 0),
		COALESCE(AVG(latency_ms), 0)
	FROM usage_events` + where

	var summary Summary
	err := s.pool.QueryRow(ctx, query, args...).Scan(
		&summary.TotalCalls,
		&summary.TotalTokens,
		&summary.TotalCredits,
		&summary.SuccessCount,
		&summary.ErrorCount,
		&summary.AvgLatencyMs,
	)
	if err != nil {
		return nil, fmt.Errorf("querying usage summary: %w", err)
	}

	return &summary, nil
}

// GetModelCallCounts returns the total number of events per model.
func (s *Store) GetModelCallCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT model, COUNT(*) FROM usage_events GROUP BY model`)
	if err != nil {
		return nil, fmt.Errorf("querying model call counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var model string
		var count int64
		if err := rows.Scan(&model, &count); err != nil {
			return nil, fmt.Errorf("scanning model call count: %w", err)
		}
		counts[model] = count
	}
	return counts, rows.Err()
}

// ListEvents returns a page of events matching the query filters, ordered by
// timestamp DESC, id DESC. It uses cursor-based pagination and returns the
// next cursor (empty string if no more results).
func (s *Store) ListEvents(ctx context.Context, q Query) ([]*Event, string, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	where, args := buildWhereClause(q)

	// Apply cursor: the cursor encodes "timestamp|id".
	if q.Cursor != "" {
		ts, id, err := decodeCursor(q.Cursor)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor: %w", err)
		}
		n := len(args)
		if where == "" {
			where = " WHERE"
		} else {
			where += " AND"
		}
		where += fmt.Sprintf(" (timestamp, id) < ($%d, $%d)", n+1, n+2)
		args = append(args, ts, id)
	}

	query := `SELECT id, user_id, reservation_id, operation, model, prompt_tokens,
		completion_tokens, credits_charged, latency_ms, success, error, timestamp
	FROM usage_events` + where +
		` ORDER BY timestamp DESC, id DESC LIMIT $` + strconv.Itoa(len(args)+1)
	args = append(args, limit+1) // fetch one extra to determine if there's a next page

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("listing usage events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(
			&ev.ID, &ev.UserID, &ev.ReservationID, &ev.Operation, &ev.Model,
			&ev.PromptTokens, &ev.CompletionTokens, &ev.CreditsCharged,
			&ev.LatencyMs, &ev.Success, &ev.Error, &ev.Timestamp,
		); err != nil {
			return nil, "", fmt.Errorf("scanning usage event row: %w", err)
		}
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterating usage event rows: %w", err)
	}

	var nextCursor string
	if len(events) > limit {
		last := events[limit-1]
		nextCursor = encodeCursor(last.Timestamp, last.ID)
		events = events[:limit]
	}

	return events, nextCursor, nil
}

// buildWhereClause constructs a WHERE clause and positional arguments from a
// Query. The returned string starts with " WHERE" or is empty.
func buildWhereClause(q Query) (string, []any) {
	var conditions []string
	var args []any

	if q.UserID != "" {
		args = append(args, q.UserID)
		conditions = append(conditions, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if q.Model != "" {
		args = append(args, q.Model)
		conditions = append(conditions, fmt.Sprintf("model = $%d", len(args)))
	}
	if !q.From.IsZero() {
		args = append(args, q.From)
		conditions = append(conditions, fmt.Sprintf("timestamp >= $%d", len(args)))
	}
	if !q.To.IsZero() {
		args = append(args, q.To)
		conditions = append(conditions, fmt.Sprintf("timestamp <= $%d", len(args)))
	}

	if len(conditions) == 0 {
		return "", nil
	}

	return " WHERE " + strings.Join(conditions, " AND "), args
}

// encodeCursor encodes a timestamp and id into an opaque cursor string.
func encodeCursor(ts time.Time, id string) string {
	raw := ts.Format(time.RFC3339Nano) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// decodeCursor decodes an opaque cursor string into a timestamp and id.
func decodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("decoding cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("malformed cursor")
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("parsing cursor timestamp: %w", err)
	}
	return ts, parts[1], nil
}
