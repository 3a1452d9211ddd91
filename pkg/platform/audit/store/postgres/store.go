package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	audit "didregistry/pkg/platform/audit"
)

// Schema creates the subject_events table.
const Schema = `
CREATE TABLE IF NOT EXISTS subject_events (
	id         uuid PRIMARY KEY,
	timestamp  timestamptz NOT NULL,
	subject    text NOT NULL,
	action     text NOT NULL,
	fields     jsonb NOT NULL DEFAULT '[]',
	request_id text NOT NULL DEFAULT '',
	line       text NOT NULL
);
CREATE INDEX IF NOT EXISTS subject_events_subject_idx ON subject_events (subject, timestamp);
`

// Store implements audit.Sink on Postgres. Inserts are idempotent on the
// event ID so redelivered events are ignored.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("migrate subject_events: %w", err)
	}
	return nil
}

func (s *Store) Append(ctx context.Context, event audit.Event) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	fields := event.Fields
	if fields == nil {
		fields = []audit.Field{}
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal audit fields: %w", err)
	}

	query := `
		INSERT INTO subject_events (id, timestamp, subject, action, fields, request_id, line)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`
	_, err = s.db.ExecContext(ctx, query,
		event.ID,
		event.Timestamp,
		event.Subject,
		event.Action,
		payload,
		event.RequestID,
		event.LogLine(),
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// ListBySubject returns a subject's events, oldest first.
func (s *Store) ListBySubject(ctx context.Context, subject string) ([]audit.Event, error) {
	query := `
		SELECT id, timestamp, subject, action, fields, request_id
		FROM subject_events
		WHERE subject = $1
		ORDER BY timestamp ASC, id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, subject)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		var (
			event  audit.Event
			fields []byte
		)
		if err := rows.Scan(&event.ID, &event.Timestamp, &event.Subject, &event.Action, &fields, &event.RequestID); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		if err := json.Unmarshal(fields, &event.Fields); err != nil {
			return nil, fmt.Errorf("decode audit fields: %w", err)
		}
		if len(event.Fields) == 0 {
			event.Fields = nil
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}
