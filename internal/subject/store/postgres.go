package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"didregistry/internal/subject/models"
	id "didregistry/pkg/domain"
	"didregistry/pkg/platform/sentinel"
)

// Schema creates the subjects table. Collections stay in one row so a record
// is always read and written whole.
const Schema = `
CREATE TABLE IF NOT EXISTS subjects (
	id             TEXT PRIMARY KEY,
	status         TEXT NOT NULL,
	contexts       TEXT[] NOT NULL DEFAULT '{}',
	keys           JSONB NOT NULL DEFAULT '[]',
	authentication JSONB,
	controllers    TEXT[] NOT NULL DEFAULT '{}',
	services       JSONB NOT NULL DEFAULT '[]',
	created        BIGINT NOT NULL DEFAULT 0,
	updated        BIGINT NOT NULL DEFAULT 0
)`

// Postgres persists subjects in PostgreSQL. Execute locks the row with
// SELECT ... FOR UPDATE for the duration of the callback.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Migrate applies Schema.
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("migrate subjects: %w", err)
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const selectSubject = `
	SELECT id, status, contexts, keys, authentication, controllers, services, created, updated
	FROM subjects
	WHERE id = $1`

func scanSubject(ctx context.Context, q queryer, query string, subjectID id.SubjectID) (*models.Subject, error) {
	var (
		rawID       string
		status      string
		contexts    pq.StringArray
		keys        []byte
		auth        []byte
		controllers pq.StringArray
		services    []byte
		created     int64
		updated     int64
	)
	err := q.QueryRowContext(ctx, query, subjectID.String()).Scan(
		&rawID, &status, &contexts, &keys, &auth, &controllers, &services, &created, &updated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("subject %s: %w", subjectID, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select subject: %w", err)
	}

	s := &models.Subject{
		ID:       id.SubjectID(rawID),
		Status:   models.Status(status),
		Contexts: nilIfEmpty(contexts),
		Created:  uint64(created),
		Updated:  uint64(updated),
	}
	if err := json.Unmarshal(keys, &s.Keys); err != nil {
		return nil, fmt.Errorf("decode keys: %w", err)
	}
	if len(auth) > 0 {
		if err := json.Unmarshal(auth, &s.Authentication); err != nil {
			return nil, fmt.Errorf("decode authentication: %w", err)
		}
	}
	if err := json.Unmarshal(services, &s.Services); err != nil {
		return nil, fmt.Errorf("decode services: %w", err)
	}
	for _, c := range controllers {
		s.Controllers = append(s.Controllers, id.SubjectID(c))
	}
	if len(s.Keys) == 0 {
		s.Keys = nil
	}
	if len(s.Services) == 0 {
		s.Services = nil
	}
	return s, nil
}

func nilIfEmpty(v []string) []string {
	if len(v) == 0 {
		return nil
	}
	return v
}

type rowArgs struct {
	keys     []byte
	auth     []byte
	services []byte
}

func encodeRow(s *models.Subject) (rowArgs, error) {
	var out rowArgs
	var err error
	if out.keys, err = json.Marshal(orEmpty(s.Keys)); err != nil {
		return out, fmt.Errorf("encode keys: %w", err)
	}
	if s.Status == models.StatusValid {
		if out.auth, err = json.Marshal(authOrEmpty(s.Authentication)); err != nil {
			return out, fmt.Errorf("encode authentication: %w", err)
		}
	}
	if out.services, err = json.Marshal(orEmpty(s.Services)); err != nil {
		return out, fmt.Errorf("encode services: %w", err)
	}
	return out, nil
}

func orEmpty[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}

func (s *Postgres) Create(ctx context.Context, subject *models.Subject) error {
	row, err := encodeRow(subject)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO subjects (id, status, contexts, keys, authentication, controllers, services, created, updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`,
		subject.ID.String(),
		subject.Status.String(),
		pq.Array(orEmpty(subject.Contexts)),
		row.keys,
		nullableJSON(row.auth),
		pq.Array(subject.Controllers.Strings()),
		row.services,
		int64(subject.Created),
		int64(subject.Updated),
	)
	if err != nil {
		return fmt.Errorf("insert subject: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert subject rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("subject %s: %w", subject.ID, sentinel.ErrConflict)
	}
	return nil
}

func nullableJSON(raw []byte) any {
	if raw == nil {
		return nil
	}
	return raw
}

func (s *Postgres) FindByID(ctx context.Context, subjectID id.SubjectID) (*models.Subject, error) {
	return scanSubject(ctx, s.db, selectSubject, subjectID)
}

// Execute locks the subject row, runs fn on the loaded record and writes it
// back in the same transaction when fn returns nil.
func (s *Postgres) Execute(ctx context.Context, subjectID id.SubjectID, fn func(*models.Subject) error) (*models.Subject, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	staged, err := scanSubject(ctx, tx, selectSubject+" FOR UPDATE", subjectID)
	if err != nil {
		return nil, err
	}
	if err := fn(staged); err != nil {
		return nil, err
	}

	row, err := encodeRow(staged)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE subjects SET
			status = $2,
			contexts = $3,
			keys = $4,
			authentication = $5,
			controllers = $6,
			services = $7,
			created = $8,
			updated = $9
		WHERE id = $1`,
		staged.ID.String(),
		staged.Status.String(),
		pq.Array(orEmpty(staged.Contexts)),
		row.keys,
		nullableJSON(row.auth),
		pq.Array(staged.Controllers.Strings()),
		row.services,
		int64(staged.Created),
		int64(staged.Updated),
	)
	if err != nil {
		return nil, fmt.Errorf("update subject: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit subject: %w", err)
	}
	return staged, nil
}
