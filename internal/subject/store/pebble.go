package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/pebble"

	"didregistry/internal/subject/models"
	id "didregistry/pkg/domain"
	"didregistry/pkg/platform/sentinel"
)

// Pebble lays the subject record out as independent maps keyed
// "<map>/<subject id>" in a single pebble database. Every write of a record
// goes through one batch; within it the status slot is written last when a
// subject becomes Valid and first when it is deactivated.
type Pebble struct {
	mu sync.Mutex
	db *pebble.DB
}

// NewPebble opens (or creates) the database at path.
func NewPebble(path string) (*Pebble, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create pebble dir: %w", err)
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	return &Pebble{db: db}, nil
}

func (p *Pebble) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

func slot(name string, subjectID id.SubjectID) []byte {
	return []byte(name + "/" + subjectID.String())
}

func (p *Pebble) get(key []byte) ([]byte, bool, error) {
	v, closer, err := p.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (p *Pebble) load(subjectID id.SubjectID) (*models.Subject, error) {
	status, ok, err := p.get(slot(mapStatus, subjectID))
	if err != nil {
		return nil, fmt.Errorf("read status: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("subject %s: %w", subjectID, sentinel.ErrNotFound)
	}
	s := &models.Subject{ID: subjectID, Status: models.Status(status)}
	for _, name := range collectionMaps {
		raw, ok, err := p.get(slot(name, subjectID))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		if !ok {
			continue
		}
		if err := decodeCollection(s, name, raw); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (p *Pebble) write(s *models.Subject) error {
	values, err := encodeCollections(s)
	if err != nil {
		return err
	}
	b := p.db.NewBatch()
	defer b.Close()

	statusKey := slot(mapStatus, s.ID)
	if s.Status != models.StatusValid {
		if err := b.Set(statusKey, []byte(s.Status), nil); err != nil {
			return err
		}
	}
	for _, name := range collectionMaps {
		key := slot(name, s.ID)
		if raw, ok := values[name]; ok {
			err = b.Set(key, raw, nil)
		} else {
			err = b.Delete(key, nil)
		}
		if err != nil {
			return err
		}
	}
	if s.Status == models.StatusValid {
		if err := b.Set(statusKey, []byte(s.Status), nil); err != nil {
			return err
		}
	}
	return b.Commit(pebble.Sync)
}

func (p *Pebble) Create(_ context.Context, subject *models.Subject) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok, err := p.get(slot(mapStatus, subject.ID))
	if err != nil {
		return fmt.Errorf("read status: %w", err)
	}
	if ok {
		return fmt.Errorf("subject %s: %w", subject.ID, sentinel.ErrConflict)
	}
	if err := p.write(subject); err != nil {
		return fmt.Errorf("create subject: %w", err)
	}
	return nil
}

func (p *Pebble) FindByID(_ context.Context, subjectID id.SubjectID) (*models.Subject, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.load(subjectID)
}

// Execute runs fn on the loaded record while holding the store lock and
// writes it back in one batch when fn returns nil.
func (p *Pebble) Execute(ctx context.Context, subjectID id.SubjectID, fn func(*models.Subject) error) (*models.Subject, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	staged, err := p.load(subjectID)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := fn(staged); err != nil {
		return nil, err
	}
	if err := p.write(staged); err != nil {
		return nil, fmt.Errorf("save subject: %w", err)
	}
	return staged.Clone(), nil
}
