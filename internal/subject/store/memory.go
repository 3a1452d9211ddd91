package store

import (
	"context"
	"fmt"
	"sync"

	"didregistry/internal/subject/models"
	id "didregistry/pkg/domain"
	"didregistry/pkg/platform/sentinel"
)

// Error Contract:
// - Create returns sentinel.ErrConflict when any record exists for the id
// - FindByID and Execute return sentinel.ErrNotFound when no record exists
// - Execute returns the callback's error unchanged and commits nothing

// InMemory keeps subjects in a map for tests and single-node development.
type InMemory struct {
	mu       sync.Mutex
	subjects map[id.SubjectID]*models.Subject
}

func NewInMemory() *InMemory {
	return &InMemory{subjects: make(map[id.SubjectID]*models.Subject)}
}

func (s *InMemory) Create(_ context.Context, subject *models.Subject) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subjects[subject.ID]; ok {
		return fmt.Errorf("subject %s: %w", subject.ID, sentinel.ErrConflict)
	}
	s.subjects[subject.ID] = subject.Clone()
	return nil
}

func (s *InMemory) FindByID(_ context.Context, subjectID id.SubjectID) (*models.Subject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subject, ok := s.subjects[subjectID]
	if !ok {
		return nil, fmt.Errorf("subject %s: %w", subjectID, sentinel.ErrNotFound)
	}
	return subject.Clone(), nil
}

// Execute runs fn on a staged copy of the subject under the store lock and
// commits the copy only when fn returns nil.
func (s *InMemory) Execute(ctx context.Context, subjectID id.SubjectID, fn func(*models.Subject) error) (*models.Subject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.subjects[subjectID]
	if !ok {
		return nil, fmt.Errorf("subject %s: %w", subjectID, sentinel.ErrNotFound)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	staged := current.Clone()
	if err := fn(staged); err != nil {
		return nil, err
	}
	s.subjects[subjectID] = staged
	return staged.Clone(), nil
}
