package models

import (
	"slices"
	"time"

	id "didregistry/pkg/domain"
	dErrors "didregistry/pkg/domain-errors"
)

// Subject is the aggregate root of an identity record.
//
// Invariants:
//   - Status is Valid iff Keys is non-empty and Created is set
//   - every Authentication index points at a key that is not deactivated and
//     can authenticate
//   - Keys entries are never removed and deactivation is one-way
//   - Controllers has no duplicates and never contains ID
//   - Services ids are unique
//   - a Deactivated subject has every collection and timestamp cleared
//
// Created and Updated are nanoseconds taken verbatim from the request clock.
// Updated is zero until the first accepted mutation after registration.
type Subject struct {
	ID             id.SubjectID      `json:"id"`
	Status         Status            `json:"status"`
	Contexts       []string          `json:"contexts,omitempty"`
	Keys           PublicKeyList     `json:"keys,omitempty"`
	Authentication AuthenticationSet `json:"authentication,omitempty"`
	Controllers    ControllerSet     `json:"controllers,omitempty"`
	Services       ServiceSet        `json:"services,omitempty"`
	Created        uint64            `json:"created,omitempty"`
	Updated        uint64            `json:"updated,omitempty"`
}

// NewSubject builds a freshly registered subject seeded with the signing key.
func NewSubject(subjectID id.SubjectID, signingKey []byte, now time.Time) (*Subject, error) {
	if subjectID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "subject id cannot be empty")
	}
	if len(signingKey) == 0 {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "signing key cannot be empty")
	}
	return &Subject{
		ID:             subjectID,
		Status:         StatusValid,
		Keys:           NewSeedKeyList(subjectID, signingKey),
		Authentication: AuthenticationSet{0},
		Created:        Timestamp(now),
	}, nil
}

// Timestamp converts a request time to the stored representation.
func Timestamp(t time.Time) uint64 {
	n := t.UnixNano()
	if n < 0 {
		return 0
	}
	return uint64(n)
}

func (s *Subject) IsValid() bool {
	return s != nil && s.Status == StatusValid
}

// Touch stamps Updated.
func (s *Subject) Touch(now time.Time) {
	s.Updated = Timestamp(now)
}

// CanDeactivate checks the lifecycle allows deactivation.
// Use with ApplyDeactivation in Execute callbacks.
func (s *Subject) CanDeactivate() error {
	if !s.Status.CanTransitionTo(StatusDeactivated) {
		return ErrSubjectNotValid
	}
	return nil
}

// ApplyDeactivation clears every collection and timestamp and freezes the
// status at Deactivated. Call CanDeactivate first.
func (s *Subject) ApplyDeactivation() {
	s.Status = StatusDeactivated
	s.Contexts = nil
	s.Keys = nil
	s.Authentication = nil
	s.Controllers = nil
	s.Services = nil
	s.Created = 0
	s.Updated = 0
}

// AddController grants delegated authority to controller.
func (s *Subject) AddController(controller id.SubjectID) error {
	if controller == s.ID {
		return ErrSelfController
	}
	return s.Controllers.Add(controller)
}

// DeactivateKey deactivates key and drops its index from the authentication set.
func (s *Subject) DeactivateKey(key []byte) error {
	i, err := s.Keys.Deactivate(key)
	if err != nil {
		return err
	}
	s.Authentication.Remove(i)
	return nil
}

// AddAuthKey appends an authentication-only key and records its index.
func (s *Subject) AddAuthKey(key []byte, controller id.SubjectID) error {
	i, err := s.Keys.AddAuthKey(key, controller)
	if err != nil {
		return err
	}
	s.Authentication.Add(i)
	return nil
}

// GrantAuthentication turns an existing key into an authentication key.
func (s *Subject) GrantAuthentication(key []byte) error {
	i, err := s.Keys.GrantAuthentication(key)
	if err != nil {
		return err
	}
	s.Authentication.Add(i)
	return nil
}

// RevokeAuthentication removes the authentication capability of key.
func (s *Subject) RevokeAuthentication(key []byte) error {
	i, err := s.Keys.RevokeAuthentication(key)
	if err != nil {
		return err
	}
	if !s.Authentication.Remove(i) {
		return dErrors.Newf(dErrors.CodeInvariantViolation, "authentication index %d missing", i)
	}
	return nil
}

// CheckInvariants verifies the aggregate invariants. Stores call it on load
// in tests; the engine relies on mutators preserving them.
func (s *Subject) CheckInvariants() error {
	valid := s.Status == StatusValid
	if valid != (len(s.Keys) > 0 && s.Created != 0) {
		return dErrors.New(dErrors.CodeInvariantViolation, "status does not match key list and created timestamp")
	}
	for _, idx := range s.Authentication {
		if int(idx) >= len(s.Keys) || !s.Keys[idx].CanAuthenticate() {
			return dErrors.Newf(dErrors.CodeInvariantViolation, "authentication index %d does not reference an active authentication key", idx)
		}
	}
	for i, c := range s.Controllers {
		if c == s.ID || slices.Contains(s.Controllers[:i], c) {
			return dErrors.Newf(dErrors.CodeInvariantViolation, "controller %s duplicated or self", c)
		}
	}
	for i, svc := range s.Services {
		if s.Services[:i].indexOf(svc.ID) >= 0 {
			return dErrors.Newf(dErrors.CodeInvariantViolation, "service id %s duplicated", svc.ID)
		}
	}
	if s.Status == StatusDeactivated {
		if len(s.Contexts)+len(s.Keys)+len(s.Authentication)+len(s.Controllers)+len(s.Services) != 0 || s.Created != 0 || s.Updated != 0 {
			return dErrors.New(dErrors.CodeInvariantViolation, "deactivated subject retains state")
		}
	}
	return nil
}

// Clone deep-copies the subject so mutations can be staged.
func (s *Subject) Clone() *Subject {
	if s == nil {
		return nil
	}
	out := *s
	out.Contexts = slices.Clone(s.Contexts)
	out.Keys = s.Keys.Clone()
	out.Authentication = s.Authentication.Clone()
	out.Controllers = slices.Clone(s.Controllers)
	out.Services = slices.Clone(s.Services)
	return &out
}

