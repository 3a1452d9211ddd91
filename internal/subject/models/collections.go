package models

import (
	"slices"
	"strings"

	id "didregistry/pkg/domain"
	dErrors "didregistry/pkg/domain-errors"
)

// ControllerSet lists the subjects holding delegated authority, in insertion order.
type ControllerSet []id.SubjectID

func (c ControllerSet) Contains(subject id.SubjectID) bool {
	return slices.Contains(c, subject)
}

// Add appends a controller; duplicates are rejected.
func (c *ControllerSet) Add(subject id.SubjectID) error {
	if c.Contains(subject) {
		return ErrControllerExists
	}
	*c = append(*c, subject)
	return nil
}

// Remove drops a controller; absent controllers are rejected.
func (c *ControllerSet) Remove(subject id.SubjectID) error {
	i := slices.Index(*c, subject)
	if i < 0 {
		return ErrControllerNotFound
	}
	*c = slices.Delete(*c, i, i+1)
	return nil
}

// Strings renders the set for documents and storage.
func (c ControllerSet) Strings() []string {
	out := make([]string, len(c))
	for i, s := range c {
		out[i] = s.String()
	}
	return out
}

// Service is a service endpoint declared by a subject. ID is stored
// unprefixed; documents render it as "{subject}#{id}".
type Service struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Endpoint string `json:"endpoint"`
}

// Validate checks the service fields after trimming them.
func (s *Service) Validate() error {
	s.ID = strings.TrimSpace(s.ID)
	s.Type = strings.TrimSpace(s.Type)
	s.Endpoint = strings.TrimSpace(s.Endpoint)
	if s.ID == "" {
		return dErrors.New(dErrors.CodeValidation, "service id is required")
	}
	if strings.ContainsAny(s.ID, "# ") {
		return dErrors.New(dErrors.CodeValidation, "service id must not contain '#' or spaces")
	}
	if s.Type == "" {
		return dErrors.New(dErrors.CodeValidation, "service type is required")
	}
	if s.Endpoint == "" {
		return dErrors.New(dErrors.CodeValidation, "service endpoint is required")
	}
	return nil
}

// ServiceSet holds services with unique ids, in insertion order.
type ServiceSet []Service

func (s ServiceSet) indexOf(serviceID string) int {
	return slices.IndexFunc(s, func(v Service) bool { return v.ID == serviceID })
}

// Add appends svc; its id must be new.
func (s *ServiceSet) Add(svc Service) error {
	if s.indexOf(svc.ID) >= 0 {
		return ErrServiceExists
	}
	*s = append(*s, svc)
	return nil
}

// Update replaces the type and endpoint of the service with svc.ID.
func (s ServiceSet) Update(svc Service) error {
	i := s.indexOf(svc.ID)
	if i < 0 {
		return ErrServiceNotFound
	}
	s[i].Type = svc.Type
	s[i].Endpoint = svc.Endpoint
	return nil
}

// Remove drops the service with serviceID.
func (s *ServiceSet) Remove(serviceID string) error {
	i := s.indexOf(serviceID)
	if i < 0 {
		return ErrServiceNotFound
	}
	*s = slices.Delete(*s, i, i+1)
	return nil
}
