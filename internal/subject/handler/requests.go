package handler

import (
	"strings"

	"github.com/mr-tron/base58"

	"didregistry/internal/subject/models"
	dErrors "didregistry/pkg/domain-errors"
)

const maxKeyBytes = 128

// KeyRequest carries a base58 public key and, where the operation takes one,
// the key's controller.
type KeyRequest struct {
	PublicKey  string `json:"public_key"`
	Controller string `json:"controller,omitempty"`

	key []byte
}

// Validate implements httputil.Validatable.
func (r *KeyRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	r.PublicKey = strings.TrimSpace(r.PublicKey)
	r.Controller = strings.TrimSpace(r.Controller)
	if r.PublicKey == "" {
		return dErrors.New(dErrors.CodeValidation, "public_key is required")
	}
	key, err := base58.Decode(r.PublicKey)
	if err != nil {
		return dErrors.New(dErrors.CodeValidation, "public_key must be base58")
	}
	if len(key) == 0 || len(key) > maxKeyBytes {
		return dErrors.Newf(dErrors.CodeValidation, "public_key must decode to 1..%d bytes", maxKeyBytes)
	}
	r.key = key
	return nil
}

type ControllerRequest struct {
	Controller string `json:"controller"`
}

func (r *ControllerRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	r.Controller = strings.TrimSpace(r.Controller)
	if r.Controller == "" {
		return dErrors.New(dErrors.CodeValidation, "controller is required")
	}
	return nil
}

type ServiceRequest struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	ServiceEndpoint string `json:"serviceEndpoint"`
}

func (r *ServiceRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	svc := r.toModel()
	if err := svc.Validate(); err != nil {
		return err
	}
	r.ID, r.Type, r.ServiceEndpoint = svc.ID, svc.Type, svc.Endpoint
	return nil
}

func (r *ServiceRequest) toModel() models.Service {
	return models.Service{ID: r.ID, Type: r.Type, Endpoint: r.ServiceEndpoint}
}

type ContextRequest struct {
	Contexts []string `json:"contexts"`
}

func (r *ContextRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	if len(r.Contexts) == 0 {
		return dErrors.New(dErrors.CodeValidation, "contexts is required")
	}
	return nil
}

// RegisterResponse is returned by POST /subjects.
type RegisterResponse struct {
	ID      string `json:"id"`
	Created uint64 `json:"created"`
}
