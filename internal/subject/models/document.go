package models

import (
	"encoding/json"
	"fmt"

	dErrors "didregistry/pkg/domain-errors"
	platformstrings "didregistry/pkg/platform/strings"
)

// DefaultContexts precede a subject's own contexts in every document.
var DefaultContexts = []string{
	"https://www.w3.org/ns/did/v1",
	"https://www.near.org/did/v1",
}

const (
	KeyTypeEd25519   = "Ed25519VerificationKey2018"
	KeyTypeSecp256k1 = "EcdsaSecp256k1VerificationKey2019"
)

// Document is the public projection of a subject.
type Document struct {
	Contexts       []string              `json:"@contexts"`
	ID             string                `json:"id"`
	PublicKey      []DocumentKey         `json:"publicKey"`
	Authentication []AuthenticationEntry `json:"authentication"`
	Controller     []string              `json:"controller"`
	Service        []DocumentService     `json:"service"`
	Created        uint64                `json:"created"`
	Updated        uint64                `json:"updated"`
}

type DocumentKey struct {
	ID              string `json:"id"`
	Type            string `json:"type,omitempty"`
	Controller      string `json:"controller"`
	PublicKeyBase58 string `json:"publicKeyBase58"`
}

type DocumentService struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	ServiceEndpoint string `json:"serviceEndpoint"`
}

// AuthenticationEntry is either a reference to a listed key or an inline key.
type AuthenticationEntry struct {
	Ref string
	Key *DocumentKey
}

func (a AuthenticationEntry) MarshalJSON() ([]byte, error) {
	if a.Key != nil {
		return json.Marshal(a.Key)
	}
	return json.Marshal(a.Ref)
}

func (a *AuthenticationEntry) UnmarshalJSON(data []byte) error {
	var ref string
	if err := json.Unmarshal(data, &ref); err == nil {
		*a = AuthenticationEntry{Ref: ref}
		return nil
	}
	var key DocumentKey
	if err := json.Unmarshal(data, &key); err != nil {
		return fmt.Errorf("authentication entry must be a string or key object: %w", err)
	}
	*a = AuthenticationEntry{Key: &key}
	return nil
}

// KeyID is the document id of the key at position index.
func KeyID(subject string, index int) string {
	return fmt.Sprintf("%s#keys-%d", subject, index+1)
}

// KeyType maps the leading tag byte of a raw key to its verification type.
// Unknown tags yield "".
func KeyType(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	switch raw[0] {
	case KeyTagEd25519:
		return KeyTypeEd25519
	case KeyTagSecp256k1:
		return KeyTypeSecp256k1
	default:
		return ""
	}
}

// Assemble projects s into its document. Subjects that are not Valid, or
// that have no key list, have no document.
func Assemble(s *Subject) (*Document, error) {
	if s == nil || s.Status != StatusValid || len(s.Keys) == 0 {
		return nil, ErrDocumentNotFound
	}
	subject := s.ID.String()

	keys := make([]DocumentKey, len(s.Keys))
	for i, e := range s.Keys {
		keys[i] = DocumentKey{
			ID:              KeyID(subject, i),
			Type:            KeyType(e.Key),
			Controller:      e.Controller.String(),
			PublicKeyBase58: e.Base58(),
		}
	}

	auth := make([]AuthenticationEntry, 0, len(s.Authentication))
	for _, idx := range s.Authentication {
		if int(idx) >= len(keys) {
			return nil, dErrors.Newf(dErrors.CodeInvariantViolation, "authentication index %d out of range", idx)
		}
		if s.Keys[idx].IsKey {
			auth = append(auth, AuthenticationEntry{Ref: keys[idx].ID})
			continue
		}
		inline := keys[idx]
		auth = append(auth, AuthenticationEntry{Key: &inline})
	}

	services := make([]DocumentService, len(s.Services))
	for i, svc := range s.Services {
		services[i] = DocumentService{
			ID:              subject + "#" + svc.ID,
			Type:            svc.Type,
			ServiceEndpoint: svc.Endpoint,
		}
	}

	return &Document{
		Contexts:       platformstrings.AppendUnique(DefaultContexts, s.Contexts...),
		ID:             subject,
		PublicKey:      keys,
		Authentication: auth,
		Controller:     s.Controllers.Strings(),
		Service:        services,
		Created:        s.Created,
		Updated:        s.Updated,
	}, nil
}
