package models

import (
	"bytes"

	"github.com/mr-tron/base58"

	id "didregistry/pkg/domain"
	dErrors "didregistry/pkg/domain-errors"
)

// Key type tags carried in the first byte of the raw key.
const (
	KeyTagEd25519   byte = 0
	KeyTagSecp256k1 byte = 1
)

// PublicKeyEntry is one slot of a subject's key list.
type PublicKeyEntry struct {
	Controller       id.SubjectID `json:"controller"`
	Key              []byte       `json:"key"`
	Deactivated      bool         `json:"deactivated"`
	IsKey            bool         `json:"is_key"`
	IsAuthentication bool         `json:"is_authentication"`
}

// Base58 renders the raw key bytes.
func (e PublicKeyEntry) Base58() string {
	return base58.Encode(e.Key)
}

// CanAuthenticate reports whether the entry passes the access gate.
func (e PublicKeyEntry) CanAuthenticate() bool {
	return !e.Deactivated && e.IsAuthentication
}

// PublicKeyList is an append-only arena of key entries. Positions are stable
// and referenced by the authentication set, so entries are never removed; the
// only state change on a slot is the capability flags and a one-way
// deactivation.
type PublicKeyList []PublicKeyEntry

// NewSeedKeyList returns the list a fresh registration starts with: a single
// entry controlled by the subject with both capabilities.
func NewSeedKeyList(subject id.SubjectID, key []byte) PublicKeyList {
	return PublicKeyList{{
		Controller:       subject,
		Key:              bytes.Clone(key),
		IsKey:            true,
		IsAuthentication: true,
	}}
}

// Exists reports whether any entry, deactivated or not, holds key.
func (l PublicKeyList) Exists(key []byte) bool {
	_, ok := l.indexOf(key)
	return ok
}

func (l PublicKeyList) indexOf(key []byte) (int, bool) {
	for i := range l {
		if bytes.Equal(l[i].Key, key) {
			return i, true
		}
	}
	return -1, false
}

// AddKey appends a listed key without authentication capability.
func (l *PublicKeyList) AddKey(key []byte, controller id.SubjectID) (int, error) {
	return l.add(key, controller, true, false)
}

// AddAuthKey appends an authentication-only key and returns its index.
func (l *PublicKeyList) AddAuthKey(key []byte, controller id.SubjectID) (int, error) {
	return l.add(key, controller, false, true)
}

func (l *PublicKeyList) add(key []byte, controller id.SubjectID, isKey, isAuth bool) (int, error) {
	if len(key) == 0 {
		return -1, dErrors.New(dErrors.CodeValidation, "public key is required")
	}
	if l.Exists(key) {
		return -1, ErrKeyExists
	}
	*l = append(*l, PublicKeyEntry{
		Controller:       controller,
		Key:              bytes.Clone(key),
		IsKey:            isKey,
		IsAuthentication: isAuth,
	})
	return len(*l) - 1, nil
}

// Deactivate flags the entry holding key as deactivated and returns its index.
func (l PublicKeyList) Deactivate(key []byte) (int, error) {
	i, ok := l.indexOf(key)
	if !ok {
		return -1, ErrKeyNotFound
	}
	if l[i].Deactivated {
		return -1, ErrKeyAlreadyDeactivated
	}
	l[i].Deactivated = true
	return i, nil
}

// GrantAuthentication gives the entry holding key authentication capability
// and returns its stable index.
func (l PublicKeyList) GrantAuthentication(key []byte) (int, error) {
	i, ok := l.indexOf(key)
	if !ok {
		return -1, ErrKeyNotFound
	}
	if l[i].Deactivated {
		return -1, ErrKeyDeactivated
	}
	if l[i].IsAuthentication {
		return -1, ErrAlreadyAuthentication
	}
	l[i].IsAuthentication = true
	return i, nil
}

// RevokeAuthentication mirrors GrantAuthentication.
func (l PublicKeyList) RevokeAuthentication(key []byte) (int, error) {
	i, ok := l.indexOf(key)
	if !ok {
		return -1, ErrKeyNotFound
	}
	if l[i].Deactivated {
		return -1, ErrKeyDeactivated
	}
	if !l[i].IsAuthentication {
		return -1, ErrNotAuthentication
	}
	l[i].IsAuthentication = false
	return i, nil
}

// CheckAccess is the capability gate: key must match an entry that is not
// deactivated and can authenticate. Failures carry CodeUnauthorized while
// still matching the underlying key error with errors.Is.
func (l PublicKeyList) CheckAccess(key []byte) error {
	i, ok := l.indexOf(key)
	if !ok {
		return dErrors.Wrap(ErrKeyNotFound, dErrors.CodeUnauthorized, "signing key not in key list")
	}
	if l[i].Deactivated {
		return dErrors.Wrap(ErrKeyDeactivated, dErrors.CodeUnauthorized, "signing key deactivated")
	}
	if !l[i].IsAuthentication {
		return ErrNotAuthenticationKey
	}
	return nil
}

// Clone deep-copies the list.
func (l PublicKeyList) Clone() PublicKeyList {
	if l == nil {
		return nil
	}
	out := make(PublicKeyList, len(l))
	for i, e := range l {
		e.Key = bytes.Clone(e.Key)
		out[i] = e
	}
	return out
}
