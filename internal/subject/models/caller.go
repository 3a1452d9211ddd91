package models

import id "didregistry/pkg/domain"

// Caller is the identity the host asserts for a call: the signer's account
// and the signing key it authenticated.
type Caller struct {
	AccountID  string
	SigningKey []byte
}

// Subject derives the caller's own subject identifier.
func (c Caller) Subject() (id.SubjectID, error) {
	return id.FromAccount(c.AccountID)
}
