package models

import dErrors "didregistry/pkg/domain-errors"

// Failures of the key lifecycle, access gate and collection mutators.
// Callers match them with errors.Is; transports read the code.
var (
	ErrSubjectNotFound = dErrors.New(dErrors.CodeNotFound, "subject not registered")
	ErrSubjectExists   = dErrors.New(dErrors.CodeAlreadyExists, "subject already registered")
	ErrSubjectNotValid = dErrors.New(dErrors.CodeInvalidState, "subject status is not valid")

	ErrKeyExists             = dErrors.New(dErrors.CodeAlreadyExists, "public key exists")
	ErrKeyNotFound           = dErrors.New(dErrors.CodeNotFound, "public key not found")
	ErrKeyAlreadyDeactivated = dErrors.New(dErrors.CodeInvalidState, "public key already deactivated")
	ErrKeyDeactivated        = dErrors.New(dErrors.CodeInvalidState, "public key is deactivated")
	ErrAlreadyAuthentication = dErrors.New(dErrors.CodeInvalidState, "public key is already an authentication key")
	ErrNotAuthentication     = dErrors.New(dErrors.CodeInvalidState, "public key is not an authentication key")
	ErrNotAuthenticationKey  = dErrors.New(dErrors.CodeUnauthorized, "signing key is not an authentication key")
	ErrNotAController        = dErrors.New(dErrors.CodeUnauthorized, "signer is not a controller")

	ErrControllerExists   = dErrors.New(dErrors.CodeAlreadyExists, "controller exists")
	ErrControllerNotFound = dErrors.New(dErrors.CodeNotFound, "controller not found")
	ErrSelfController     = dErrors.New(dErrors.CodeInvalidState, "subject cannot be its own controller")

	ErrServiceExists   = dErrors.New(dErrors.CodeAlreadyExists, "service id exists")
	ErrServiceNotFound = dErrors.New(dErrors.CodeNotFound, "service not found")

	ErrDocumentNotFound = dErrors.New(dErrors.CodeNotFound, "document not found")
)
