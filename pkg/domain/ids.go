package domain

import (
	"strings"
	"unicode"
	"unicode/utf8"

	dErrors "didregistry/pkg/domain-errors"
)

// SubjectPrefix is the namespace every subject identifier carries.
const SubjectPrefix = "did:near:"

// SubjectID identifies a subject: SubjectPrefix followed by the host account id.
// The account part is case preserving and never normalized.
type SubjectID string

// FromAccount derives the subject identifier of a host account.
func FromAccount(accountID string) (SubjectID, error) {
	if err := validateAccount(accountID); err != nil {
		return "", err
	}
	return SubjectID(SubjectPrefix + accountID), nil
}

// ParseSubjectID validates a subject identifier received from outside the engine.
func ParseSubjectID(s string) (SubjectID, error) {
	account, ok := strings.CutPrefix(s, SubjectPrefix)
	if !ok {
		return "", dErrors.Newf(dErrors.CodeMalformedIdentifier, "identifier %q must start with %s", s, SubjectPrefix)
	}
	if err := validateAccount(account); err != nil {
		return "", err
	}
	return SubjectID(s), nil
}

func validateAccount(account string) error {
	if account == "" {
		return dErrors.New(dErrors.CodeMalformedIdentifier, "account id is required")
	}
	if !utf8.ValidString(account) {
		return dErrors.New(dErrors.CodeMalformedIdentifier, "account id must be valid UTF-8")
	}
	for _, r := range account {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return dErrors.New(dErrors.CodeMalformedIdentifier, "account id contains whitespace or control characters")
		}
	}
	return nil
}

// Account returns the host account part of the identifier.
func (id SubjectID) Account() string {
	return strings.TrimPrefix(string(id), SubjectPrefix)
}

func (id SubjectID) String() string {
	return string(id)
}

// IsNil reports whether the identifier is empty.
func (id SubjectID) IsNil() bool {
	return id == ""
}
