package domainerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasCode(t *testing.T) {
	base := New(CodeNotFound, "key not found")
	wrapped := fmt.Errorf("add key: %w", base)

	assert.True(t, HasCode(base, CodeNotFound))
	assert.True(t, HasCode(wrapped, CodeNotFound))
	assert.False(t, HasCode(wrapped, CodeInternal))
	assert.False(t, HasCode(errors.New("plain"), CodeNotFound))
}

func TestIsMatchesCodeAndMessage(t *testing.T) {
	sentinel := New(CodeInvalidState, "key deactivated")
	wrapped := Wrap(sentinel, CodeInvalidState, "deactivate_key")

	require.ErrorIs(t, wrapped, sentinel)
	require.ErrorIs(t, wrapped, &Error{Code: CodeInvalidState})
	require.NotErrorIs(t, wrapped, New(CodeInvalidState, "other"))
	require.NotErrorIs(t, wrapped, &Error{Code: CodeNotFound})
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, CodeUnauthorized, CodeOf(New(CodeUnauthorized, "nope")))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("boom")))
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, CodeInternal, "ignored"))
}

func TestErrorString(t *testing.T) {
	err := Wrap(errors.New("disk full"), CodeInternal, "failed to save subject")
	assert.Equal(t, "failed to save subject: disk full", err.Error())
}
