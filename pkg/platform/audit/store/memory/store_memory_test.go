package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	audit "didregistry/pkg/platform/audit"
)

func TestInMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	for _, e := range []audit.Event{
		{Subject: "did:near:alice", Action: "reg_did_using_account"},
		{Subject: "did:near:bob", Action: "reg_did_using_account"},
		{Subject: "did:near:alice", Action: "add_key"},
	} {
		require.NoError(t, s.Append(ctx, e))
	}

	alice, err := s.ListBySubject(ctx, "did:near:alice")
	require.NoError(t, err)
	require.Len(t, alice, 2)
	assert.Equal(t, "add_key", alice[1].Action)

	recent, err := s.ListRecent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "did:near:bob", recent[0].Subject)
	assert.Equal(t, "add_key", recent[1].Action)

	all, err := s.ListRecent(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	// Returned slices are copies.
	alice[0].Action = "mutated"
	again, err := s.ListBySubject(ctx, "did:near:alice")
	require.NoError(t, err)
	assert.Equal(t, "reg_did_using_account", again[0].Action)

	s.Clear()
	none, err := s.ListBySubject(ctx, "did:near:alice")
	require.NoError(t, err)
	assert.Empty(t, none)
}
