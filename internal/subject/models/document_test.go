package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssemble(t *testing.T) {
	s, err := NewSubject(bob, []byte{0, 1, 2}, time.Unix(0, 500))
	require.NoError(t, err)
	_, err = s.Keys.AddKey([]byte{1, 7}, bob)
	require.NoError(t, err)
	require.NoError(t, s.AddAuthKey([]byte{9, 9}, "did:near:carol"))
	require.NoError(t, s.GrantAuthentication([]byte{1, 7}))
	require.NoError(t, s.AddController("did:near:carol"))
	require.NoError(t, s.Services.Add(Service{ID: "svc1", Type: "t", Endpoint: "e"}))
	s.Contexts = []string{"https://example.org/v1", DefaultContexts[0]}
	s.Touch(time.Unix(0, 900))

	doc, err := Assemble(s)
	require.NoError(t, err)

	t.Run("keys", func(t *testing.T) {
		require.Len(t, doc.PublicKey, 3)
		assert.Equal(t, DocumentKey{
			ID:              "did:near:bob#keys-1",
			Type:            KeyTypeEd25519,
			Controller:      "did:near:bob",
			PublicKeyBase58: base58.Encode([]byte{0, 1, 2}),
		}, doc.PublicKey[0])
		assert.Equal(t, KeyTypeSecp256k1, doc.PublicKey[1].Type)
		assert.Empty(t, doc.PublicKey[2].Type, "unknown tag byte omits the type")
		assert.Equal(t, "did:near:carol", doc.PublicKey[2].Controller)
	})

	t.Run("authentication", func(t *testing.T) {
		require.Len(t, doc.Authentication, 3)
		assert.Equal(t, "did:near:bob#keys-1", doc.Authentication[0].Ref)
		require.NotNil(t, doc.Authentication[1].Key, "authentication-only keys are inlined")
		assert.Equal(t, "did:near:bob#keys-3", doc.Authentication[1].Key.ID)
		assert.Equal(t, "did:near:bob#keys-2", doc.Authentication[2].Ref)
	})

	t.Run("contexts are defaults first and deduplicated", func(t *testing.T) {
		assert.Equal(t, []string{DefaultContexts[0], DefaultContexts[1], "https://example.org/v1"}, doc.Contexts)
	})

	t.Run("service ids are prefixed only in the document", func(t *testing.T) {
		require.Len(t, doc.Service, 1)
		assert.Equal(t, "did:near:bob#svc1", doc.Service[0].ID)
		assert.Equal(t, "svc1", s.Services[0].ID)
	})

	t.Run("verbatim fields", func(t *testing.T) {
		assert.Equal(t, []string{"did:near:carol"}, doc.Controller)
		assert.Equal(t, uint64(500), doc.Created)
		assert.Equal(t, uint64(900), doc.Updated)
	})
}

func TestAssembleKeepsDeactivatedKeys(t *testing.T) {
	s, err := NewSubject(bob, []byte{0, 1, 2}, time.Unix(0, 500))
	require.NoError(t, err)
	_, err = s.Keys.AddKey([]byte{1, 7}, bob)
	require.NoError(t, err)
	require.NoError(t, s.GrantAuthentication([]byte{1, 7}))
	_, err = s.Keys.AddKey([]byte{1, 8}, bob)
	require.NoError(t, err)
	require.NoError(t, s.DeactivateKey([]byte{1, 7}))

	doc, err := Assemble(s)
	require.NoError(t, err)

	require.Len(t, doc.PublicKey, 3)
	assert.Equal(t, "did:near:bob#keys-2", doc.PublicKey[1].ID)
	assert.Equal(t, base58.Encode([]byte{1, 7}), doc.PublicKey[1].PublicKeyBase58)
	assert.Equal(t, "did:near:bob#keys-3", doc.PublicKey[2].ID)
	assert.Equal(t, base58.Encode([]byte{1, 8}), doc.PublicKey[2].PublicKeyBase58)

	require.Len(t, doc.Authentication, 1)
	assert.Equal(t, "did:near:bob#keys-1", doc.Authentication[0].Ref)
	for _, entry := range doc.Authentication {
		assert.NotEqual(t, "did:near:bob#keys-2", entry.Ref)
		assert.Nil(t, entry.Key)
	}
}

func TestAssembleNotFound(t *testing.T) {
	_, err := Assemble(nil)
	assert.ErrorIs(t, err, ErrDocumentNotFound)

	s, err := NewSubject(bob, []byte{0, 1}, time.Unix(1, 0))
	require.NoError(t, err)
	s.ApplyDeactivation()
	_, err = Assemble(s)
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}

func TestDocumentJSON(t *testing.T) {
	s, err := NewSubject(bob, []byte{0, 1}, time.Unix(0, 42))
	require.NoError(t, err)
	require.NoError(t, s.AddAuthKey([]byte{0, 2}, bob))

	doc, err := Assemble(s)
	require.NoError(t, err)
	raw, err := json.Marshal(doc)
	require.NoError(t, err)

	var generic map[string]any
	require.NoError(t, json.Unmarshal(raw, &generic))
	for _, field := range []string{"@contexts", "id", "publicKey", "authentication", "controller", "service", "created", "updated"} {
		assert.Contains(t, generic, field)
	}
	auth := generic["authentication"].([]any)
	require.Len(t, auth, 2)
	assert.IsType(t, "", auth[0])
	assert.IsType(t, map[string]any{}, auth[1])

	var decoded Document
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, doc.Authentication, decoded.Authentication)
}
