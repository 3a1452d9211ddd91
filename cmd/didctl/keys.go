package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/mr-tron/base58"

	"didregistry/internal/subject/models"
)

const (
	keyTypeEd25519   = "ed25519"
	keyTypeSecp256k1 = "secp256k1"
)

// KeyPair holds a host-format public key (tag byte followed by the key
// material) and the matching private key.
type KeyPair struct {
	Type       string `json:"type"`
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

func generateKey(keyType string) (*KeyPair, error) {
	switch keyType {
	case keyTypeEd25519:
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate ed25519 key: %w", err)
		}
		return newKeyPair(keyType, models.KeyTagEd25519, pub, priv.Seed()), nil
	case keyTypeSecp256k1:
		priv, err := secp256k1.GeneratePrivateKey()
		if err != nil {
			return nil, fmt.Errorf("generate secp256k1 key: %w", err)
		}
		// 64 byte X||Y form, without the 0x04 SEC1 prefix.
		pub := priv.PubKey().SerializeUncompressed()[1:]
		return newKeyPair(keyType, models.KeyTagSecp256k1, pub, priv.Serialize()), nil
	default:
		return nil, fmt.Errorf("unknown key type %q", keyType)
	}
}

func newKeyPair(keyType string, tag byte, pub, priv []byte) *KeyPair {
	raw := append([]byte{tag}, pub...)
	return &KeyPair{
		Type:       keyType,
		PublicKey:  base58.Encode(raw),
		PrivateKey: base58.Encode(priv),
	}
}
