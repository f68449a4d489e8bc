// Package adminkey creates the secp256k1 admin key whose public half the CLI
// registers with the relay, so the dialog can grant it admin rights.
package adminkey

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/libp2p/go-libp2p/core/crypto"
)

// KeyType is the key type reported to the dialog.
const KeyType = "secp256k1"

var ErrWrongKeyType = errors.New("admin key is not secp256k1")

// Key holds hex-encoded (0x-prefixed) key material.
type Key struct {
	PrivateKey string `json:"privateKey"`
	// PublicKey is the uncompressed 65-byte point.
	PublicKey string `json:"publicKey"`
	Type      string `json:"type"`
	Address   string `json:"address"`
}

// Generate returns a fresh key that is not persisted anywhere.
func Generate() (*Key, error) {
	priv, _, err := crypto.GenerateSecp256k1Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate secp256k1 key: %w", err)
	}
	return fromPrivKey(priv)
}

// LoadOrCreate reads the key stored at path, creating and storing a new one
// (mode 0600) when the file is missing or empty.
func LoadOrCreate(path string) (*Key, error) {
	if b, err := os.ReadFile(path); err == nil && len(b) > 0 {
		priv, err := crypto.UnmarshalPrivateKey(b)
		if err != nil {
			return nil, fmt.Errorf("unmarshal private key: %w", err)
		}
		if priv.Type() != crypto.Secp256k1 {
			return nil, fmt.Errorf("%s: %w", path, ErrWrongKeyType)
		}
		return fromPrivKey(priv)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir key dir: %w", err)
	}
	priv, _, err := crypto.GenerateSecp256k1Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate secp256k1 key: %w", err)
	}
	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return nil, fmt.Errorf("write private key: %w", err)
	}
	return fromPrivKey(priv)
}

func fromPrivKey(priv crypto.PrivKey) (*Key, error) {
	if priv.Type() != crypto.Secp256k1 {
		return nil, ErrWrongKeyType
	}
	rawPriv, err := priv.Raw()
	if err != nil {
		return nil, fmt.Errorf("raw private key: %w", err)
	}
	compressed, err := priv.GetPublic().Raw()
	if err != nil {
		return nil, fmt.Errorf("raw public key: %w", err)
	}
	pub, err := ethcrypto.DecompressPubkey(compressed)
	if err != nil {
		return nil, fmt.Errorf("decompress public key: %w", err)
	}
	return &Key{
		PrivateKey: hexutil.Encode(rawPriv),
		PublicKey:  hexutil.Encode(ethcrypto.FromECDSAPub(pub)),
		Type:       KeyType,
		Address:    hexutil.Encode(ethcrypto.PubkeyToAddress(*pub).Bytes()),
	}, nil
}
