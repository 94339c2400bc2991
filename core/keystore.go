package core

// keystore.go — long-lived Ed25519 node identity. Grounded on the stdlib
// crypto/ed25519 usage already present in the teacher's core/security.go
// and core/wallet.go. Key-material file layout is left open by the spec
// (explicitly out of scope); we choose self_node.json holding the UUID
// plus PKCS8/SubjectPublicKeyInfo PEM blocks.

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Keystore holds this node's permanent identity: a UUID and an Ed25519
// keypair. It is loaded once at startup and never rotated.
type Keystore struct {
	ID         uuid.UUID
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
}

type keystoreFile struct {
	ID         string `json:"identifier"`
	PrivateKey string `json:"private_key_pem"`
	PublicKey  string `json:"public_key_pem"`
}

// LoadOrCreateKeystore loads the keystore from <dir>/self_node.json, or
// generates and persists a fresh identity if the file doesn't exist.
func LoadOrCreateKeystore(dir string) (*Keystore, error) {
	path := filepath.Join(dir, "self_node.json")
	raw, err := os.ReadFile(path)
	if err == nil {
		return decodeKeystoreFile(raw)
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, NewStorageError(fmt.Sprintf("read keystore: %v", err))
	}

	ks, err := newKeystore()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, NewStorageError(fmt.Sprintf("mkdir keystore dir: %v", err))
	}
	if err := ks.persist(path); err != nil {
		return nil, err
	}
	return ks, nil
}

func newKeystore() (*Keystore, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return &Keystore{ID: uuid.New(), PrivateKey: priv, PublicKey: pub}, nil
}

func (ks *Keystore) persist(path string) error {
	privDER, err := x509.MarshalPKCS8PrivateKey(ks.PrivateKey)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(ks.PublicKey)
	if err != nil {
		return fmt.Errorf("marshal public key: %w", err)
	}
	f := keystoreFile{
		ID:         ks.ID.String(),
		PrivateKey: string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})),
		PublicKey:  string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})),
	}
	raw, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal keystore file: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return NewStorageError(fmt.Sprintf("write keystore: %v", err))
	}
	return nil
}

func decodeKeystoreFile(raw []byte) (*Keystore, error) {
	var f keystoreFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, NewStorageError(fmt.Sprintf("decode keystore: %v", err))
	}
	id, err := uuid.Parse(f.ID)
	if err != nil {
		return nil, NewStorageError(fmt.Sprintf("decode keystore id: %v", err))
	}
	privBlock, _ := pem.Decode([]byte(f.PrivateKey))
	if privBlock == nil {
		return nil, NewStorageError("decode keystore: invalid private key PEM")
	}
	privAny, err := x509.ParsePKCS8PrivateKey(privBlock.Bytes)
	if err != nil {
		return nil, NewStorageError(fmt.Sprintf("parse private key: %v", err))
	}
	priv, ok := privAny.(ed25519.PrivateKey)
	if !ok {
		return nil, NewStorageError("decode keystore: not an ed25519 private key")
	}
	pubBlock, _ := pem.Decode([]byte(f.PublicKey))
	if pubBlock == nil {
		return nil, NewStorageError("decode keystore: invalid public key PEM")
	}
	pubAny, err := x509.ParsePKIXPublicKey(pubBlock.Bytes)
	if err != nil {
		return nil, NewStorageError(fmt.Sprintf("parse public key: %v", err))
	}
	pub, ok := pubAny.(ed25519.PublicKey)
	if !ok {
		return nil, NewStorageError("decode keystore: not an ed25519 public key")
	}
	return &Keystore{ID: id, PrivateKey: priv, PublicKey: pub}, nil
}

// PublicKeyPEM renders the public key as a SubjectPublicKeyInfo PEM block,
// for GET /public-key.
func (ks *Keystore) PublicKeyPEM() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(ks.PublicKey)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// SignTx signs tx's canonical signature pre-image and returns a copy with
// Signature populated.
func (ks *Keystore) SignTx(tx Tx) Tx {
	sig := ed25519.Sign(ks.PrivateKey, TxSignaturePreimage(tx))
	copy(tx.Signature[:], sig)
	return tx
}

// VerifyTxSignature checks tx.Signature against pub over the canonical
// pre-image.
func VerifyTxSignature(tx Tx, pub ed25519.PublicKey) bool {
	return ed25519.Verify(pub, TxSignaturePreimage(tx), tx.Signature[:])
}

// SignBlock signs blk's canonical signature pre-image and returns a copy
// with Signature populated.
func (ks *Keystore) SignBlock(blk Block) Block {
	sig := ed25519.Sign(ks.PrivateKey, BlockSignaturePreimage(blk))
	copy(blk.Signature[:], sig)
	return blk
}

// VerifyBlockSignature checks blk.Signature against pub over the canonical
// pre-image.
func VerifyBlockSignature(blk Block, pub ed25519.PublicKey) bool {
	return ed25519.Verify(pub, BlockSignaturePreimage(blk), blk.Signature[:])
}
