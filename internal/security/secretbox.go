package security

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	nonceSize = 24
	keySize   = 32

	// secretBoxInfo は鍵導出のコンテキスト。用途ごとに異なる鍵を導出する。
	secretBoxInfo = "accountlink auth provider client secret v1"
)

// ErrDecrypt は暗号文の復号に失敗したことを表す。
var ErrDecrypt = errors.New("failed to decrypt secret")

// SecretBox はIdPのclient_secretを保存時に暗号化する。
// XSalsa20-Poly1305（nacl/secretbox）で暗号化し、nonceを暗号文の先頭に付与する。
type SecretBox struct {
	key [keySize]byte
}

// NewSecretBox はマスターシークレットからHKDF-SHA256で鍵を導出してSecretBoxを生成する。
// masterSecretは32バイト以上であること。
func NewSecretBox(masterSecret string) (*SecretBox, error) {
	if len(masterSecret) < 32 {
		return nil, fmt.Errorf("master secret must be at least 32 bytes, got %d", len(masterSecret))
	}

	box := &SecretBox{}
	kdf := hkdf.New(sha256.New, []byte(masterSecret), nil, []byte(secretBoxInfo))
	if _, err := io.ReadFull(kdf, box.key[:]); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return box, nil
}

// Encrypt はplaintextを暗号化する。同じ入力でも毎回異なる暗号文になる。
func (b *SecretBox) Encrypt(plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &b.key), nil
}

// Decrypt はEncryptで生成した暗号文を復号する。
func (b *SecretBox) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < nonceSize+secretbox.Overhead {
		return nil, ErrDecrypt
	}

	var nonce [nonceSize]byte
	copy(nonce[:], ciphertext[:nonceSize])

	plain, ok := secretbox.Open(nil, ciphertext[nonceSize:], &nonce, &b.key)
	if !ok {
		return nil, ErrDecrypt
	}
	return plain, nil
}
