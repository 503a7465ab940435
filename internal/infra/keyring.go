package infra

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/chacha20poly1305"
)

const masterKeyUser = "master-key"

// KeyringWrapper はOSキーリングに置いたマスターキーでデータ鍵を
// XChaCha20-Poly1305 によりラップする。マスターキーは初回利用時に生成する。
type KeyringWrapper struct {
	service string

	mu        sync.Mutex
	masterKey []byte
}

// NewKeyringWrapper は service 名でキーリングを参照するKeyringWrapperを生成する。
func NewKeyringWrapper(service string) *KeyringWrapper {
	return &KeyringWrapper{service: service}
}

// Encrypt はデータ鍵をマスターキーで暗号化する。出力は nonce || ciphertext。
func (w *KeyringWrapper) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	aead, err := w.aead()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, []byte(w.service)), nil
}

// Decrypt はラップされたデータ鍵を復号する。
func (w *KeyringWrapper) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	aead, err := w.aead()
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.New("decrypting: ciphertext too short")
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, []byte(w.service))
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	return plaintext, nil
}

func (w *KeyringWrapper) aead() (cipher.AEAD, error) {
	key, err := w.loadMasterKey()
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	return aead, nil
}

func (w *KeyringWrapper) loadMasterKey() ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.masterKey != nil {
		return w.masterKey, nil
	}

	encoded, err := keyring.Get(w.service, masterKeyUser)
	switch {
	case err == nil:
		key, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decoding master key: %w", err)
		}
		if len(key) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("master key has invalid length %d", len(key))
		}
		w.masterKey = key
	case errors.Is(err, keyring.ErrNotFound):
		key := make([]byte, chacha20poly1305.KeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating master key: %w", err)
		}
		if err := keyring.Set(w.service, masterKeyUser, base64.StdEncoding.EncodeToString(key)); err != nil {
			return nil, fmt.Errorf("storing master key: %w", err)
		}
		w.masterKey = key
	default:
		return nil, fmt.Errorf("loading master key: %w", err)
	}
	return w.masterKey, nil
}
