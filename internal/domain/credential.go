// Package domain はドメインモデルとビジネスルールを定義する。
package domain

import (
	"math"
	"regexp"
	"time"
)

// MaxKeyNameLength は鍵名の最大長。
const MaxKeyNameLength = 64

// MaxReauthTimeoutSecs は再認証ウィンドウの最大秒数。永続化先のINT列に収まる範囲とする。
const MaxReauthTimeoutSecs = math.MaxInt32

var keyNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// KeyStatus はキーストア鍵のステータスを表す。
type KeyStatus string

const (
	// KeyStatusInitialized は利用可能な鍵を表す。
	KeyStatusInitialized KeyStatus = "initialized"
	// KeyStatusInvalidated は生体情報の再登録により無効化された鍵を表す。
	KeyStatusInvalidated KeyStatus = "invalidated"
)

// EnrollmentRequest は端末のロック設定を促すプロンプトの表示内容。
type EnrollmentRequest struct {
	Message     string
	ActionLabel string
}

// KeystoreKeySpec は keystoreInit に渡す鍵の生成条件。
type KeystoreKeySpec struct {
	KeyName                            string
	ReauthTimeoutSecs                  int
	InvalidateOnNewBiometricEnrollment bool
}

// ReauthWindow は再認証ウィンドウを返す。
func (s KeystoreKeySpec) ReauthWindow() time.Duration {
	return time.Duration(s.ReauthTimeoutSecs) * time.Second
}

// KeystoreKey は永続化されたキーストア鍵エンティティを表す。
// WrappedKey はラップ済みのデータ鍵で、平文の鍵は保持しない。
type KeystoreKey struct {
	ID                                 string
	KeyName                            string
	ReauthTimeoutSecs                  int
	InvalidateOnNewBiometricEnrollment bool
	EnrollmentID                       string // 生成時点の生体情報登録ID
	WrappedKey                         []byte
	Status                             KeyStatus
	CreatedAt                          time.Time
	UpdatedAt                          time.Time
}

// Spec は鍵の生成条件を返す。
func (k *KeystoreKey) Spec() KeystoreKeySpec {
	return KeystoreKeySpec{
		KeyName:                            k.KeyName,
		ReauthTimeoutSecs:                  k.ReauthTimeoutSecs,
		InvalidateOnNewBiometricEnrollment: k.InvalidateOnNewBiometricEnrollment,
	}
}

// ReauthWindow は再認証ウィンドウを返す。
func (k *KeystoreKey) ReauthWindow() time.Duration {
	return k.Spec().ReauthWindow()
}

// InvalidatedBy は現在の生体情報登録IDに対して鍵が無効化されるべきかを判定する。
func (k *KeystoreKey) InvalidatedBy(currentEnrollmentID string) bool {
	if k.Status == KeyStatusInvalidated {
		return true
	}
	return k.InvalidateOnNewBiometricEnrollment && k.EnrollmentID != currentEnrollmentID
}

// KeyMetadata はキーストア鍵のメタデータを表す（鍵素材を含まない）。
type KeyMetadata struct {
	KeyName                            string
	ReauthTimeoutSecs                  int
	InvalidateOnNewBiometricEnrollment bool
	Status                             KeyStatus
	HasPin                             bool
	CreatedAt                          time.Time
	UpdatedAt                          time.Time
}

// PinRecord は鍵で封印されたPINを表す。
type PinRecord struct {
	ID         string
	KeyName    string
	Nonce      []byte
	Ciphertext []byte
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ValidateKeyName は鍵名の形式を検証する。
func ValidateKeyName(keyName string) error {
	if keyName == "" || len(keyName) > MaxKeyNameLength {
		return ErrInvalidKeyName
	}
	if !keyNameRegex.MatchString(keyName) {
		return ErrInvalidKeyName
	}
	return nil
}
