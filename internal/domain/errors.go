package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrPlatformUnavailable は端末のプラットフォームサービスに到達できない場合のエラー。
	ErrPlatformUnavailable = errors.New("platform unavailable")

	// ErrKeyCreationFailed は鍵の生成が拒否された場合のエラー。
	ErrKeyCreationFailed = errors.New("key creation failed")

	// ErrKeyNotFound は指定された鍵が存在しない場合のエラー。
	ErrKeyNotFound = errors.New("key not found")

	// ErrPinNotFound は鍵は存在するがPINが保存されていない場合のエラー。
	ErrPinNotFound = fmt.Errorf("pin not stored: %w", ErrKeyNotFound)

	// ErrSealFailed はPINの封印・開封に失敗した場合のエラー。
	ErrSealFailed = errors.New("seal failed")

	// ErrAuthenticationRequired は再認証ウィンドウを超過した場合のエラー。再認証後に再試行できる。
	ErrAuthenticationRequired = errors.New("authentication required")

	// ErrKeyInvalidated は生体情報の再登録により鍵が無効化された場合のエラー。
	ErrKeyInvalidated = errors.New("key invalidated")

	// ErrDeviceNotSecure は端末にロック解除手段が設定されていない場合のエラー。
	ErrDeviceNotSecure = errors.New("device is not secure")

	// ErrInvalidKeyName は鍵名の形式が不正な場合のエラー。
	ErrInvalidKeyName = errors.New("invalid key name")

	// ErrInvalidPinValue はPINが空の場合のエラー。
	ErrInvalidPinValue = errors.New("invalid pin value")

	// ErrMigrationFailed はマイグレーション実行時のエラー。
	ErrMigrationFailed = errors.New("migration failed")

	// ErrMigrationFileNotFound はマイグレーションファイルが見つからない場合のエラー。
	ErrMigrationFileNotFound = errors.New("migration file not found")

	// ErrInvalidMigrationFile はマイグレーションファイルのフォーマットが不正な場合のエラー。
	ErrInvalidMigrationFile = errors.New("invalid migration file")
)

// エラー種別コード。
const (
	KindPlatformUnavailable    = "PLATFORM_UNAVAILABLE"
	KindKeyCreationFailed      = "KEY_CREATION_FAILED"
	KindKeyNotFound            = "KEY_NOT_FOUND"
	KindSealFailed             = "SEAL_FAILED"
	KindAuthenticationRequired = "AUTHENTICATION_REQUIRED"
	KindKeyInvalidated         = "KEY_INVALIDATED"
	KindInvalidKeyName         = "INVALID_KEY_NAME"
	KindInvalidPinValue        = "INVALID_PIN_VALUE"
	KindInternal               = "INTERNAL_ERROR"
)

// kindOrder は判定順。ErrKeyCreationFailed は ErrDeviceNotSecure などを内包するため先に判定する。
var kindOrder = []struct {
	err  error
	kind string
}{
	{ErrInvalidKeyName, KindInvalidKeyName},
	{ErrInvalidPinValue, KindInvalidPinValue},
	{ErrKeyCreationFailed, KindKeyCreationFailed},
	{ErrKeyInvalidated, KindKeyInvalidated},
	{ErrAuthenticationRequired, KindAuthenticationRequired},
	{ErrKeyNotFound, KindKeyNotFound},
	{ErrSealFailed, KindSealFailed},
	{ErrPlatformUnavailable, KindPlatformUnavailable},
}

// Kind はエラーの種別コードを返す。nil の場合は空文字を返す。
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kindOrder {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}

// IsRetryable は再認証後に自動で再試行してよいエラーかを返す。
func IsRetryable(err error) bool {
	return errors.Is(err, ErrAuthenticationRequired)
}
