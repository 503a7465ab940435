// Package usecase はアプリケーションのユースケースを実装する。
package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"device-credential-service/internal/domain"
)

// CredentialGate は端末のセキュア認証基盤に対する操作を表す。
type CredentialGate interface {
	IsDeviceSecure(ctx context.Context) (bool, error)
	MakeDeviceSecure(ctx context.Context, req domain.EnrollmentRequest) (bool, error)
	KeystoreInit(ctx context.Context, spec domain.KeystoreKeySpec) (bool, error)
	StorePin(ctx context.Context, keyName, pinValue string) (bool, error)
	RetrievePin(ctx context.Context, keyName string) (string, error)
}

var _ CredentialGate = (*CredentialService)(nil)

// Platform は端末側のプラットフォームサービスのインターフェース。
type Platform interface {
	IsDeviceSecure(ctx context.Context) (bool, error)
	// PromptDeviceSetup はロック設定を促し、設定が完了したら true、閉じられたら false を返す。
	PromptDeviceSetup(ctx context.Context, req domain.EnrollmentRequest) (bool, error)
	// ConfirmCredentials は端末の認証情報の確認を求め、確認できたら true を返す。
	ConfirmCredentials(ctx context.Context) (bool, error)
	LastAuthenticatedAt(ctx context.Context) (time.Time, error)
	BiometricEnrollmentID(ctx context.Context) (string, error)
}

// KeystoreRepository はキーストア鍵のデータアクセスのインターフェース。
type KeystoreRepository interface {
	Create(ctx context.Context, key *domain.KeystoreKey) error
	FindByName(ctx context.Context, keyName string) (*domain.KeystoreKey, error)
	UpdateStatus(ctx context.Context, keyName string, status domain.KeyStatus) error
	Delete(ctx context.Context, keyName string) error
	// Replace は同名の鍵とその封印済みPINを削除し、新しい鍵を1トランザクションで作成する。
	Replace(ctx context.Context, key *domain.KeystoreKey) error
}

// PinRepository は封印済みPINのデータアクセスのインターフェース。
type PinRepository interface {
	Upsert(ctx context.Context, record *domain.PinRecord) error
	FindByKeyName(ctx context.Context, keyName string) (*domain.PinRecord, error)
	DeleteByKeyName(ctx context.Context, keyName string) error
}

// KeyWrapper はデータ鍵をラップ/アンラップするインターフェース。
type KeyWrapper interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// CredentialService は CredentialGate の実装。
// 復号したPINやデータ鍵は呼び出しをまたいで保持しない。
type CredentialService struct {
	platform        Platform
	keys            KeystoreRepository
	pins            PinRepository
	wrapper         KeyWrapper
	locks           *keyLocks
	platformTimeout time.Duration
	now             func() time.Time
}

// Option は CredentialService の設定を変更する。
type Option func(*CredentialService)

// WithPlatformTimeout は端末状態の問い合わせに上限時間を設定する。
// プロンプト表示はユーザー操作を待つため対象外。
func WithPlatformTimeout(d time.Duration) Option {
	return func(s *CredentialService) {
		s.platformTimeout = d
	}
}

// WithClock は現在時刻の取得方法を差し替える。
func WithClock(now func() time.Time) Option {
	return func(s *CredentialService) {
		s.now = now
	}
}

// NewCredentialService は新しいCredentialServiceを生成する。
func NewCredentialService(platform Platform, keys KeystoreRepository, pins PinRepository, wrapper KeyWrapper, opts ...Option) *CredentialService {
	s := &CredentialService{
		platform: platform,
		keys:     keys,
		pins:     pins,
		wrapper:  wrapper,
		locks:    newKeyLocks(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IsDeviceSecure は端末にロック解除手段が設定されているかを返す。
func (s *CredentialService) IsDeviceSecure(ctx context.Context) (bool, error) {
	return callPlatform(ctx, s.platformTimeout, "querying device lock state", s.platform.IsDeviceSecure)
}

// MakeDeviceSecure はロック設定のプロンプトを表示し、設定が完了したかを返す。
func (s *CredentialService) MakeDeviceSecure(ctx context.Context, req domain.EnrollmentRequest) (bool, error) {
	secure, err := s.IsDeviceSecure(ctx)
	if err != nil {
		return false, err
	}
	if secure {
		return true, nil
	}

	completed, err := callPlatform(ctx, 0, "prompting device setup", func(ctx context.Context) (bool, error) {
		return s.platform.PromptDeviceSetup(ctx, req)
	})
	if err != nil {
		return false, err
	}
	if !completed {
		slog.InfoContext(ctx, "device setup prompt dismissed", "operation", "make_device_secure")
		return false, nil
	}

	// 設定画面から戻った後の状態を改めて確認する
	return s.IsDeviceSecure(ctx)
}

// Authenticate は端末の認証情報の確認を求める。
func (s *CredentialService) Authenticate(ctx context.Context) (bool, error) {
	confirmed, err := callPlatform(ctx, 0, "confirming device credentials", s.platform.ConfirmCredentials)
	if err != nil {
		return false, err
	}
	if !confirmed {
		slog.InfoContext(ctx, "credential confirmation declined", "operation", "authenticate")
	}
	return confirmed, nil
}

// KeystoreInit はキーストア鍵を生成する。同じ条件で初期化済みの鍵は再生成しない。
func (s *CredentialService) KeystoreInit(ctx context.Context, spec domain.KeystoreKeySpec) (bool, error) {
	if err := domain.ValidateKeyName(spec.KeyName); err != nil {
		return false, err
	}
	if spec.ReauthTimeoutSecs <= 0 {
		return false, fmt.Errorf("%w: reauth timeout must be positive, got %d", domain.ErrKeyCreationFailed, spec.ReauthTimeoutSecs)
	}
	if spec.ReauthTimeoutSecs > domain.MaxReauthTimeoutSecs {
		return false, fmt.Errorf("%w: reauth timeout must not exceed %d, got %d", domain.ErrKeyCreationFailed, domain.MaxReauthTimeoutSecs, spec.ReauthTimeoutSecs)
	}

	unlock, err := s.locks.Lock(ctx, spec.KeyName)
	if err != nil {
		return false, err
	}
	defer unlock()

	secure, err := s.IsDeviceSecure(ctx)
	if err != nil {
		return false, err
	}
	if !secure {
		return false, fmt.Errorf("%w: %w", domain.ErrKeyCreationFailed, domain.ErrDeviceNotSecure)
	}

	enrollmentID, err := callPlatform(ctx, s.platformTimeout, "querying biometric enrollment", s.platform.BiometricEnrollmentID)
	if err != nil {
		return false, err
	}

	existing, err := s.keys.FindByName(ctx, spec.KeyName)
	if err != nil {
		return false, storageError("finding key", err)
	}
	if existing != nil && !existing.InvalidatedBy(enrollmentID) && existing.Spec() == spec {
		slog.InfoContext(ctx, "keystore key already initialized",
			"operation", "keystore_init",
			"key_name", spec.KeyName,
		)
		return true, nil
	}

	// 新しい鍵のラップに失敗しても既存の鍵とPINは残す
	dataKey, err := generateDataKey()
	if err != nil {
		return false, fmt.Errorf("%w: %w", domain.ErrKeyCreationFailed, err)
	}
	wrapped, err := s.wrapper.Encrypt(ctx, dataKey)
	clear(dataKey)
	if err != nil {
		return false, fmt.Errorf("%w: wrapping data key: %w", domain.ErrKeyCreationFailed, err)
	}

	key := &domain.KeystoreKey{
		KeyName:                            spec.KeyName,
		ReauthTimeoutSecs:                  spec.ReauthTimeoutSecs,
		InvalidateOnNewBiometricEnrollment: spec.InvalidateOnNewBiometricEnrollment,
		EnrollmentID:                       enrollmentID,
		WrappedKey:                         wrapped,
		Status:                             domain.KeyStatusInitialized,
	}
	if existing != nil {
		if err := s.keys.Replace(ctx, key); err != nil {
			return false, storageError("replacing key", err)
		}
	} else if err := s.keys.Create(ctx, key); err != nil {
		return false, storageError("creating key", err)
	}

	slog.InfoContext(ctx, "keystore key created",
		"operation", "keystore_init",
		"key_name", spec.KeyName,
		"recreated", existing != nil,
	)
	return true, nil
}

// StorePin は指定された鍵でPINを封印して保存する。既存のPINは置き換える。
func (s *CredentialService) StorePin(ctx context.Context, keyName, pinValue string) (bool, error) {
	if err := domain.ValidateKeyName(keyName); err != nil {
		return false, err
	}
	if pinValue == "" {
		return false, domain.ErrInvalidPinValue
	}

	unlock, err := s.locks.Lock(ctx, keyName)
	if err != nil {
		return false, err
	}
	defer unlock()

	key, err := s.usableKey(ctx, keyName)
	if err != nil {
		return false, err
	}

	dataKey, err := s.wrapper.Decrypt(ctx, key.WrappedKey)
	if err != nil {
		return false, fmt.Errorf("%w: unwrapping data key: %w", domain.ErrSealFailed, err)
	}
	defer clear(dataKey)

	nonce, ciphertext, err := sealPin(dataKey, []byte(pinValue), keyName)
	if err != nil {
		return false, fmt.Errorf("%w: %w", domain.ErrSealFailed, err)
	}

	if err := s.pins.Upsert(ctx, &domain.PinRecord{
		KeyName:    keyName,
		Nonce:      nonce,
		Ciphertext: ciphertext,
	}); err != nil {
		return false, storageError("saving pin record", err)
	}
	return true, nil
}

// RetrievePin は指定された鍵で封印されたPINを開封して返す。
func (s *CredentialService) RetrievePin(ctx context.Context, keyName string) (string, error) {
	if err := domain.ValidateKeyName(keyName); err != nil {
		return "", err
	}

	unlock, err := s.locks.Lock(ctx, keyName)
	if err != nil {
		return "", err
	}
	defer unlock()

	key, err := s.usableKey(ctx, keyName)
	if err != nil {
		return "", err
	}

	record, err := s.pins.FindByKeyName(ctx, keyName)
	if err != nil {
		return "", storageError("finding pin record", err)
	}
	if record == nil {
		return "", domain.ErrPinNotFound
	}

	dataKey, err := s.wrapper.Decrypt(ctx, key.WrappedKey)
	if err != nil {
		return "", fmt.Errorf("%w: unwrapping data key: %w", domain.ErrSealFailed, err)
	}
	defer clear(dataKey)

	plaintext, err := openPin(dataKey, record.Nonce, record.Ciphertext, keyName)
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrSealFailed, err)
	}
	return string(plaintext), nil
}

// DeleteKey はキーストア鍵と封印済みPINを削除する。
func (s *CredentialService) DeleteKey(ctx context.Context, keyName string) error {
	if err := domain.ValidateKeyName(keyName); err != nil {
		return err
	}

	unlock, err := s.locks.Lock(ctx, keyName)
	if err != nil {
		return err
	}
	defer unlock()

	key, err := s.keys.FindByName(ctx, keyName)
	if err != nil {
		return storageError("finding key", err)
	}
	if key == nil {
		return domain.ErrKeyNotFound
	}
	if err := s.destroy(ctx, keyName); err != nil {
		return err
	}

	slog.InfoContext(ctx, "keystore key deleted",
		"operation", "delete_key",
		"key_name", keyName,
	)
	return nil
}

// DescribeKey はキーストア鍵のメタデータを返す。
func (s *CredentialService) DescribeKey(ctx context.Context, keyName string) (*domain.KeyMetadata, error) {
	if err := domain.ValidateKeyName(keyName); err != nil {
		return nil, err
	}

	unlock, err := s.locks.Lock(ctx, keyName)
	if err != nil {
		return nil, err
	}
	defer unlock()

	key, err := s.keys.FindByName(ctx, keyName)
	if err != nil {
		return nil, storageError("finding key", err)
	}
	if key == nil {
		return nil, domain.ErrKeyNotFound
	}
	if err := s.checkEnrollment(ctx, key); err != nil && !errors.Is(err, domain.ErrKeyInvalidated) {
		return nil, err
	}

	record, err := s.pins.FindByKeyName(ctx, keyName)
	if err != nil {
		return nil, storageError("finding pin record", err)
	}

	return &domain.KeyMetadata{
		KeyName:                            key.KeyName,
		ReauthTimeoutSecs:                  key.ReauthTimeoutSecs,
		InvalidateOnNewBiometricEnrollment: key.InvalidateOnNewBiometricEnrollment,
		Status:                             key.Status,
		HasPin:                             record != nil,
		CreatedAt:                          key.CreatedAt,
		UpdatedAt:                          key.UpdatedAt,
	}, nil
}

// usableKey は鍵を取得し、無効化と再認証ウィンドウを検査する。呼び出し側で鍵名のロックを保持すること。
func (s *CredentialService) usableKey(ctx context.Context, keyName string) (*domain.KeystoreKey, error) {
	key, err := s.keys.FindByName(ctx, keyName)
	if err != nil {
		return nil, storageError("finding key", err)
	}
	if key == nil {
		return nil, domain.ErrKeyNotFound
	}
	if err := s.checkEnrollment(ctx, key); err != nil {
		return nil, err
	}

	lastAuth, err := callPlatform(ctx, s.platformTimeout, "querying last authentication", s.platform.LastAuthenticatedAt)
	if err != nil {
		return nil, err
	}
	if lastAuth.IsZero() {
		return nil, fmt.Errorf("%w: user has not authenticated", domain.ErrAuthenticationRequired)
	}
	if elapsed := s.now().Sub(lastAuth); elapsed > key.ReauthWindow() {
		return nil, fmt.Errorf("%w: last authentication %s ago exceeds %ds window",
			domain.ErrAuthenticationRequired, elapsed.Truncate(time.Second), key.ReauthTimeoutSecs)
	}
	return key, nil
}

// checkEnrollment は生体情報の再登録による無効化を検査し、必要なら鍵を無効化する。
func (s *CredentialService) checkEnrollment(ctx context.Context, key *domain.KeystoreKey) error {
	if key.Status == domain.KeyStatusInvalidated {
		return domain.ErrKeyInvalidated
	}
	if !key.InvalidateOnNewBiometricEnrollment {
		return nil
	}

	enrollmentID, err := callPlatform(ctx, s.platformTimeout, "querying biometric enrollment", s.platform.BiometricEnrollmentID)
	if err != nil {
		return err
	}
	if !key.InvalidatedBy(enrollmentID) {
		return nil
	}

	// 無効化後は封印済みPINを復元できないため破棄する
	var errs []error
	if err := s.keys.UpdateStatus(ctx, key.KeyName, domain.KeyStatusInvalidated); err != nil {
		errs = append(errs, storageError("marking key invalidated", err))
	}
	if err := s.pins.DeleteByKeyName(ctx, key.KeyName); err != nil {
		errs = append(errs, storageError("discarding pin of invalidated key", err))
	}
	key.Status = domain.KeyStatusInvalidated

	slog.WarnContext(ctx, "keystore key invalidated by new biometric enrollment",
		"operation", "check_enrollment",
		"key_name", key.KeyName,
		"cleanup_failures", len(errs),
	)
	if len(errs) > 0 {
		return errors.Join(append([]error{domain.ErrKeyInvalidated}, errs...)...)
	}
	return domain.ErrKeyInvalidated
}

func (s *CredentialService) destroy(ctx context.Context, keyName string) error {
	if err := s.pins.DeleteByKeyName(ctx, keyName); err != nil {
		return storageError("deleting pin record", err)
	}
	if err := s.keys.Delete(ctx, keyName); err != nil {
		return storageError("deleting key", err)
	}
	return nil
}

// callPlatform はプラットフォーム呼び出しの失敗を ErrPlatformUnavailable として返す。
// timeout が 0 の場合は呼び出し元の context のみに従う。
func callPlatform[T any](ctx context.Context, timeout time.Duration, op string, fn func(context.Context) (T, error)) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	v, err := fn(ctx)
	if err != nil {
		var zero T
		if errors.Is(err, domain.ErrPlatformUnavailable) {
			return zero, fmt.Errorf("%s: %w", op, err)
		}
		return zero, fmt.Errorf("%s: %w: %w", op, domain.ErrPlatformUnavailable, err)
	}
	return v, nil
}

// storageError は鍵ストレージの失敗を ErrPlatformUnavailable として返す。
func storageError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, domain.ErrPlatformUnavailable, err)
}
