// Package repository はデータアクセス層の実装を提供する。
package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"device-credential-service/internal/domain"
)

// KeystoreKeyModel はgorm用のモデル定義。
type KeystoreKeyModel struct {
	ID                     string    `gorm:"type:char(36);primaryKey"`
	KeyName                string    `gorm:"type:varchar(64);not null;uniqueIndex:uk_key_name"`
	ReauthTimeoutSecs      int       `gorm:"not null"`
	InvalidateOnEnrollment bool      `gorm:"not null;default:false"`
	EnrollmentID           string    `gorm:"type:varchar(128);not null;default:''"`
	WrappedKey             []byte    `gorm:"type:blob;not null"`
	Status                 string    `gorm:"type:varchar(16);not null;default:'initialized';index:idx_status"`
	CreatedAt              time.Time `gorm:"precision:6;not null;autoCreateTime"`
	UpdatedAt              time.Time `gorm:"precision:6;not null;autoUpdateTime"`
}

// TableName はテーブル名を返す。
func (KeystoreKeyModel) TableName() string {
	return "keystore_keys"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (m *KeystoreKeyModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

func (m *KeystoreKeyModel) toDomain() *domain.KeystoreKey {
	return &domain.KeystoreKey{
		ID:                                 m.ID,
		KeyName:                            m.KeyName,
		ReauthTimeoutSecs:                  m.ReauthTimeoutSecs,
		InvalidateOnNewBiometricEnrollment: m.InvalidateOnEnrollment,
		EnrollmentID:                       m.EnrollmentID,
		WrappedKey:                         m.WrappedKey,
		Status:                             domain.KeyStatus(m.Status),
		CreatedAt:                          m.CreatedAt,
		UpdatedAt:                          m.UpdatedAt,
	}
}

func newKeystoreKeyModel(key *domain.KeystoreKey) *KeystoreKeyModel {
	return &KeystoreKeyModel{
		ID:                     key.ID,
		KeyName:                key.KeyName,
		ReauthTimeoutSecs:      key.ReauthTimeoutSecs,
		InvalidateOnEnrollment: key.InvalidateOnNewBiometricEnrollment,
		EnrollmentID:           key.EnrollmentID,
		WrappedKey:             key.WrappedKey,
		Status:                 string(key.Status),
	}
}

// KeystoreRepository はキーストア鍵のデータアクセスを提供する。
type KeystoreRepository struct {
	db *gorm.DB
}

// NewKeystoreRepository は新しいKeystoreRepositoryを生成する。
func NewKeystoreRepository(db *gorm.DB) *KeystoreRepository {
	return &KeystoreRepository{db: db}
}

// Create は新しいキーストア鍵を保存する。
func (r *KeystoreRepository) Create(ctx context.Context, key *domain.KeystoreKey) error {
	model := newKeystoreKeyModel(key)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to create keystore key",
			"operation", "create",
			"key_name", key.KeyName,
			"error", err,
		)
		return err
	}
	// gormで設定された値をドメインエンティティに反映
	key.ID = model.ID
	key.CreatedAt = model.CreatedAt
	key.UpdatedAt = model.UpdatedAt
	return nil
}

// FindByName は鍵名でキーストア鍵を取得する。存在しない場合は nil を返す。
func (r *KeystoreRepository) FindByName(ctx context.Context, keyName string) (*domain.KeystoreKey, error) {
	var model KeystoreKeyModel
	err := r.db.WithContext(ctx).
		Where("key_name = ?", keyName).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find keystore key",
			"operation", "find_by_name",
			"key_name", keyName,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// UpdateStatus は鍵名で指定した鍵のステータスを更新する。
func (r *KeystoreRepository) UpdateStatus(ctx context.Context, keyName string, status domain.KeyStatus) error {
	err := r.db.WithContext(ctx).
		Model(&KeystoreKeyModel{}).
		Where("key_name = ?", keyName).
		Update("status", string(status)).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to update status",
			"operation", "update_status",
			"key_name", keyName,
			"status", status,
			"error", err,
		)
		return err
	}
	return nil
}

// Delete は鍵名で指定した鍵を削除する。
func (r *KeystoreRepository) Delete(ctx context.Context, keyName string) error {
	err := r.db.WithContext(ctx).
		Where("key_name = ?", keyName).
		Delete(&KeystoreKeyModel{}).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to delete keystore key",
			"operation", "delete",
			"key_name", keyName,
			"error", err,
		)
		return err
	}
	return nil
}

// Replace は同名の鍵と封印済みPINを削除してから新しい鍵を作成する。
// いずれかが失敗した場合は全体をロールバックし、既存の鍵とPINを残す。
func (r *KeystoreRepository) Replace(ctx context.Context, key *domain.KeystoreKey) error {
	model := newKeystoreKeyModel(key)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("key_name = ?", key.KeyName).Delete(&PinRecordModel{}).Error; err != nil {
			return err
		}
		if err := tx.Where("key_name = ?", key.KeyName).Delete(&KeystoreKeyModel{}).Error; err != nil {
			return err
		}
		return tx.Create(model).Error
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to replace keystore key",
			"operation", "replace",
			"key_name", key.KeyName,
			"error", err,
		)
		return err
	}
	key.ID = model.ID
	key.CreatedAt = model.CreatedAt
	key.UpdatedAt = model.UpdatedAt
	return nil
}
