package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"device-credential-service/internal/domain"
)

// PinRecordModel はgorm用のモデル定義。
type PinRecordModel struct {
	ID         string    `gorm:"type:char(36);primaryKey"`
	KeyName    string    `gorm:"type:varchar(64);not null;uniqueIndex:uk_pin_key_name"`
	Nonce      []byte    `gorm:"type:varbinary(32);not null"`
	Ciphertext []byte    `gorm:"type:blob;not null"`
	CreatedAt  time.Time `gorm:"precision:6;not null;autoCreateTime"`
	UpdatedAt  time.Time `gorm:"precision:6;not null;autoUpdateTime"`
}

// TableName はテーブル名を返す。
func (PinRecordModel) TableName() string {
	return "pin_records"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (m *PinRecordModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

func (m *PinRecordModel) toDomain() *domain.PinRecord {
	return &domain.PinRecord{
		ID:         m.ID,
		KeyName:    m.KeyName,
		Nonce:      m.Nonce,
		Ciphertext: m.Ciphertext,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
}

// PinRepository は封印済みPINのデータアクセスを提供する。
type PinRepository struct {
	db *gorm.DB
}

// NewPinRepository は新しいPinRepositoryを生成する。
func NewPinRepository(db *gorm.DB) *PinRepository {
	return &PinRepository{db: db}
}

// Upsert は鍵名ごとに1件のPINを保存する。既存のレコードは暗号文を置き換える。
func (r *PinRepository) Upsert(ctx context.Context, record *domain.PinRecord) error {
	model := &PinRecordModel{
		ID:         record.ID,
		KeyName:    record.KeyName,
		Nonce:      record.Nonce,
		Ciphertext: record.Ciphertext,
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key_name"}},
			DoUpdates: clause.AssignmentColumns([]string{"nonce", "ciphertext", "updated_at"}),
		}).
		Create(model).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to upsert pin record",
			"operation", "upsert",
			"key_name", record.KeyName,
			"error", err,
		)
		return err
	}
	record.UpdatedAt = model.UpdatedAt
	return nil
}

// FindByKeyName は鍵名でPINレコードを取得する。存在しない場合は nil を返す。
func (r *PinRepository) FindByKeyName(ctx context.Context, keyName string) (*domain.PinRecord, error) {
	var model PinRecordModel
	err := r.db.WithContext(ctx).
		Where("key_name = ?", keyName).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find pin record",
			"operation", "find_by_key_name",
			"key_name", keyName,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// DeleteByKeyName は鍵名に紐づくPINレコードを削除する。存在しない場合も成功とする。
func (r *PinRepository) DeleteByKeyName(ctx context.Context, keyName string) error {
	err := r.db.WithContext(ctx).
		Where("key_name = ?", keyName).
		Delete(&PinRecordModel{}).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to delete pin record",
			"operation", "delete_by_key_name",
			"key_name", keyName,
			"error", err,
		)
		return err
	}
	return nil
}
