package repository

import (
	"context"
	"log/slog"
	"time"

	"device-credential-service/internal/domain"

	"gorm.io/gorm"
)

// SchemaMigrationModel はschema_migrationsテーブルのモデル。
type SchemaMigrationModel struct {
	Version   string    `gorm:"column:version;primaryKey;type:varchar(14)"`
	AppliedAt time.Time `gorm:"column:applied_at;not null;autoCreateTime"`
}

// TableName はテーブル名を指定。
func (SchemaMigrationModel) TableName() string {
	return "schema_migrations"
}

// MigrationRepository はマイグレーション履歴を管理するリポジトリ。
type MigrationRepository struct {
	db *gorm.DB
}

// NewMigrationRepository は新しいMigrationRepositoryを生成する。
func NewMigrationRepository(db *gorm.DB) *MigrationRepository {
	return &MigrationRepository{db: db}
}

// EnsureSchema は履歴テーブルが無ければ作成する。
func (r *MigrationRepository) EnsureSchema(ctx context.Context) error {
	if err := r.db.WithContext(ctx).AutoMigrate(&SchemaMigrationModel{}); err != nil {
		slog.ErrorContext(ctx, "failed to ensure schema_migrations",
			"operation", "ensure_schema",
			"error", err,
		)
		return err
	}
	return nil
}

// FindAllApplied は適用済みマイグレーションをバージョン順に取得する。
func (r *MigrationRepository) FindAllApplied(ctx context.Context) ([]*domain.Migration, error) {
	var models []SchemaMigrationModel
	if err := r.db.WithContext(ctx).Order("version ASC").Find(&models).Error; err != nil {
		slog.ErrorContext(ctx, "failed to find applied migrations",
			"operation", "find_all_applied",
			"error", err,
		)
		return nil, err
	}

	migrations := make([]*domain.Migration, 0, len(models))
	for _, model := range models {
		appliedAt := model.AppliedAt
		migrations = append(migrations, &domain.Migration{
			Version:   model.Version,
			AppliedAt: &appliedAt,
			Status:    domain.MigrationStatusApplied,
		})
	}
	return migrations, nil
}

// RecordMigration は tx 上で適用履歴を記録する。SQLの適用と同じトランザクションで呼ぶ。
func (r *MigrationRepository) RecordMigration(ctx context.Context, tx *gorm.DB, version string) error {
	if tx == nil {
		tx = r.db
	}
	if err := tx.WithContext(ctx).Create(&SchemaMigrationModel{Version: version}).Error; err != nil {
		slog.ErrorContext(ctx, "failed to record migration",
			"operation", "record_migration",
			"version", version,
			"error", err,
		)
		return err
	}
	return nil
}

// IsMigrationApplied はマイグレーションが適用済みか確認する。
func (r *MigrationRepository) IsMigrationApplied(ctx context.Context, version string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&SchemaMigrationModel{}).
		Where("version = ?", version).
		Count(&count).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to check migration",
			"operation", "is_migration_applied",
			"version", version,
			"error", err,
		)
		return false, err
	}
	return count > 0, nil
}
