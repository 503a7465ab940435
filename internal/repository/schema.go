package repository

import (
	"fmt"

	"gorm.io/gorm"
)

// AutoMigrate はモデル定義からテーブルを作成する。SQLiteでの開発用途を想定する。
// MySQLでは migrations/ のSQLを credctl migrate up で適用する。
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&SchemaMigrationModel{}, &KeystoreKeyModel{}, &PinRecordModel{}); err != nil {
		return fmt.Errorf("auto migrating: %w", err)
	}
	return nil
}
