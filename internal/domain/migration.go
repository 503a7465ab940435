package domain

import "time"

// MigrationStatus はマイグレーションの適用状態を表す。
type MigrationStatus string

const (
	MigrationStatusPending MigrationStatus = "pending"
	MigrationStatusApplied MigrationStatus = "applied"
)

// Migration はデータベースマイグレーションを表すドメインモデル。
type Migration struct {
	Version   string          // 例: "001"
	Name      string          // ファイル名から抽出した名前
	AppliedAt *time.Time      // 未適用の場合はnil
	FilePath  string          // マイグレーションファイル群のルートからの相対パス
	Status    MigrationStatus
}
