// Package migrations はMySQL用のスキーマ定義を埋め込む。
package migrations

import "embed"

// Files はマイグレーションSQLファイル。
//
//go:embed *.sql
var Files embed.FS
