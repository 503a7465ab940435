package main

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"device-credential-service/config"
	"device-credential-service/internal/domain"
	"device-credential-service/internal/infra"
	"device-credential-service/internal/repository"
	"device-credential-service/internal/usecase"
	"device-credential-service/migrations"
)

func newMigrateCmd(out io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database migrations",
		Long:  "Manage database migrations for the device credential service",
	}
	cmd.AddCommand(migrateUpCmd(out))
	cmd.AddCommand(migrateStatusCmd(out))
	return cmd
}

// openMigration はDATABASE_URLに接続し、マイグレーションサービスを生成する。
// MIGRATIONS_DIR が設定されていればそのディレクトリのSQLを使う。
func openMigration() (*config.Config, *gorm.DB, *usecase.MigrationService, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, err
	}

	db, err := infra.NewDB(cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	var files fs.FS = migrations.Files
	if dir := os.Getenv("MIGRATIONS_DIR"); dir != "" {
		files = os.DirFS(dir)
	}

	service := usecase.NewMigrationService(repository.NewMigrationRepository(db), db, files)
	return cfg, db, service, nil
}

func migrateUpCmd(out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Long:  "Apply all pending migrations to the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			cfg, db, service, err := openMigration()
			if err != nil {
				return err
			}

			// SQLファイルはMySQL向けのため、SQLiteはモデル定義から作成する
			if cfg.IsSQLite() {
				if err := repository.AutoMigrate(db); err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintln(out, "SQLite schema is up to date.")
				return nil
			}

			appliedCount, err := service.ApplyMigrations(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			if appliedCount == 0 {
				fmt.Fprintln(out, "No pending migrations.")
			} else {
				fmt.Fprintf(out, "Applied %d migration(s) successfully.\n", appliedCount)
			}
			return nil
		},
	}
}

func migrateStatusCmd(out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		Long:  "Show the status of all migrations (applied/pending)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			_, _, service, err := openMigration()
			if err != nil {
				return err
			}

			list, err := service.GetMigrationStatus(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			return printMigrations(out, list)
		},
	}
}

// printMigrations はマイグレーション一覧をテーブル形式で出力する。
func printMigrations(out io.Writer, list []*domain.Migration) error {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tSTATUS\tAPPLIED AT")
	fmt.Fprintln(w, "-------\t----\t------\t----------")

	for _, m := range list {
		appliedAt := "-"
		if m.AppliedAt != nil {
			appliedAt = m.AppliedAt.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.Version, m.Name, m.Status, appliedAt)
	}

	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to flush output: %w", err)
	}
	return nil
}
