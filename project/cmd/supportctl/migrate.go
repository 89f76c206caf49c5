package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"support-bot/project/infrastructure/store"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "PostgreSQL のマイグレーション",
	}
	cmd.AddCommand(migrateUpCmd())
	cmd.AddCommand(migrateDownCmd())
	return cmd
}

func migrateUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "未適用のマイグレーションをすべて適用する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				db, err := a.postgres()
				if err != nil {
					return err
				}
				v, err := store.MigrateUp(db)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "マイグレーション完了 (version=%d)\n", v)
				return nil
			})
		},
	}
}

func migrateDownCmd() *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use:   "down",
		Short: "マイグレーションを戻す",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				db, err := a.postgres()
				if err != nil {
					return err
				}
				v, err := store.MigrateDown(db, steps)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ロールバック完了 (version=%d)\n", v)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&steps, "steps", 1, "戻すステップ数")
	return cmd
}
