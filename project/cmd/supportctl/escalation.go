package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"support-bot/project/domain"
	"support-bot/project/service"
)

func escalationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "escalation",
		Short: "エスカレーション担当表の管理",
	}
	cmd.AddCommand(escalationLoadCmd())
	cmd.AddCommand(escalationShowCmd())
	return cmd
}

func escalationLoadCmd() *cobra.Command {
	var replace bool
	cmd := &cobra.Command{
		Use:   "load <staff.json>",
		Short: "スタッフ一覧（JSON）から担当表を作成する",
		Long:  "スタッフ一覧 [{\"name\", \"accountId\", \"tasks\"}] からカテゴリごとの担当表を作成します。担当者の順序はファイル内の順序です",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			staff, err := readStaff(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				svc, err := a.escalationService(ctx)
				if err != nil {
					return err
				}
				schema, err := svc.LoadStaff(ctx, staff, replace)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d カテゴリを保存しました\n", len(schema))
				printSchema(cmd.OutOrStdout(), schema)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&replace, "replace", false, "一覧に無いカテゴリを削除する")
	return cmd
}

func escalationShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [category]",
		Short: "担当表を表示する",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			category := ""
			if len(args) == 1 {
				category = args[0]
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				svc, err := a.escalationService(ctx)
				if err != nil {
					return err
				}
				schema, err := svc.ShowRotation(ctx, category)
				if err != nil {
					return err
				}
				printSchema(cmd.OutOrStdout(), schema)
				return nil
			})
		},
	}
}

// escalationService は担当表の操作だけに使うため、Slack と返信記録は渡しません
func (a *app) escalationService(ctx context.Context) (service.EscalationService, error) {
	repo, err := a.escalations(ctx)
	if err != nil {
		return nil, err
	}
	return service.NewEscalationService(a.cfg, repo, nil, nil, a.logger.WithField("component", "escalation")), nil
}

func readStaff(path string) ([]domain.StaffMember, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("スタッフ一覧の読み込み失敗 (path=%s): %w", path, err)
	}
	var staff []domain.StaffMember
	if err := json.Unmarshal(data, &staff); err != nil {
		return nil, fmt.Errorf("スタッフ一覧の JSON パース失敗 (path=%s): %w", path, err)
	}
	return staff, nil
}

func printSchema(w io.Writer, schema domain.EscalationSchema) {
	categories := make([]string, 0, len(schema))
	for c := range schema {
		categories = append(categories, c)
	}
	sort.Strings(categories)
	for _, c := range categories {
		e := schema[c]
		next := ""
		if len(e.Members) > 0 {
			next = e.Members[(e.LastIndex+1)%len(e.Members)]
		}
		fmt.Fprintf(w, "%s\t%s\t(next: %s)\n", c, strings.Join(e.Members, ","), next)
	}
}
