package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"support-bot/project/infrastructure/export"
)

func ingestCmd() *cobra.Command {
	var channels []string
	cmd := &cobra.Command{
		Use:   "ingest <export-dir>",
		Short: "Slack エクスポートを取り込んでスレッドを保存する",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				exports, err := export.NewReader(a.logger.WithField("component", "export")).ReadDir(args[0], channels...)
				if err != nil {
					return err
				}
				if len(exports) == 0 {
					return fmt.Errorf("取り込み対象のチャンネルがありません (dir=%s)", args[0])
				}

				svc, err := a.ingestService(ctx, false, false)
				if err != nil {
					return err
				}
				report, err := svc.Ingest(ctx, exports)
				fmt.Fprintf(cmd.OutOrStdout(), "チャンネル: %d, スレッド: %d, 診断: %d\n",
					report.Channels, report.Threads, report.Diagnostics)
				if len(report.Failed) > 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "失敗したチャンネル: %s\n", strings.Join(report.Failed, ", "))
				}
				return err
			})
		},
	}
	cmd.Flags().StringSliceVar(&channels, "channel", nil, "取り込むチャンネル名（複数指定可）")
	return cmd
}

func classifyCmd() *cobra.Command {
	var categories []string
	cmd := &cobra.Command{
		Use:   "classify",
		Short: "未分類のスレッドをカテゴリに分類する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				svc, err := a.ingestService(ctx, true, len(categories) == 0)
				if err != nil {
					return err
				}
				report, err := svc.Classify(ctx, categories)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "スレッド: %d, バッチ: %d\n", report.Threads, report.Batches)
				names := make([]string, 0, len(report.ByCategory))
				for c := range report.ByCategory {
					names = append(names, c)
				}
				sort.Strings(names)
				for _, c := range names {
					fmt.Fprintf(out, "  %s: %d\n", c, report.ByCategory[c])
				}
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&categories, "categories", nil, "分類先のカテゴリ（省略時は担当表のカテゴリ）")
	return cmd
}

func embedCmd() *cobra.Command {
	var channel string
	cmd := &cobra.Command{
		Use:   "embed",
		Short: "分類済みスレッドを埋め込んでベクトル索引に保存する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				svc, err := a.ingestService(ctx, true, false)
				if err != nil {
					return err
				}
				n, err := svc.Embed(ctx, channel)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "保存したドキュメント: %d\n", n)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "", "対象チャンネル（省略時は全チャンネル）")
	return cmd
}

func pruneCmd() *cobra.Command {
	var from, to, tz string
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "期間内に開始したスレッドをスレッド保存先とベクトル索引から削除する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fromTS, toTS, err := slackRange(from, to, tz)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				svc, err := a.ingestService(ctx, false, false)
				if err != nil {
					return err
				}
				report, err := svc.Prune(ctx, fromTS, toTS)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "削除したスレッド: %d, ベクトル: %d\n", report.Threads, report.Vectors)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "開始日（YYYY-MM-DD）または Slack TS")
	cmd.Flags().StringVar(&to, "to", "", "終了日（YYYY-MM-DD、その日を含む）または Slack TS")
	cmd.Flags().StringVar(&tz, "tz", "Asia/Tokyo", "日付を解釈するタイムゾーン")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func categoriesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "categories",
		Short: "カテゴリの管理",
	}

	var samples, n int
	suggest := &cobra.Command{
		Use:   "suggest",
		Short: "未分類スレッドのサンプルからカテゴリ案を出す",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				svc, err := a.ingestService(ctx, true, false)
				if err != nil {
					return err
				}
				suggestions, err := svc.SuggestCategories(ctx, samples, n)
				if err != nil {
					return err
				}
				if len(suggestions) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "未分類のスレッドがありません")
					return nil
				}
				for _, c := range suggestions {
					fmt.Fprintln(cmd.OutOrStdout(), c)
				}
				return nil
			})
		},
	}
	suggest.Flags().IntVar(&samples, "samples", 200, "サンプルに使うスレッド数")
	suggest.Flags().IntVar(&n, "n", 10, "提案するカテゴリ数の上限")

	cmd.AddCommand(suggest)
	return cmd
}
