package main

import (
	"errors"
	"fmt"
	"strconv"

	"KomicaReader/internal/core"
	"KomicaReader/internal/model"

	"github.com/spf13/cobra"
)

func newBoardsCmd(opts *rootOptions) *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:   "boards",
		Short: "掲示板の一覧を表示します",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			categories, err := opts.app.repo.FetchBoards(cmd.Context(), refresh)
			if err != nil {
				return handleEmpty(cmd, err, "掲示板が見つかりませんでした")
			}
			return printBoards(cmd.OutOrStdout(), categories, opts.jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "キャッシュを使わずに取得します")
	return cmd
}

func newThreadsCmd(opts *rootOptions) *cobra.Command {
	var (
		page     int
		pages    int
		all      bool
		maxPages int
	)
	cmd := &cobra.Command{
		Use:   "threads <boardURL>",
		Short: "掲示板のスレッド一覧を表示します",
		Example: `  komica threads http://komica1.org/test/index.htm
  komica threads http://komica1.org/test/index.htm --page 2 --pages 3
  komica threads http://komica1.org/test/index.htm --all --max-pages 10`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			boardURL := args[0]
			ctx := cmd.Context()
			repo := opts.app.repo
			out := cmd.OutOrStdout()

			switch {
			case all:
				p := core.NewPaginator(repo, boardURL, opts.app.log)
				var threads []model.Thread
				for !p.Exhausted() && (maxPages <= 0 || p.Page() < maxPages) {
					batch, err := p.Next(ctx)
					if err != nil && !errors.Is(err, core.ErrEmptyResult) {
						return err
					}
					threads = append(threads, batch...)
				}
				if len(threads) == 0 {
					fmt.Fprintln(out, "スレッドが見つかりませんでした")
					return nil
				}
				return printThreads(out, threads, opts.jsonOutput)

			case pages > 1:
				results := core.FetchPages(ctx, repo, boardURL, page, pages, 0)
				var threads []model.Thread
				for i, r := range results {
					if !r.OK() {
						if !errors.Is(r.Err, core.ErrEmptyResult) {
							opts.app.log.WithError(r.Err).WithField("page", page+i).Warn("ページを取得できませんでした")
						}
						continue
					}
					threads = append(threads, r.Data...)
				}
				if len(threads) == 0 {
					fmt.Fprintln(out, "スレッドが見つかりませんでした")
					return nil
				}
				return printThreads(out, threads, opts.jsonOutput)

			default:
				threads, err := repo.FetchThreads(ctx, boardURL, page)
				if err != nil {
					return handleEmpty(cmd, err, "スレッドが見つかりませんでした")
				}
				return printThreads(out, threads, opts.jsonOutput)
			}
		},
	}
	cmd.Flags().IntVar(&page, "page", 0, "取得するページ番号 (0始まり)")
	cmd.Flags().IntVar(&pages, "pages", 1, "--page から並行して取得するページ数")
	cmd.Flags().BoolVar(&all, "all", false, "空のページが続くまで順に取得します")
	cmd.Flags().IntVar(&maxPages, "max-pages", 10, "--all で取得する最大ページ数 (0は無制限)")
	return cmd
}

func newThreadCmd(opts *rootOptions) *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:   "thread <threadURL>",
		Short: "スレッドの全レスを表示します",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			thread, err := opts.app.repo.FetchThreadDetail(cmd.Context(), args[0], refresh)
			if err != nil {
				return handleEmpty(cmd, err, "レスが見つかりませんでした")
			}
			return printThreadDetail(cmd.OutOrStdout(), thread, opts.jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "キャッシュを使わずに取得します")
	return cmd
}

func newSearchCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "search <boardURL> <keyword>",
		Short: "掲示板内を検索します",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			results, err := opts.app.repo.SearchThreads(cmd.Context(), args[0], args[1])
			if err != nil {
				return handleEmpty(cmd, err, "検索結果はありませんでした")
			}
			return printThreads(cmd.OutOrStdout(), results, opts.jsonOutput)
		},
	}
}

func newReplyCmd(opts *rootOptions) *cobra.Command {
	var req core.ReplyRequest
	cmd := &cobra.Command{
		Use:   "reply <boardURL> <resto>",
		Short: "スレッドに返信します",
		Example: `  komica reply https://gaia.komica1.org/79/index.htm 123456 --comment "本文"
  komica reply http://komica1.org/test/ 12345 -c "本文" --no-challenge`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			resto, err := strconv.Atoi(args[1])
			if err != nil || resto <= 0 {
				return fmt.Errorf("スレッド番号が不正です: %s", args[1])
			}
			req.BoardURL = args[0]
			req.ThreadNumber = resto

			errOut := cmd.ErrOrStderr()
			opts.app.replier.OnStateChange(func(s core.ReplyState) {
				if !opts.jsonOutput {
					fmt.Fprintf(errOut, "[%s]\n", s)
				}
			})

			result, err := opts.app.repo.SendReply(cmd.Context(), req)
			if printErr := printReplyResult(cmd.OutOrStdout(), result, err, opts.jsonOutput); printErr != nil {
				return printErr
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&req.Comment, "comment", "c", "", "本文 (必須)")
	cmd.Flags().StringVar(&req.Name, "name", "", "名前")
	cmd.Flags().StringVar(&req.Email, "email", "", "E-mail")
	cmd.Flags().StringVar(&req.Subject, "subject", "", "標題")
	cmd.Flags().BoolVar(&opts.noChallenge, "no-challenge", false, "ボットチャレンジのトークンを取得せずに送信します")
	cmd.MarkFlagRequired("comment")
	return cmd
}
