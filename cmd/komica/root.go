package main

import (
	"errors"
	"fmt"
	"io"

	"KomicaReader/internal/adapter"
	"KomicaReader/internal/challenge"
	"KomicaReader/internal/config"
	"KomicaReader/internal/core"
	"KomicaReader/internal/network"
	"KomicaReader/internal/storage"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// app は、コマンドが共有するサービス群です。
type app struct {
	cfg     *config.Config
	log     *logrus.Logger
	jar     *network.Jar
	client  *network.Client
	repo    *core.Repository
	replier *core.Replier

	closers []io.Closer
}

// rootOptions は、全コマンド共通のフラグです。
type rootOptions struct {
	configFile  string
	jsonOutput  bool
	noChallenge bool
	app         *app
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "komica",
		Short:         "Komica 掲示板の閲覧・検索・返信を行います",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadAndResolve(opts.configFile)
			if err != nil {
				return err
			}
			a, err := newApp(cfg, opts.noChallenge)
			if err != nil {
				return err
			}
			opts.app = a
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.app != nil {
				opts.app.Close()
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "設定ファイルのパス (省略時はデフォルト値と環境変数のみ)")
	rootCmd.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "結果をJSONで出力します")

	rootCmd.AddCommand(
		newBoardsCmd(opts),
		newThreadsCmd(opts),
		newThreadCmd(opts),
		newSearchCmd(opts),
		newReplyCmd(opts),
	)
	return rootCmd
}

// newApp は、設定からサービス群を組み立てます。
func newApp(cfg *config.Config, noChallenge bool) (*app, error) {
	logger, logFile, err := setupLogger(cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: logger}
	if logFile != nil {
		a.closers = append(a.closers, logFile)
	}

	clientOpts := []network.ClientOption{network.WithLogger(logger)}
	if cfg.Cache.ResponseCacheDir != "" {
		cache, err := storage.NewBadgerResponseCache(cfg.Cache.ResponseCacheDir, cfg.Cache.ResponseCacheTTL(), logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, cache)
		clientOpts = append(clientOpts, network.WithResponseCache(cache))
	}

	a.jar = network.NewJar(logger)
	a.client, err = network.NewClient(cfg.Network, a.jar, clientOpts...)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("ネットワーククライアントの初期化に失敗しました: %w", err)
	}

	siteAdapter, err := adapter.GetAdapter("komica", cfg.SiteOrigin, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("サイトアダプタの取得に失敗しました: %w", err)
	}

	var acquirer challenge.TokenAcquirer = challenge.Disabled{}
	if cfg.Challenge.Enabled && !noChallenge {
		browser := challenge.NewRodBrowser(cfg.Challenge, cfg.Reply, a.client.UserAgent(), logger)
		acquirer = challenge.NewAcquirer(browser, a.jar, cfg.Challenge, logger)
	}
	a.replier = core.NewReplier(a.client, siteAdapter, acquirer, cfg.Boards, cfg.Reply, logger)

	a.repo, err = core.NewRepository(a.client, siteAdapter, cfg.Boards, cfg.Cache.ThreadDetailSize, logger, core.WithReplier(a.replier))
	if err != nil {
		a.Close()
		return nil, err
	}
	logger.WithFields(logrus.Fields{"origin": cfg.SiteOrigin, "challenge": cfg.Challenge.Enabled && !noChallenge}).Debug("初期化が完了しました")
	return a, nil
}

// Close は、保持しているリソースを逆順に解放します。
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil && a.log != nil {
			a.log.WithError(err).Warn("リソースの解放に失敗しました")
		}
	}
	a.closers = nil
}

// handleEmpty は、ErrEmptyResult を利用者向けのメッセージに変えてエラーなしとして扱います。
func handleEmpty(cmd *cobra.Command, err error, message string) error {
	if errors.Is(err, core.ErrEmptyResult) {
		fmt.Fprintln(cmd.OutOrStdout(), message)
		return nil
	}
	return err
}
