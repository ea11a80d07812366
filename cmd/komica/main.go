// Command komica は、Komica 掲示板の閲覧と返信を行うコマンドラインツールです。
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"KomicaReader/internal/config"

	"github.com/sirupsen/logrus"
)

// main関数はアプリケーションのエントリーポイントです。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "エラー: %v\n", err)
		stop()
		os.Exit(1)
	}
}

// setupLogger は設定に基づいてロガーを生成します。
// ログは標準エラー出力に書き、EnableLogFile が true の場合はファイルにも出力します。
// 戻り値の io.Closer はログファイルを閉じるためのもので、ファイルを使わない場合は nil です。
func setupLogger(cfg *config.Config) (*logrus.Logger, io.Closer, error) {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("ログレベル '%s' が不正です: %w", cfg.LogLevel, err)
	}
	logger.SetLevel(level)

	switch cfg.LogFormat {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if !cfg.EnableLogFile {
		return logger, nil, nil
	}
	path := cfg.LogFilePath
	if path == "" {
		// デフォルトは日付形式
		path = fmt.Sprintf("komica_%s.log", time.Now().Format("2006-01-02"))
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("ログファイルを開けませんでした: %w", err)
	}
	// 標準エラー出力とファイルの両方に出力
	logger.SetOutput(io.MultiWriter(os.Stderr, f))
	logger.WithField("path", path).Debug("ログ出力をファイルに開始しました")
	return logger, f, nil
}
