package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const compatibleVersion = "1.0"

// MobileUserAgent は、埋め込みブラウザとHTTPクライアントで共通に使うUser-Agentです。
// 両者が一致しないとチャレンジのトークンとセッションが食い違います。
const MobileUserAgent = "Mozilla/5.0 (Linux; Android 10; K) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Mobile Safari/537.36"

// setDefaults は、全キーのデフォルト値を登録します。
// 環境変数による上書きはデフォルトが登録されたキーにのみ効くため、ここで網羅します。
func setDefaults(v *viper.Viper) {
	v.SetDefault("config_version", compatibleVersion)
	v.SetDefault("site_origin", "http://komica1.org")

	v.SetDefault("network.user_agent", MobileUserAgent)
	v.SetDefault("network.default_headers", map[string]string{
		"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8",
		"Accept-Language": "zh-TW,zh;q=0.8,en-US;q=0.5,en;q=0.3",
	})
	v.SetDefault("network.per_domain_interval_ms", map[string]int{})
	v.SetDefault("network.default_interval_ms", 250)
	v.SetDefault("network.request_timeout_ms", 30000)

	v.SetDefault("boards.legacy_charset", "big5")
	v.SetDefault("boards.legacy_charset_hosts", []string{"gaia.komica1.org", "sora.komica.org"})
	v.SetDefault("boards.search_label", "搜尋")
	v.SetDefault("boards.submit_label", "Submit")
	v.SetDefault("boards.legacy_submit_label", "送出")

	v.SetDefault("reply.warmup_delay_ms", 1000)
	v.SetDefault("reply.typing_delay_ms", 8000)
	v.SetDefault("reply.min_timerecord_age_seconds", 120)
	v.SetDefault("reply.password", "komicareader")
	v.SetDefault("reply.max_file_size", "5242880")
	v.SetDefault("reply.success_markers", []string{"寫入成功", "回文成功", "投稿成功", "畫面正在切換"})
	v.SetDefault("reply.error_markers", []string{"錯誤", "失敗", "Error", "Spambot"})
	v.SetDefault("reply.diagnostic_length", 200)

	v.SetDefault("challenge.enabled", true)
	v.SetDefault("challenge.browser_path", "")
	v.SetDefault("challenge.headless", true)
	v.SetDefault("challenge.max_attempts", 120)
	v.SetDefault("challenge.poll_interval_ms", 1500)
	v.SetDefault("challenge.token_min_length", 10)

	v.SetDefault("cache.thread_detail_size", 20)
	v.SetDefault("cache.response_cache_dir", "")
	v.SetDefault("cache.response_cache_ttl_seconds", 300)

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("enable_log_file", false)
	v.SetDefault("log_file_path", "")
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("KOMICA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Default は、設定ファイルなしで環境変数とデフォルト値から設定を構築します。
func Default() (*Config, error) {
	return resolve(newViper())
}

// LoadAndResolve は、指定されたパスから設定ファイルを読み込み、解析と検証を行います。
// path が空の場合はデフォルト値（と環境変数）のみを使用します。
func LoadAndResolve(path string) (*Config, error) {
	if path == "" {
		return Default()
	}
	absPath, _ := filepath.Abs(path)
	cwd, _ := os.Getwd()

	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("設定ファイル '%s' の読み込みに失敗しました (Abs: '%s', Cwd: '%s'): %w", path, absPath, cwd, err)
	}
	return resolve(v)
}

// ParseAndResolve は、JSON形式の設定データを解析し、最終的な設定を返します。
// この関数はテストのために分離されています。
func ParseAndResolve(data []byte) (*Config, error) {
	v := newViper()
	v.SetConfigType("json")
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("設定ファイルの解析に失敗しました: %w", err)
	}
	return resolve(v)
}

func resolve(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("設定の構造体への変換に失敗しました: %w", err)
	}

	if cfg.ConfigVersion != compatibleVersion {
		return nil, fmt.Errorf("サポートされていない設定バージョン '%s' です。'%s' が必要です。", cfg.ConfigVersion, compatibleVersion)
	}

	cfg.SiteOrigin = strings.TrimRight(strings.TrimSpace(cfg.SiteOrigin), "/")
	if cfg.SiteOrigin == "" {
		return nil, fmt.Errorf("site_origin が空です")
	}
	if cfg.Cache.ThreadDetailSize <= 0 {
		cfg.Cache.ThreadDetailSize = 20
	}
	if cfg.Reply.DiagnosticLength <= 0 {
		cfg.Reply.DiagnosticLength = 200
	}
	return &cfg, nil
}
