// Package config は、アプリケーションの設定ファイルの構造定義と、
// その読み込み（環境変数による上書きを含む）に関する機能を提供します。
package config

import (
	"net/url"
	"strings"
	"time"
)

// Config は設定全体を表すルート構造体です。
type Config struct {
	ConfigVersion string            `mapstructure:"config_version"`
	SiteOrigin    string            `mapstructure:"site_origin"`
	Network       NetworkSettings   `mapstructure:"network"`
	Boards        BoardSettings     `mapstructure:"boards"`
	Reply         ReplySettings     `mapstructure:"reply"`
	Challenge     ChallengeSettings `mapstructure:"challenge"`
	Cache         CacheSettings     `mapstructure:"cache"`
	LogLevel      string            `mapstructure:"log_level"`
	LogFormat     string            `mapstructure:"log_format"`
	EnableLogFile bool              `mapstructure:"enable_log_file"`
	LogFilePath   string            `mapstructure:"log_file_path"`
}

// NetworkSettings は、HTTPリクエストに関するグローバルな設定を保持します。
type NetworkSettings struct {
	UserAgent               string            `mapstructure:"user_agent"`
	DefaultHeaders          map[string]string `mapstructure:"default_headers"`
	PerDomainIntervalMillis map[string]int    `mapstructure:"per_domain_interval_ms"`
	// DefaultIntervalMillis は、PerDomainIntervalMillis に無いホストへのリクエスト間隔です。0 なら制限しません。
	DefaultIntervalMillis int `mapstructure:"default_interval_ms"`
	RequestTimeoutMillis  int `mapstructure:"request_timeout_ms"`
}

// BoardSettings は、掲示板ごとに異なる文字コードやラベルを定義します。
type BoardSettings struct {
	LegacyCharset      string   `mapstructure:"legacy_charset"`
	LegacyCharsetHosts []string `mapstructure:"legacy_charset_hosts"`
	SearchLabel        string   `mapstructure:"search_label"`
	SubmitLabel        string   `mapstructure:"submit_label"`
	LegacySubmitLabel  string   `mapstructure:"legacy_submit_label"`
}

// ReplySettings は、返信送信パイプラインの動作を定義します。
type ReplySettings struct {
	WarmupDelayMillis       int      `mapstructure:"warmup_delay_ms"`
	TypingDelayMillis       int      `mapstructure:"typing_delay_ms"`
	MinTimerecordAgeSeconds int      `mapstructure:"min_timerecord_age_seconds"`
	Password                string   `mapstructure:"password"`
	MaxFileSize             string   `mapstructure:"max_file_size"`
	SuccessMarkers          []string `mapstructure:"success_markers"`
	ErrorMarkers            []string `mapstructure:"error_markers"`
	DiagnosticLength        int      `mapstructure:"diagnostic_length"`
}

// ChallengeSettings は、ボットチャレンジのトークン取得に関する設定です。
type ChallengeSettings struct {
	Enabled            bool   `mapstructure:"enabled"`
	BrowserPath        string `mapstructure:"browser_path"`
	Headless           bool   `mapstructure:"headless"`
	MaxAttempts        int    `mapstructure:"max_attempts"`
	PollIntervalMillis int    `mapstructure:"poll_interval_ms"`
	TokenMinLength     int    `mapstructure:"token_min_length"`
}

// CacheSettings は、スレッド詳細キャッシュと永続レスポンスキャッシュの設定です。
type CacheSettings struct {
	ThreadDetailSize        int    `mapstructure:"thread_detail_size"`
	ResponseCacheDir        string `mapstructure:"response_cache_dir"`
	ResponseCacheTTLSeconds int    `mapstructure:"response_cache_ttl_seconds"`
}

// CharsetFor は、掲示板URLに対して使用する文字コード名を返します。
// LegacyCharsetHosts に含まれるホストなら LegacyCharset、それ以外は UTF-8 です。
func (b BoardSettings) CharsetFor(boardURL string) string {
	if b.IsLegacy(boardURL) {
		return b.LegacyCharset
	}
	return "UTF-8"
}

// IsLegacy は、掲示板が旧来の文字コードを使用するかどうかを判定します。
func (b BoardSettings) IsLegacy(boardURL string) bool {
	if b.LegacyCharset == "" {
		return false
	}
	host := boardURL
	if u, err := url.Parse(boardURL); err == nil && u.Host != "" {
		host = u.Hostname()
	}
	for _, h := range b.LegacyCharsetHosts {
		if h != "" && strings.Contains(host, h) {
			return true
		}
	}
	return false
}

// SubmitLabelFor は、送信ボタンの値が見つからなかった場合の代替ラベルを返します。
func (b BoardSettings) SubmitLabelFor(boardURL string) string {
	if b.IsLegacy(boardURL) && b.LegacySubmitLabel != "" {
		return b.LegacySubmitLabel
	}
	return b.SubmitLabel
}

// RequestTimeout は、リクエストタイムアウトを time.Duration で返します。
func (n NetworkSettings) RequestTimeout() time.Duration {
	return millis(n.RequestTimeoutMillis)
}

// WarmupDelay は、インデックス取得からフォーム取得までの待機時間です。
func (r ReplySettings) WarmupDelay() time.Duration { return millis(r.WarmupDelayMillis) }

// TypingDelay は、送信前に入力時間を模して待機する時間です。
func (r ReplySettings) TypingDelay() time.Duration { return millis(r.TypingDelayMillis) }

// MinTimerecordAge は、timerecord Cookie に要求される最低経過時間です。
func (r ReplySettings) MinTimerecordAge() time.Duration {
	return time.Duration(r.MinTimerecordAgeSeconds) * time.Second
}

// PollInterval は、トークン確認の間隔です。
func (c ChallengeSettings) PollInterval() time.Duration { return millis(c.PollIntervalMillis) }

// ResponseCacheTTL は、永続レスポンスキャッシュの有効期間です。
func (c CacheSettings) ResponseCacheTTL() time.Duration {
	return time.Duration(c.ResponseCacheTTLSeconds) * time.Second
}

func millis(v int) time.Duration {
	if v <= 0 {
		return 0
	}
	return time.Duration(v) * time.Millisecond
}
