// Package network は、掲示板とのHTTP通信に関する機能を提供します。
// 共有のCookie Jarによるセッション管理、ホストごとのレート制限、
// 任意のレスポンスキャッシュをカプセル化した高レベルなHTTPクライアントを実装しています。
package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"KomicaReader/internal/config"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// HTTPError は、HTTPリクエストで発生したエラーとステータスコードを保持します。
type HTTPError struct {
	StatusCode int
	URL        string
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s (URL: %s)", e.StatusCode, e.Message, e.URL)
}

// IsRetryable は、このエラーがリトライ可能かどうかを判定します。
// 4xxエラー（クライアントエラー）はリトライ不可、5xxエラー（サーバーエラー）はリトライ可能とします。
func (e *HTTPError) IsRetryable() bool {
	return e.StatusCode < 400 || e.StatusCode >= 500
}

// StatusCodeOf は、err が HTTPError を含む場合にそのステータスコードを返します。
func StatusCodeOf(err error) (int, bool) {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode, true
	}
	return 0, false
}

// Response は、読み込み済みのHTTPレスポンスです。
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	URL        string
	FromCache  bool
}

// ContentType は、Content-Type ヘッダの値を返します。
func (r *Response) ContentType() string {
	if r.Header == nil {
		return ""
	}
	return r.Header.Get("Content-Type")
}

// ResponseCache は、GETレスポンスのボディを保持する永続キャッシュです。
type ResponseCache interface {
	Get(key string) ([]byte, bool)
	Set(key string, body []byte) error
}

// RequestOption は、個々のリクエストを調整します。
type RequestOption func(*requestOptions)

type requestOptions struct {
	headers  map[string]string
	useCache bool
}

// WithHeader は、リクエストヘッダを追加します。デフォルトヘッダより優先されます。
func WithHeader(key, value string) RequestOption {
	return func(o *requestOptions) {
		if o.headers == nil {
			o.headers = make(map[string]string)
		}
		o.headers[key] = value
	}
}

// WithReferer は、Referer ヘッダを設定します。
func WithReferer(referer string) RequestOption {
	return WithHeader("Referer", referer)
}

// WithCache は、GETリクエストでレスポンスキャッシュを使用します。
func WithCache() RequestOption {
	return func(o *requestOptions) { o.useCache = true }
}

// ClientOption は、Client の生成時の設定です。
type ClientOption func(*Client)

// WithResponseCache は、GETレスポンスの永続キャッシュを設定します。
func WithResponseCache(cache ResponseCache) ClientOption {
	return func(c *Client) { c.cache = cache }
}

// WithLogger は、ロガーを設定します。
func WithLogger(logger logrus.FieldLogger) ClientOption {
	return func(c *Client) { c.log = logger.WithField("component", "network") }
}

// Client は、共有のCookie Jarを内包し、HTTPセッションを管理するクライアントです。
type Client struct {
	httpClient *http.Client
	// submitClient はリダイレクトを追わないクライアントです。投稿の成否を302/303で判定するために使います。
	submitClient       *http.Client
	jar                *Jar
	userAgent          string
	defaultHeaders     map[string]string
	rateLimiters       map[string]*rate.Limiter // ホスト名ごとのレートリミッター
	rateLimitersMutex  sync.Mutex               // rateLimitersへのアクセスを保護するMutex
	perDomainIntervals map[string]int           // ドメインごとの設定間隔
	defaultInterval    int
	cache              ResponseCache
	log                logrus.FieldLogger
}

// NewClient は NetworkSettings に基づいて HTTP クライアントを初期化します。
// jar はチャレンジ取得処理と共有されるため、呼び出し側で生成して渡します。
func NewClient(settings config.NetworkSettings, jar *Jar, opts ...ClientOption) (*Client, error) {
	if jar == nil {
		return nil, errors.New("cookie jarが指定されていません")
	}

	timeout := settings.RequestTimeout()
	if timeout <= 0 {
		timeout = 30 * time.Second // デフォルトタイムアウト
	}

	c := &Client{
		httpClient: &http.Client{
			Jar:     jar,
			Timeout: timeout,
		},
		submitClient: &http.Client{
			Jar:     jar,
			Timeout: timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		jar:                jar,
		userAgent:          settings.UserAgent,
		defaultHeaders:     settings.DefaultHeaders,
		rateLimiters:       make(map[string]*rate.Limiter),
		perDomainIntervals: settings.PerDomainIntervalMillis,
		defaultInterval:    settings.DefaultIntervalMillis,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		c.log = l.WithField("component", "network")
	}
	return c, nil
}

// Jar は、このクライアントが使用するCookie Jarを返します。
func (c *Client) Jar() *Jar {
	return c.jar
}

// UserAgent は、リクエストに付与するUser-Agentを返します。
func (c *Client) UserAgent() string {
	return c.userAgent
}

// Get は、指定されたURLにGETリクエストを送信します。
// 2xx以外のステータスは HTTPError として返します。
func (c *Client) Get(ctx context.Context, reqURL string, opts ...RequestOption) (*Response, error) {
	o := collectOptions(opts)
	if o.useCache && c.cache != nil {
		if body, ok := c.cache.Get(reqURL); ok {
			c.log.WithField("url", reqURL).Debug("キャッシュからレスポンスを返します")
			return &Response{StatusCode: http.StatusOK, Body: body, URL: reqURL, FromCache: true}, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("GETリクエストの作成に失敗しました (%s): %w", reqURL, err)
	}
	resp, err := c.do(c.httpClient, req, o)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	if o.useCache && c.cache != nil {
		if err := c.cache.Set(reqURL, resp.Body); err != nil {
			c.log.WithError(err).WithField("url", reqURL).Warn("レスポンスのキャッシュに失敗しました")
		}
	}
	return resp, nil
}

// Post は、ボディを指定してPOSTリクエストを送信します。リダイレクトは追跡します。
// 2xx以外のステータスは HTTPError として返します。
func (c *Client) Post(ctx context.Context, reqURL, contentType string, body []byte, opts ...RequestOption) (*Response, error) {
	req, err := c.newPost(ctx, reqURL, contentType, body)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(c.httpClient, req, collectOptions(opts))
	if err != nil {
		return nil, err
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Submit は、リダイレクトを追跡せずにPOSTリクエストを送信し、ステータスに関わらずレスポンスを返します。
// 応答の解釈は呼び出し側で行います。
func (c *Client) Submit(ctx context.Context, reqURL, contentType string, body []byte, opts ...RequestOption) (*Response, error) {
	req, err := c.newPost(ctx, reqURL, contentType, body)
	if err != nil {
		return nil, err
	}
	return c.do(c.submitClient, req, collectOptions(opts))
}

func (c *Client) newPost(ctx context.Context, reqURL, contentType string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("POSTリクエストの作成に失敗しました (%s): %w", reqURL, err)
	}
	req.Header.Set("Content-Type", contentType)
	return req, nil
}

func (c *Client) do(httpClient *http.Client, req *http.Request, o requestOptions) (*Response, error) {
	reqURL := req.URL.String()
	limiter := c.getLimiterForHost(req.URL.Hostname())
	if err := limiter.Wait(req.Context()); err != nil {
		return nil, fmt.Errorf("レートリミッター待機中にエラーが発生しました: %w", err)
	}

	// デフォルトヘッダーを全て設定
	for key, value := range c.defaultHeaders {
		req.Header.Set(key, value)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	for key, value := range o.headers {
		req.Header.Set(key, value)
	}

	start := time.Now()
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%sリクエストの送信に失敗しました (%s): %w", req.Method, reqURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("レスポンスボディの読み込みに失敗しました: %w", err)
	}

	c.log.WithFields(logrus.Fields{
		"method":   req.Method,
		"url":      reqURL,
		"status":   resp.StatusCode,
		"bytes":    len(body),
		"duration": time.Since(start),
	}).Debug("HTTPリクエストが完了しました")

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		URL:        resp.Request.URL.String(),
	}, nil
}

func checkStatus(resp *Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &HTTPError{
		StatusCode: resp.StatusCode,
		URL:        resp.URL,
		Message:    http.StatusText(resp.StatusCode),
	}
}

func collectOptions(opts []RequestOption) requestOptions {
	var o requestOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// getLimiterForHost は、指定されたホスト名に対応するレートリミッターを返します。
// 存在しない場合は新しく生成します。間隔が0以下のホストは制限しません。
func (c *Client) getLimiterForHost(host string) *rate.Limiter {
	c.rateLimitersMutex.Lock()
	defer c.rateLimitersMutex.Unlock()

	if limiter, exists := c.rateLimiters[host]; exists {
		return limiter
	}

	intervalMillis := c.defaultInterval
	if val, ok := c.perDomainIntervals[host]; ok {
		intervalMillis = val
	}

	var limiter *rate.Limiter
	if intervalMillis <= 0 {
		limiter = rate.NewLimiter(rate.Inf, 1)
	} else {
		limiter = rate.NewLimiter(rate.Every(time.Duration(intervalMillis)*time.Millisecond), 1)
	}
	c.rateLimiters[host] = limiter
	return limiter
}

// CookieURL は、Cookie Jarの操作に使う *url.URL を文字列から生成します。
func CookieURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("Cookie操作のためのURL解析に失敗しました: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("URLにホストがありません: %s", raw)
	}
	return u, nil
}
