// Package challenge は、返信フォームに埋め込まれたボットチャレンジ (Cloudflare Turnstile) の
// トークンを、埋め込みブラウザで取得する機能を提供します。
package challenge

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"KomicaReader/internal/config"
	"KomicaReader/internal/network"

	"github.com/sirupsen/logrus"
)

// ErrChallengeUnavailable は、トークンを取得できなかったことを示します。
// 返信パイプラインにとって致命的ではなく、トークンなしで送信を続けます。
var ErrChallengeUnavailable = errors.New("チャレンジトークンを取得できませんでした")

// TokenAcquirer は、フォームURLに対するチャレンジトークンを取得します。
// チャレンジが存在しないページでは空文字列と nil を返します。
type TokenAcquirer interface {
	Acquire(ctx context.Context, formURL string) (string, error)
}

// Session は、フォームを読み込んだ埋め込みブラウザのページ1枚分の操作です。
// Close が呼ばれるまでブラウザのリソースを保持します。
type Session interface {
	// Probe は、ページの状態を調べる (probeScript の戻り値を返す)。
	Probe(ctx context.Context) (string, error)
	// CallbackToken は、ページ内のチャレンジのコールバックから受け取ったトークンを返す。
	CallbackToken() (string, bool)
	// RawCookies は、ページのCookieを "name=value; ..." 形式で返す。
	RawCookies(ctx context.Context) (string, error)
	Close() error
}

// Browser は、フォームURLを読み込んだ Session を開きます。
type Browser interface {
	Open(ctx context.Context, formURL string) (Session, error)
}

// ページ状態の接頭辞 (probeScript と対応)
const (
	stateToken     = "TOKEN:"
	stateWaitToken = "WAIT_TOKEN"
	stateChallenge = "CHALLENGE"
	stateForm      = "FORM"
	stateSuccess   = "SUCCESS"
	stateError     = "ERROR:"
	stateLoading   = "LOADING"
)

// Acquirer は、Browser のページを一定間隔で調べてトークンを待つ TokenAcquirer です。
type Acquirer struct {
	browser      Browser
	jar          *network.Jar
	maxAttempts  int
	pollInterval time.Duration
	minLength    int
	log          logrus.FieldLogger
	wait         func(ctx context.Context, d time.Duration) error
}

// NewAcquirer は、ChallengeSettings に基づいて Acquirer を生成します。
// jar にはポーリングのたびにブラウザのCookieが取り込まれます。
func NewAcquirer(browser Browser, jar *network.Jar, settings config.ChallengeSettings, logger logrus.FieldLogger) *Acquirer {
	maxAttempts := settings.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 120
	}
	interval := settings.PollInterval()
	if interval <= 0 {
		interval = 1500 * time.Millisecond
	}
	return &Acquirer{
		browser:      browser,
		jar:          jar,
		maxAttempts:  maxAttempts,
		pollInterval: interval,
		minLength:    settings.TokenMinLength,
		log:          logger.WithField("component", "challenge"),
		wait:         sleepContext,
	}
}

// Acquire は、formURL を埋め込みブラウザで開き、トークンが得られるまで調べます。
//
// 各回でまずコールバック経由のトークンを確認し、無ければページのフォームから直接読み取ります。
// フォームが表示されていてチャレンジが無い場合や、投稿完了の画面である場合は空のトークンを返します。
// ブラウザは成功・失敗・キャンセルのいずれの場合も必ず閉じます。
func (a *Acquirer) Acquire(ctx context.Context, formURL string) (string, error) {
	log := a.log.WithField("form_url", formURL)
	cookieURL, urlErr := network.CookieURL(formURL)
	if urlErr != nil {
		return "", fmt.Errorf("%w: %v", ErrChallengeUnavailable, urlErr)
	}

	session, err := a.browser.Open(ctx, formURL)
	if err != nil {
		return "", fmt.Errorf("%w: ブラウザを開けませんでした: %v", ErrChallengeUnavailable, err)
	}
	defer func() {
		if closeErr := session.Close(); closeErr != nil {
			log.WithError(closeErr).Warn("ブラウザのクローズに失敗しました")
		}
	}()

	for attempt := 1; attempt <= a.maxAttempts; attempt++ {
		a.syncCookies(ctx, session, cookieURL)

		if t, ok := session.CallbackToken(); ok && len(t) > a.minLength {
			log.WithFields(logrus.Fields{"attempt": attempt, "token_length": len(t)}).Info("コールバックからトークンを取得しました")
			return t, nil
		}

		state, probeErr := session.Probe(ctx)
		if probeErr != nil {
			if ctx.Err() != nil {
				return "", fmt.Errorf("%w: %v", ErrChallengeUnavailable, ctx.Err())
			}
			log.WithError(probeErr).Debug("ページの状態を取得できませんでした")
			state = stateLoading
		}

		switch {
		case strings.HasPrefix(state, stateToken):
			t := strings.TrimPrefix(state, stateToken)
			if len(t) > a.minLength {
				log.WithFields(logrus.Fields{"attempt": attempt, "token_length": len(t)}).Info("フォームからトークンを取得しました")
				return t, nil
			}
		case state == stateForm || state == stateSuccess:
			log.WithField("state", state).Info("チャレンジは表示されていません")
			return "", nil
		case strings.HasPrefix(state, stateError):
			return "", fmt.Errorf("%w: ページがエラーを表示しました: %s", ErrChallengeUnavailable, strings.TrimPrefix(state, stateError))
		case state == stateWaitToken || state == stateChallenge:
			log.WithFields(logrus.Fields{"attempt": attempt, "state": state}).Debug("チャレンジの解決を待っています")
		default:
			log.WithFields(logrus.Fields{"attempt": attempt, "state": state}).Debug("ページの読み込みを待っています")
		}

		if attempt == a.maxAttempts {
			break
		}
		if err := a.wait(ctx, a.pollInterval); err != nil {
			return "", fmt.Errorf("%w: %v", ErrChallengeUnavailable, err)
		}
	}
	return "", fmt.Errorf("%w: %d回確認してもトークンが得られませんでした", ErrChallengeUnavailable, a.maxAttempts)
}

// syncCookies は、ブラウザのCookieを共有のCookie Jarに取り込みます。
func (a *Acquirer) syncCookies(ctx context.Context, session Session, u *url.URL) {
	if a.jar == nil {
		return
	}
	raw, err := session.RawCookies(ctx)
	if err != nil {
		a.log.WithError(err).Debug("ブラウザのCookieを取得できませんでした")
		return
	}
	a.jar.InjectRaw(u, raw)
}

// Disabled は、チャレンジを扱わない TokenAcquirer です。常に空のトークンを返します。
type Disabled struct{}

// Acquire は TokenAcquirer を実装します。
func (Disabled) Acquire(context.Context, string) (string, error) {
	return "", nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
