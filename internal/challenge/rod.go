package challenge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"KomicaReader/internal/config"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/sirupsen/logrus"
	"github.com/ysmood/gson"
)

// tokenBinding は、ページ内のコールバックからトークンを受け取るために公開する関数名です。
const tokenBinding = "komicaTurnstileToken"

// initScript は、ページのスクリプトより先に実行されます。
// フォームのウィジェットは onloadTurnstileCallback が定義済みであることを前提に描画されるため、
// 空の関数を用意します。あわせて turnstile.render の callback を包み、
// トークンを tokenBinding に渡します。
const initScript = `
window.onloadTurnstileCallback = window.onloadTurnstileCallback || function () {};
(function () {
  var deliver = function (token) {
    try {
      if (token && typeof window.` + tokenBinding + ` === 'function') {
        window.` + tokenBinding + `(String(token));
      }
    } catch (e) {}
  };
  var hook = function (ts) {
    if (!ts || ts.__komicaHooked || typeof ts.render !== 'function') return;
    var render = ts.render;
    ts.render = function (el, opts) {
      if (opts && typeof opts === 'object') {
        var cb = opts.callback;
        opts.callback = function (token) {
          deliver(token);
          if (typeof cb === 'function') return cb.apply(this, arguments);
        };
      }
      return render.apply(this, arguments);
    };
    ts.__komicaHooked = true;
  };
  var current;
  try {
    Object.defineProperty(window, 'turnstile', {
      configurable: true,
      get: function () { return current; },
      set: function (v) { current = v; hook(v); }
    });
  } catch (e) {}
})();
`

// probeScript は、ページの状態を文字列で返します。
// 引数はトークンの最短長、投稿完了の目印、エラーの目印です。
const probeScript = `(minLength, successMarkers, errorMarkers) => {
  var tokenEl = document.querySelector('input[name=cf-turnstile-response], textarea[name=cf-turnstile-response]');
  if (tokenEl) {
    var token = tokenEl.value || '';
    if (token.length > minLength) return 'TOKEN:' + token;
    return 'WAIT_TOKEN';
  }
  var text = (document.body && document.body.innerText) || '';
  for (var i = 0; i < successMarkers.length; i++) {
    if (text.includes(successMarkers[i])) return 'SUCCESS';
  }
  for (var j = 0; j < errorMarkers.length; j++) {
    if (text.includes(errorMarkers[j])) return 'ERROR:' + text.substring(0, 50);
  }
  var frames = document.querySelectorAll('iframe');
  for (var k = 0; k < frames.length; k++) {
    if (frames[k].src && frames[k].src.includes('cloudflare')) return 'CHALLENGE';
  }
  var boxes = document.querySelectorAll('input[type=checkbox]');
  for (var m = 0; m < boxes.length; m++) {
    var label = boxes[m].parentElement ? boxes[m].parentElement.innerText : '';
    if (/驗證|真人|human/i.test(label)) return 'CHALLENGE';
  }
  var form = document.querySelector('form[action*=pixmicat]');
  if (form && form.querySelector('[name=com]')) return 'FORM';
  return 'LOADING';
}`

// RodBrowser は、go-rod で起動するヘッドレスChromiumの Browser 実装です。
// Open のたびに新しいブラウザを起動し、Session の Close で終了させます。
type RodBrowser struct {
	binPath        string
	headless       bool
	userAgent      string
	successMarkers []string
	errorMarkers   []string
	minLength      int
	log            logrus.FieldLogger
}

// NewRodBrowser は、設定から RodBrowser を生成します。
// userAgent はHTTPクライアントと同じ値を渡します。異なるとトークンとセッションが一致しません。
func NewRodBrowser(settings config.ChallengeSettings, reply config.ReplySettings, userAgent string, logger logrus.FieldLogger) *RodBrowser {
	return &RodBrowser{
		binPath:        settings.BrowserPath,
		headless:       settings.Headless,
		userAgent:      userAgent,
		successMarkers: reply.SuccessMarkers,
		errorMarkers:   reply.ErrorMarkers,
		minLength:      settings.TokenMinLength,
		log:            logger.WithField("component", "challenge"),
	}
}

// Open は、ブラウザを起動して formURL を読み込みます。
// 途中で失敗した場合は、それまでに確保したリソースを解放してからエラーを返します。
func (b *RodBrowser) Open(ctx context.Context, formURL string) (_ Session, err error) {
	path := b.binPath
	if path == "" {
		var exists bool
		path, exists = launcher.LookPath()
		if !exists {
			return nil, errors.New("ブラウザの実行ファイルが見つかりません")
		}
	}

	l := launcher.New().Bin(path).Headless(b.headless)
	controlURL, err := l.Launch()
	if err != nil {
		l.Kill()
		return nil, fmt.Errorf("ブラウザの起動に失敗しました: %w", err)
	}

	s := &rodSession{launcher: l, log: b.log.WithField("form_url", formURL), probeArgs: []interface{}{b.minLength, nonNil(b.successMarkers), nonNil(b.errorMarkers)}}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	s.browser = rod.New().ControlURL(controlURL)
	if err = s.browser.Connect(); err != nil {
		return nil, fmt.Errorf("ブラウザへの接続に失敗しました: %w", err)
	}

	s.page, err = s.browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, fmt.Errorf("ページの作成に失敗しました: %w", err)
	}
	if b.userAgent != "" {
		if err = s.page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: b.userAgent}); err != nil {
			return nil, fmt.Errorf("User-Agentの設定に失敗しました: %w", err)
		}
	}

	s.stopBinding, err = s.page.Expose(tokenBinding, func(arg gson.JSON) (interface{}, error) {
		s.setToken(arg.Str())
		return nil, nil
	})
	if err != nil {
		return nil, fmt.Errorf("コールバックの公開に失敗しました: %w", err)
	}
	if _, err = s.page.EvalOnNewDocument(initScript); err != nil {
		return nil, fmt.Errorf("初期化スクリプトの登録に失敗しました: %w", err)
	}

	// Referer は pixmicat.php の手前まで (掲示板のディレクトリ) とします。
	referer := formURL
	if i := strings.Index(formURL, "pixmicat"); i >= 0 {
		referer = formURL[:i]
	}
	cleanupHeaders, err := s.page.SetExtraHeaders([]string{"Referer", referer})
	if err != nil {
		return nil, fmt.Errorf("ヘッダーの設定に失敗しました: %w", err)
	}
	s.cleanupHeaders = cleanupHeaders

	page := s.page.Context(ctx)
	if err = page.Navigate(formURL); err != nil {
		return nil, fmt.Errorf("フォームの読み込みに失敗しました: %w", err)
	}
	if err = page.WaitLoad(); err != nil {
		// チャレンジページは読み込み完了が遅れることがあるため、ポーリングに任せます。
		s.log.WithError(err).Debug("ページの読み込み完了を待てませんでした")
		err = nil
	}
	return s, nil
}

type rodSession struct {
	launcher       *launcher.Launcher
	browser        *rod.Browser
	page           *rod.Page
	stopBinding    func() error
	cleanupHeaders func()
	probeArgs      []interface{}
	log            logrus.FieldLogger

	mu    sync.Mutex
	token string
	once  sync.Once
}

func (s *rodSession) setToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token != "" {
		s.token = token
	}
}

func (s *rodSession) CallbackToken() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, s.token != ""
}

func (s *rodSession) Probe(ctx context.Context) (string, error) {
	res, err := s.page.Context(ctx).Eval(probeScript, s.probeArgs...)
	if err != nil {
		return "", err
	}
	state := res.Value.Str()
	if state == "" || state == "null" || state == "undefined" {
		return stateLoading, nil
	}
	return state, nil
}

func (s *rodSession) RawCookies(ctx context.Context) (string, error) {
	cookies, err := s.page.Context(ctx).Cookies(nil)
	if err != nil {
		return "", err
	}
	pairs := make([]string, 0, len(cookies))
	for _, c := range cookies {
		pairs = append(pairs, c.Name+"="+c.Value)
	}
	return strings.Join(pairs, "; "), nil
}

// Close は、ページ・ブラウザ・プロセスを順に解放します。複数回呼んでも安全です。
func (s *rodSession) Close() error {
	var errs []error
	s.once.Do(func() {
		if s.cleanupHeaders != nil {
			s.cleanupHeaders()
		}
		if s.stopBinding != nil {
			if err := s.stopBinding(); err != nil {
				s.log.WithError(err).Debug("コールバックの解除に失敗しました")
			}
		}
		if s.page != nil {
			if err := s.page.Close(); err != nil {
				errs = append(errs, fmt.Errorf("ページのクローズに失敗しました: %w", err))
			}
		}
		if s.browser != nil {
			if err := s.browser.Close(); err != nil {
				errs = append(errs, fmt.Errorf("ブラウザのクローズに失敗しました: %w", err))
			}
		}
		s.launcher.Kill()
		s.launcher.Cleanup()
		s.log.Debug("ブラウザを解放しました")
	})
	return errors.Join(errs...)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
