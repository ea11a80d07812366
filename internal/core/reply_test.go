package core

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"KomicaReader/internal/adapter"
	"KomicaReader/internal/challenge"
	"KomicaReader/internal/config"
	"KomicaReader/internal/model"
	"KomicaReader/internal/network"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const replyFormHTML = `<!DOCTYPE html>
<html><head><meta charset="%s"><title>回應模式</title></head>
<body>
<form action="pixmicat.php" method="post" enctype="multipart/form-data">
  <input type="hidden" name="mode" value="regist">
  <input type="hidden" name="MAX_FILE_SIZE" value="2097152">
  <input type="hidden" name="ts" value="abc123">
  <input type="hidden" name="send" value="舊按鈕">
  <input type="text" name="name">
  <textarea name="com"></textarea>
  <input type="submit" name="sendbtn" value="送出">
</form>
</body></html>`

var fixedNow = time.Unix(1767600000, 0)

type capturedPart struct {
	value       []byte
	contentType string
	disposition string
}

type capturedPost struct {
	mu      sync.Mutex
	posted  bool
	header  http.Header
	cookies map[string]string
	parts   map[string]capturedPart
	order   []string
}

func (c *capturedPost) value(name string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.parts[name]
	return string(p.value), ok
}

type replyServerOptions struct {
	formHTML    string
	charset     string
	formStatus  int
	respond     func(w http.ResponseWriter, r *http.Request)
	indexCookie bool
}

func newReplyServer(t *testing.T, opts replyServerOptions) (*httptest.Server, *capturedPost) {
	t.Helper()
	if opts.charset == "" {
		opts.charset = "utf-8"
	}
	captured := &capturedPost{parts: map[string]capturedPart{}, cookies: map[string]string{}}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/test/index.htm":
			if opts.indexCookie {
				http.SetCookie(w, &http.Cookie{Name: "PHPSESSID", Value: "sess01", Path: "/"})
			}
			w.Write([]byte("<html><body>index</body></html>"))
		case r.URL.Path == "/test/pixmicat.php" && r.Method == http.MethodGet:
			if opts.formStatus != 0 {
				w.WriteHeader(opts.formStatus)
				return
			}
			form := replyFormHTML
			if opts.formHTML != "" {
				form = opts.formHTML
			}
			page := strings.Replace(form, "%s", opts.charset, 1)
			encoded, err := adapter.EncodeWith(page, opts.charset)
			if err != nil {
				t.Errorf("フォームの符号化に失敗しました: %v", err)
			}
			w.Write(encoded)
		case r.URL.Path == "/test/pixmicat.php" && r.Method == http.MethodPost:
			captured.mu.Lock()
			captured.posted = true
			captured.header = r.Header.Clone()
			for _, c := range r.Cookies() {
				captured.cookies[c.Name] = c.Value
			}
			reader, err := r.MultipartReader()
			if err != nil {
				captured.mu.Unlock()
				t.Errorf("multipartではありません: %v", err)
				return
			}
			for {
				part, err := reader.NextPart()
				if err == io.EOF {
					break
				}
				if err != nil {
					t.Errorf("パートの読み込みに失敗しました: %v", err)
					break
				}
				data, _ := io.ReadAll(part)
				captured.parts[part.FormName()] = capturedPart{
					value:       data,
					contentType: part.Header.Get("Content-Type"),
					disposition: part.Header.Get("Content-Disposition"),
				}
				captured.order = append(captured.order, part.FormName())
			}
			captured.mu.Unlock()
			opts.respond(w, r)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)
	return server, captured
}

type stubAcquirer struct {
	token string
	err   error
	calls []string
}

func (s *stubAcquirer) Acquire(_ context.Context, formURL string) (string, error) {
	s.calls = append(s.calls, formURL)
	return s.token, s.err
}

func newTestReplier(t *testing.T, origin string, acquirer challenge.TokenAcquirer, boards config.BoardSettings) (*Replier, *network.Client) {
	t.Helper()
	client := newTestClient(t)
	r := NewReplier(client, newTestAdapter(origin), acquirer, boards, testReplySettings(), newTestLogger())
	r.now = func() time.Time { return fixedNow }
	r.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return r, client
}

func redirectToThread(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "pixmicat.php?res=500", http.StatusFound)
}

func TestReplier_SubmitSuccess(t *testing.T) {
	// 1. Arrange (準備)
	server, captured := newReplyServer(t, replyServerOptions{respond: redirectToThread, indexCookie: true})
	acquirer := &stubAcquirer{token: "0.turnstile-token-value"}
	replier, _ := newTestReplier(t, server.URL, acquirer, testBoardSettings())
	var states []ReplyState
	replier.OnStateChange(func(s ReplyState) { states = append(states, s) })

	// 2. Act (実行)
	result, err := replier.Submit(context.Background(), ReplyRequest{
		BoardURL:     server.URL + "/test/index.htm",
		ThreadNumber: 500,
		Name:         "無名氏",
		Subject:      "標題",
		Comment:      "測試回覆",
	})

	// 3. Assert (検証)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.True(t, result.TokenUsed)
	assert.Equal(t, http.StatusFound, result.StatusCode)
	assert.Equal(t, []string{server.URL + "/test/pixmicat.php?res=500"}, acquirer.calls)
	assert.Equal(t, []ReplyState{ReplyIdle, ReplyWarmingUp, ReplyAcquiringChallenge, ReplyBuildingRequest, ReplySubmitting, ReplySucceeded}, states)

	expected := map[string]string{
		"mode":                  "regist",
		"resto":                 "500",
		"name":                  "無名氏",
		"email":                 "",
		"sub":                   "標題",
		"com":                   "測試回覆",
		"pwd":                   "komicareader",
		"noimg":                 "on",
		"MAX_FILE_SIZE":         "2097152",
		"upfile_path":           "",
		"ts":                    "abc123",
		"sendbtn":               "送出",
		"cf-turnstile-response": "0.turnstile-token-value",
		"upfile":                "",
	}
	for name, want := range expected {
		got, ok := captured.value(name)
		if assert.True(t, ok, "フィールド %s が送信されていません", name) {
			assert.Equal(t, want, got, "フィールド %s", name)
		}
	}
	_, hasSend := captured.value("send")
	assert.False(t, hasSend, "送信ボタンの名前が異なる場合 send は送信しないはずです")

	assert.Equal(t, "text/plain; charset=UTF-8", captured.parts["com"].contentType)
	assert.Equal(t, "application/octet-stream", captured.parts["upfile"].contentType)
	assert.Contains(t, captured.parts["upfile"].disposition, `filename=""`)
	assert.Equal(t, "upfile", captured.order[len(captured.order)-1])

	h := captured.header
	assert.True(t, strings.HasPrefix(h.Get("Content-Type"), "multipart/form-data; boundary="))
	assert.Equal(t, server.URL+"/test/pixmicat.php?res=500", h.Get("Referer"))
	assert.Equal(t, server.URL, h.Get("Origin"))
	assert.Equal(t, "same-origin", h.Get("Sec-Fetch-Site"))
	assert.Equal(t, "navigate", h.Get("Sec-Fetch-Mode"))
	assert.Equal(t, "?1", h.Get("Sec-Fetch-User"))
	assert.Equal(t, "document", h.Get("Sec-Fetch-Dest"))
	assert.Equal(t, config.MobileUserAgent, h.Get("User-Agent"))

	assert.Equal(t, "sess01", captured.cookies["PHPSESSID"])
	assert.Equal(t, "1767599880", captured.cookies["timerecord"], "timerecord は現在時刻の120秒前になるはずです")
}

func TestReplier_KeepsOldTimerecord(t *testing.T) {
	server, captured := newReplyServer(t, replyServerOptions{respond: redirectToThread})
	replier, client := newTestReplier(t, server.URL, &stubAcquirer{}, testBoardSettings())
	u, err := network.CookieURL(server.URL)
	require.NoError(t, err)
	client.Jar().Save(u, []*http.Cookie{{Name: "timerecord", Value: "1767500000", Path: "/"}})

	_, err = replier.Submit(context.Background(), ReplyRequest{BoardURL: server.URL + "/test/", ThreadNumber: 500, Comment: "x"})

	require.NoError(t, err)
	assert.Equal(t, "1767500000", captured.cookies["timerecord"])
}

func TestReplier_ReplacesFreshTimerecord(t *testing.T) {
	server, captured := newReplyServer(t, replyServerOptions{respond: redirectToThread})
	replier, client := newTestReplier(t, server.URL, &stubAcquirer{}, testBoardSettings())
	u, err := network.CookieURL(server.URL)
	require.NoError(t, err)
	client.Jar().Save(u, []*http.Cookie{{Name: "timerecord", Value: "1767599990", Path: "/"}})

	_, err = replier.Submit(context.Background(), ReplyRequest{BoardURL: server.URL + "/test/", ThreadNumber: 500, Comment: "x"})

	require.NoError(t, err)
	assert.Equal(t, "1767599880", captured.cookies["timerecord"])
}

func TestReplier_SpambotResponse(t *testing.T) {
	server, _ := newReplyServer(t, replyServerOptions{respond: func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html><body><p>Spambot detected, 錯誤</p></body></html>"))
	}})
	replier, _ := newTestReplier(t, server.URL, &stubAcquirer{token: "0.turnstile-token-value"}, testBoardSettings())

	result, err := replier.Submit(context.Background(), ReplyRequest{BoardURL: server.URL + "/test/", ThreadNumber: 500, Comment: "x"})

	require.ErrorIs(t, err, ErrSubmissionRejected)
	assert.False(t, errors.Is(err, ErrEdgeBlocked))
	assert.False(t, result.Success)
	assert.Contains(t, result.Diagnostic, "Spambot")
	assert.Equal(t, "錯誤", result.ErrorMarker)
	assert.Contains(t, err.Error(), "錯誤")
}

func TestReplier_EdgeBlockedWithoutToken(t *testing.T) {
	server, captured := newReplyServer(t, replyServerOptions{respond: func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("<html><body>Just a moment...</body></html>"))
	}})
	acquirer := &stubAcquirer{err: challenge.ErrChallengeUnavailable}
	replier, _ := newTestReplier(t, server.URL, acquirer, testBoardSettings())

	result, err := replier.Submit(context.Background(), ReplyRequest{BoardURL: server.URL + "/test/", ThreadNumber: 500, Comment: "x"})

	require.ErrorIs(t, err, ErrEdgeBlocked)
	assert.ErrorIs(t, err, ErrSubmissionRejected)
	assert.True(t, result.Blocked)
	assert.False(t, result.TokenUsed)
	assert.Contains(t, result.Diagnostic, "チャレンジトークンなしで送信されました")
	assert.Contains(t, result.Diagnostic, "Just a moment...")
	_, hasToken := captured.value("cf-turnstile-response")
	assert.False(t, hasToken, "トークンが無い場合はフィールド自体を送信しないはずです")
}

const replyFormWithTokenInputHTML = `<!DOCTYPE html>
<html><head><meta charset="%s"></head>
<body>
<form action="pixmicat.php" method="post" enctype="multipart/form-data">
  <input type="hidden" name="cf-turnstile-response" value="">
  <input type="hidden" name="upfile" value="">
  <input type="hidden" name="foo" value="bar">
  <textarea name="com"></textarea>
  <input type="submit" name="send" value="送出">
</form>
</body></html>`

func TestReplier_OmitsEmptyTokenFieldFromForm(t *testing.T) {
	// Arrange
	server, captured := newReplyServer(t, replyServerOptions{formHTML: replyFormWithTokenInputHTML, respond: redirectToThread})
	replier, _ := newTestReplier(t, server.URL, &stubAcquirer{}, testBoardSettings())

	// Act
	result, err := replier.Submit(context.Background(), ReplyRequest{BoardURL: server.URL + "/test/", ThreadNumber: 500, Comment: "x"})

	// Assert
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.False(t, result.TokenUsed)
	_, hasToken := captured.value("cf-turnstile-response")
	assert.False(t, hasToken, "フォームに空のトークン欄があってもトークンなしでは送信しないはずです")
	foo, _ := captured.value("foo")
	assert.Equal(t, "bar", foo)

	captured.mu.Lock()
	defer captured.mu.Unlock()
	upfiles := 0
	for _, name := range captured.order {
		if name == "upfile" {
			upfiles++
		}
	}
	assert.Equal(t, 1, upfiles, "upfile は末尾の空ファイルパートだけのはずです")
	assert.Equal(t, "upfile", captured.order[len(captured.order)-1])
}

func TestReplier_BuildFieldsTokenHandling(t *testing.T) {
	replier, _ := newTestReplier(t, "http://komica1.org", &stubAcquirer{}, testBoardSettings())
	form := model.ReplyForm{Hidden: map[string]string{"cf-turnstile-response": "", "foo": "bar"}}
	req := ReplyRequest{BoardURL: "http://komica1.org/test/", ThreadNumber: 1, Comment: "x"}
	target := replyTarget{base: "http://komica1.org/test/"}

	without := replier.buildFields(form, req, "", target)
	with := replier.buildFields(form, req, "0.token", target)

	for _, f := range without {
		assert.NotEqual(t, "cf-turnstile-response", f.name)
	}
	found := false
	for _, f := range with {
		if f.name == "cf-turnstile-response" {
			found = true
			assert.Equal(t, "0.token", f.value)
		}
	}
	assert.True(t, found)
}

func TestReplier_SuccessByMetaRefresh(t *testing.T) {
	server, _ := newReplyServer(t, replyServerOptions{respond: func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><head><meta http-equiv="refresh" content="0;URL=pixmicat.php?res=500"></head><body></body></html>`))
	}})
	replier, _ := newTestReplier(t, server.URL, &stubAcquirer{}, testBoardSettings())

	result, err := replier.Submit(context.Background(), ReplyRequest{BoardURL: server.URL + "/test/", ThreadNumber: 500, Comment: "x"})

	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestReplier_MissingFormUsesDefaults(t *testing.T) {
	server, captured := newReplyServer(t, replyServerOptions{formStatus: http.StatusNotFound, respond: redirectToThread})
	replier, _ := newTestReplier(t, server.URL, &stubAcquirer{}, testBoardSettings())

	_, err := replier.Submit(context.Background(), ReplyRequest{BoardURL: server.URL + "/test/pixmicat.php?res=500", ThreadNumber: 500, Comment: "x"})

	require.NoError(t, err)
	send, ok := captured.value("send")
	require.True(t, ok)
	assert.Equal(t, "Submit", send)
	size, _ := captured.value("MAX_FILE_SIZE")
	assert.Equal(t, "5242880", size)
	_, hasTS := captured.value("ts")
	assert.False(t, hasTS)
}

func TestReplier_LegacyCharset(t *testing.T) {
	server, captured := newReplyServer(t, replyServerOptions{charset: "big5", respond: redirectToThread})
	boards := testBoardSettings()
	boards.LegacyCharsetHosts = []string{"127.0.0.1"}
	replier, _ := newTestReplier(t, server.URL, &stubAcquirer{}, boards)

	_, err := replier.Submit(context.Background(), ReplyRequest{BoardURL: server.URL + "/test/", ThreadNumber: 500, Comment: "測試回覆"})

	require.NoError(t, err)
	want, err := adapter.EncodeWith("測試回覆", "big5")
	require.NoError(t, err)
	assert.Equal(t, want, captured.parts["com"].value)
	assert.Equal(t, "text/plain; charset=big5", captured.parts["com"].contentType)
	wantLabel, err := adapter.EncodeWith("送出", "big5")
	require.NoError(t, err)
	assert.Equal(t, wantLabel, captured.parts["sendbtn"].value, "フォームの送信ボタンの値が使われるはずです")
}

func TestReplier_WarmupTransportError(t *testing.T) {
	server, _ := newReplyServer(t, replyServerOptions{respond: redirectToThread})
	origin := server.URL
	server.Close()
	acquirer := &stubAcquirer{}
	replier, _ := newTestReplier(t, origin, acquirer, testBoardSettings())
	var last ReplyState
	replier.OnStateChange(func(s ReplyState) { last = s })

	_, err := replier.Submit(context.Background(), ReplyRequest{BoardURL: origin + "/test/", ThreadNumber: 500, Comment: "x"})

	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrSubmissionRejected))
	assert.Empty(t, acquirer.calls)
	assert.Equal(t, ReplyFailed, last)
}

func TestReplier_InvalidRequest(t *testing.T) {
	replier, _ := newTestReplier(t, "http://komica1.org", &stubAcquirer{}, testBoardSettings())

	_, err := replier.Submit(context.Background(), ReplyRequest{BoardURL: "http://komica1.org/test/", ThreadNumber: 0, Comment: "x"})
	assert.Error(t, err)

	_, err = replier.Submit(context.Background(), ReplyRequest{BoardURL: "http://komica1.org/test/", ThreadNumber: 1, Comment: "  "})
	assert.Error(t, err)
}

func TestReplyState_String(t *testing.T) {
	assert.Equal(t, "送信中", ReplySubmitting.String())
	assert.Equal(t, "不明", ReplyState(99).String())
	assert.True(t, ReplyFailed.Terminal())
	assert.False(t, ReplyWarmingUp.Terminal())
}
