package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"KomicaReader/internal/adapter"
	"KomicaReader/internal/challenge"
	"KomicaReader/internal/config"
	"KomicaReader/internal/model"
	"KomicaReader/internal/network"

	"github.com/sirupsen/logrus"
)

const (
	turnstileField     = "cf-turnstile-response"
	timerecordCookie   = "timerecord"
	defaultSubmitField = "send"
	defaultMaxFileSize = "5242880"
	defaultMinRecord   = 120 * time.Second
)

// ReplyRequest は、ユーザーが入力した返信の内容です。
type ReplyRequest struct {
	BoardURL     string
	ThreadNumber int
	Name         string
	Email        string
	Subject      string
	Comment      string
}

// Replier は、返信送信パイプラインを実行します。
//
// 処理は準備 (インデックスとフォームの取得)、チャレンジトークンの取得、
// リクエストの構築 (timerecord Cookie の補完を含む)、送信、応答の解釈の順に
// 逐次実行します。パイプライン内での自動リトライは行いません。
type Replier struct {
	client   *network.Client
	adapter  adapter.SiteAdapter
	acquirer challenge.TokenAcquirer
	boards   config.BoardSettings
	settings config.ReplySettings
	log      logrus.FieldLogger

	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	onState func(ReplyState)
}

// NewReplier は Replier を生成します。acquirer が nil の場合はチャレンジを扱いません。
func NewReplier(client *network.Client, siteAdapter adapter.SiteAdapter, acquirer challenge.TokenAcquirer, boards config.BoardSettings, settings config.ReplySettings, logger logrus.FieldLogger) *Replier {
	if acquirer == nil {
		acquirer = challenge.Disabled{}
	}
	return &Replier{
		client:   client,
		adapter:  siteAdapter,
		acquirer: acquirer,
		boards:   boards,
		settings: settings,
		log:      logger.WithField("component", "reply"),
		now:      time.Now,
		sleep:    sleepContext,
	}
}

// OnStateChange は、状態が変わるたびに呼ばれる関数を登録します。
func (r *Replier) OnStateChange(fn func(ReplyState)) {
	r.onState = fn
}

func (r *Replier) setState(state ReplyState) {
	r.log.WithField("state", state.String()).Debug("返信の状態が変わりました")
	if r.onState != nil {
		r.onState(state)
	}
}

// replyTarget は、1回の送信で使う掲示板のURLと文字コードです。
type replyTarget struct {
	base     string
	indexURL string
	formURL  string
	postURL  string
	origin   string
	charset  string
}

func (r *Replier) target(req ReplyRequest) (replyTarget, error) {
	base := r.adapter.BoardBaseURL(req.BoardURL)
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return replyTarget{}, fmt.Errorf("掲示板URLが不正です '%s'", req.BoardURL)
	}
	return replyTarget{
		base:     base,
		indexURL: base + "index.htm",
		formURL:  fmt.Sprintf("%spixmicat.php?res=%d", base, req.ThreadNumber),
		postURL:  base + "pixmicat.php",
		origin:   u.Scheme + "://" + u.Host,
		charset:  r.boards.CharsetFor(base),
	}, nil
}

// Submit は、返信を送信して結果を返します。
//
// 成功時は error が nil です。失敗時は ReplyResult に診断テキストが入り、error は
// ErrSubmissionRejected (遮断の場合は ErrEdgeBlocked も) または通信エラーをラップします。
func (r *Replier) Submit(ctx context.Context, req ReplyRequest) (ReplyResult, error) {
	r.setState(ReplyIdle)
	result, err := r.submit(ctx, req)
	if err != nil {
		r.setState(ReplyFailed)
		return result, err
	}
	r.setState(ReplySucceeded)
	return result, nil
}

func (r *Replier) submit(ctx context.Context, req ReplyRequest) (ReplyResult, error) {
	if req.ThreadNumber <= 0 {
		return ReplyResult{}, fmt.Errorf("返信先のスレッド番号が不正です: %d", req.ThreadNumber)
	}
	if strings.TrimSpace(req.Comment) == "" {
		return ReplyResult{}, errors.New("本文が空です")
	}
	t, err := r.target(req)
	if err != nil {
		return ReplyResult{}, err
	}
	log := r.log.WithFields(logrus.Fields{"board": t.base, "resto": req.ThreadNumber})

	// 1. 準備
	r.setState(ReplyWarmingUp)
	form, err := r.warmUp(ctx, t, log)
	if err != nil {
		return ReplyResult{}, err
	}

	// 2. チャレンジ
	r.setState(ReplyAcquiringChallenge)
	token, err := r.acquirer.Acquire(ctx, t.formURL)
	if err != nil {
		if ctx.Err() != nil {
			return ReplyResult{}, fmt.Errorf("チャレンジの取得中に中断されました: %w", ctx.Err())
		}
		log.WithError(err).Warn("チャレンジトークンを取得できませんでした")
	}
	if token == "" {
		log.Warn("チャレンジトークンなしで送信します (掲示板がチャレンジを要求していれば遮断されます)")
	} else {
		log.WithField("token_length", len(token)).Info("チャレンジトークンを取得しました")
	}

	// 3. リクエスト構築
	r.setState(ReplyBuildingRequest)
	if err := r.ensureTimerecord(t.postURL, log); err != nil {
		return ReplyResult{}, err
	}
	if err := r.sleep(ctx, r.settings.TypingDelay()); err != nil {
		return ReplyResult{}, fmt.Errorf("送信前の待機中に中断されました: %w", err)
	}
	fields := r.buildFields(form, req, token, t)
	contentType, body, err := encodeMultipart(fields, t.charset)
	if err != nil {
		return ReplyResult{}, fmt.Errorf("送信データの構築に失敗しました: %w", err)
	}

	// 4. 送信
	r.setState(ReplySubmitting)
	resp, err := r.client.Submit(ctx, t.postURL, contentType, body,
		network.WithReferer(t.formURL),
		network.WithHeader("Origin", t.origin),
		network.WithHeader("Sec-Fetch-Site", "same-origin"),
		network.WithHeader("Sec-Fetch-Mode", "navigate"),
		network.WithHeader("Sec-Fetch-User", "?1"),
		network.WithHeader("Sec-Fetch-Dest", "document"),
	)
	if err != nil {
		return ReplyResult{}, fmt.Errorf("返信の送信に失敗しました: %w", err)
	}

	// 5. 応答の解釈
	result := InterpretResponse(resp, t.charset, r.settings)
	result.TokenUsed = token != ""
	log = log.WithField("status", resp.StatusCode)
	switch {
	case result.Success:
		log.Info("返信に成功しました")
		return result, nil
	case result.Blocked:
		if !result.TokenUsed {
			result.Diagnostic = "チャレンジトークンなしで送信されました: " + result.Diagnostic
		}
		log.WithField("diagnostic", result.Diagnostic).Warn("返信がボット対策に遮断されました")
		return result, fmt.Errorf("%w (%w): HTTP %d", ErrSubmissionRejected, ErrEdgeBlocked, resp.StatusCode)
	case result.ErrorMarker != "":
		log.WithFields(logrus.Fields{"marker": result.ErrorMarker, "diagnostic": result.Diagnostic}).Warn("エラーの文言により返信が拒否されました")
		return result, fmt.Errorf("%w (%s): %s", ErrSubmissionRejected, result.ErrorMarker, result.Diagnostic)
	default:
		log.WithField("diagnostic", result.Diagnostic).Warn("返信が受け付けられませんでした")
		return result, fmt.Errorf("%w: %s", ErrSubmissionRejected, result.Diagnostic)
	}
}

// warmUp は、インデックスを取得してセッションCookieを得た後、返信フォームを取得して
// hidden フィールドを抽出します。
// インデックスやフォームが2xx以外を返しても続行します (チャレンジ側で解決できる場合があるため)。
func (r *Replier) warmUp(ctx context.Context, t replyTarget, log logrus.FieldLogger) (model.ReplyForm, error) {
	empty := model.ReplyForm{Hidden: map[string]string{}}

	if _, err := r.client.Get(ctx, t.indexURL); err != nil {
		if _, ok := network.StatusCodeOf(err); !ok {
			return empty, fmt.Errorf("インデックスの取得に失敗しました: %w", err)
		}
		log.WithError(err).Warn("インデックスの取得でエラー応答がありました。続行します")
	}
	if err := r.sleep(ctx, r.settings.WarmupDelay()); err != nil {
		return empty, fmt.Errorf("準備中に中断されました: %w", err)
	}

	resp, err := r.client.Get(ctx, t.formURL, network.WithReferer(t.indexURL))
	if err != nil {
		if _, ok := network.StatusCodeOf(err); !ok {
			return empty, fmt.Errorf("返信フォームの取得に失敗しました: %w", err)
		}
		log.WithError(err).Warn("返信フォームの取得でエラー応答がありました。hidden フィールドなしで続行します")
		return empty, nil
	}

	doc, err := adapter.NewDocumentFromBytes(adapter.DecodeWithFallback(resp.Body, t.charset))
	if err != nil {
		log.WithError(err).Warn("返信フォームのHTMLを解析できませんでした")
		return empty, nil
	}
	form, ok := r.adapter.ParseReplyForm(doc)
	if !ok {
		return empty, nil
	}
	if form.Hidden == nil {
		form.Hidden = map[string]string{}
	}
	log.WithFields(logrus.Fields{"hidden": len(form.Hidden), "submit": form.SubmitName}).Debug("返信フォームを取得しました")
	return form, nil
}

// ensureTimerecord は、timerecord Cookie が無いか新しすぎる場合、
// 最低経過時間だけ過去の時刻で作り直します。
func (r *Replier) ensureTimerecord(postURL string, log logrus.FieldLogger) error {
	u, err := network.CookieURL(postURL)
	if err != nil {
		return err
	}
	jar := r.client.Jar()
	minAge := r.settings.MinTimerecordAge()
	if minAge <= 0 {
		minAge = defaultMinRecord
	}
	now := r.now()

	if v, ok := jar.Value(u, timerecordCookie); ok {
		if ts, err := strconv.ParseInt(v, 10, 64); err == nil && now.Sub(time.Unix(ts, 0)) >= minAge {
			log.WithField("timerecord", v).Debug("既存の timerecord を使用します")
			r.logCookies(u, log)
			return nil
		}
	}

	value := strconv.FormatInt(now.Add(-minAge).Unix(), 10)
	jar.Save(u, []*http.Cookie{{Name: timerecordCookie, Value: value, Domain: u.Hostname(), Path: "/"}})
	log.WithField("timerecord", value).Debug("timerecord を補完しました")
	r.logCookies(u, log)
	return nil
}

func (r *Replier) logCookies(u *url.URL, log logrus.FieldLogger) {
	var names []string
	for _, c := range r.client.Jar().Load(u) {
		names = append(names, c.Name)
	}
	log.WithField("cookies", strings.Join(names, ",")).Debug("送信時のCookie")
}

// formField は、multipart の1フィールドです。
type formField struct {
	name  string
	value string
}

// fieldList は、挿入順を保ったままフィールドを上書きできるリストです。
type fieldList struct {
	fields []formField
}

func (l *fieldList) set(name, value string) {
	for i := range l.fields {
		if l.fields[i].name == name {
			l.fields[i].value = value
			return
		}
	}
	l.fields = append(l.fields, formField{name: name, value: value})
}

func (l *fieldList) get(name string) (string, bool) {
	for _, f := range l.fields {
		if f.name == name {
			return f.value, true
		}
	}
	return "", false
}

func (l *fieldList) remove(name string) {
	kept := l.fields[:0]
	for _, f := range l.fields {
		if f.name != name {
			kept = append(kept, f)
		}
	}
	l.fields = kept
}

// buildFields は、hidden フィールドに固定フィールドと入力内容を重ねて送信フィールドを組み立てます。
func (r *Replier) buildFields(form model.ReplyForm, req ReplyRequest, token string, t replyTarget) []formField {
	var l fieldList

	names := make([]string, 0, len(form.Hidden))
	for name := range form.Hidden {
		if name == "upfile" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		l.set(name, form.Hidden[name])
	}

	l.set("mode", "regist")
	l.set("resto", strconv.Itoa(req.ThreadNumber))
	l.set("name", req.Name)
	l.set("email", req.Email)
	l.set("sub", req.Subject)
	l.set("com", req.Comment)
	l.set("pwd", r.settings.Password)
	l.set("noimg", "on")
	if _, ok := l.get("MAX_FILE_SIZE"); !ok {
		size := r.settings.MaxFileSize
		if size == "" {
			size = defaultMaxFileSize
		}
		l.set("MAX_FILE_SIZE", size)
	}
	if _, ok := l.get("upfile_path"); !ok {
		l.set("upfile_path", "")
	}

	if form.SubmitValue != "" {
		name := form.SubmitName
		if name == "" {
			name = defaultSubmitField
		}
		l.set(name, form.SubmitValue)
		if name != defaultSubmitField {
			l.remove(defaultSubmitField)
		}
	} else if _, ok := l.get(defaultSubmitField); !ok {
		l.set(defaultSubmitField, r.boards.SubmitLabelFor(t.base))
	}

	if token != "" {
		l.set(turnstileField, token)
	} else {
		l.remove(turnstileField)
	}
	return l.fields
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// encodeMultipart は、各フィールドを charsetName で符号化した multipart/form-data を生成します。
// 画像は添付しませんが、フォームが要求するため空の upfile パートを末尾に付けます。
func encodeMultipart(fields []formField, charsetName string) (string, []byte, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	partType := "text/plain; charset=" + charsetName

	for _, f := range fields {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"`, quoteEscaper.Replace(f.name)))
		h.Set("Content-Type", partType)
		part, err := w.CreatePart(h)
		if err != nil {
			return "", nil, err
		}
		encoded, err := adapter.EncodeWith(f.value, charsetName)
		if err != nil {
			return "", nil, err
		}
		if _, err := part.Write(encoded); err != nil {
			return "", nil, err
		}
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="upfile"; filename=""`)
	h.Set("Content-Type", "application/octet-stream")
	if _, err := w.CreatePart(h); err != nil {
		return "", nil, err
	}
	if err := w.Close(); err != nil {
		return "", nil, err
	}
	return w.FormDataContentType(), buf.Bytes(), nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
