package core

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"KomicaReader/internal/adapter"
	"KomicaReader/internal/config"
	"KomicaReader/internal/model"
	"KomicaReader/internal/network"

	"github.com/PuerkitoBio/goquery"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

const defaultDetailCacheSize = 20

// Repository は、掲示板メニュー・スレッド一覧・スレッド詳細の取得と検索、返信の送信を提供します。
//
// 掲示板メニューはプロセス内に1つだけ保持し、スレッド詳細はURLをキーとするLRUで保持します。
// キャッシュの値は変更しない値型なので、競合しても古い値か重複取得になるだけです。
type Repository struct {
	client  *network.Client
	adapter adapter.SiteAdapter
	boards  config.BoardSettings
	replier *Replier
	log     logrus.FieldLogger

	boardsMu    sync.Mutex
	boardsCache []model.BoardCategory
	details     *lru.Cache[string, model.Thread]
}

// RepositoryOption は、Repository の生成時の設定です。
type RepositoryOption func(*Repository)

// WithReplier は、SendReply に使う Replier を設定します。
func WithReplier(replier *Replier) RepositoryOption {
	return func(r *Repository) { r.replier = replier }
}

// NewRepository は Repository を生成します。detailCacheSize が0以下なら20件です。
func NewRepository(client *network.Client, siteAdapter adapter.SiteAdapter, boards config.BoardSettings, detailCacheSize int, logger logrus.FieldLogger, opts ...RepositoryOption) (*Repository, error) {
	if detailCacheSize <= 0 {
		detailCacheSize = defaultDetailCacheSize
	}
	details, err := lru.New[string, model.Thread](detailCacheSize)
	if err != nil {
		return nil, fmt.Errorf("スレッド詳細キャッシュの作成に失敗しました: %w", err)
	}
	r := &Repository{
		client:  client,
		adapter: siteAdapter,
		boards:  boards,
		log:     logger.WithField("component", "repository"),
		details: details,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Adapter は、このリポジトリが使うサイトアダプタを返します。
func (r *Repository) Adapter() adapter.SiteAdapter {
	return r.adapter
}

// FetchBoards は、掲示板メニューを取得します。
// forceRefresh が false でキャッシュがあれば、通信せずにそれを返します。
func (r *Repository) FetchBoards(ctx context.Context, forceRefresh bool) ([]model.BoardCategory, error) {
	if !forceRefresh {
		r.boardsMu.Lock()
		cached := r.boardsCache
		r.boardsMu.Unlock()
		if cached != nil {
			return cached, nil
		}
	}

	boardsURL := r.adapter.BuildBoardsURL()
	var opts []network.RequestOption
	if !forceRefresh {
		opts = append(opts, network.WithCache())
	}
	body, err := r.fetchPage(ctx, boardsURL, "", opts...)
	if err != nil {
		return nil, fmt.Errorf("掲示板メニューの取得に失敗しました: %w", err)
	}
	categories, err := r.adapter.ParseBoards(body)
	if err != nil {
		return nil, fmt.Errorf("掲示板メニューの解析に失敗しました (url=%s): %w", boardsURL, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(categories) == 0 {
		return nil, fmt.Errorf("%w: 掲示板メニュー (%s)", ErrEmptyResult, boardsURL)
	}

	r.boardsMu.Lock()
	r.boardsCache = categories
	r.boardsMu.Unlock()
	r.log.WithField("categories", len(categories)).Info("掲示板メニューを取得しました")
	return categories, nil
}

// FetchThreads は、掲示板の page ページ目のスレッド一覧を取得します。
// 一覧が空の場合は ErrEmptyResult を返します。
func (r *Repository) FetchThreads(ctx context.Context, boardURL string, page int) ([]model.Thread, error) {
	pageURL := r.adapter.BuildPageURL(boardURL, page)
	body, err := r.fetchPage(ctx, pageURL, boardURL)
	if err != nil {
		return nil, fmt.Errorf("スレッド一覧の取得に失敗しました (page=%d): %w", page, err)
	}
	threads, err := r.adapter.ParseThreads(body, boardURL)
	if err != nil {
		return nil, fmt.Errorf("スレッド一覧の解析に失敗しました (url=%s): %w", pageURL, err)
	}
	if len(threads) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyResult, pageURL)
	}
	r.log.WithFields(logrus.Fields{"url": pageURL, "threads": len(threads)}).Debug("スレッド一覧を取得しました")
	return threads, nil
}

// FetchThreadDetail は、スレッドの全レスを取得します。
// 取得済みのスレッドはキャッシュから返します。キャンセルされた取得結果はキャッシュしません。
func (r *Repository) FetchThreadDetail(ctx context.Context, threadURL string, forceRefresh bool) (model.Thread, error) {
	if !forceRefresh {
		if thread, ok := r.details.Get(threadURL); ok {
			r.log.WithField("url", threadURL).Debug("スレッド詳細をキャッシュから返します")
			return thread, nil
		}
	}

	body, err := r.fetchPage(ctx, threadURL, threadURL)
	if err != nil {
		return model.Thread{}, fmt.Errorf("スレッド詳細の取得に失敗しました: %w", err)
	}
	thread, err := r.adapter.ParseThreadDetail(body, threadURL)
	if err != nil {
		return model.Thread{}, fmt.Errorf("スレッド詳細の解析に失敗しました (url=%s): %w", threadURL, err)
	}
	if len(thread.Posts) == 0 {
		return model.Thread{}, fmt.Errorf("%w: %s", ErrEmptyResult, threadURL)
	}
	if err := ctx.Err(); err != nil {
		return model.Thread{}, err
	}
	r.details.Add(threadURL, thread)
	return thread, nil
}

// SearchThreads は、掲示板内をキーワードで検索します。
//
// 検索フォームと同じ内容を掲示板の文字コードでPOSTし、結果が無ければGETの検索URLを試します。
// どちらも0件なら ErrEmptyResult を返します。
func (r *Repository) SearchThreads(ctx context.Context, boardURL, keyword string) ([]model.Thread, error) {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return nil, errors.New("検索キーワードが空です")
	}
	base := r.adapter.BoardBaseURL(boardURL)
	endpoint := base + "pixmicat.php"
	charsetName := r.boards.CharsetFor(base)
	log := r.log.WithFields(logrus.Fields{"board": base, "keyword": keyword, "charset": charsetName})

	body, err := encodeForm(charsetName,
		formField{"mode", "search"},
		formField{"search_target", "all"},
		formField{"andor", "and"},
		formField{"keyword", keyword},
		formField{"search", r.boards.SearchLabel},
	)
	if err != nil {
		return nil, fmt.Errorf("検索条件の符号化に失敗しました: %w", err)
	}

	var results []model.Thread
	resp, err := r.client.Post(ctx, endpoint, "application/x-www-form-urlencoded", body, network.WithReferer(base))
	switch {
	case err == nil:
		results = r.parseSearch(resp, base)
	case ctx.Err() != nil:
		return nil, ctx.Err()
	default:
		log.WithError(err).Warn("POSTでの検索に失敗しました。GETで再試行します")
	}

	if len(results) == 0 {
		encodedKeyword, err := adapter.EncodeWith(keyword, charsetName)
		if err != nil {
			return nil, fmt.Errorf("検索キーワードの符号化に失敗しました: %w", err)
		}
		fallbackURL := endpoint + "?mode=search&keyword=" + url.QueryEscape(string(encodedKeyword))
		resp, err := r.client.Get(ctx, fallbackURL, network.WithReferer(base))
		if err != nil {
			return nil, fmt.Errorf("検索に失敗しました: %w", err)
		}
		results = r.parseSearch(resp, base)
	}

	if len(results) == 0 {
		return nil, fmt.Errorf("%w: 検索 '%s'", ErrEmptyResult, keyword)
	}
	log.WithField("results", len(results)).Info("検索が完了しました")
	return results, nil
}

// SendReply は、返信を送信します。WithReplier で Replier が設定されている必要があります。
func (r *Repository) SendReply(ctx context.Context, req ReplyRequest) (ReplyResult, error) {
	if r.replier == nil {
		return ReplyResult{}, errors.New("返信の送信が構成されていません")
	}
	return r.replier.Submit(ctx, req)
}

// parseSearch は、検索結果ページを解析します。
// タイトルに置換文字が出る場合や旧文字コードの掲示板では、旧文字コードで読み直します。
func (r *Repository) parseSearch(resp *network.Response, base string) []model.Thread {
	doc, err := r.decodeDocument(resp)
	if err != nil {
		r.log.WithError(err).Warn("検索結果のHTMLを解析できませんでした")
		return nil
	}
	legacy := r.boards.LegacyCharset
	if legacy != "" && (r.boards.IsLegacy(base) || adapter.HasReplacementChar([]byte(doc.Find("title").Text()))) {
		if redoc, err := adapter.NewDocumentFromBytes(adapter.DecodeWithFallback(resp.Body, legacy)); err == nil {
			doc = redoc
		}
	}
	return r.adapter.ParseSearchResults(doc, base)
}

func (r *Repository) decodeDocument(resp *network.Response) (*goquery.Document, error) {
	decoded, err := adapter.DecodeHTML(resp.Body, resp.ContentType())
	if err != nil {
		decoded = resp.Body
	}
	return adapter.NewDocumentFromBytes(decoded)
}

// fetchPage は、ページを取得してUTF-8にデコードしたHTMLを返します。
// Content-Type と meta から文字コードを判定し、判定に失敗した場合や置換文字が出た場合は
// boardURL の文字コード設定に基づいて読み直します。
func (r *Repository) fetchPage(ctx context.Context, pageURL, boardURL string, opts ...network.RequestOption) ([]byte, error) {
	resp, err := r.client.Get(ctx, pageURL, opts...)
	if err != nil {
		return nil, err
	}
	decoded, err := adapter.DecodeHTML(resp.Body, resp.ContentType())
	if err != nil || adapter.HasReplacementChar(decoded) {
		declared := "UTF-8"
		if boardURL != "" {
			declared = r.boards.CharsetFor(boardURL)
		}
		decoded = adapter.DecodeWithFallback(resp.Body, declared)
	}
	return decoded, nil
}

// encodeForm は、application/x-www-form-urlencoded の本文を charsetName で符号化して生成します。
func encodeForm(charsetName string, fields ...formField) ([]byte, error) {
	var sb strings.Builder
	for i, f := range fields {
		encoded, err := adapter.EncodeWith(f.value, charsetName)
		if err != nil {
			return nil, err
		}
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(url.QueryEscape(f.name))
		sb.WriteByte('=')
		sb.WriteString(url.QueryEscape(string(encoded)))
	}
	return []byte(sb.String()), nil
}
