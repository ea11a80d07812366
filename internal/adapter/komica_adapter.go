package adapter

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"KomicaReader/internal/model"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultTitle は、題名が見つからない場合の題名です。
	DefaultTitle = "Untitled"
	// DefaultAuthor は、名前が見つからない場合の投稿者名です。
	DefaultAuthor = "Anonymous"
	// NoTextPlaceholder は、本文が空のスレッドのプレビューです。
	NoTextPlaceholder = "(無文字內容)"

	previewLineLimit = 4
)

var (
	// excludedCategories に含まれる語を名前に持つカテゴリは掲示板一覧から除外します。
	excludedCategories = []string{"聊天室", "外部連結", "失效連結"}
	// omittedCountPattern は「N篇回應被省略」のような表示から件数を取り出します。
	omittedCountPattern = regexp.MustCompile(`(\d+)`)
)

// KomicaAdapter は、Komica (Pixmicat!) 系掲示板固有の解析ロジックを実装します。
type KomicaAdapter struct {
	origin string
	log    logrus.FieldLogger
}

// NewKomicaAdapter は、KomicaAdapterの新しいインスタンスを返します。
func NewKomicaAdapter(origin string, logger logrus.FieldLogger) SiteAdapter {
	if logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		logger = l
	}
	return &KomicaAdapter{
		origin: strings.TrimRight(origin, "/"),
		log:    logger.WithField("component", "parser"),
	}
}

// Origin は、サイトの固定オリジンを返します。
func (a *KomicaAdapter) Origin() string { return a.origin }

// ResolveURL は、パッケージ関数 ResolveURL をこのサイトのオリジンで呼び出します。
func (a *KomicaAdapter) ResolveURL(baseURL, href string) string {
	return ResolveURL(a.origin, baseURL, href)
}

// BuildBoardsURL は、掲示板メニュー (bbsmenu.html) のURLを返します。
func (a *KomicaAdapter) BuildBoardsURL() string {
	return a.origin + "/bbsmenu.html"
}

func (a *KomicaAdapter) BuildPageURL(boardURL string, page int) string {
	return BuildPageURL(boardURL, page)
}

func (a *KomicaAdapter) BoardBaseURL(boardURL string) string {
	return BoardBaseURL(boardURL)
}

// BuildThreadURL は、詳細ページのURLを pixmicat.php?res=<番号> から導出します。
// 一覧ページは必ずしも正規の詳細URLへリンクしていないため、スクレイプせずに合成します。
func (a *KomicaAdapter) BuildThreadURL(boardURL string, postNumber int) string {
	return a.ResolveURL(boardURL, fmt.Sprintf("pixmicat.php?res=%d", postNumber))
}

// ParseBoards は、掲示板メニューHTMLを解析してカテゴリの一覧を返します。
func (a *KomicaAdapter) ParseBoards(htmlBody []byte) ([]model.BoardCategory, error) {
	doc, err := NewDocumentFromBytes(htmlBody)
	if err != nil {
		return nil, fmt.Errorf("掲示板メニューHTMLの解析に失敗しました: %w", err)
	}

	menuURL := a.BuildBoardsURL()
	var categories []model.BoardCategory
	doc.Find("#list ul").Each(func(_ int, ul *goquery.Selection) {
		categoryElement := ul.Find("li.category").First()
		if categoryElement.Length() == 0 {
			return
		}
		categoryName := strings.TrimSpace(categoryElement.Text())
		if categoryName == "" {
			return
		}
		if containsAny(categoryName, excludedCategories) {
			a.log.WithField("category", categoryName).Debug("除外対象のカテゴリをスキップします")
			return
		}

		var boards []model.Board
		ul.Find("li:not(.category) a").Each(func(_ int, link *goquery.Selection) {
			name := strings.TrimSpace(link.Text())
			href := CanonicalBoardURL(a.ResolveURL(menuURL, link.AttrOr("href", "")))
			if name == "" || href == "" {
				return
			}
			boards = append(boards, model.Board{Name: name, URL: href})
		})

		if len(boards) > 0 {
			categories = append(categories, model.BoardCategory{Name: categoryName, Boards: boards})
		}
	})
	return categories, nil
}

// ParseThreads は、掲示板の一覧ページを解析してスレッドの一覧を返します。
// div.thread が一つも無い場合は旧テンプレートの表レイアウトとして解析します。
func (a *KomicaAdapter) ParseThreads(htmlBody []byte, boardURL string) ([]model.Thread, error) {
	doc, err := NewDocumentFromBytes(htmlBody)
	if err != nil {
		return nil, fmt.Errorf("スレッド一覧HTMLの解析に失敗しました: %w", err)
	}
	log := a.log.WithField("board_url", boardURL)

	containers := doc.Find("div.thread")
	if containers.Length() == 0 {
		log.Debug("div.thread が見つからないため、表レイアウトとして解析します")
		containers = doc.Find("form[name='delform'] > table > tbody > tr, form[name='delform'] > table > tr")
	}
	log.WithField("containers", containers.Length()).Debug("スレッド要素を検出しました")

	threads := make([]model.Thread, 0, containers.Length())
	containers.Each(func(_ int, container *goquery.Selection) {
		thread, ok := a.parseThreadContainer(container, boardURL)
		if !ok {
			return
		}
		threads = append(threads, thread)
	})
	return threads, nil
}

func (a *KomicaAdapter) parseThreadContainer(container *goquery.Selection, boardURL string) (model.Thread, bool) {
	opening := container.Find("div.post").First()
	if opening.Length() == 0 {
		opening = container
	}

	postNumber, ok := threadNumberRule.number(opening, nil)
	if !ok {
		a.log.Debug("スレッド番号が見つからないためスキップします")
		return model.Thread{}, false
	}

	title := DefaultTitle
	if sel, ok := titleRule.selection(opening); ok {
		title = strings.TrimSpace(sel.Text())
	}
	author := DefaultAuthor
	if v, ok := authorRule.value(opening); ok {
		author = v
	}
	imageURL, _ := thumbRule.value(opening)
	lastReplyTime, _ := timeRule.value(opening)

	var content string
	if quote, ok := quoteRule.selection(opening); ok {
		content = normalizeSelection(quote)
	}

	replies := container.Find("div.post.reply, td.reply")
	replyCount := replies.Length() + omittedCount(container)
	if replies.Length() > 0 {
		if v, ok := timeRule.value(replies.Last()); ok {
			lastReplyTime = v
		}
	}

	threadURL := a.BuildThreadURL(boardURL, postNumber)
	if title == "" || threadURL == "" {
		return model.Thread{}, false
	}

	return model.Thread{
		ID:             uuid.NewString(),
		Title:          title,
		Author:         author,
		ReplyCount:     replyCount,
		URL:            threadURL,
		PostNumber:     postNumber,
		ImageURL:       a.ResolveURL(boardURL, imageURL),
		Content:        content,
		ContentPreview: contentPreview(content),
		LastReplyTime:  lastReplyTime,
	}, true
}

// ParseThreadDetail は、スレッドの詳細ページを解析し、全レスを含むスレッドを返します。
// ReplyCount は解析できたレス数から再計算します（省略分は含みません）。
func (a *KomicaAdapter) ParseThreadDetail(htmlBody []byte, threadURL string) (model.Thread, error) {
	doc, err := NewDocumentFromBytes(htmlBody)
	if err != nil {
		return model.Thread{}, fmt.Errorf("スレッド詳細HTMLの解析に失敗しました: %w", err)
	}

	title := DefaultTitle
	author := DefaultAuthor
	var imageURL string

	opening := doc.Find("div.thread div.post.threadpost").First()
	if opening.Length() == 0 {
		opening = doc.Find("div.post").First()
	}
	if opening.Length() > 0 {
		if v, ok := titleRule.value(opening); ok {
			title = v
		}
		if v, ok := authorRule.value(opening); ok {
			author = v
		}
		imageURL, _ = originalRule.value(opening)
		if imageURL == "" {
			imageURL, _ = thumbRule.value(opening)
		}
	}

	var posts []model.Post
	seen := make(map[int]bool)
	doc.Find("div.post").Each(func(_ int, block *goquery.Selection) {
		number, ok := postNumberRule.number(block, nil)
		if !ok {
			number = len(posts) + 1
		}
		if seen[number] {
			a.log.WithField("number", number).Debug("重複したレス番号をスキップします")
			return
		}

		postAuthor := DefaultAuthor
		if v, ok := authorRule.value(block); ok {
			postAuthor = v
		}
		var content string
		if quote, ok := quoteRule.selection(block); ok {
			content = normalizeSelection(quote)
		}
		postTime, _ := timeRule.value(block)
		thumb, _ := thumbRule.value(block)
		original, _ := originalRule.value(block)
		if original == "" {
			original = thumb
		}

		if content == "" && original == "" {
			return
		}
		seen[number] = true
		posts = append(posts, model.Post{
			ID:           uuid.NewString(),
			Author:       postAuthor,
			Content:      content,
			ImageURL:     a.ResolveURL(threadURL, original),
			ThumbnailURL: a.ResolveURL(threadURL, thumb),
			Time:         postTime,
			Number:       number,
		})
	})

	postNumber, ok := threadNumberRule.number(opening, nil)
	if !ok {
		postNumber, ok = ThreadNumberFromURL(threadURL)
	}
	if !ok && len(posts) > 0 {
		postNumber = posts[0].Number
	}

	thread := model.Thread{
		ID:         uuid.NewString(),
		Title:      title,
		Author:     author,
		ReplyCount: max(len(posts)-1, 0),
		URL:        threadURL,
		PostNumber: postNumber,
		ImageURL:   a.ResolveURL(threadURL, imageURL),
		Posts:      posts,
	}
	if len(posts) > 0 {
		thread.Content = posts[0].Content
		thread.ContentPreview = contentPreview(posts[0].Content)
		thread.LastReplyTime = posts[len(posts)-1].Time
	}
	return thread, nil
}

// omittedCount は、省略されたレス数の表示 (span.warn_txt2) から件数を取り出します。
func omittedCount(container *goquery.Selection) int {
	warn := container.Find("span.warn_txt2").First()
	if warn.Length() == 0 {
		return 0
	}
	m := omittedCountPattern.FindStringSubmatch(warn.Text())
	if len(m) < 2 {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}

func contentPreview(content string) string {
	lines := previewLines(content, previewLineLimit)
	if len(lines) == 0 {
		return NoTextPlaceholder
	}
	return strings.Join(lines, "\n")
}

func containsAny(s string, substrings []string) bool {
	for _, sub := range substrings {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
