package adapter

import (
	"fmt"
	"strconv"
	"strings"

	"KomicaReader/internal/model"

	"github.com/PuerkitoBio/goquery"
)

const (
	searchTitleLimit  = 40
	searchMinContent  = 2
	searchReplyFormat = "回覆於 No.%d"
)

var (
	searchTitleMarkers = []string{"搜尋", "Search", "?"}
	// 一覧ページにのみ現れるページ送り要素
	indexPaginationSelector = ".paginfo, .pages, .pginfo"
)

// ParseSearchResults は、検索結果ページを解析してヒットしたレスをスレッドとして返します。
//
// 検索結果の代わりに一覧ページが返された場合（ページ送りがあり、題名に検索の目印が無い）は
// 空の結果を返します。レス番号が見つからないブロック、および本文が2文字未満で画像も無い
// ブロックはスキップします。
func (a *KomicaAdapter) ParseSearchResults(doc *goquery.Document, boardURL string) []model.Thread {
	log := a.log.WithField("board_url", boardURL)

	pageTitle := doc.Find("title").First().Text()
	hasSearchMarker := containsAny(pageTitle, searchTitleMarkers)
	hasPagination := doc.Find(indexPaginationSelector).Length() > 0
	if hasPagination && !hasSearchMarker {
		log.Warn("検索結果ではなく一覧ページが返されました")
		return nil
	}

	var blocks *goquery.Selection
	if form := doc.Find("form#delform, form[name='delform']").First(); form.Length() > 0 {
		blocks = form.Find("div.post, div[id^='r'], div[id^='p'], td.reply, td.post-body")
	} else {
		blocks = doc.Find("div.post, td.reply, td.post-body")
	}

	var threads []model.Thread
	seen := make(map[int]bool)
	blocks.Each(func(_ int, block *goquery.Selection) {
		if block.HasClass("nav") || block.AttrOr("id", "") == "notice" {
			return
		}
		thread, ok := a.parseSearchBlock(block, boardURL)
		if !ok || seen[thread.PostNumber] {
			return
		}
		seen[thread.PostNumber] = true
		threads = append(threads, thread)
	})
	log.WithField("hits", len(threads)).Debug("検索結果を解析しました")
	return threads
}

func (a *KomicaAdapter) parseSearchBlock(block *goquery.Selection, boardURL string) (model.Thread, bool) {
	var parent int
	if href, ok := searchParentRule.value(block); ok {
		parent, _ = ThreadNumberFromURL(href)
	}

	postNumber, ok := searchNumberRule.number(block, digitsOnly)
	if !ok {
		postNumber, ok = searchCheckboxRule.number(block, nil)
	}
	if !ok {
		return model.Thread{}, false
	}

	var content string
	if sel, ok := searchContentRule.selection(block); ok {
		content = normalizeSelection(sel)
	}
	thumb, hasThumb := searchThumbRule.value(block)
	if len([]rune(strings.TrimSpace(content))) < searchMinContent && !hasThumb {
		return model.Thread{}, false
	}

	isReply := parent > 0 && parent != postNumber
	title, ok := searchTitleRule.value(block)
	if !ok {
		title = searchFallbackTitle(content, parent, isReply)
	}
	author := DefaultAuthor
	if v, ok := searchAuthorRule.value(block); ok {
		author = v
	}
	postTime, _ := searchTimeRule.value(block)

	threadNumber := postNumber
	if parent > 0 {
		threadNumber = parent
	}

	return model.Thread{
		ID:             "search-" + strconv.Itoa(postNumber),
		Title:          title,
		Author:         author,
		URL:            a.BuildThreadURL(boardURL, threadNumber),
		PostNumber:     postNumber,
		ImageURL:       a.ResolveURL(boardURL, thumb),
		Content:        content,
		ContentPreview: content,
		LastReplyTime:  postTime,
	}, true
}

// searchFallbackTitle は、題名要素が無いヒットの題名を合成します。
func searchFallbackTitle(content string, parent int, isReply bool) string {
	var title string
	if isReply {
		title = fmt.Sprintf(searchReplyFormat, parent)
	} else {
		lines := previewLines(content, 1)
		if len(lines) == 0 {
			return DefaultTitle
		}
		title = lines[0]
	}
	if r := []rune(title); len(r) > searchTitleLimit {
		title = string(r[:searchTitleLimit]) + "..."
	}
	return title
}
