package adapter

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	// resParamPattern は、スレッドURLの res= パラメータからスレッド番号を取り出します。
	resParamPattern = regexp.MustCompile(`res=(\d+)`)
	// boardURLSuffixPattern は、掲示板URLの末尾の参照・変種を除去します（正規化）。
	boardURLSuffixPattern = regexp.MustCompile(`[?&].*$`)
	// boardBasePattern は、掲示板ディレクトリの後ろに付くファイル名部分です。
	boardBasePattern = regexp.MustCompile(`(index\.html?|pixmicat\.php.*)$`)
	// quoteLinkPattern は、本文中の引用リンク（>12345 と >>12345）を検出します。
	// 正規化済みの本文では全角の ＞ になっているため、両方を受け付けます。
	quoteLinkPattern = regexp.MustCompile(`[>＞][>＞]?(\d+)`)
	nonDigitPattern  = regexp.MustCompile(`[^0-9]`)
)

// BuildPageURL は、掲示板のインデックスURLからページ番号に対応するURLを構築します。
// 0ページ目はインデックスURLそのものです。
func BuildPageURL(boardURL string, page int) string {
	if page <= 0 {
		return boardURL
	}
	pageFile := fmt.Sprintf("%d.htm", page)
	switch {
	case strings.HasSuffix(boardURL, "index.htm"):
		return strings.TrimSuffix(boardURL, "index.htm") + pageFile
	case strings.HasSuffix(boardURL, "index.html"):
		return strings.TrimSuffix(boardURL, "index.html") + pageFile
	case strings.HasSuffix(boardURL, "/"):
		return boardURL + pageFile
	case strings.Contains(boardURL, ".php"):
		return boardURL[:strings.LastIndex(boardURL, "/")] + "/" + pageFile
	default:
		return boardURL + "/" + pageFile
	}
}

// BoardBaseURL は、掲示板URLから index.htm や pixmicat.php 以降を取り除き、
// 末尾が / のディレクトリURLを返します。
func BoardBaseURL(boardURL string) string {
	base := boardBasePattern.ReplaceAllString(boardURL, "")
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base
}

// CanonicalBoardURL は、掲示板URLの末尾の ?... や &... を除去します。
func CanonicalBoardURL(href string) string {
	return boardURLSuffixPattern.ReplaceAllString(strings.TrimSpace(href), "")
}

// ThreadNumberFromURL は、URLの res= パラメータからスレッド番号を取り出します。
func ThreadNumberFromURL(threadURL string) (int, bool) {
	m := resParamPattern.FindStringSubmatch(threadURL)
	if len(m) < 2 {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// QuoteLinks は、本文中の引用リンクが参照するレス番号を出現順に返します（重複なし）。
func QuoteLinks(content string) []int {
	var numbers []int
	seen := make(map[int]bool)
	for _, m := range quoteLinkPattern.FindAllStringSubmatch(content, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || seen[n] {
			continue
		}
		seen[n] = true
		numbers = append(numbers, n)
	}
	return numbers
}

func digitsOnly(s string) string {
	return nonDigitPattern.ReplaceAllString(s, "")
}
