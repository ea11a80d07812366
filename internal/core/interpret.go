package core

import (
	"net/http"
	"strings"
	"unicode/utf8"

	"KomicaReader/internal/adapter"
	"KomicaReader/internal/config"
	"KomicaReader/internal/network"

	"github.com/PuerkitoBio/goquery"
)

// ReplyResult は、返信送信の結果です。
type ReplyResult struct {
	Success bool
	// Blocked は、403/503 でボット対策に遮断されたことを示します。
	Blocked    bool
	StatusCode int
	// Diagnostic は、応答本文から抜き出したテキストです (先頭 DiagnosticLength 文字)。
	Diagnostic string
	// TokenUsed は、チャレンジトークンを付けて送信したかどうかです。
	TokenUsed bool
	// ErrorMarker は、本文に見つかったエラーの文言です。
	ErrorMarker string `json:",omitempty"`
}

// edgeMarkers は、旧文字コードの掲示板でもUTF-8で返されることがあるページの目印です。
var edgeMarkers = []string{"Spambot", "Cloudflare"}

// InterpretResponse は、投稿に対する応答を成功・失敗に分類します。
//
// 302/303 はリダイレクトによる通常の成功です。200 の場合は本文に投稿先へのmeta refreshか
// 成功の文言があれば成功、それ以外は失敗とし、エラーの文言が見つかれば ErrorMarker に記録します。
// 403/503 はボット対策による遮断として区別します。
func InterpretResponse(resp *network.Response, charsetName string, settings config.ReplySettings) ReplyResult {
	result := ReplyResult{StatusCode: resp.StatusCode}
	if resp.StatusCode == http.StatusFound || resp.StatusCode == http.StatusSeeOther {
		result.Success = true
		return result
	}

	text, doc := decodeReplyBody(resp.Body, charsetName)
	result.Diagnostic = truncateRunes(text, settings.DiagnosticLength)

	switch {
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusServiceUnavailable:
		result.Blocked = true
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if hasPostingRefresh(doc) || containsAny(text, settings.SuccessMarkers) {
			result.Success = true
			return result
		}
		result.ErrorMarker = firstMatch(text, settings.ErrorMarkers)
	}
	return result
}

// decodeReplyBody は応答本文をデコードし、空白を詰めた本文テキストとDOMを返します。
// 宣言された文字コードで読めない (置換文字が出る) 場合や、ボット対策のページが
// UTF-8で返ってきた場合はUTF-8として読み直します。
func decodeReplyBody(body []byte, charsetName string) (string, *goquery.Document) {
	decoded := adapter.DecodeWithFallback(body, charsetName)
	if containsAny(string(body), edgeMarkers) && utf8.Valid(body) && !adapter.HasReplacementChar(body) {
		decoded = body
	}

	doc, err := adapter.NewDocumentFromBytes(decoded)
	if err != nil {
		return strings.Join(strings.Fields(string(decoded)), " "), nil
	}
	return strings.Join(strings.Fields(doc.Text()), " "), doc
}

func hasPostingRefresh(doc *goquery.Document) bool {
	if doc == nil {
		return false
	}
	found := false
	doc.Find("meta[http-equiv]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		equiv, _ := s.Attr("http-equiv")
		content, _ := s.Attr("content")
		if strings.EqualFold(strings.TrimSpace(equiv), "refresh") && strings.Contains(content, "pixmicat.php") {
			found = true
			return false
		}
		return true
	})
	return found
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}

func containsAny(s string, substrings []string) bool {
	return firstMatch(s, substrings) != ""
}

func firstMatch(s string, substrings []string) string {
	for _, sub := range substrings {
		if sub != "" && strings.Contains(s, sub) {
			return sub
		}
	}
	return ""
}
