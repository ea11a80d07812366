// Package adapter は、サイト固有のHTML解析とURL規則を抽象化するインターフェースと、
// その具体的な実装を提供します。パーサーは純粋関数で構成され、共有状態を持たないため
// どのゴルーチンからでも安全に呼び出せます。
package adapter

import (
	"bytes"

	"KomicaReader/internal/model"

	"github.com/PuerkitoBio/goquery"
)

// SiteAdapter は、サイト固有の処理を抽象化するインターフェースです。
type SiteAdapter interface {
	// Origin は、サイトの固定オリジン（例: http://komica1.org）を返します。
	Origin() string
	// ResolveURL は、相対URLをページのURLとサイトオリジンに基づいて絶対URLに解決します。
	ResolveURL(baseURL, href string) string

	// BuildBoardsURL は、掲示板メニューのURLを返します。
	BuildBoardsURL() string
	// BuildPageURL は、掲示板のインデックスURLからページ番号に対応するURLを構築します。
	BuildPageURL(boardURL string, page int) string
	// BoardBaseURL は、検索・投稿の基準となる掲示板ディレクトリのURLを返します。
	BoardBaseURL(boardURL string) string
	// BuildThreadURL は、スレッド番号から詳細ページのURLを構築します。
	BuildThreadURL(boardURL string, postNumber int) string

	ParseBoards(htmlBody []byte) ([]model.BoardCategory, error)
	ParseThreads(htmlBody []byte, boardURL string) ([]model.Thread, error)
	ParseThreadDetail(htmlBody []byte, threadURL string) (model.Thread, error)
	ParseSearchResults(doc *goquery.Document, boardURL string) []model.Thread
	// ParseReplyForm は、返信フォームの hidden フィールドと送信ボタンを抽出します。
	// フォームが見つからない場合は false を返します。
	ParseReplyForm(doc *goquery.Document) (model.ReplyForm, bool)
}

// NewDocumentFromBytes は、[]byteからgoquery.Documentを生成するヘルパー関数です。
// 入力はUTF-8にデコード済みである必要があります。
func NewDocumentFromBytes(htmlBody []byte) (*goquery.Document, error) {
	return goquery.NewDocumentFromReader(bytes.NewReader(htmlBody))
}
