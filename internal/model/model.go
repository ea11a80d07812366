// Package model は、パーサーが生成する掲示板のドメインモデルを定義します。
// すべての型は値型として扱い、生成後に変更しません。
package model

// Board は、単一の掲示板を表します。URLが識別子です。
type Board struct {
	Name        string
	URL         string
	Description string
}

// BoardCategory は、掲示板メニューのカテゴリとその掲示板一覧を保持します。
// IsExpanded はUI側の表示状態で、パーサーは常に false で生成します。
type BoardCategory struct {
	Name       string
	Boards     []Board
	IsExpanded bool
}

// Thread は、スレッド（親記事とそのレス）を表します。
// ID は一覧の差分計算用の一時的なキーで、取得ごとに変わります。
// 安定した識別子は PostNumber と URL です。URL は常に絶対URLです。
type Thread struct {
	ID             string
	Title          string
	Author         string
	ReplyCount     int
	URL            string
	PostNumber     int
	ImageURL       string
	Content        string
	ContentPreview string
	LastReplyTime  string
	Posts          []Post
}

// PostByNumber は、スレッド内のレス番号からレスを探します。
// 引用リンク（>>12345）の解決に使用します。
func (t Thread) PostByNumber(number int) (Post, bool) {
	for _, p := range t.Posts {
		if p.Number == number {
			return p, true
		}
	}
	return Post{}, false
}

// Post は、スレッド内の単一の投稿です。
type Post struct {
	ID           string
	Author       string
	Content      string
	ImageURL     string
	ThumbnailURL string
	Time         string
	Number       int
}

// ReplyForm は、返信フォームから抽出した hidden フィールドと送信ボタンの情報です。
type ReplyForm struct {
	Action      string
	Hidden      map[string]string
	SubmitName  string
	SubmitValue string
}
