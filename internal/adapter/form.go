package adapter

import (
	"strings"

	"KomicaReader/internal/model"

	"github.com/PuerkitoBio/goquery"
)

// ParseReplyForm は、返信フォーム (action に pixmicat を含む form) の隠しフィールドと
// 送信ボタンを取り出します。フォームが無い場合は false を返します。
func (a *KomicaAdapter) ParseReplyForm(doc *goquery.Document) (model.ReplyForm, bool) {
	// 削除用フォーム (delform) も同じ action を持つため、本文欄のあるフォームを優先します。
	form := doc.Find("form[action*=pixmicat]:has([name=com])").First()
	if form.Length() == 0 {
		form = doc.Find("form[action*=pixmicat]").First()
	}
	if form.Length() == 0 {
		a.log.Warn("返信フォームが見つかりません")
		return model.ReplyForm{}, false
	}

	result := model.ReplyForm{
		Action: strings.TrimSpace(form.AttrOr("action", "")),
		Hidden: make(map[string]string),
	}
	form.Find("input[type=hidden]").Each(func(_ int, input *goquery.Selection) {
		name := input.AttrOr("name", "")
		if name == "" {
			return
		}
		result.Hidden[name] = input.AttrOr("value", "")
	})

	// 送信ボタンは値がある場合のみ採用します。
	if submit := form.Find("input[type=submit]").First(); submit.Length() > 0 {
		if value := submit.AttrOr("value", ""); value != "" {
			result.SubmitName = submit.AttrOr("name", "")
			result.SubmitValue = value
		}
	}

	a.log.WithField("hidden_fields", len(result.Hidden)).Debug("返信フォームを解析しました")
	return result, true
}
