package adapter

import (
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// strategyKind は、フィールド抽出方法の種類です。
type strategyKind int

const (
	byDataAttribute strategyKind = iota // data-* 属性の値
	byAttribute                         // 任意の属性の値
	byClass                             // class 指定要素のテキスト
	byLegacyFont                        // 旧テンプレートの <font color> 等のテキスト
	byElement                           // 要素そのもの（存在確認用）
)

// extractStrategy は、単一の抽出方法です。
// attr が空の場合は要素のテキストを値とします。
type extractStrategy struct {
	kind     strategyKind
	selector string
	attr     string
}

// fieldRule は、同じ論理フィールドに対する抽出方法を優先順に並べたものです。
type fieldRule []extractStrategy

// value は、優先順に各方法を試し、最初に得られた空でない値を返します。
func (r fieldRule) value(block *goquery.Selection) (string, bool) {
	for _, s := range r {
		if v, ok := s.value(block); ok {
			return v, true
		}
	}
	return "", false
}

// selection は、優先順に各方法を試し、最初に一致した要素を返します。
func (r fieldRule) selection(block *goquery.Selection) (*goquery.Selection, bool) {
	for _, s := range r {
		sel := s.find(block)
		if sel.Length() > 0 {
			return sel, true
		}
	}
	return nil, false
}

// number は、優先順に各方法を試し、clean を通して正の整数として解釈できた最初の値を返します。
func (r fieldRule) number(block *goquery.Selection, clean func(string) string) (int, bool) {
	for _, s := range r {
		v, ok := s.value(block)
		if !ok {
			continue
		}
		if clean != nil {
			v = clean(v)
		}
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n, true
		}
	}
	return 0, false
}

func (s extractStrategy) find(block *goquery.Selection) *goquery.Selection {
	if s.selector == "" {
		return block.First()
	}
	return block.Find(s.selector).First()
}

func (s extractStrategy) value(block *goquery.Selection) (string, bool) {
	sel := s.find(block)
	if sel.Length() == 0 {
		return "", false
	}
	var v string
	switch s.kind {
	case byDataAttribute, byAttribute:
		v = sel.AttrOr(s.attr, "")
	default:
		v = sel.Text()
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func dataAttr(selector, attr string) extractStrategy {
	return extractStrategy{kind: byDataAttribute, selector: selector, attr: attr}
}

func attrOf(selector, attr string) extractStrategy {
	return extractStrategy{kind: byAttribute, selector: selector, attr: attr}
}

func classText(selector string) extractStrategy {
	return extractStrategy{kind: byClass, selector: selector}
}

func legacyFont(selector string) extractStrategy {
	return extractStrategy{kind: byLegacyFont, selector: selector}
}

func element(selector string) extractStrategy {
	return extractStrategy{kind: byElement, selector: selector}
}

// スレッド一覧・詳細で使う抽出規則
var (
	titleRule  = fieldRule{classText("span.title"), legacyFont("font[color='#cc1105']")}
	authorRule = fieldRule{classText("span.name"), legacyFont("font[color='#117743']")}
	timeRule   = fieldRule{classText("span.now"), legacyFont("font[size='-1']")}
	// 親記事の番号。空セレクタはブロック自身を意味します。
	threadNumberRule = fieldRule{
		dataAttr("span.qlink", "data-no"),
		dataAttr("", "data-no"),
		attrOf("input[type='checkbox']", "name"),
	}
	postNumberRule = fieldRule{dataAttr("", "data-no")}
	thumbRule      = fieldRule{attrOf("a.file-thumb img.img", "src")}
	originalRule   = fieldRule{attrOf("a.file-thumb", "href")}
	quoteRule      = fieldRule{element("div.quote"), element("blockquote")}
)

// 検索結果で使う抽出規則（テンプレートごとの差異を優先順で吸収）
var (
	searchParentRule = fieldRule{attrOf("a[href*='res=']", "href")}
	searchNumberRule = fieldRule{
		dataAttr(".qlink", "data-no"),
		classText(".qlink"),
		classText(".now a"),
		classText(".relink"),
	}
	searchCheckboxRule = fieldRule{attrOf("input[type='checkbox']", "value")}
	searchContentRule  = fieldRule{element("div.quote"), element(".comment"), element("blockquote")}
	searchThumbRule    = fieldRule{attrOf("img.img", "src"), attrOf(".file-thumb img", "src")}
	searchTitleRule    = fieldRule{classText("span.title"), classText("b"), legacyFont("font[color='#cc1105']")}
	searchAuthorRule   = fieldRule{classText("span.name"), classText(".postername"), legacyFont("font[color='#117743']")}
	searchTimeRule     = fieldRule{classText("span.now"), classText(".postertime"), legacyFont("font[size='-1']")}
)
