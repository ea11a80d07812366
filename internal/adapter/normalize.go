package adapter

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// lineSentinel は、改行位置をHTML解析の間だけ保持するための私用領域の文字です。
const lineSentinel = "\uE000"

var (
	breakTagPattern    = regexp.MustCompile(`(?i)<br\s*/?>|</?p(\s[^>]*)?>`)
	sentinelSpace      = regexp.MustCompile(`[ \t\r\n\x{00a0}]*` + lineSentinel + `[ \t\r\n\x{00a0}]*`)
	horizontalSpace    = regexp.MustCompile(`[ \t\r\f\v\x{00a0}]+`)
	spaceBeforeNewline = regexp.MustCompile(` +\n`)
	spaceAfterNewline  = regexp.MustCompile(`\n +`)
	excessNewlines     = regexp.MustCompile(`\n{3,}`)
)

var angleBrackets = strings.NewReplacer("<", "＜", ">", "＞")

// entityLike は、HTMLの文字参照として解釈されうる "&" 始まりの並びです。
var entityLike = regexp.MustCompile(`&(#[0-9]+;?|#[xX][0-9a-fA-F]+;?|[A-Za-z][A-Za-z0-9]*;?)`)

// escapeEntityAmpersands は、再解析で文字参照として展開される "&" だけを全角の "＆" にします。
// "AT&T" や "a & b" の "&" はそのまま残ります。
func escapeEntityAmpersands(text string) string {
	return entityLike.ReplaceAllStringFunc(text, func(ref string) string {
		if html.UnescapeString(ref) == ref {
			return ref
		}
		return "＆" + ref[1:]
	})
}

// blockElements は、前後に空白を挟んでテキストを区切る要素です。
var blockElements = map[atom.Atom]bool{
	atom.Div: true, atom.Li: true, atom.Ul: true, atom.Ol: true,
	atom.Table: true, atom.Tr: true, atom.Td: true, atom.Th: true,
	atom.Blockquote: true, atom.Pre: true, atom.Hr: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
}

// NormalizeContent は、本文のHTML断片を読みやすいプレーンテキストに変換します。
//
// <br> と段落境界を改行にし、タグを除去して可視テキストを取り出し、
// 改行前後の空白を詰め、3つ以上連続する改行を2つにまとめます。
// 出力にタグは残りません。"<" と ">" は全角の "＜" "＞" に、文字参照として読める "&" は "＆" に
// 置き換えるため、出力を再度入力しても同じ結果になります。引用リンク (＞＞12345) は QuoteLinks で検出できます。
func NormalizeContent(fragment string) string {
	marked := breakTagPattern.ReplaceAllString(fragment, lineSentinel)
	marked = sentinelSpace.ReplaceAllString(marked, lineSentinel)
	marked = strings.ReplaceAll(marked, "\n", lineSentinel)

	root, err := html.Parse(strings.NewReader(marked))
	var text string
	if err != nil {
		text = marked
	} else {
		var sb strings.Builder
		visibleText(root, &sb)
		text = sb.String()
	}

	text = horizontalSpace.ReplaceAllString(text, " ")
	text = strings.ReplaceAll(text, lineSentinel, "\n")
	text = strings.TrimSpace(text)
	text = spaceBeforeNewline.ReplaceAllString(text, "\n")
	text = spaceAfterNewline.ReplaceAllString(text, "\n")
	text = excessNewlines.ReplaceAllString(text, "\n\n")
	return escapeEntityAmpersands(angleBrackets.Replace(text))
}

// normalizeSelection は、選択要素の内部HTMLを NormalizeContent にかけます。
func normalizeSelection(sel *goquery.Selection) string {
	if sel == nil || sel.Length() == 0 {
		return ""
	}
	inner, err := sel.First().Html()
	if err != nil {
		return NormalizeContent(sel.First().Text())
	}
	return NormalizeContent(inner)
}

func visibleText(n *html.Node, sb *strings.Builder) {
	switch n.Type {
	case html.TextNode:
		sb.WriteString(n.Data)
		return
	case html.CommentNode:
		return
	case html.ElementNode:
		switch n.DataAtom {
		case atom.Script, atom.Style, atom.Head, atom.Noscript:
			return
		}
	}

	block := n.Type == html.ElementNode && blockElements[n.DataAtom]
	if block {
		sb.WriteByte(' ')
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		visibleText(c, sb)
	}
	if block {
		sb.WriteByte(' ')
	}
}

// previewLines は、本文から空行を除いた先頭 limit 行を返します。
func previewLines(content string, limit int) []string {
	var lines []string
	for _, line := range strings.Split(content, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
		if len(lines) == limit {
			break
		}
	}
	return lines
}
