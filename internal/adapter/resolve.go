package adapter

import "strings"

// ResolveURL は、href を baseURL と固定オリジン origin に基づいて解決します。
//
// 優先順位:
//  1. 空または空白のみ → 空文字列（URLなし）
//  2. http:// または https:// で始まる → そのまま（前後の空白は除去）
//  3. // で始まる → https: を付与
//  4. / で始まる → origin を付与
//  5. それ以外 → baseURL からクエリとフラグメントを除き、最後の / までを残して連結
//
// ".." や "." の正規化は行いません。サイトのディレクトリ構成は平坦なため単純連結で足ります。
func ResolveURL(origin, baseURL, href string) string {
	trimmed := strings.TrimSpace(href)
	if trimmed == "" {
		return ""
	}
	if strings.HasPrefix(trimmed, "http://") || strings.HasPrefix(trimmed, "https://") {
		return trimmed
	}
	if strings.HasPrefix(trimmed, "//") {
		return "https:" + trimmed
	}
	if strings.HasPrefix(trimmed, "/") {
		return origin + trimmed
	}

	base := baseURL
	if i := strings.Index(base, "?"); i >= 0 {
		base = base[:i]
	}
	if i := strings.Index(base, "#"); i >= 0 {
		base = base[:i]
	}

	var prefix string
	if i := strings.LastIndex(base, "/"); i >= 0 {
		prefix = base[:i+1]
	} else {
		prefix = base + "/"
	}
	return prefix + trimmed
}
