package adapter

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"
)

// lookupEncoding は、文字コード名 (UTF-8, Big5 など) から encoding.Encoding を返します。
func lookupEncoding(name string) (encoding.Encoding, error) {
	if name == "" || strings.EqualFold(name, "utf-8") || strings.EqualFold(name, "utf8") {
		return encoding.Nop, nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, fmt.Errorf("未対応の文字コードです '%s': %w", name, err)
	}
	return enc, nil
}

// DecodeWith は、指定した文字コードのバイト列をUTF-8に変換します。
func DecodeWith(body []byte, charsetName string) ([]byte, error) {
	enc, err := lookupEncoding(charsetName)
	if err != nil {
		return nil, err
	}
	if enc == encoding.Nop {
		return body, nil
	}
	reader := transform.NewReader(bytes.NewReader(body), enc.NewDecoder())
	decoded, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("%sからUTF-8への変換に失敗しました: %w", charsetName, err)
	}
	return decoded, nil
}

// EncodeWith は、UTF-8の文字列を指定した文字コードのバイト列に変換します。
// 変換できない文字は数値文字参照に置き換えます。
func EncodeWith(s, charsetName string) ([]byte, error) {
	enc, err := lookupEncoding(charsetName)
	if err != nil {
		return nil, err
	}
	if enc == encoding.Nop {
		return []byte(s), nil
	}
	encoded, _, err := transform.String(encoding.HTMLEscapeUnsupported(enc.NewEncoder()), s)
	if err != nil {
		return nil, fmt.Errorf("UTF-8から%sへの変換に失敗しました: %w", charsetName, err)
	}
	return []byte(encoded), nil
}

// DecodeHTML は、Content-Type ヘッダと meta 要素から文字コードを判定してUTF-8に変換します。
// 判定できない場合はUTF-8として扱います。
func DecodeHTML(body []byte, contentType string) ([]byte, error) {
	reader, err := charset.NewReader(bytes.NewReader(body), contentType)
	if err != nil {
		return nil, fmt.Errorf("文字コードの判定に失敗しました: %w", err)
	}
	return io.ReadAll(reader)
}

// DecodeWithFallback は、declared で変換した結果に置換文字 (U+FFFD) が含まれ、
// かつ元のバイト列が正しいUTF-8である場合、UTF-8として読み直します。
// 掲示板によっては宣言と異なる文字コードで応答するためです。
func DecodeWithFallback(body []byte, declared string) []byte {
	decoded, err := DecodeWith(body, declared)
	if err != nil {
		return body
	}
	if HasReplacementChar(decoded) && utf8.Valid(body) && !HasReplacementChar(body) {
		return body
	}
	return decoded
}

// HasReplacementChar は、テキストに置換文字 (U+FFFD) が含まれるかを返します。
func HasReplacementChar(b []byte) bool {
	return bytes.ContainsRune(b, utf8.RuneError)
}
