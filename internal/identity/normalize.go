// Package identity はソース固有の識別子を正規顧客IDへ名寄せする。
// 識別子ストア、メンバーシップ番号の索引、帰属優先順位に従うResolverを含む。
package identity

import (
	"strings"
	"unicode"

	"golang.org/x/net/idna"
)

// phoneDigits は照合に使う電話番号の桁数。国番号を落とした末尾10桁で比較する。
const phoneDigits = 10

// NormalizeEmail はメールアドレスを照合用に正規化する。
// 小文字化と前後空白の除去を行い、ドメイン部はIDNA(punycode)表記に揃える。
// "@"を含まない値は空文字列を返す。
func NormalizeEmail(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	at := strings.LastIndex(s, "@")
	if at <= 0 || at == len(s)-1 {
		return ""
	}
	local, domain := s[:at], s[at+1:]
	if ascii, err := idna.Lookup.ToASCII(domain); err == nil {
		domain = ascii
	}
	return local + "@" + domain
}

// NormalizePhone は電話番号から数字以外を取り除き、末尾10桁を返す。
func NormalizePhone(raw string) string {
	d := DigitsOnly(raw)
	if len(d) > phoneDigits {
		d = d[len(d)-phoneDigits:]
	}
	return d
}

// DigitsOnly は数字以外の文字を取り除く。
func DigitsOnly(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizeName は表示名を小文字化し、連続する空白を1つにまとめる。
// "no name" のようなプレースホルダは空文字列として扱う。
func NormalizeName(raw string) string {
	fields := strings.FieldsFunc(strings.ToLower(raw), unicode.IsSpace)
	name := strings.Join(fields, " ")
	if name == "no name" {
		return ""
	}
	return name
}

// NormalizePlatformID はプラットフォーム顧客IDの前後空白と、
// 表計算ソフト経由で付与される ".0" を取り除く。
func NormalizePlatformID(raw string) string {
	return strings.TrimSuffix(strings.TrimSpace(raw), ".0")
}
