package romaji

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/mind-engage/nihongo/pkg/offline-progress/progress"
)

// ErrUnsupported is returned for text the converter cannot romanize, such as
// kanji, which needs a morphological analyzer.
var ErrUnsupported = errors.New("romaji: unsupported text")

type Converter interface {
	Convert(ctx context.Context, text string) (string, error)
}

// KanaConverter romanizes hiragana and katakana from a kana table
// (content.Catalog.KanaTable).
type KanaConverter struct {
	table  map[string]string
	maxLen int
}

func NewKanaConverter(table map[string]string) *KanaConverter {
	k := &KanaConverter{table: table}
	for s := range table {
		if n := utf8.RuneCountInString(s); n > k.maxLen {
			k.maxLen = n
		}
	}
	return k
}

func (k *KanaConverter) Convert(_ context.Context, text string) (string, error) {
	rs := []rune(text)
	var b strings.Builder
	double := false
	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case r == 'っ' || r == 'ッ':
			double = true
			i++
			continue
		case r == 'ー':
			if v := lastVowel(b.String()); v != 0 {
				b.WriteByte(v)
			}
			i++
			continue
		case unicode.Is(unicode.Han, r):
			return "", fmt.Errorf("%w: %q", ErrUnsupported, string(r))
		}

		roma, n := k.longest(rs[i:])
		if n == 0 {
			if unicode.In(r, unicode.Hiragana, unicode.Katakana) {
				return "", fmt.Errorf("%w: %q", ErrUnsupported, string(r))
			}
			b.WriteRune(r)
			i++
			double = false
			continue
		}
		if double {
			if roma[0] == 'c' {
				b.WriteByte('t')
			} else if !isVowel(roma[0]) {
				b.WriteByte(roma[0])
			}
			double = false
		}
		// ん before a vowel or y is written n' to keep it readable
		if roma == "n" && i+n < len(rs) {
			if next, m := k.longest(rs[i+n:]); m > 0 && (isVowel(next[0]) || next[0] == 'y') {
				roma = "n'"
			}
		}
		b.WriteString(roma)
		i += n
	}
	return b.String(), nil
}

func (k *KanaConverter) longest(rs []rune) (string, int) {
	for n := min(k.maxLen, len(rs)); n > 0; n-- {
		if r, ok := k.table[string(rs[:n])]; ok {
			return r, n
		}
	}
	return "", 0
}

func isVowel(c byte) bool { return strings.IndexByte("aeiou", c) >= 0 }

func lastVowel(s string) byte {
	for i := len(s) - 1; i >= 0; i-- {
		if isVowel(s[i]) {
			return s[i]
		}
		if s[i] != '\'' {
			return 0
		}
	}
	return 0
}

const cachePrefix = "romaji:"

// Cached memoizes a Converter in the local key-value store. Errors are not cached.
type Cached struct {
	Next Converter
	KV   progress.KV
}

func (c Cached) Convert(ctx context.Context, text string) (string, error) {
	key := cachePrefix + text
	if v, ok, err := c.KV.GetValue(ctx, key); err == nil && ok {
		return v, nil
	}
	out, err := c.Next.Convert(ctx, text)
	if err != nil {
		return "", err
	}
	_ = c.KV.PutValue(ctx, key, out)
	return out, nil
}
