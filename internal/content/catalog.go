package content

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var embedded []byte

var ErrUnknownLevel = errors.New("unknown level")

// Catalog is the read-only learning dataset. Import is the only writer.
type Catalog struct {
	mu     sync.RWMutex
	levels []WordLevel
	words  []JapaneseWord
	kanji  []Kanji
	kana   []KanaChar
	byID   map[string]int
}

type catalogDoc struct {
	Levels []WordLevel    `yaml:"levels"`
	Words  []JapaneseWord `yaml:"words"`
	Kanji  []Kanji        `yaml:"kanji"`
	Kana   []KanaChar     `yaml:"kana"`
}

// Default returns the catalog compiled into the binary.
func Default() (*Catalog, error) {
	return Parse(embedded)
}

func Load(r io.Reader) (*Catalog, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

func Parse(raw []byte) (*Catalog, error) {
	var doc catalogDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	c := &Catalog{levels: doc.Levels, words: doc.Words, kanji: doc.Kanji}
	for _, k := range doc.Kana {
		if k.Script == "" || k.Script == Hiragana {
			k.Script = Hiragana
			c.kana = append(c.kana, k)
			c.kana = append(c.kana, KanaChar{Kana: toKatakana(k.Kana), Romaji: k.Romaji, Script: Katakana, Row: k.Row})
			continue
		}
		c.kana = append(c.kana, k)
	}
	if err := c.reindex(); err != nil {
		return nil, err
	}
	return c, nil
}

// reindex validates words and rebuilds the per-level word lists. Callers hold mu
// or own c exclusively.
func (c *Catalog) reindex() error {
	known := map[int]int{}
	for i := range c.levels {
		c.levels[i].Words = nil
		known[c.levels[i].Level] = i
	}
	c.byID = make(map[string]int, len(c.words))
	for i, w := range c.words {
		if w.ID == "" {
			return fmt.Errorf("word %d: id is required", i)
		}
		if _, dup := c.byID[w.ID]; dup {
			return fmt.Errorf("word %q: duplicate id", w.ID)
		}
		li, ok := known[w.Level]
		if !ok {
			return fmt.Errorf("word %q: %w %d", w.ID, ErrUnknownLevel, w.Level)
		}
		c.byID[w.ID] = i
		c.levels[li].Words = append(c.levels[li].Words, w.ID)
	}
	sort.Slice(c.levels, func(i, j int) bool { return c.levels[i].Level < c.levels[j].Level })
	return nil
}

func (c *Catalog) Levels() []WordLevel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]WordLevel, len(c.levels))
	for i, l := range c.levels {
		l.Words = append([]string(nil), l.Words...)
		out[i] = l
	}
	return out
}

func (c *Catalog) Words(f WordFilter) []JapaneseWord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []JapaneseWord
	for _, w := range c.words {
		if f.match(w) {
			out = append(out, w)
		}
	}
	return out
}

func (c *Catalog) Word(id string) (JapaneseWord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i, ok := c.byID[id]
	if !ok {
		return JapaneseWord{}, false
	}
	return c.words[i], true
}

// Kanji filters by level and JLPT grade; zero values match everything.
func (c *Catalog) Kanji(level int, jlpt string) []Kanji {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Kanji
	for _, k := range c.kanji {
		if level > 0 && k.Level != level {
			continue
		}
		if jlpt != "" && k.JLPT != jlpt {
			continue
		}
		out = append(out, k)
	}
	return out
}

// Kana returns the kana table for script, or both scripts when script is empty.
func (c *Catalog) Kana(script string) []KanaChar {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []KanaChar
	for _, k := range c.kana {
		if script == "" || k.Script == script {
			out = append(out, k)
		}
	}
	return out
}

// KanaTable maps every kana spelling to its romaji.
func (c *Catalog) KanaTable() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m := make(map[string]string, len(c.kana))
	for _, k := range c.kana {
		m[k.Kana] = k.Romaji
	}
	return m
}

func (c *Catalog) Categories() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	seen := map[string]bool{}
	var out []string
	for _, w := range c.words {
		if w.Category != "" && !seen[w.Category] {
			seen[w.Category] = true
			out = append(out, w.Category)
		}
	}
	sort.Strings(out)
	return out
}

// toKatakana shifts the hiragana block onto katakana; other runes pass through.
func toKatakana(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= 'ぁ' && r <= 'ゖ' {
			return r + 0x60
		}
		return r
	}, s)
}
