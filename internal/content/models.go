package content

// Script values for KanaChar.
const (
	Hiragana = "hiragana"
	Katakana = "katakana"
)

type Example struct {
	Japanese string `yaml:"japanese" json:"japanese"`
	Romaji   string `yaml:"romaji" json:"romaji"`
	English  string `yaml:"english" json:"english"`
}

type JapaneseWord struct {
	ID       string    `yaml:"id" json:"id"`
	Kanji    string    `yaml:"kanji,omitempty" json:"kanji,omitempty"`
	Kana     string    `yaml:"kana" json:"kana"`
	Romaji   string    `yaml:"romaji" json:"romaji"`
	Meaning  string    `yaml:"meaning" json:"meaning"`
	Category string    `yaml:"category" json:"category"`
	JLPT     string    `yaml:"jlpt" json:"jlpt"`
	Level    int       `yaml:"level" json:"level"`
	Examples []Example `yaml:"examples,omitempty" json:"examples,omitempty"`
}

// WordLevel groups words for unlocking. Words holds word IDs and is filled
// from the word list when the catalog is indexed.
type WordLevel struct {
	Level int      `yaml:"level" json:"level"`
	Name  string   `yaml:"name" json:"name"`
	Words []string `yaml:"-" json:"words"`
}

type Kanji struct {
	Character string   `yaml:"character" json:"character"`
	Meanings  []string `yaml:"meanings" json:"meanings"`
	Onyomi    []string `yaml:"onyomi,omitempty" json:"onyomi,omitempty"`
	Kunyomi   []string `yaml:"kunyomi,omitempty" json:"kunyomi,omitempty"`
	Strokes   int      `yaml:"strokes" json:"strokes"`
	JLPT      string   `yaml:"jlpt" json:"jlpt"`
	Level     int      `yaml:"level" json:"level"`
}

type KanaChar struct {
	Kana   string `yaml:"kana" json:"kana"`
	Romaji string `yaml:"romaji" json:"romaji"`
	Script string `yaml:"script" json:"script"`
	Row    string `yaml:"row" json:"row"`
}

// WordFilter narrows Words; zero fields match everything.
type WordFilter struct {
	Level    int
	Category string
	JLPT     string
}

func (f WordFilter) match(w JapaneseWord) bool {
	if f.Level > 0 && w.Level != f.Level {
		return false
	}
	if f.Category != "" && w.Category != f.Category {
		return false
	}
	if f.JLPT != "" && w.JLPT != f.JLPT {
		return false
	}
	return true
}
