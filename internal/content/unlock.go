package content

import "github.com/mind-engage/nihongo/pkg/offline-progress/progress"

// WordsSection is the progress section that word quizzes record into.
const WordsSection = "words"

// UnlockRatio is the share of a level's words that must have been answered
// correctly at least once before the next level opens.
const UnlockRatio = 0.8

type LevelStatus struct {
	Level    int     `json:"level"`
	Name     string  `json:"name"`
	Total    int     `json:"total"`
	Learned  int     `json:"learned"`
	Ratio    float64 `json:"ratio"`
	Unlocked bool    `json:"unlocked"`
}

// Unlocks reports per-level progress. The first level is always unlocked and
// each later one opens when its predecessor reaches UnlockRatio.
func Unlocks(levels []WordLevel, items []progress.Item) []LevelStatus {
	learned := map[string]bool{}
	for _, it := range items {
		if it.Section == WordsSection && it.Correct > 0 {
			learned[it.ItemID] = true
		}
	}
	out := make([]LevelStatus, 0, len(levels))
	prevDone := true
	for i, l := range levels {
		st := LevelStatus{Level: l.Level, Name: l.Name, Total: len(l.Words)}
		for _, id := range l.Words {
			if learned[id] {
				st.Learned++
			}
		}
		if st.Total > 0 {
			st.Ratio = float64(st.Learned) / float64(st.Total)
		}
		st.Unlocked = i == 0 || prevDone
		prevDone = st.Unlocked && st.Total > 0 && st.Ratio >= UnlockRatio
		out = append(out, st)
	}
	return out
}

func (c *Catalog) Unlocks(items []progress.Item) []LevelStatus {
	return Unlocks(c.Levels(), items)
}
