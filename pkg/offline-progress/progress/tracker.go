package progress

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Mastery thresholds used by Summary.
const (
	MasteryMinCorrect  = 3
	MasteryMinAccuracy = 0.8
)

// Tracker records answers into the local store and the outbox.
type Tracker struct {
	Store Store
	Now   Clock
	// OnWrite runs after every recorded answer; the agent uses it to kick a sync.
	OnWrite func(Item)
}

func NewTracker(store Store, now Clock) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{Store: store, Now: now}
}

// RecordAnswer bumps the item's counter and version and queues the new state.
// The read and both writes run in one Store.Atomic call, so concurrent answers
// and conflict merges on the same item never overwrite each other.
func (t *Tracker) RecordAnswer(ctx context.Context, section, itemID string, correct bool) (Item, error) {
	k := Key{Section: section, ItemID: itemID}
	if !k.Valid() {
		return Item{}, ErrInvalidItem
	}
	var it Item
	err := t.Store.Atomic(ctx, func(st Store) error {
		var err error
		it, err = st.GetItem(ctx, k)
		switch {
		case errors.Is(err, ErrNotFound):
			it = Item{Section: section, ItemID: itemID}
		case err != nil:
			return fmt.Errorf("load item %s: %w", k, err)
		}
		if correct {
			it.Correct++
		} else {
			it.Incorrect++
		}
		it.LastAttempt = t.Now().UTC()
		it.Version++

		if err := st.PutItem(ctx, it); err != nil {
			return fmt.Errorf("save item %s: %w", k, err)
		}
		return queue(ctx, st, it)
	})
	if err != nil {
		return Item{}, err
	}
	if t.OnWrite != nil {
		t.OnWrite(it)
	}
	return it, nil
}

// queue upserts the outbox entry for it. A failed entry keeps its retry count so
// a poison item cannot reset its budget by being answered again.
func queue(ctx context.Context, st Store, it Item) error {
	p := PendingItem{Item: it, Status: StatusPending}
	prev, err := st.GetPending(ctx, it.Key())
	switch {
	case err == nil:
		if prev.Status == StatusFailed {
			p.RetryCount = prev.RetryCount
			p.LastSyncAttempt = prev.LastSyncAttempt
			p.LastError = prev.LastError
		}
	case !errors.Is(err, ErrNotFound):
		return fmt.Errorf("load pending %s: %w", it.Key(), err)
	}
	if err := st.Enqueue(ctx, p); err != nil {
		return fmt.Errorf("enqueue %s: %w", it.Key(), err)
	}
	return nil
}

func (t *Tracker) Item(ctx context.Context, section, itemID string) (Item, error) {
	return t.Store.GetItem(ctx, Key{Section: section, ItemID: itemID})
}

func (t *Tracker) Section(ctx context.Context, section string) ([]Item, error) {
	return t.Store.ListItems(ctx, section)
}

func (t *Tracker) Pending(ctx context.Context) ([]PendingItem, error) {
	return t.Store.ListPending(ctx)
}

// Reset wipes all progress and the outbox.
func (t *Tracker) Reset(ctx context.Context) error {
	return t.Store.Reset(ctx)
}

type SectionSummary struct {
	Section   string  `json:"section"`
	Items     int     `json:"items"`
	Correct   int     `json:"correct"`
	Incorrect int     `json:"incorrect"`
	Accuracy  float64 `json:"accuracy"`
	Mastered  int     `json:"mastered"`
}

func IsMastered(it Item) bool {
	return it.Correct >= MasteryMinCorrect && it.Accuracy() >= MasteryMinAccuracy
}

// Summarize folds items into per-section totals ordered by section name.
func Summarize(items []Item) []SectionSummary {
	by := map[string]*SectionSummary{}
	for _, it := range items {
		s, ok := by[it.Section]
		if !ok {
			s = &SectionSummary{Section: it.Section}
			by[it.Section] = s
		}
		s.Items++
		s.Correct += it.Correct
		s.Incorrect += it.Incorrect
		if IsMastered(it) {
			s.Mastered++
		}
	}
	out := make([]SectionSummary, 0, len(by))
	for _, s := range by {
		if total := s.Correct + s.Incorrect; total > 0 {
			s.Accuracy = float64(s.Correct) / float64(total)
		}
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Section < out[j].Section })
	return out
}

func (t *Tracker) Summary(ctx context.Context) ([]SectionSummary, error) {
	items, err := t.Store.ListItems(ctx, "")
	if err != nil {
		return nil, err
	}
	return Summarize(items), nil
}
