package progress_test

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/mind-engage/nihongo/pkg/offline-progress/progress"
)

func TestTracker_RecordAnswerCreatesThenMutates(t *testing.T) {
	st, _, tr, _ := seed(t)
	ctx := context.Background()

	var writes int
	tr.OnWrite = func(progress.Item) { writes++ }

	first := record(t, tr, "hiragana", "shi", true)
	if first.Correct != 1 || first.Incorrect != 0 || first.Version != 1 {
		t.Fatalf("first = %+v", first)
	}
	if !first.LastAttempt.Equal(t0) {
		t.Fatalf("LastAttempt = %v, want %v", first.LastAttempt, t0)
	}
	second := record(t, tr, "hiragana", "shi", false)
	if second.Correct != 1 || second.Incorrect != 1 || second.Version != 2 {
		t.Fatalf("second = %+v", second)
	}
	if writes != 2 {
		t.Fatalf("OnWrite ran %d times, want 2", writes)
	}

	items, _ := st.ListItems(ctx, "hiragana")
	if len(items) != 1 {
		t.Fatalf("expected one record per key, got %d", len(items))
	}
	pending, _ := st.ListPending(ctx)
	if len(pending) != 1 || pending[0].Version != 2 || pending[0].Status != progress.StatusPending {
		t.Fatalf("outbox = %+v", pending)
	}
}

func TestTracker_RejectsEmptyKey(t *testing.T) {
	_, _, tr, _ := seed(t)
	if _, err := tr.RecordAnswer(context.Background(), "", "x", true); !errors.Is(err, progress.ErrInvalidItem) {
		t.Fatalf("err = %v, want ErrInvalidItem", err)
	}
	if _, err := tr.RecordAnswer(context.Background(), "words", "", true); !errors.Is(err, progress.ErrInvalidItem) {
		t.Fatalf("err = %v, want ErrInvalidItem", err)
	}
}

func TestTracker_FailedEntryKeepsRetryBudget(t *testing.T) {
	st, _, tr, _ := seed(t)
	ctx := context.Background()
	it := record(t, tr, "words", "sora", true)
	if err := st.MarkFailed(ctx, it.Key(), it.Version, "bad", t0); err != nil {
		t.Fatal(err)
	}

	record(t, tr, "words", "sora", true)
	p, _ := st.GetPending(ctx, it.Key())
	if p.RetryCount != 1 || p.Status != progress.StatusPending {
		t.Fatalf("pending = %+v, want retry count carried over", p)
	}
}

func TestTracker_SummaryAndReset(t *testing.T) {
	st, _, tr, _ := seed(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		record(t, tr, "kanji", "山", true)
	}
	record(t, tr, "kanji", "川", false)
	record(t, tr, "words", "ame", true)

	sum, err := tr.Summary(ctx)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if len(sum) != 2 || sum[0].Section != "kanji" {
		t.Fatalf("summary = %+v", sum)
	}
	k := sum[0]
	if k.Items != 2 || k.Correct != 3 || k.Incorrect != 1 || k.Mastered != 1 {
		t.Fatalf("kanji summary = %+v", k)
	}
	if k.Accuracy != 0.75 {
		t.Fatalf("accuracy = %v, want 0.75", k.Accuracy)
	}

	if err := tr.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	items, _ := st.ListItems(ctx, "")
	pending, _ := st.ListPending(ctx)
	if len(items) != 0 || len(pending) != 0 {
		t.Fatalf("reset left %d items and %d pending", len(items), len(pending))
	}
}

func TestConnectivity_ManualOfflineOverridesProbes(t *testing.T) {
	c := progress.NewConnectivity(2, fixedClock())
	var seen []bool
	c.OnChange(func(online bool) { seen = append(seen, online) })

	c.ReportSuccess()
	c.SetManual(false)
	c.ReportSuccess()
	if c.Online() {
		t.Fatalf("manual offline must win over a successful probe")
	}
	c.SetManual(true)
	if !c.Online() {
		t.Fatalf("expected online after lifting manual offline")
	}
	if len(seen) != 3 || !seen[0] || seen[1] || !seen[2] {
		t.Fatalf("transitions = %v, want [true false true]", seen)
	}
	st := c.State()
	if st.ManualOffline || !st.Online || !st.LastChange.Equal(t0) {
		t.Fatalf("state = %+v", st)
	}
}

// slowStore yields between reads and writes to widen any race window.
type slowStore struct{ *progress.MemoryStore }

func (s slowStore) GetItem(ctx context.Context, k progress.Key) (progress.Item, error) {
	runtime.Gosched()
	return s.MemoryStore.GetItem(ctx, k)
}

func (s slowStore) Atomic(ctx context.Context, fn func(progress.Store) error) error {
	return s.MemoryStore.Atomic(ctx, func(progress.Store) error { return fn(s) })
}

func TestTracker_ConcurrentAnswersAllCount(t *testing.T) {
	st := slowStore{progress.NewMemoryStore()}
	tr := progress.NewTracker(st, fixedClock())
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(correct bool) {
			defer wg.Done()
			if _, err := tr.RecordAnswer(ctx, "kanji", "k1", correct); err != nil {
				t.Error(err)
			}
		}(i%5 != 0)
	}
	wg.Wait()

	it, err := tr.Item(ctx, "kanji", "k1")
	if err != nil {
		t.Fatal(err)
	}
	if it.Correct != 40 || it.Incorrect != 10 || it.Version != n {
		t.Fatalf("item = %+v", it)
	}
	p, _ := tr.Pending(ctx)
	if len(p) != 1 || p[0].Version != n {
		t.Fatalf("pending = %+v", p)
	}
}

func TestSyncer_ConflictMergeWaitsForAnswer(t *testing.T) {
	st := slowStore{progress.NewMemoryStore()}
	tr := progress.NewTracker(st, fixedClock())
	conn := progress.NewConnectivity(2, fixedClock())
	conn.ReportSuccess()
	server := progress.Item{Section: "kana", ItemID: "ka", Correct: 9, Version: 7, LastAttempt: t0.Add(-time.Hour)}
	remote := &fakeRemote{respond: func(req progress.SyncRequest) progress.SyncResponse {
		return progress.SyncResponse{Conflicts: []progress.ConflictItem{{Key: req.Items[0].Key(), Server: server}}}
	}}
	s := progress.New(st, remote, conn, fixedClock())
	s.Resolve = progress.MaxCounters
	ctx := context.Background()

	record(t, tr, "kana", "ka", true)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := s.SyncPending(ctx); err != nil {
			t.Error(err)
		}
	}()
	record(t, tr, "kana", "ka", false)
	wg.Wait()

	it, _ := tr.Item(ctx, "kana", "ka")
	p, _ := tr.Pending(ctx)
	if len(p) != 1 || p[0].Version != it.Version {
		t.Fatalf("outbox %+v does not match item %+v", p, it)
	}
	if it.Incorrect != 1 || it.Correct != 9 || it.Version < 8 {
		t.Fatalf("item = %+v", it)
	}
}
