package progress_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mind-engage/nihongo/pkg/offline-progress/progress"
)

/* ---------------- fake remote that satisfies progress.Remote ---------------- */

type fakeRemote struct {
	pushes   []progress.SyncRequest
	respond  func(req progress.SyncRequest) progress.SyncResponse
	pushErr  error
	pulled   []progress.Item
	settings *progress.Settings
	pingErr  error
	onPush   func()
}

func (f *fakeRemote) Push(_ context.Context, req progress.SyncRequest) (progress.SyncResponse, error) {
	f.pushes = append(f.pushes, req)
	if f.onPush != nil {
		f.onPush()
	}
	if f.pushErr != nil {
		return progress.SyncResponse{}, f.pushErr
	}
	if f.respond != nil {
		return f.respond(req), nil
	}
	return ackAll(req), nil
}

func (f *fakeRemote) Pull(context.Context) ([]progress.Item, error) { return f.pulled, nil }

func (f *fakeRemote) PushSettings(_ context.Context, s progress.Settings) error {
	f.settings = &s
	return nil
}

func (f *fakeRemote) Ping(context.Context) error { return f.pingErr }

func ackAll(req progress.SyncRequest) progress.SyncResponse {
	var resp progress.SyncResponse
	for _, it := range req.Items {
		resp.Synced = append(resp.Synced, it.Key())
	}
	return resp
}

/* ------------------------------------------ helpers ------------------------------------------ */

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func fixedClock() progress.Clock { return func() time.Time { return t0 } }

func seed(t *testing.T) (*progress.MemoryStore, *fakeRemote, *progress.Tracker, *progress.Syncer) {
	t.Helper()
	st := progress.NewMemoryStore()
	remote := &fakeRemote{}
	conn := progress.NewConnectivity(2, fixedClock())
	conn.ReportSuccess()
	tr := progress.NewTracker(st, fixedClock())
	s := progress.New(st, remote, conn, fixedClock())
	s.NewBatchID = func() string { return "batch-1" }
	return st, remote, tr, s
}

func record(t *testing.T, tr *progress.Tracker, section, id string, correct bool) progress.Item {
	t.Helper()
	it, err := tr.RecordAnswer(context.Background(), section, id, correct)
	if err != nil {
		t.Fatalf("record %s/%s: %v", section, id, err)
	}
	return it
}

/* ------------------------------------------ tests ------------------------------------------ */

func TestSyncer_AcksDrainOutbox(t *testing.T) {
	st, remote, tr, s := seed(t)
	ctx := context.Background()
	record(t, tr, "hiragana", "a", true)
	record(t, tr, "kanji", "日", false)

	res, err := s.SyncPending(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Sent != 2 || res.Synced != 2 {
		t.Fatalf("result = %+v, want 2 sent / 2 synced", res)
	}
	if len(remote.pushes) != 1 || remote.pushes[0].BatchID != "batch-1" {
		t.Fatalf("expected one push with batch-1, got %+v", remote.pushes)
	}
	pending, _ := st.ListPending(ctx)
	if len(pending) != 0 {
		t.Fatalf("expected empty outbox, got %d entries", len(pending))
	}
	settings, _ := st.GetSettings(ctx)
	if !settings.LastSync.Equal(t0) {
		t.Fatalf("LastSync = %v, want %v", settings.LastSync, t0)
	}
	// progress records survive the sync
	if _, err := st.GetItem(ctx, progress.Key{Section: "hiragana", ItemID: "a"}); err != nil {
		t.Fatalf("progress record lost: %v", err)
	}
}

func TestSyncer_EmptyOutboxSendsNothing(t *testing.T) {
	_, remote, _, s := seed(t)
	res, err := s.SyncPending(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Sent != 0 || len(remote.pushes) != 0 {
		t.Fatalf("expected no push, got %d", len(remote.pushes))
	}
}

func TestSyncer_OfflineSkipsRound(t *testing.T) {
	_, remote, tr, s := seed(t)
	record(t, tr, "words", "neko", true)
	s.Conn.SetManual(false)

	if _, err := s.SyncPending(context.Background()); !errors.Is(err, progress.ErrOffline) {
		t.Fatalf("err = %v, want ErrOffline", err)
	}
	if len(remote.pushes) != 0 {
		t.Fatalf("expected no push while offline")
	}
}

func TestSyncer_FailedItemsCountRetries(t *testing.T) {
	st, remote, tr, s := seed(t)
	ctx := context.Background()
	record(t, tr, "words", "inu", true)
	remote.respond = func(req progress.SyncRequest) progress.SyncResponse {
		var resp progress.SyncResponse
		for _, it := range req.Items {
			resp.Failed = append(resp.Failed, progress.FailedItem{Key: it.Key(), Error: "boom"})
		}
		return resp
	}
	s.MaxRetries = 2

	for i := 0; i < 2; i++ {
		res, err := s.SyncPending(ctx)
		if err != nil {
			t.Fatalf("round %d: %v", i, err)
		}
		if res.Failed != 1 {
			t.Fatalf("round %d: failed = %d, want 1", i, res.Failed)
		}
	}
	p, err := st.GetPending(ctx, progress.Key{Section: "words", ItemID: "inu"})
	if err != nil {
		t.Fatalf("pending entry missing: %v", err)
	}
	if p.Status != progress.StatusFailed || p.RetryCount != 2 || p.LastError != "boom" {
		t.Fatalf("pending = %+v", p)
	}

	// budget exhausted: automatic round skips, forced round sends
	res, err := s.SyncPending(ctx)
	if err != nil || res.Skipped != 1 || res.Sent != 0 {
		t.Fatalf("res = %+v err = %v, want 1 skipped", res, err)
	}
	remote.respond = nil
	res, err = s.SyncAll(ctx)
	if err != nil || res.Synced != 1 {
		t.Fatalf("forced res = %+v err = %v", res, err)
	}
}

func TestSyncer_TransportErrorLeavesOutboxAndGoesOffline(t *testing.T) {
	st, remote, tr, s := seed(t)
	ctx := context.Background()
	record(t, tr, "katakana", "ka", true)
	remote.pushErr = errors.New("connection refused")

	for i := 0; i < 2; i++ {
		if _, err := s.SyncPending(ctx); err == nil {
			t.Fatalf("round %d: expected error", i)
		}
	}
	if s.Conn.Online() {
		t.Fatalf("expected offline after two transport failures")
	}
	p, _ := st.GetPending(ctx, progress.Key{Section: "katakana", ItemID: "ka"})
	if p.RetryCount != 0 || p.Status != progress.StatusPending {
		t.Fatalf("transport errors must not touch the entry: %+v", p)
	}
}

func TestSyncer_NewerWriteDuringRoundSurvivesAck(t *testing.T) {
	st, remote, tr, s := seed(t)
	ctx := context.Background()
	record(t, tr, "words", "mizu", true)
	remote.onPush = func() {
		remote.onPush = nil
		record(t, tr, "words", "mizu", false)
	}

	res, err := s.SyncPending(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Superseded != 1 || res.Synced != 0 {
		t.Fatalf("res = %+v, want 1 superseded", res)
	}
	p, err := st.GetPending(ctx, progress.Key{Section: "words", ItemID: "mizu"})
	if err != nil {
		t.Fatalf("newer write dropped from outbox: %v", err)
	}
	if p.Version != 2 || p.Incorrect != 1 {
		t.Fatalf("pending = %+v, want version 2", p)
	}
}

func TestSyncer_ConflictResolvedAndRequeued(t *testing.T) {
	st, remote, tr, s := seed(t)
	ctx := context.Background()
	record(t, tr, "kanji", "水", true)
	server := progress.Item{
		Section: "kanji", ItemID: "水",
		Correct: 4, Incorrect: 1,
		LastAttempt: t0.Add(time.Hour),
		Version:     7,
	}
	remote.respond = func(req progress.SyncRequest) progress.SyncResponse {
		return progress.SyncResponse{Conflicts: []progress.ConflictItem{{Key: server.Key(), Server: server}}}
	}

	res, err := s.SyncPending(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Conflicts != 1 {
		t.Fatalf("res = %+v, want 1 conflict", res)
	}
	it, _ := st.GetItem(ctx, server.Key())
	if it.Correct != 4 || it.Version != 8 {
		t.Fatalf("resolved item = %+v, want server counters at version 8", it)
	}
	p, err := st.GetPending(ctx, server.Key())
	if err != nil || p.Version != 8 || p.Status != progress.StatusPending {
		t.Fatalf("resolved item not re-queued: %+v err=%v", p, err)
	}
}

func TestSyncer_IgnoresUnsentAndRepeatedKeys(t *testing.T) {
	st, remote, tr, s := seed(t)
	ctx := context.Background()
	it := record(t, tr, "words", "hi", true)
	remote.respond = func(req progress.SyncRequest) progress.SyncResponse {
		return progress.SyncResponse{
			Synced: []progress.Key{{Section: "words", ItemID: "ghost"}, it.Key()},
			Failed: []progress.FailedItem{{Key: it.Key(), Error: "late"}},
		}
	}
	res, err := s.SyncPending(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Synced != 1 || res.Failed != 0 {
		t.Fatalf("res = %+v, want each sent key handled once", res)
	}
	if pending, _ := st.ListPending(ctx); len(pending) != 0 {
		t.Fatalf("outbox not drained: %+v", pending)
	}
}

func TestSyncer_ConcurrentRoundRejected(t *testing.T) {
	_, remote, tr, s := seed(t)
	ctx := context.Background()
	record(t, tr, "words", "yama", true)

	var inner error
	remote.onPush = func() {
		_, inner = s.SyncPending(ctx)
	}
	if _, err := s.SyncPending(ctx); err != nil {
		t.Fatalf("outer round: %v", err)
	}
	if !errors.Is(inner, progress.ErrSyncInProgress) {
		t.Fatalf("inner err = %v, want ErrSyncInProgress", inner)
	}
}

func TestSyncer_HydrateAdoptsNewerServerRecords(t *testing.T) {
	st, remote, tr, s := seed(t)
	ctx := context.Background()
	record(t, tr, "words", "local-only", true) // has an outbox entry

	if err := st.PutItem(ctx, progress.Item{Section: "words", ItemID: "old", Correct: 1, Version: 1}); err != nil {
		t.Fatal(err)
	}
	remote.pulled = []progress.Item{
		{Section: "words", ItemID: "old", Correct: 5, Version: 3},
		{Section: "words", ItemID: "fresh", Correct: 2, Version: 2},
		{Section: "words", ItemID: "local-only", Correct: 9, Version: 9},
	}

	n, err := s.Hydrate(ctx)
	if err != nil {
		t.Fatalf("hydrate: %v", err)
	}
	if n != 2 {
		t.Fatalf("adopted = %d, want 2", n)
	}
	it, _ := st.GetItem(ctx, progress.Key{Section: "words", ItemID: "local-only"})
	if it.Correct != 1 {
		t.Fatalf("record with pending write was overwritten: %+v", it)
	}
}

func TestSyncer_ProbeDrivesConnectivity(t *testing.T) {
	_, remote, _, s := seed(t)
	var transitions []bool
	s.Conn.OnChange(func(online bool) { transitions = append(transitions, online) })

	remote.pingErr = errors.New("down")
	_ = s.Probe(context.Background())
	_ = s.Probe(context.Background())
	remote.pingErr = nil
	_ = s.Probe(context.Background())

	if len(transitions) != 2 || transitions[0] || !transitions[1] {
		t.Fatalf("transitions = %v, want [false true]", transitions)
	}
}

func TestResolvers(t *testing.T) {
	local := progress.Item{Correct: 5, Incorrect: 0, LastAttempt: t0}
	server := progress.Item{Correct: 2, Incorrect: 3, LastAttempt: t0}

	if got := progress.LatestAttemptWins(local, server); got.Correct != 2 {
		t.Fatalf("tie should go to server, got %+v", got)
	}
	got := progress.MaxCounters(local, server)
	if got.Correct != 5 || got.Incorrect != 3 {
		t.Fatalf("MaxCounters = %+v", got)
	}
	if _, err := progress.ResolverByName("coinflip"); err == nil {
		t.Fatalf("expected unknown policy error")
	}
}

func TestSyncer_SplitsLargeOutboxIntoBatches(t *testing.T) {
	_, remote, tr, s := seed(t)
	ctx := context.Background()
	for i := 0; i < 1201; i++ {
		record(t, tr, "words", fmt.Sprintf("w%04d", i), true)
	}
	remote.respond = func(req progress.SyncRequest) progress.SyncResponse {
		if len(req.Items) > progress.DefaultMaxBatch {
			t.Errorf("batch of %d items", len(req.Items))
		}
		return ackAll(req)
	}

	res, err := s.SyncPending(ctx)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Batches != 3 || res.Sent != 1201 || res.Synced != 1201 {
		t.Fatalf("res = %+v", res)
	}
	if len(remote.pushes) != 3 || len(remote.pushes[2].Items) != 201 {
		t.Fatalf("pushes = %d", len(remote.pushes))
	}
	if p, _ := tr.Pending(ctx); len(p) != 0 {
		t.Fatalf("outbox left %d entries", len(p))
	}
	if !s.Conn.Online() {
		t.Fatalf("went offline")
	}
}

func TestSyncer_LastSyncLeavesSettingsAlone(t *testing.T) {
	st, remote, tr, s := seed(t)
	ctx := context.Background()
	record(t, tr, "kana", "a", true)

	// a settings save lands while the batch is in flight
	remote.onPush = func() {
		cur, _ := st.GetSettings(ctx)
		cur.DarkMode = true
		cur.LastSync = time.Time{}
		_ = st.PutSettings(ctx, cur)
	}
	if _, err := s.SyncPending(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	got, _ := st.GetSettings(ctx)
	if !got.DarkMode || !got.LastSync.Equal(t0) {
		t.Fatalf("settings = %+v", got)
	}

	// a stale record never rolls LastSync back
	stale := got
	stale.LastSync = t0.Add(-time.Hour)
	_ = st.PutSettings(ctx, stale)
	if got, _ := st.GetSettings(ctx); !got.LastSync.Equal(t0) {
		t.Fatalf("LastSync = %v", got.LastSync)
	}
}
