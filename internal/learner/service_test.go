package learner

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mind-engage/nihongo/internal/db"
	syncx "github.com/mind-engage/nihongo/internal/sync"
	"github.com/mind-engage/nihongo/pkg/offline-progress/progress"
)

var at = time.Date(2026, 2, 10, 18, 45, 3, 987654321, time.UTC)

func pending(section, id string, correct, incorrect int, version int64) progress.PendingItem {
	return progress.PendingItem{
		Item: progress.Item{
			Section: section, ItemID: id,
			Correct: correct, Incorrect: incorrect,
			LastAttempt: at, Version: version,
		},
		Status: progress.StatusPending,
	}
}

type recordedEvents struct{ events []syncx.Event }

func (r *recordedEvents) Append(_ context.Context, e syncx.Event) error {
	r.events = append(r.events, e)
	return nil
}

func stores(t *testing.T) map[string]Store {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "server.db")
	dbh, err := db.Open(ctx, db.DriverSQLite, "file:"+path)
	if err != nil {
		t.Fatalf("db open: %v", err)
	}
	t.Cleanup(func() { _ = dbh.Close() })
	return map[string]Store{
		"memory": NewMemStore(),
		"sqlite": NewSQLStore(dbh, string(db.DriverSQLite)),
	}
}

func TestApply_Partitions(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ev := &recordedEvents{}
			svc := NewService(store, ev)

			// server already has kanji/山 at v3
			if err := store.PutProgress(ctx, "u1", progress.Item{Section: "kanji", ItemID: "山", Correct: 5, Version: 3, LastAttempt: at}); err != nil {
				t.Fatal(err)
			}

			// new, duplicate in batch, invalid, newer than stored, negative counter
			resp, err := svc.Apply(ctx, "u1", progress.SyncRequest{
				BatchID: "b1",
				Items: []progress.PendingItem{
					pending("words", "neko", 1, 0, 1),
					pending("words", "neko", 2, 0, 2),
					pending("", "x", 1, 0, 1),
					pending("kanji", "山", 6, 0, 4),
					pending("kanji", "川", -1, 0, 1),
				},
			})
			if err != nil {
				t.Fatalf("Apply: %v", err)
			}
			if len(resp.Synced) != 2 || len(resp.Failed) != 3 || len(resp.Conflicts) != 0 {
				t.Fatalf("resp = %+v", resp)
			}
			if resp.Failed[0].Error != ReasonDuplicate || resp.Failed[1].Error != ReasonInvalid {
				t.Fatalf("failed = %+v", resp.Failed)
			}
			if len(ev.events) != 2 || ev.events[0].Type != EventProgressSynced || ev.events[0].Key != "u1/words/neko" {
				t.Fatalf("events = %+v", ev.events)
			}
			got, _ := store.GetProgress(ctx, "u1", progress.Key{Section: "words", ItemID: "neko"})
			if got.Correct != 1 || got.Version != 1 || !got.LastAttempt.Equal(at) {
				t.Fatalf("stored = %+v", got)
			}
		})
	}
}

func TestApply_ResendAndConflict(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			svc := NewService(store, nil)
			first := pending("words", "inu", 2, 1, 3)
			if _, err := svc.Apply(ctx, "u1", progress.SyncRequest{Items: []progress.PendingItem{first}}); err != nil {
				t.Fatal(err)
			}

			// same version, same data: acked again, no conflict
			resp, _ := svc.Apply(ctx, "u1", progress.SyncRequest{Items: []progress.PendingItem{first}})
			if len(resp.Synced) != 1 {
				t.Fatalf("resend resp = %+v", resp)
			}

			// another device wrote v3 with different counters
			other := pending("words", "inu", 0, 4, 3)
			resp, _ = svc.Apply(ctx, "u1", progress.SyncRequest{Items: []progress.PendingItem{other}})
			if len(resp.Conflicts) != 1 || resp.Conflicts[0].Server.Correct != 2 {
				t.Fatalf("conflict resp = %+v", resp)
			}

			// older version conflicts too
			old := pending("words", "inu", 1, 0, 1)
			resp, _ = svc.Apply(ctx, "u1", progress.SyncRequest{Items: []progress.PendingItem{old}})
			if len(resp.Conflicts) != 1 {
				t.Fatalf("stale resp = %+v", resp)
			}

			// users are isolated
			resp, _ = svc.Apply(ctx, "u2", progress.SyncRequest{Items: []progress.PendingItem{old}})
			if len(resp.Synced) != 1 {
				t.Fatalf("u2 resp = %+v", resp)
			}
		})
	}
}

func TestStatsSettingsReset(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			svc := NewService(store, nil)
			svc.Now = func() time.Time { return at }
			_, _ = svc.Apply(ctx, "u1", progress.SyncRequest{Items: []progress.PendingItem{
				pending("kanji", "山", 4, 0, 4),
				pending("kanji", "川", 1, 3, 4),
				pending("hiragana", "a", 2, 0, 2),
			}})

			st, err := svc.Stats(ctx, "u1")
			if err != nil {
				t.Fatalf("Stats: %v", err)
			}
			if st.Items != 3 || st.Correct != 7 || st.Attempts != 10 || st.Mastered != 1 || len(st.Sections) != 2 {
				t.Fatalf("stats = %+v", st)
			}
			if st.Sections[1].Section != "kanji" || st.Sections[1].LastAttempt != at.Unix() {
				t.Fatalf("sections = %+v", st.Sections)
			}

			def, _ := svc.Settings(ctx, "u1")
			if !def.ShowRomaji || def.Quiz.Mode != "multiple_choice" {
				t.Fatalf("defaults = %+v", def)
			}
			def.DarkMode = true
			saved, err := svc.PutSettings(ctx, "u1", def)
			if err != nil || !saved.UpdatedAt.Equal(at) {
				t.Fatalf("PutSettings = %+v, %v", saved, err)
			}
			got, _ := svc.Settings(ctx, "u1")
			if !got.DarkMode {
				t.Fatalf("settings = %+v", got)
			}
			if _, err := svc.PutSettings(ctx, "u1", progress.Settings{Quiz: progress.QuizDefaults{Mode: "essay"}}); err == nil {
				t.Fatalf("expected error for unknown quiz mode")
			}

			n, err := svc.Reset(ctx, "u1")
			if err != nil || n != 3 {
				t.Fatalf("Reset = %d, %v", n, err)
			}
			items, _ := svc.Progress(ctx, "u1", "")
			if len(items) != 0 {
				t.Fatalf("items after reset = %+v", items)
			}
		})
	}
}

func TestEventRepo_AppendSince(t *testing.T) {
	ctx := context.Background()
	dbh, err := db.Open(ctx, db.DriverSQLite, "file:"+filepath.Join(t.TempDir(), "ev.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer dbh.Close()

	repo := syncx.NewEventRepo(dbh)
	svc := NewService(NewSQLStore(dbh, "sqlite"), repo)
	_, _ = svc.Apply(ctx, "u1", progress.SyncRequest{BatchID: "b", Items: []progress.PendingItem{
		pending("words", "a", 1, 0, 1),
		pending("words", "b", 1, 0, 1),
	}})

	evs, err := repo.Since(ctx, 0, 10)
	if err != nil || len(evs) != 2 {
		t.Fatalf("Since = %+v, %v", evs, err)
	}
	more, _ := repo.Since(ctx, evs[0].Seq, 10)
	if len(more) != 1 || more[0].Key != "u1/words/b" {
		t.Fatalf("Since(first) = %+v", more)
	}
}
