// pkg/progress/syncer.go
package progress

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultMaxRetries = 5
	// DefaultMaxBatch matches the largest batch the sync endpoint accepts.
	DefaultMaxBatch = 500
)

// Resolver picks the record to keep when the server reports a conflict. The
// syncer fixes up the key and version of whatever it returns.
type Resolver func(local, server Item) Item

// LatestAttemptWins keeps the record answered most recently; ties go to the server.
func LatestAttemptWins(local, server Item) Item {
	if local.LastAttempt.After(server.LastAttempt) {
		return local
	}
	return server
}

// MaxCounters keeps the larger of each counter so no attempt is lost twice.
func MaxCounters(local, server Item) Item {
	out := server
	if local.Correct > out.Correct {
		out.Correct = local.Correct
	}
	if local.Incorrect > out.Incorrect {
		out.Incorrect = local.Incorrect
	}
	if local.LastAttempt.After(out.LastAttempt) {
		out.LastAttempt = local.LastAttempt
	}
	return out
}

func ResolverByName(name string) (Resolver, error) {
	switch name {
	case "", "latest":
		return LatestAttemptWins, nil
	case "max":
		return MaxCounters, nil
	default:
		return nil, fmt.Errorf("unknown conflict policy %q", name)
	}
}

type Syncer struct {
	Store      Store
	Remote     Remote
	Conn       *Connectivity
	Now        Clock
	ClientID   string
	MaxRetries int
	MaxBatch   int
	Resolve    Resolver
	NewBatchID func() string

	mu sync.Mutex
}

func New(store Store, remote Remote, conn *Connectivity, now Clock) *Syncer {
	if now == nil {
		now = time.Now
	}
	if conn == nil {
		conn = NewConnectivity(DefaultFailureThreshold, now)
	}
	return &Syncer{
		Store:      store,
		Remote:     remote,
		Conn:       conn,
		Now:        now,
		MaxRetries: DefaultMaxRetries,
		MaxBatch:   DefaultMaxBatch,
		Resolve:    LatestAttemptWins,
		NewBatchID: uuid.NewString,
	}
}

// SyncPending runs one reconciliation round over the outbox, skipping entries
// that exhausted their retry budget.
func (s *Syncer) SyncPending(ctx context.Context) (Result, error) {
	return s.sync(ctx, false)
}

// SyncAll runs a round that includes exhausted entries.
func (s *Syncer) SyncAll(ctx context.Context) (Result, error) {
	return s.sync(ctx, true)
}

func (s *Syncer) sync(ctx context.Context, force bool) (Result, error) {
	if !s.mu.TryLock() {
		return Result{}, ErrSyncInProgress
	}
	defer s.mu.Unlock()

	var res Result
	if !s.Conn.Online() {
		return res, ErrOffline
	}

	pending, err := s.Store.ListPending(ctx)
	if err != nil {
		return res, fmt.Errorf("list pending: %w", err)
	}

	sent := make(map[Key]PendingItem, len(pending))
	batch := make([]PendingItem, 0, len(pending))
	for _, p := range pending {
		if !force && p.RetryCount >= s.maxRetries() {
			res.Skipped++
			continue
		}
		if _, dup := sent[p.Key()]; dup {
			continue
		}
		sent[p.Key()] = p
		batch = append(batch, p)
	}
	if len(batch) == 0 {
		return res, nil
	}

	now := s.Now().UTC()
	size := s.maxBatch()
	for len(batch) > 0 {
		n := min(size, len(batch))
		if err := s.push(ctx, batch[:n], sent, now, &res); err != nil {
			return res, err
		}
		batch = batch[n:]
	}

	if res.Synced+res.Superseded > 0 {
		if err := s.Store.SetLastSync(ctx, now); err != nil {
			return res, fmt.Errorf("save last sync: %w", err)
		}
	}
	return res, nil
}

// push sends one batch and applies the server's verdicts to the outbox.
func (s *Syncer) push(ctx context.Context, batch []PendingItem, sent map[Key]PendingItem, now time.Time, res *Result) error {
	req := SyncRequest{BatchID: s.newBatchID(), ClientID: s.ClientID, Items: batch}
	res.BatchID = req.BatchID
	res.Batches++
	res.Sent += len(batch)

	resp, err := s.Remote.Push(ctx, req)
	if err != nil {
		s.Conn.ReportFailure(err)
		return fmt.Errorf("push batch %s: %w", req.BatchID, err)
	}
	s.Conn.ReportSuccess()

	inBatch := make(map[Key]bool, len(batch))
	for _, p := range batch {
		inBatch[p.Key()] = true
	}
	take := func(k Key) (PendingItem, bool) {
		if !inBatch[k] {
			return PendingItem{}, false
		}
		delete(inBatch, k)
		return sent[k], true
	}

	for _, k := range resp.Synced {
		p, ok := take(k)
		if !ok {
			continue
		}
		removed, err := s.Store.MarkSynced(ctx, k, p.Version)
		if err != nil {
			return fmt.Errorf("mark synced %s: %w", k, err)
		}
		if removed {
			res.Synced++
		} else {
			res.Superseded++
		}
	}
	for _, f := range resp.Failed {
		p, ok := take(f.Key)
		if !ok {
			continue
		}
		if err := s.Store.MarkFailed(ctx, f.Key, p.Version, f.Error, now); err != nil {
			return fmt.Errorf("mark failed %s: %w", f.Key, err)
		}
		log.Printf("sync: %s rejected: %s (retry %d)", f.Key, f.Error, p.RetryCount+1)
		res.Failed++
	}
	for _, c := range resp.Conflicts {
		p, ok := take(c.Key)
		if !ok {
			continue
		}
		log.Printf("sync: conflict on %s: local v%d, server v%d", c.Key, p.Version, c.Server.Version)
		if err := s.resolve(ctx, c.Key, c.Server); err != nil {
			return fmt.Errorf("resolve %s: %w", c.Key, err)
		}
		res.Conflicts++
	}
	return nil
}

// resolve merges the server record into the current local one and queues the
// result with a version above both, so the next round overwrites the server.
func (s *Syncer) resolve(ctx context.Context, k Key, server Item) error {
	resolve := s.Resolve
	if resolve == nil {
		resolve = LatestAttemptWins
	}
	return s.Store.Atomic(ctx, func(st Store) error {
		local, err := st.GetItem(ctx, k)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if errors.Is(err, ErrNotFound) {
			local = Item{Section: k.Section, ItemID: k.ItemID}
		}

		merged := resolve(local, server)
		merged.Section, merged.ItemID = k.Section, k.ItemID
		merged.Version = max(local.Version, server.Version) + 1

		if err := st.PutItem(ctx, merged); err != nil {
			return err
		}
		p := PendingItem{Item: merged, Status: StatusPending}
		if prev, err := st.GetPending(ctx, k); err == nil {
			p.RetryCount = prev.RetryCount
		}
		return st.Enqueue(ctx, p)
	})
}

// Hydrate pulls the server's records and adopts any that are newer than the
// local copy and have no unsynced local write. It returns how many were adopted.
func (s *Syncer) Hydrate(ctx context.Context) (int, error) {
	if !s.mu.TryLock() {
		return 0, ErrSyncInProgress
	}
	defer s.mu.Unlock()
	if !s.Conn.Online() {
		return 0, ErrOffline
	}

	items, err := s.Remote.Pull(ctx)
	if err != nil {
		s.Conn.ReportFailure(err)
		return 0, fmt.Errorf("pull: %w", err)
	}
	s.Conn.ReportSuccess()

	adopted := 0
	for _, srv := range items {
		k := srv.Key()
		if !k.Valid() {
			continue
		}
		took := false
		err := s.Store.Atomic(ctx, func(st Store) error {
			if _, err := st.GetPending(ctx, k); err == nil {
				return nil
			} else if !errors.Is(err, ErrNotFound) {
				return err
			}
			local, err := st.GetItem(ctx, k)
			if err == nil && local.Version >= srv.Version {
				return nil
			}
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			took = true
			return st.PutItem(ctx, srv)
		})
		if err != nil {
			return adopted, err
		}
		if took {
			adopted++
		}
	}
	return adopted, nil
}

// PushSettings sends the settings record to the server.
func (s *Syncer) PushSettings(ctx context.Context, st Settings) error {
	if !s.Conn.Online() {
		return ErrOffline
	}
	if err := s.Remote.PushSettings(ctx, st); err != nil {
		s.Conn.ReportFailure(err)
		return fmt.Errorf("push settings: %w", err)
	}
	s.Conn.ReportSuccess()
	return nil
}

// Probe pings the endpoint and feeds the result into Conn.
func (s *Syncer) Probe(ctx context.Context) error {
	if err := s.Remote.Ping(ctx); err != nil {
		s.Conn.ReportFailure(err)
		return err
	}
	s.Conn.ReportSuccess()
	return nil
}

func (s *Syncer) maxRetries() int {
	if s.MaxRetries <= 0 {
		return DefaultMaxRetries
	}
	return s.MaxRetries
}

func (s *Syncer) maxBatch() int {
	if s.MaxBatch <= 0 {
		return DefaultMaxBatch
	}
	return s.MaxBatch
}

func (s *Syncer) newBatchID() string {
	if s.NewBatchID == nil {
		return uuid.NewString()
	}
	return s.NewBatchID()
}
