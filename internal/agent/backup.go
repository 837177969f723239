package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mind-engage/nihongo/internal/storage"
	"github.com/mind-engage/nihongo/pkg/offline-progress/progress"
)

const (
	backupPrefix      = "backups/"
	DefaultBackupKeep = 10
)

// Snapshot is the serialized form of a backup.
type Snapshot struct {
	CreatedAt time.Time              `json:"created_at"`
	Items     []progress.Item        `json:"items"`
	Pending   []progress.PendingItem `json:"pending"`
	Settings  progress.Settings      `json:"settings"`
}

// Backups writes snapshots of the local store to a blob store and restores
// them. Keep bounds how many snapshots survive a new backup.
type Backups struct {
	Store progress.Store
	Blobs storage.BlobStore
	Now   progress.Clock
	Keep  int
}

func (b *Backups) Backup(ctx context.Context) (string, error) {
	var (
		items   []progress.Item
		pending []progress.PendingItem
		st      progress.Settings
	)
	// one consistent view; answers recorded meanwhile wait for it
	err := b.Store.Atomic(ctx, func(tx progress.Store) error {
		var err error
		if items, err = tx.ListItems(ctx, ""); err != nil {
			return err
		}
		if pending, err = tx.ListPending(ctx); err != nil {
			return err
		}
		st, err = tx.GetSettings(ctx)
		return err
	})
	if err != nil {
		return "", err
	}
	at := b.Now().UTC()
	raw, err := json.Marshal(Snapshot{CreatedAt: at, Items: items, Pending: pending, Settings: st})
	if err != nil {
		return "", err
	}
	key := fmt.Sprintf("%s%s-%s.json", backupPrefix, at.Format("20060102T150405Z"), uuid.NewString()[:8])
	key, err = b.Blobs.Put(ctx, key, bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}
	if err := b.prune(ctx); err != nil {
		return key, fmt.Errorf("prune backups: %w", err)
	}
	return key, nil
}

func (b *Backups) List(ctx context.Context) ([]storage.BlobInfo, error) {
	return b.Blobs.List(ctx, backupPrefix)
}

// Restore replaces local progress, the outbox and settings with a snapshot.
// The swap is a single Store.Replace, so a bad snapshot leaves local state as
// it was.
func (b *Backups) Restore(ctx context.Context, key string) error {
	if !strings.HasPrefix(key, backupPrefix) {
		key = backupPrefix + key
	}
	rc, err := b.Blobs.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %s", progress.ErrNotFound, key)
	}
	if err != nil {
		return err
	}
	defer rc.Close()
	var snap Snapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("decode backup %s: %w", key, err)
	}

	s, err := snap.Settings.Normalize()
	if err != nil {
		s = progress.DefaultSettings()
	}
	s.LastSync = snap.Settings.LastSync
	if err := b.Store.Replace(ctx, snap.Items, snap.Pending, s); err != nil {
		return fmt.Errorf("restore %s: %w", key, err)
	}
	return nil
}

func (b *Backups) prune(ctx context.Context) error {
	keep := b.Keep
	if keep <= 0 {
		keep = DefaultBackupKeep
	}
	list, err := b.List(ctx)
	if err != nil {
		return err
	}
	for i := keep; i < len(list); i++ {
		if err := b.Blobs.Delete(ctx, list[i].Key); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
	}
	return nil
}
