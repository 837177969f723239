package learner

import (
	"context"

	"github.com/mind-engage/nihongo/pkg/offline-progress/progress"
)

// Store holds the authoritative per-user progress and settings.
type Store interface {
	GetProgress(ctx context.Context, userID string, k progress.Key) (progress.Item, error)
	PutProgress(ctx context.Context, userID string, it progress.Item) error
	ListProgress(ctx context.Context, userID, section string) ([]progress.Item, error)
	DeleteProgress(ctx context.Context, userID string) (int, error)

	GetSettings(ctx context.Context, userID string) (progress.Settings, error) // ErrNotFound when unset
	PutSettings(ctx context.Context, userID string, s progress.Settings) error
}
