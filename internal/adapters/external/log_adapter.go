package external

import (
	"context"
	"log"
	"time"

	"github.com/atvirokodosprendimai/benesync/internal/core/domain"
)

// LogAdapter is a sink-only adapter for environments without a real
// third-party system. Pushes are logged and acked, pulls return nothing.
type LogAdapter struct{}

func NewLogAdapter() *LogAdapter {
	return &LogAdapter{}
}

func (a *LogAdapter) Authenticate(context.Context, domain.Credentials) error {
	return nil
}

func (a *LogAdapter) PushData(_ context.Context, events []domain.Event) error {
	for _, ev := range events {
		log.Printf("external push event=%s type=%s entity=%s user=%s", ev.Guid, ev.Type, ev.EntityGuid, ev.UserID)
	}
	return nil
}

func (a *LogAdapter) PullData(context.Context, time.Time) ([]domain.ExternalRecord, error) {
	return nil, nil
}
