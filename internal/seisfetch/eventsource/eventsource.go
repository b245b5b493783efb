package eventsource

import (
	"time"

	"github.com/pieqf/seisfetch/internal/common/seiscontext"
	"github.com/pieqf/seisfetch/internal/seisfetch/domain"
)

// EventSource is the catalog of seismic events seismograms are retrieved for.
type EventSource interface {
	// GetAll returns the events of the current snapshot, blacklisted events excluded.
	GetAll() []*domain.Event
	// GetEvent returns the event whose magnitude is closest to magnitude.
	GetEvent(magnitude float64) (*domain.Event, error)
	// GetAllIds returns the ids of GetAll.
	GetAllIds() map[string]struct{}
	// BlackListEvent excludes an event from every future snapshot.
	BlackListEvent(event *domain.Event, reason string) error
	// Wait blocks until a snapshot newer than the one seen by the previous call is available, the timeout
	// elapses or ctx is cancelled. It returns true in the first case.
	Wait(ctx *seiscontext.Context, timeout time.Duration) bool
	// IsReady is true once a snapshot has been loaded.
	IsReady() bool
	// Reload re-reads the blacklist and the catalog.
	Reload() error
	// ModTime is the modification time of the catalog the current snapshot was loaded from.
	ModTime() time.Time
}
