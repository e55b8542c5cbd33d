// Package calendar abstracts the calendar backend behind a small interface
// and implements it for Google Calendar v3.
package calendar

import (
	"context"
	"time"

	"github.com/citabot/citabot/internal/models"
)

// Backend is the calendar capability consumed by the booking service. The
// backend owns event identity and serializes conflicting writes to a single
// event; CitaBot adds no locking on top.
type Backend interface {
	// Insert creates an event. When withConference is true the backend is
	// asked to attach a video-conference link; the booking service handles
	// the fallback when that fails.
	Insert(ctx context.Context, calendarID string, event *models.Event, withConference bool) (*models.Event, error)

	// Update overwrites an existing event.
	Update(ctx context.Context, calendarID, eventID string, event *models.Event) (*models.Event, error)

	// Get fetches one event. Returns models.ErrEventNotFound for missing ids.
	Get(ctx context.Context, calendarID, eventID string) (*models.Event, error)

	// Delete removes an event. Returns models.ErrEventNotFound when the
	// backend reports it missing or already gone.
	Delete(ctx context.Context, calendarID, eventID string) error

	// List returns events starting inside [from, to].
	List(ctx context.Context, calendarID string, from, to time.Time) ([]*models.Event, error)
}
