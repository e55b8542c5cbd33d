package calendar

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/citabot/citabot/internal/models"
	"github.com/google/uuid"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// Opts holds configuration options for the Google Calendar backend.
type Opts struct {
	CredentialsJSON []byte
	Timezone        string
}

// Option defines a configuration option for the Google Calendar backend.
type Option func(*Opts)

// WithCredentialsJSON sets the service-account credentials.
func WithCredentialsJSON(raw []byte) Option {
	return func(o *Opts) { o.CredentialsJSON = raw }
}

// WithTimezone sets the civil timezone written on event start/end blocks.
func WithTimezone(tz string) Option {
	return func(o *Opts) { o.Timezone = tz }
}

// GoogleBackend implements Backend against the Google Calendar v3 API using
// service-account credentials.
type GoogleBackend struct {
	svc      *gcal.Service
	timezone string
}

// Compile-time check that GoogleBackend implements Backend.
var _ Backend = (*GoogleBackend)(nil)

// NewGoogleBackend creates the backend, falling back to the
// GOOGLE_SERVICE_ACCOUNT_JSON environment variable for credentials.
func NewGoogleBackend(ctx context.Context, opts ...Option) (*GoogleBackend, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if len(cfg.CredentialsJSON) == 0 {
		raw := os.Getenv("GOOGLE_SERVICE_ACCOUNT_JSON")
		if raw == "" {
			return nil, fmt.Errorf("GOOGLE_SERVICE_ACCOUNT_JSON not set")
		}
		cfg.CredentialsJSON = []byte(raw)
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "America/Santiago"
	}

	svc, err := gcal.NewService(ctx,
		option.WithCredentialsJSON(cfg.CredentialsJSON),
		option.WithScopes(gcal.CalendarScope),
	)
	if err != nil {
		slog.Error("calendar.NewGoogleBackend: service init failed", "error", err)
		return nil, fmt.Errorf("failed to initialize calendar service: %w", err)
	}
	slog.Info("calendar.NewGoogleBackend: Google Calendar service initialized", "timezone", cfg.Timezone)
	return &GoogleBackend{svc: svc, timezone: cfg.Timezone}, nil
}

func (g *GoogleBackend) Insert(ctx context.Context, calendarID string, event *models.Event, withConference bool) (*models.Event, error) {
	body := g.toGoogle(event)
	call := g.svc.Events.Insert(calendarID, body).SendUpdates("all").Context(ctx)
	if withConference {
		body.ConferenceData = &gcal.ConferenceData{
			CreateRequest: &gcal.CreateConferenceRequest{
				RequestId:             uuid.NewString(),
				ConferenceSolutionKey: &gcal.ConferenceSolutionKey{Type: "hangoutsMeet"},
			},
		}
		call = call.ConferenceDataVersion(1)
	}

	created, err := call.Do()
	if err != nil {
		slog.Error("calendar.Insert: failed", "error", err, "calendar_id", calendarID, "with_conference", withConference)
		return nil, fmt.Errorf("failed to insert event: %w", err)
	}
	slog.Debug("calendar.Insert: event created", "event_id", created.Id, "with_conference", withConference)
	return g.fromGoogle(created, calendarID), nil
}

func (g *GoogleBackend) Update(ctx context.Context, calendarID, eventID string, event *models.Event) (*models.Event, error) {
	updated, err := g.svc.Events.Update(calendarID, eventID, g.toGoogle(event)).SendUpdates("all").Context(ctx).Do()
	if err != nil {
		if isNotFound(err) {
			return nil, models.ErrEventNotFound
		}
		slog.Error("calendar.Update: failed", "error", err, "event_id", eventID)
		return nil, fmt.Errorf("failed to update event %s: %w", eventID, err)
	}
	return g.fromGoogle(updated, calendarID), nil
}

func (g *GoogleBackend) Get(ctx context.Context, calendarID, eventID string) (*models.Event, error) {
	ev, err := g.svc.Events.Get(calendarID, eventID).Context(ctx).Do()
	if err != nil {
		if isNotFound(err) {
			return nil, models.ErrEventNotFound
		}
		return nil, fmt.Errorf("failed to get event %s: %w", eventID, err)
	}
	return g.fromGoogle(ev, calendarID), nil
}

func (g *GoogleBackend) Delete(ctx context.Context, calendarID, eventID string) error {
	err := g.svc.Events.Delete(calendarID, eventID).SendUpdates("all").Context(ctx).Do()
	if err != nil {
		if isNotFound(err) {
			return models.ErrEventNotFound
		}
		slog.Error("calendar.Delete: failed", "error", err, "event_id", eventID)
		return fmt.Errorf("failed to delete event %s: %w", eventID, err)
	}
	return nil
}

func (g *GoogleBackend) List(ctx context.Context, calendarID string, from, to time.Time) ([]*models.Event, error) {
	res, err := g.svc.Events.List(calendarID).
		TimeMin(from.Format(time.RFC3339)).
		TimeMax(to.Format(time.RFC3339)).
		SingleEvents(true).
		OrderBy("startTime").
		Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}

	events := make([]*models.Event, 0, len(res.Items))
	for _, item := range res.Items {
		events = append(events, g.fromGoogle(item, calendarID))
	}
	return events, nil
}

// isNotFound reports whether the API error means the event does not exist.
// Google answers 404 for unknown ids and 410 for already-deleted events.
func isNotFound(err error) bool {
	if apiErr, ok := err.(*googleapi.Error); ok {
		return apiErr.Code == 404 || apiErr.Code == 410
	}
	return false
}

func (g *GoogleBackend) toGoogle(event *models.Event) *gcal.Event {
	tz := event.Timezone
	if tz == "" {
		tz = g.timezone
	}
	body := &gcal.Event{
		Summary:     event.Summary,
		Description: event.Description,
		Start:       &gcal.EventDateTime{DateTime: event.Start.Format(time.RFC3339), TimeZone: tz},
		End:         &gcal.EventDateTime{DateTime: event.End.Format(time.RFC3339), TimeZone: tz},
	}
	for _, email := range event.Attendees {
		body.Attendees = append(body.Attendees, &gcal.EventAttendee{Email: email})
	}
	if len(event.Private) > 0 {
		body.ExtendedProperties = &gcal.EventExtendedProperties{Private: event.Private}
	}
	return body
}

func (g *GoogleBackend) fromGoogle(ev *gcal.Event, calendarID string) *models.Event {
	out := &models.Event{
		ID:          ev.Id,
		CalendarID:  calendarID,
		Summary:     ev.Summary,
		Description: ev.Description,
		Timezone:    g.timezone,
		HTMLLink:    ev.HtmlLink,
	}
	if ev.Start != nil && ev.Start.DateTime != "" {
		if t, err := time.Parse(time.RFC3339, ev.Start.DateTime); err == nil {
			out.Start = t
		}
		if ev.Start.TimeZone != "" {
			out.Timezone = ev.Start.TimeZone
		}
	}
	if ev.End != nil && ev.End.DateTime != "" {
		if t, err := time.Parse(time.RFC3339, ev.End.DateTime); err == nil {
			out.End = t
		}
	}
	if ev.ConferenceData != nil {
		for _, ep := range ev.ConferenceData.EntryPoints {
			if ep.EntryPointType == "video" {
				out.MeetLink = ep.Uri
				break
			}
		}
	}
	if ev.HangoutLink != "" && out.MeetLink == "" {
		out.MeetLink = ev.HangoutLink
	}
	for _, att := range ev.Attendees {
		if att.Email != "" {
			out.Attendees = append(out.Attendees, att.Email)
		}
	}
	if ev.ExtendedProperties != nil && len(ev.ExtendedProperties.Private) > 0 {
		out.Private = ev.ExtendedProperties.Private
	}
	return out
}
