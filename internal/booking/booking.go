// Package booking turns confirmed candidates into calendar events and manages
// the class-roster enrollment variant. It owns the event title and description
// conventions and the share artifacts (deep link, ICS file).
package booking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	ics "github.com/emersion/go-ical"
	"github.com/google/uuid"

	"github.com/citabot/citabot/internal/calendar"
	"github.com/citabot/citabot/internal/models"
	"github.com/citabot/citabot/internal/rules"
	"github.com/citabot/citabot/internal/timeparse"
)

// DefaultDuration is the event length when the candidate does not specify one.
const DefaultDuration = 30 * time.Minute

// rosterProperty is the private extended-property key holding the class
// roster ledger, JSON-encoded.
const rosterProperty = "citabot_roster"

// Opts holds configuration options for the booking service.
type Opts struct {
	CalendarID      string
	DefaultDuration time.Duration
	Location        *time.Location
}

// Option defines a configuration option for the booking service.
type Option func(*Opts)

// WithCalendarID sets the target calendar.
func WithCalendarID(id string) Option {
	return func(o *Opts) { o.CalendarID = id }
}

// WithDefaultDuration sets the event length used when none is requested.
func WithDefaultDuration(d time.Duration) Option {
	return func(o *Opts) { o.DefaultDuration = d }
}

// WithLocation sets the civil timezone used to resolve and render times.
func WithLocation(loc *time.Location) Option {
	return func(o *Opts) { o.Location = loc }
}

// Service books, reschedules, cancels and enrolls against a calendar backend.
type Service struct {
	backend         calendar.Backend
	resolver        *timeparse.Resolver
	validator       *rules.Validator
	calendarID      string
	defaultDuration time.Duration
	location        *time.Location
}

// NewService creates a booking service around a backend, resolver and
// business-rule validator.
func NewService(backend calendar.Backend, resolver *timeparse.Resolver, validator *rules.Validator, opts ...Option) *Service {
	cfg := Opts{DefaultDuration: DefaultDuration, Location: time.Local}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Service{
		backend:         backend,
		resolver:        resolver,
		validator:       validator,
		calendarID:      cfg.CalendarID,
		defaultDuration: cfg.DefaultDuration,
		location:        cfg.Location,
	}
}

// CalendarID returns the calendar this service books against.
func (s *Service) CalendarID() string { return s.calendarID }

// Resolver returns the date/time resolver this service was built with.
func (s *Service) Resolver() *timeparse.Resolver { return s.resolver }

// Preview resolves and validates a candidate and returns the event that would
// be created, without touching the backend. Used by the dry-run booking path.
func (s *Service) Preview(cand *models.Candidate) (*models.Event, error) {
	return s.buildEvent(cand)
}

// Create books a confirmed candidate. It requests a Meet conference; if the
// insert fails with conferencing it retries once without, and the returned
// degraded flag tells the caller the link was dropped.
func (s *Service) Create(ctx context.Context, cand *models.Candidate) (*models.Event, bool, error) {
	event, err := s.buildEvent(cand)
	if err != nil {
		return nil, false, err
	}

	created, err := s.backend.Insert(ctx, s.calendarID, event, true)
	if err == nil {
		slog.Info("BookingService.Create: event created", "event_id", created.ID, "start", created.Start)
		return created, false, nil
	}

	slog.Warn("BookingService.Create: insert with conference failed, retrying without", "error", err)
	created, err = s.backend.Insert(ctx, s.calendarID, event, false)
	if err != nil {
		slog.Error("BookingService.Create: insert failed", "error", err)
		return nil, false, fmt.Errorf("failed to create event: %w", err)
	}
	slog.Info("BookingService.Create: event created without conference", "event_id", created.ID)
	return created, true, nil
}

// UpdateFields carries the optional reschedule fields. Empty strings and zero
// values mean "leave as is".
type UpdateFields struct {
	Name            string `json:"nombre,omitempty"`
	DateTimeText    string `json:"datetime_text,omitempty"`
	Date            string `json:"fecha,omitempty"`
	Time            string `json:"hora,omitempty"`
	DurationMinutes int    `json:"duracion_minutos,omitempty"`
	Phone           string `json:"telefono,omitempty"`
	Email           string `json:"email,omitempty"`
	Comment         string `json:"comentario,omitempty"`
}

func (f UpdateFields) hasDateTime() bool {
	return f.DateTimeText != "" || f.Date != "" || f.Time != ""
}

// Update reschedules or edits an existing event, overlaying only the supplied
// fields onto the stored event.
func (s *Service) Update(ctx context.Context, eventID string, fields UpdateFields) (*models.Event, error) {
	current, err := s.backend.Get(ctx, s.calendarID, eventID)
	if err != nil {
		return nil, err
	}

	if fields.Name != "" {
		current.Summary = "Cita con " + fields.Name
	}

	duration := current.End.Sub(current.Start)
	if fields.DurationMinutes > 0 {
		duration = time.Duration(fields.DurationMinutes) * time.Minute
	}
	if fields.hasDateTime() {
		in := timeparse.Input{
			FreeText: fields.DateTimeText,
			Date:     fields.Date,
			Time:     fields.Time,
		}
		// A lone time keeps the stored date; a lone date keeps the stored clock.
		if in.FreeText == "" && in.Date == "" && in.Time != "" {
			in.Date = current.Start.In(s.location).Format("2006-01-02")
		}
		if in.FreeText == "" && in.Time == "" && in.Date != "" {
			in.Time = current.Start.In(s.location).Format("15:04")
		}
		start, err := s.resolver.Resolve(in)
		if err != nil {
			return nil, err
		}
		current.Start = start
	}
	current.End = current.Start.Add(duration)

	if err := s.validator.Validate(current.Start, current.End); err != nil {
		return nil, err
	}

	if fields.Phone != "" || fields.Email != "" || fields.Comment != "" {
		current.Description = mergeDescription(current.Description, fields.Phone, fields.Email, fields.Comment)
	}
	if fields.Email != "" {
		current.Attendees = []string{fields.Email}
	}

	updated, err := s.backend.Update(ctx, s.calendarID, eventID, current)
	if err != nil {
		return nil, err
	}
	slog.Info("BookingService.Update: event updated", "event_id", eventID, "start", updated.Start)
	return updated, nil
}

// Delete cancels an event. A missing event is benign: already cancelled is the
// state the caller wanted.
func (s *Service) Delete(ctx context.Context, eventID, calendarID string) error {
	if calendarID == "" {
		calendarID = s.calendarID
	}
	err := s.backend.Delete(ctx, calendarID, eventID)
	if err != nil {
		if err == models.ErrEventNotFound {
			slog.Warn("BookingService.Delete: event already gone", "event_id", eventID)
			return models.ErrEventNotFound
		}
		return fmt.Errorf("failed to delete event %s: %w", eventID, err)
	}
	slog.Info("BookingService.Delete: event deleted", "event_id", eventID)
	return nil
}

// Get fetches an event by id from the service's calendar.
func (s *Service) Get(ctx context.Context, eventID string) (*models.Event, error) {
	return s.backend.Get(ctx, s.calendarID, eventID)
}

// List returns the events in the window, for cancellation-target matching.
func (s *Service) List(ctx context.Context, from, to time.Time) ([]*models.Event, error) {
	return s.backend.List(ctx, s.calendarID, from, to)
}

// EnrollRequest asks for one participant in a shared class slot.
type EnrollRequest struct {
	Name       string
	ExternalID string
	Title      string
	Start      time.Time
	End        time.Time
	Capacity   int
}

// Enroll adds a participant to the shared class event covering exactly the
// requested interval, creating the event on first enrollment. Re-enrolling the
// same participant returns the existing event unchanged; a full class returns
// models.ErrClassFull without mutating the roster.
func (s *Service) Enroll(ctx context.Context, req EnrollRequest) (*models.Event, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("participant name is required")
	}
	if req.Capacity <= 0 {
		return nil, fmt.Errorf("capacity must be positive")
	}
	if !req.End.After(req.Start) {
		return nil, fmt.Errorf("class end must be after start")
	}

	existing, err := s.findClassEvent(ctx, req)
	if err != nil {
		return nil, err
	}

	participant := models.Participant{
		Name:       req.Name,
		ExternalID: req.ExternalID,
		EnrolledAt: time.Now(),
	}

	if existing == nil {
		roster := models.Roster{Capacity: req.Capacity, Participants: []models.Participant{participant}}
		event := &models.Event{
			Summary:  classTitle(req.Title, 1, req.Capacity),
			Start:    req.Start,
			End:      req.End,
			Timezone: s.location.String(),
			Private:  map[string]string{rosterProperty: encodeRoster(roster)},
		}
		created, err := s.backend.Insert(ctx, s.calendarID, event, false)
		if err != nil {
			return nil, fmt.Errorf("failed to create class event: %w", err)
		}
		slog.Info("BookingService.Enroll: class created", "event_id", created.ID, "participant", req.Name)
		return created, nil
	}

	roster, err := decodeRoster(existing.Private[rosterProperty])
	if err != nil {
		return nil, fmt.Errorf("failed to decode class roster for event %s: %w", existing.ID, err)
	}
	if roster.Capacity == 0 {
		roster.Capacity = req.Capacity
	}

	for _, p := range roster.Participants {
		if samePerson(p, participant) {
			slog.Debug("BookingService.Enroll: already enrolled", "event_id", existing.ID, "participant", req.Name)
			return existing, nil
		}
	}
	if len(roster.Participants) >= roster.Capacity {
		return nil, models.ErrClassFull
	}

	roster.Participants = append(roster.Participants, participant)
	if existing.Private == nil {
		existing.Private = map[string]string{}
	}
	existing.Private[rosterProperty] = encodeRoster(roster)
	existing.Summary = classTitle(req.Title, len(roster.Participants), roster.Capacity)

	updated, err := s.backend.Update(ctx, s.calendarID, existing.ID, existing)
	if err != nil {
		return nil, fmt.Errorf("failed to update class event %s: %w", existing.ID, err)
	}
	slog.Info("BookingService.Enroll: participant enrolled",
		"event_id", updated.ID, "participant", req.Name, "enrolled", len(roster.Participants), "capacity", roster.Capacity)
	return updated, nil
}

// findClassEvent locates the shared class event matching the exact interval,
// or nil when none exists yet.
func (s *Service) findClassEvent(ctx context.Context, req EnrollRequest) (*models.Event, error) {
	events, err := s.backend.List(ctx, s.calendarID, req.Start.Add(-time.Minute), req.End.Add(time.Minute))
	if err != nil {
		return nil, fmt.Errorf("failed to list class candidates: %w", err)
	}
	for _, ev := range events {
		if !ev.Start.Equal(req.Start) || !ev.End.Equal(req.End) {
			continue
		}
		if _, ok := ev.Private[rosterProperty]; ok {
			return ev, nil
		}
	}
	return nil, nil
}

func classTitle(title string, enrolled, capacity int) string {
	if title == "" {
		title = "Clase"
	}
	return fmt.Sprintf("%s (%d/%d)", title, enrolled, capacity)
}

func samePerson(a, b models.Participant) bool {
	if a.ExternalID != "" && b.ExternalID != "" {
		return a.ExternalID == b.ExternalID
	}
	return normalizeName(a.Name) == normalizeName(b.Name)
}

func normalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

func encodeRoster(r models.Roster) string {
	data, _ := json.Marshal(r)
	return string(data)
}

func decodeRoster(raw string) (models.Roster, error) {
	var r models.Roster
	if raw == "" {
		return r, nil
	}
	err := json.Unmarshal([]byte(raw), &r)
	return r, err
}

// DeepLink builds a Google Calendar render URL showing the event, usable
// without API credentials.
func (s *Service) DeepLink(event *models.Event) string {
	const layout = "20060102T150405Z"
	vals := url.Values{}
	vals.Set("action", "TEMPLATE")
	vals.Set("text", event.Summary)
	vals.Set("dates", event.Start.UTC().Format(layout)+"/"+event.End.UTC().Format(layout))
	if event.Description != "" {
		vals.Set("details", event.Description)
	}
	if event.Timezone != "" {
		vals.Set("ctz", event.Timezone)
	}
	return "https://calendar.google.com/calendar/render?" + vals.Encode()
}

// ICS renders the event as a downloadable single-VEVENT calendar file.
func (s *Service) ICS(event *models.Event) ([]byte, error) {
	ev := ics.NewEvent()
	uid := event.ID
	if uid == "" {
		uid = uuid.NewString()
	}
	ev.Props.SetText(ics.PropUID, uid+"@citabot")
	ev.Props.SetDateTime(ics.PropDateTimeStamp, time.Now().UTC())
	ev.Props.SetDateTime(ics.PropDateTimeStart, event.Start.UTC())
	ev.Props.SetDateTime(ics.PropDateTimeEnd, event.End.UTC())
	ev.Props.SetText(ics.PropSummary, event.Summary)
	if event.Description != "" {
		ev.Props.SetText(ics.PropDescription, event.Description)
	}
	if event.MeetLink != "" {
		ev.Props.SetText(ics.PropLocation, event.MeetLink)
	}

	cal := ics.NewCalendar()
	cal.Props.SetText(ics.PropVersion, "2.0")
	cal.Props.SetText(ics.PropProductID, "-//CitaBot//Citas//ES")
	cal.Children = append(cal.Children, ev.Component)

	var buf bytes.Buffer
	if err := ics.NewEncoder(&buf).Encode(cal); err != nil {
		return nil, fmt.Errorf("failed to encode ICS: %w", err)
	}
	return buf.Bytes(), nil
}

// buildEvent resolves the candidate's time, validates it and assembles the
// event body shared by Preview and Create.
func (s *Service) buildEvent(cand *models.Candidate) (*models.Event, error) {
	if cand == nil || cand.Name == "" {
		return nil, fmt.Errorf("candidate name is required")
	}
	start, err := s.resolver.Resolve(timeparse.Input{
		FreeText:      cand.DateTimeText,
		Date:          cand.Date,
		Time:          cand.Time,
		AllowDateOnly: true,
	})
	if err != nil {
		return nil, err
	}

	duration := s.defaultDuration
	if cand.DurationMinutes > 0 {
		duration = time.Duration(cand.DurationMinutes) * time.Minute
	}
	end := start.Add(duration)

	if err := s.validator.Validate(start, end); err != nil {
		return nil, err
	}

	event := &models.Event{
		Summary:     "Cita con " + cand.Name,
		Description: buildDescription(cand.Phone, cand.Email, cand.Comment),
		Start:       start,
		End:         end,
		Timezone:    s.location.String(),
	}
	// Inviting the email as an attendee makes the backend send the client
	// their own calendar invitation.
	if cand.Email != "" {
		event.Attendees = []string{cand.Email}
	}
	return event, nil
}

// buildDescription assembles the structured description lines in fixed order.
func buildDescription(phone, email, comment string) string {
	var lines []string
	if phone != "" {
		lines = append(lines, "Teléfono: "+phone)
	}
	if email != "" {
		lines = append(lines, "Email: "+email)
	}
	if comment != "" {
		lines = append(lines, "Comentario: "+comment)
	}
	return strings.Join(lines, "\n")
}

// mergeDescription overlays new contact values onto the stored description,
// keeping lines it does not recognize.
func mergeDescription(existing, phone, email, comment string) string {
	var prevPhone, prevEmail, prevComment string
	var extra []string
	for _, line := range strings.Split(existing, "\n") {
		switch {
		case strings.HasPrefix(line, "Teléfono: "):
			prevPhone = strings.TrimPrefix(line, "Teléfono: ")
		case strings.HasPrefix(line, "Email: "):
			prevEmail = strings.TrimPrefix(line, "Email: ")
		case strings.HasPrefix(line, "Comentario: "):
			prevComment = strings.TrimPrefix(line, "Comentario: ")
		case strings.TrimSpace(line) != "":
			extra = append(extra, line)
		}
	}
	if phone == "" {
		phone = prevPhone
	}
	if email == "" {
		email = prevEmail
	}
	if comment == "" {
		comment = prevComment
	}
	merged := buildDescription(phone, email, comment)
	if len(extra) > 0 {
		if merged != "" {
			merged += "\n"
		}
		merged += strings.Join(extra, "\n")
	}
	return merged
}
