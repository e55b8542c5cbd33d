package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/citabot/citabot/internal/models"
	"github.com/citabot/citabot/internal/rules"
	"github.com/citabot/citabot/internal/timeparse"
)

// fakeBackend is an in-memory calendar for tests. failConferenceInserts makes
// conference-enabled inserts fail to exercise the degraded retry.
type fakeBackend struct {
	events                map[string]*models.Event
	nextID                int
	failConferenceInserts bool
	failAllInserts        bool
	inserts               int
	updates               int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{events: make(map[string]*models.Event)}
}

func (f *fakeBackend) Insert(ctx context.Context, calendarID string, event *models.Event, withConference bool) (*models.Event, error) {
	f.inserts++
	if f.failAllInserts {
		return nil, errors.New("backend unavailable")
	}
	if withConference && f.failConferenceInserts {
		return nil, errors.New("conference creation rejected")
	}
	f.nextID++
	cp := *event
	cp.ID = fmt.Sprintf("ev%d", f.nextID)
	cp.CalendarID = calendarID
	if withConference {
		cp.MeetLink = "https://meet.example/" + cp.ID
	}
	f.events[cp.ID] = &cp
	return &cp, nil
}

func (f *fakeBackend) Update(ctx context.Context, calendarID, eventID string, event *models.Event) (*models.Event, error) {
	f.updates++
	if _, ok := f.events[eventID]; !ok {
		return nil, models.ErrEventNotFound
	}
	cp := *event
	cp.ID = eventID
	cp.CalendarID = calendarID
	f.events[eventID] = &cp
	return &cp, nil
}

func (f *fakeBackend) Get(ctx context.Context, calendarID, eventID string) (*models.Event, error) {
	ev, ok := f.events[eventID]
	if !ok {
		return nil, models.ErrEventNotFound
	}
	cp := *ev
	return &cp, nil
}

func (f *fakeBackend) Delete(ctx context.Context, calendarID, eventID string) error {
	if _, ok := f.events[eventID]; !ok {
		return models.ErrEventNotFound
	}
	delete(f.events, eventID)
	return nil
}

func (f *fakeBackend) List(ctx context.Context, calendarID string, from, to time.Time) ([]*models.Event, error) {
	var out []*models.Event
	for _, ev := range f.events {
		if !ev.Start.Before(from) && !ev.Start.After(to) {
			cp := *ev
			out = append(out, &cp)
		}
	}
	return out, nil
}

func testService(t *testing.T) (*Service, *fakeBackend) {
	t.Helper()
	loc, err := time.LoadLocation("America/Santiago")
	if err != nil {
		t.Fatalf("failed to load location: %v", err)
	}
	validator := rules.NewValidator(loc)
	validator.RequireFuture = false
	backend := newFakeBackend()
	svc := NewService(backend, timeparse.NewResolver(loc), validator,
		WithCalendarID("primary"),
		WithDefaultDuration(30*time.Minute),
		WithLocation(loc),
	)
	return svc, backend
}

// 2030-06-03 is a Monday inside the default operating window.
const testDate = "2030-06-03"

func TestCreateBuildsEvent(t *testing.T) {
	svc, _ := testService(t)

	event, degraded, err := svc.Create(context.Background(), &models.Candidate{
		Name:    "Ana Rojas",
		Date:    testDate,
		Time:    "14:00",
		Phone:   "+56911111111",
		Email:   "ana@example.com",
		Comment: "primera consulta",
	})
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if degraded {
		t.Error("degraded = true on a clean insert")
	}
	if event.Summary != "Cita con Ana Rojas" {
		t.Errorf("summary = %q", event.Summary)
	}
	if !strings.Contains(event.Description, "Teléfono: +56911111111") {
		t.Errorf("description missing phone line: %q", event.Description)
	}
	if !strings.Contains(event.Description, "Comentario: primera consulta") {
		t.Errorf("description missing comment line: %q", event.Description)
	}
	if event.MeetLink == "" {
		t.Error("conference link missing on clean insert")
	}
	// The email must be invited, not only written into the description, so
	// the calendar backend mails the client their invitation.
	if len(event.Attendees) != 1 || event.Attendees[0] != "ana@example.com" {
		t.Errorf("attendees = %v, want the candidate email invited", event.Attendees)
	}
	if got := event.End.Sub(event.Start); got != 30*time.Minute {
		t.Errorf("duration = %v, want default 30m", got)
	}
}

func TestCreateConferenceFallback(t *testing.T) {
	svc, backend := testService(t)
	backend.failConferenceInserts = true

	event, degraded, err := svc.Create(context.Background(), &models.Candidate{
		Name: "Ana", Date: testDate, Time: "14:00",
	})
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if !degraded {
		t.Error("degraded = false, want true after conference fallback")
	}
	if event.MeetLink != "" {
		t.Errorf("meet link = %q, want empty after fallback", event.MeetLink)
	}
	if backend.inserts != 2 {
		t.Errorf("insert attempts = %d, want 2", backend.inserts)
	}
}

func TestCreateHardFailure(t *testing.T) {
	svc, backend := testService(t)
	backend.failAllInserts = true

	if _, _, err := svc.Create(context.Background(), &models.Candidate{Name: "Ana", Date: testDate, Time: "14:00"}); err == nil {
		t.Error("Create should fail when every insert fails")
	}
}

func TestCreateRejectsRuleViolation(t *testing.T) {
	svc, backend := testService(t)

	// 2030-06-08 is a Saturday.
	_, _, err := svc.Create(context.Background(), &models.Candidate{Name: "Ana", Date: "2030-06-08", Time: "10:00"})
	var violation *rules.Violation
	if !errors.As(err, &violation) {
		t.Fatalf("Create on Saturday = %v, want *rules.Violation", err)
	}
	if backend.inserts != 0 {
		t.Errorf("insert attempts = %d, want 0 on validation failure", backend.inserts)
	}
}

func TestCreateUnresolvableDateTime(t *testing.T) {
	svc, _ := testService(t)
	_, _, err := svc.Create(context.Background(), &models.Candidate{Name: "Ana", DateTimeText: "cuando puedas"})
	if !errors.Is(err, models.ErrUnresolvableDateTime) {
		t.Errorf("Create = %v, want ErrUnresolvableDateTime", err)
	}
}

func TestPreviewDoesNotInsert(t *testing.T) {
	svc, backend := testService(t)

	event, err := svc.Preview(&models.Candidate{Name: "Ana", Date: testDate, Time: "14:00", DurationMinutes: 60})
	if err != nil {
		t.Fatalf("Preview error: %v", err)
	}
	if backend.inserts != 0 {
		t.Errorf("Preview touched the backend: %d inserts", backend.inserts)
	}
	if got := event.End.Sub(event.Start); got != time.Hour {
		t.Errorf("duration = %v, want requested 1h", got)
	}
}

func TestUpdateOverlaysFields(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()

	created, _, err := svc.Create(ctx, &models.Candidate{
		Name: "Ana", Date: testDate, Time: "14:00", Phone: "+56911111111",
	})
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}

	updated, err := svc.Update(ctx, created.ID, UpdateFields{Time: "16:00", Email: "ana@example.com", Comment: "trae los exámenes"})
	if err != nil {
		t.Fatalf("Update error: %v", err)
	}
	if updated.Start.Hour() != 16 {
		t.Errorf("start hour = %d, want 16", updated.Start.Hour())
	}
	if updated.Start.Day() != created.Start.Day() {
		t.Error("lone time change moved the date")
	}
	if !strings.Contains(updated.Description, "Teléfono: +56911111111") {
		t.Errorf("prior phone lost from description: %q", updated.Description)
	}
	if !strings.Contains(updated.Description, "Comentario: trae los exámenes") {
		t.Errorf("comment not merged: %q", updated.Description)
	}
	if len(updated.Attendees) != 1 || updated.Attendees[0] != "ana@example.com" {
		t.Errorf("attendees = %v, want the supplied email invited", updated.Attendees)
	}
}

func TestUpdateMissingEvent(t *testing.T) {
	svc, _ := testService(t)
	_, err := svc.Update(context.Background(), "ghost", UpdateFields{Time: "16:00"})
	if !errors.Is(err, models.ErrEventNotFound) {
		t.Errorf("Update(missing) = %v, want ErrEventNotFound", err)
	}
}

func TestDeleteMissingEventIsBenign(t *testing.T) {
	svc, _ := testService(t)
	err := svc.Delete(context.Background(), "ghost", "")
	if !errors.Is(err, models.ErrEventNotFound) {
		t.Errorf("Delete(missing) = %v, want ErrEventNotFound sentinel", err)
	}
}

func enrollAt(t *testing.T, svc *Service, name, externalID string, capacity int) (*models.Event, error) {
	t.Helper()
	loc := svc.location
	start := time.Date(2030, time.June, 3, 18, 0, 0, 0, loc)
	return svc.Enroll(context.Background(), EnrollRequest{
		Name:       name,
		ExternalID: externalID,
		Title:      "Yoga",
		Start:      start,
		End:        start.Add(time.Hour),
		Capacity:   capacity,
	})
}

func TestEnrollCreatesAndFills(t *testing.T) {
	svc, _ := testService(t)

	first, err := enrollAt(t, svc, "Ana", "a1", 2)
	if err != nil {
		t.Fatalf("first enroll error: %v", err)
	}
	if first.Summary != "Yoga (1/2)" {
		t.Errorf("summary = %q, want Yoga (1/2)", first.Summary)
	}

	second, err := enrollAt(t, svc, "Beto", "b1", 2)
	if err != nil {
		t.Fatalf("second enroll error: %v", err)
	}
	if second.ID != first.ID {
		t.Error("second enrollment created a separate event")
	}
	if second.Summary != "Yoga (2/2)" {
		t.Errorf("summary = %q, want Yoga (2/2)", second.Summary)
	}
}

func TestEnrollCapacityRejected(t *testing.T) {
	svc, backend := testService(t)

	if _, err := enrollAt(t, svc, "Ana", "a1", 2); err != nil {
		t.Fatalf("enroll error: %v", err)
	}
	if _, err := enrollAt(t, svc, "Beto", "b1", 2); err != nil {
		t.Fatalf("enroll error: %v", err)
	}

	updatesBefore := backend.updates
	_, err := enrollAt(t, svc, "Carla", "c1", 2)
	if !errors.Is(err, models.ErrClassFull) {
		t.Fatalf("third enroll = %v, want ErrClassFull", err)
	}
	if backend.updates != updatesBefore {
		t.Error("rejected enrollment mutated the stored event")
	}
}

func TestEnrollIsIdempotentPerParticipant(t *testing.T) {
	svc, _ := testService(t)

	if _, err := enrollAt(t, svc, "Ana", "a1", 2); err != nil {
		t.Fatalf("enroll error: %v", err)
	}

	// Same external identity re-enrolls without incrementing the roster.
	again, err := enrollAt(t, svc, "Ana Maria", "a1", 2)
	if err != nil {
		t.Fatalf("re-enroll error: %v", err)
	}
	if again.Summary != "Yoga (1/2)" {
		t.Errorf("summary = %q, want unchanged Yoga (1/2)", again.Summary)
	}

	// No external ID: dedupe falls back to the normalized name.
	byName, err := enrollAt(t, svc, "  ANA  ", "", 2)
	if err != nil {
		t.Fatalf("enroll by name error: %v", err)
	}
	if byName.Summary != "Yoga (1/2)" {
		t.Errorf("summary = %q, want name-deduped Yoga (1/2)", byName.Summary)
	}
}

func TestDeepLink(t *testing.T) {
	svc, _ := testService(t)
	loc := svc.location
	event := &models.Event{
		Summary:  "Cita con Ana",
		Start:    time.Date(2030, time.June, 3, 14, 0, 0, 0, loc),
		End:      time.Date(2030, time.June, 3, 14, 30, 0, 0, loc),
		Timezone: "America/Santiago",
	}

	link := svc.DeepLink(event)
	if !strings.HasPrefix(link, "https://calendar.google.com/calendar/render?") {
		t.Errorf("deep link = %q", link)
	}
	if !strings.Contains(link, "action=TEMPLATE") {
		t.Errorf("deep link missing TEMPLATE action: %q", link)
	}
	if !strings.Contains(link, "dates=") {
		t.Errorf("deep link missing dates: %q", link)
	}
}

func TestICS(t *testing.T) {
	svc, _ := testService(t)
	loc := svc.location
	event := &models.Event{
		ID:       "ev1",
		Summary:  "Cita con Ana",
		Start:    time.Date(2030, time.June, 3, 14, 0, 0, 0, loc),
		End:      time.Date(2030, time.June, 3, 14, 30, 0, 0, loc),
		MeetLink: "https://meet.example/ev1",
	}

	data, err := svc.ICS(event)
	if err != nil {
		t.Fatalf("ICS error: %v", err)
	}
	text := string(data)
	for _, want := range []string{"BEGIN:VCALENDAR", "BEGIN:VEVENT", "SUMMARY:Cita con Ana", "UID:ev1@citabot"} {
		if !strings.Contains(text, want) {
			t.Errorf("ICS output missing %q", want)
		}
	}
}
