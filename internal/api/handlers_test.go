package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/citabot/citabot/internal/booking"
	"github.com/citabot/citabot/internal/messaging"
	"github.com/citabot/citabot/internal/models"
	"github.com/citabot/citabot/internal/rules"
	"github.com/citabot/citabot/internal/store"
	"github.com/citabot/citabot/internal/timeparse"
	"github.com/citabot/citabot/internal/twiliowhatsapp"
)

// stubBackend is an in-memory calendar for handler tests.
type stubBackend struct {
	events  map[string]*models.Event
	nextID  int
	inserts int
}

func newStubBackend() *stubBackend {
	return &stubBackend{events: make(map[string]*models.Event)}
}

func (b *stubBackend) Insert(ctx context.Context, calendarID string, event *models.Event, withConference bool) (*models.Event, error) {
	b.inserts++
	b.nextID++
	stored := *event
	stored.ID = fmt.Sprintf("ev%d", b.nextID)
	stored.CalendarID = calendarID
	if withConference {
		stored.MeetLink = "https://meet.google.com/stub-" + stored.ID
	}
	b.events[stored.ID] = &stored
	out := stored
	return &out, nil
}

func (b *stubBackend) Update(ctx context.Context, calendarID, eventID string, event *models.Event) (*models.Event, error) {
	if _, ok := b.events[eventID]; !ok {
		return nil, models.ErrEventNotFound
	}
	stored := *event
	stored.ID = eventID
	b.events[eventID] = &stored
	out := stored
	return &out, nil
}

func (b *stubBackend) Get(ctx context.Context, calendarID, eventID string) (*models.Event, error) {
	ev, ok := b.events[eventID]
	if !ok {
		return nil, models.ErrEventNotFound
	}
	out := *ev
	return &out, nil
}

func (b *stubBackend) Delete(ctx context.Context, calendarID, eventID string) error {
	if _, ok := b.events[eventID]; !ok {
		return models.ErrEventNotFound
	}
	delete(b.events, eventID)
	return nil
}

func (b *stubBackend) List(ctx context.Context, calendarID string, from, to time.Time) ([]*models.Event, error) {
	var out []*models.Event
	for _, ev := range b.events {
		if ev.Start.Before(from) || ev.Start.After(to) {
			continue
		}
		cp := *ev
		out = append(out, &cp)
	}
	return out, nil
}

// stubConversation replies with a fixed text.
type stubConversation struct {
	reply models.BotReply
	calls int
}

func (s *stubConversation) ProcessMessage(ctx context.Context, sessionID, text string) (models.BotReply, error) {
	s.calls++
	return s.reply, nil
}

func newTestServer(t *testing.T, opts ...Option) (*http.ServeMux, *stubBackend, *stubConversation) {
	t.Helper()
	loc, err := time.LoadLocation("America/Santiago")
	if err != nil {
		t.Fatalf("failed to load location: %v", err)
	}
	backend := newStubBackend()
	validator := rules.NewValidator(loc)
	validator.RequireFuture = false
	svc := booking.NewService(backend, timeparse.NewResolver(loc), validator,
		booking.WithCalendarID("primary"), booking.WithLocation(loc))
	conv := &stubConversation{reply: models.BotReply{Text: "hola, soy CitaBot"}}
	server := NewServer(conv, svc, store.NewInMemoryStore(), nil, opts...)
	return server.routes(), backend, conv
}

func decodeEnvelope(t *testing.T, body *bytes.Buffer) models.APIResponse {
	t.Helper()
	var resp models.APIResponse
	if err := json.Unmarshal(body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response %q: %v", body.String(), err)
	}
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	mux, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if got := rec.Body.String(); got != "OK - CitaBot ejecutándose" {
		t.Errorf("body = %q", got)
	}
}

func TestDiagEndpoint(t *testing.T) {
	mux, _, _ := newTestServer(t,
		WithCalendarID("primary"), WithTimezone("America/Santiago"), WithChannels("web", "twilio"))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/_diag", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	resp := decodeEnvelope(t, rec.Body)
	if resp.Status != models.StatusOK {
		t.Errorf("status = %q", resp.Status)
	}
	result, ok := resp.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("result = %T, want object", resp.Result)
	}
	if result["calendar_id_set"] != true {
		t.Error("calendar_id_set should be true")
	}
	if result["timezone"] != "America/Santiago" {
		t.Errorf("timezone = %v", result["timezone"])
	}
}

func TestChatEndpoint(t *testing.T) {
	mux, _, conv := newTestServer(t)
	payload := `{"session_id":"s1","message":"hola"}`
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(payload)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if conv.calls != 1 {
		t.Errorf("ProcessMessage calls = %d, want 1", conv.calls)
	}
	var reply models.BotReply
	if err := json.Unmarshal(rec.Body.Bytes(), &reply); err != nil {
		t.Fatalf("failed to decode reply: %v", err)
	}
	if reply.Text != "hola, soy CitaBot" {
		t.Errorf("reply = %q", reply.Text)
	}
}

func TestChatEndpointRequiresFields(t *testing.T) {
	mux, _, conv := newTestServer(t)
	for _, payload := range []string{`{"message":"hola"}`, `{"session_id":"s1"}`, `not json`} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(payload)))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("payload %q: status = %d, want 400", payload, rec.Code)
		}
	}
	if conv.calls != 0 {
		t.Errorf("ProcessMessage calls = %d, want 0", conv.calls)
	}
}

func TestCreateBookingEndpoint(t *testing.T) {
	mux, backend, _ := newTestServer(t)
	payload := `{"nombre":"Ana Rojas","fecha":"2030-06-03","hora":"14:00","telefono":"+56911112222"}`
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/citas", strings.NewReader(payload)))

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	if backend.inserts != 1 {
		t.Errorf("inserts = %d, want 1", backend.inserts)
	}
	resp := decodeEnvelope(t, rec.Body)
	if resp.Status != models.StatusOK {
		t.Fatalf("status = %q", resp.Status)
	}
	result := resp.Result.(map[string]interface{})
	event := result["event"].(map[string]interface{})
	if event["summary"] != "Cita con Ana Rojas" {
		t.Errorf("summary = %v", event["summary"])
	}
	if event["meet_link"] == nil || event["meet_link"] == "" {
		t.Error("meet_link missing from created event")
	}
	link, _ := result["deep_link"].(string)
	if !strings.HasPrefix(link, "https://calendar.google.com/calendar/render?") {
		t.Errorf("deep_link = %q", link)
	}
}

func TestCreateBookingDryRun(t *testing.T) {
	mux, backend, _ := newTestServer(t)
	payload := `{"nombre":"Ana","fecha":"2030-06-03","hora":"14:00","dry_run":true}`
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/citas", strings.NewReader(payload)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if backend.inserts != 0 {
		t.Errorf("inserts = %d, want 0 for a dry run", backend.inserts)
	}
	resp := decodeEnvelope(t, rec.Body)
	result := resp.Result.(map[string]interface{})
	if result["dry_run"] != true {
		t.Error("dry_run flag missing in result")
	}
}

func TestCreateBookingRequiresFields(t *testing.T) {
	mux, _, _ := newTestServer(t)
	for _, payload := range []string{
		`{"fecha":"2030-06-03","hora":"14:00"}`,
		`{"nombre":"Ana"}`,
	} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/citas", strings.NewReader(payload)))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("payload %q: status = %d, want 400", payload, rec.Code)
		}
	}
}

func TestCreateBookingRuleViolation(t *testing.T) {
	mux, backend, _ := newTestServer(t)
	// 2030-06-08 is a Saturday.
	payload := `{"nombre":"Ana","fecha":"2030-06-08","hora":"14:00"}`
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/citas", strings.NewReader(payload)))

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422: %s", rec.Code, rec.Body.String())
	}
	if backend.inserts != 0 {
		t.Errorf("inserts = %d, want 0", backend.inserts)
	}
	resp := decodeEnvelope(t, rec.Body)
	if resp.Status != models.StatusError || resp.Message == "" {
		t.Errorf("envelope = %+v, want error with reason", resp)
	}
}

func TestCreateBookingUnresolvableDateTime(t *testing.T) {
	mux, _, _ := newTestServer(t)
	payload := `{"nombre":"Ana","datetime_text":"cuando puedas"}`
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/citas", strings.NewReader(payload)))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400: %s", rec.Code, rec.Body.String())
	}
}

func TestCancelBookingIsBenignWhenMissing(t *testing.T) {
	mux, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/citas/nope", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	resp := decodeEnvelope(t, rec.Body)
	if resp.Message != "Cita cancelada" {
		t.Errorf("message = %q", resp.Message)
	}
}

func TestCancelBookingDeletesEvent(t *testing.T) {
	mux, backend, _ := newTestServer(t)
	id := createTestBooking(t, mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/citas/"+id, nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if _, ok := backend.events[id]; ok {
		t.Error("event still present after cancel")
	}
}

// createTestBooking books a Monday afternoon cita and returns the event id.
func createTestBooking(t *testing.T, mux *http.ServeMux) string {
	t.Helper()
	payload := `{"nombre":"Ana","fecha":"2030-06-03","hora":"14:00","telefono":"+56911112222"}`
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/citas", strings.NewReader(payload)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("setup booking failed: %d %s", rec.Code, rec.Body.String())
	}
	resp := decodeEnvelope(t, rec.Body)
	event := resp.Result.(map[string]interface{})["event"].(map[string]interface{})
	return event["id"].(string)
}

func TestRescheduleBooking(t *testing.T) {
	mux, backend, _ := newTestServer(t)
	id := createTestBooking(t, mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPatch, "/api/citas/"+id,
		strings.NewReader(`{"hora":"16:00"}`)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	stored := backend.events[id]
	loc := stored.Start.Location()
	want := time.Date(2030, time.June, 3, 16, 0, 0, 0, loc)
	if !stored.Start.Equal(want) {
		t.Errorf("start = %v, want %v", stored.Start, want)
	}
}

func TestRescheduleBookingNotFound(t *testing.T) {
	mux, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPatch, "/api/citas/nope",
		strings.NewReader(`{"hora":"16:00"}`)))

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404: %s", rec.Code, rec.Body.String())
	}
}

func TestICSEndpoint(t *testing.T) {
	mux, _, _ := newTestServer(t)
	id := createTestBooking(t, mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/citas/"+id+"/ics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/calendar") {
		t.Errorf("Content-Type = %q", ct)
	}
	body := rec.Body.String()
	for _, want := range []string{"BEGIN:VCALENDAR", "BEGIN:VEVENT", "SUMMARY:Cita con Ana"} {
		if !strings.Contains(body, want) {
			t.Errorf("ICS body missing %q", want)
		}
	}
}

func TestICSEndpointNotFound(t *testing.T) {
	mux, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/citas/nope/ics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestEnrollEndpointFillsClass(t *testing.T) {
	mux, _, _ := newTestServer(t)

	enroll := func(name, externalID string) *httptest.ResponseRecorder {
		payload := fmt.Sprintf(
			`{"nombre":%q,"external_id":%q,"titulo":"Yoga","fecha":"2030-06-03","hora":"10:00","capacidad":2}`,
			name, externalID)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/clases/enroll", strings.NewReader(payload)))
		return rec
	}

	rec := enroll("Ana", "a1")
	if rec.Code != http.StatusOK {
		t.Fatalf("first enroll: status = %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeEnvelope(t, rec.Body)
	event := resp.Result.(map[string]interface{})
	if event["summary"] != "Yoga (1/2)" {
		t.Errorf("summary = %v, want Yoga (1/2)", event["summary"])
	}

	if rec = enroll("Beto", "b1"); rec.Code != http.StatusOK {
		t.Fatalf("second enroll: status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = enroll("Carla", "c1")
	if rec.Code != http.StatusConflict {
		t.Fatalf("third enroll: status = %d, want 409: %s", rec.Code, rec.Body.String())
	}
	resp = decodeEnvelope(t, rec.Body)
	if resp.Message != "La clase está llena" {
		t.Errorf("message = %q", resp.Message)
	}
}

func TestEnrollEndpointRequiresFields(t *testing.T) {
	mux, _, _ := newTestServer(t)
	for _, payload := range []string{
		`{"fecha":"2030-06-03","hora":"10:00","capacidad":2}`,
		`{"nombre":"Ana","fecha":"2030-06-03","hora":"10:00"}`,
		`{"nombre":"Ana","capacidad":2}`,
	} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/clases/enroll", strings.NewReader(payload)))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("payload %q: status = %d, want 400", payload, rec.Code)
		}
	}
}

func webhookRequest(form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhook/whatsapp", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func TestWebhookUnavailableWithoutChannel(t *testing.T) {
	mux, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, webhookRequest(url.Values{"From": {"whatsapp:+561"}, "Body": {"hola"}}))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func newWebhookServer(t *testing.T) (*http.ServeMux, *messaging.TwilioService) {
	t.Helper()
	loc, _ := time.LoadLocation("America/Santiago")
	validator := rules.NewValidator(loc)
	validator.RequireFuture = false
	svc := booking.NewService(newStubBackend(), timeparse.NewResolver(loc), validator)
	twilioSvc := messaging.NewTwilioService(twiliowhatsapp.NewMockClient())
	conv := &stubConversation{reply: models.BotReply{Text: "hola"}}
	server := NewServer(conv, svc, store.NewInMemoryStore(), twilioSvc)
	return server.routes(), twilioSvc
}

func TestWebhookFeedsResponseStream(t *testing.T) {
	mux, twilioSvc := newWebhookServer(t)

	form := url.Values{
		"From":       {"whatsapp:+56912345678"},
		"Body":       {"quiero una cita"},
		"MessageSid": {"SM123"},
	}
	// Redeliveries are accepted too; the router downstream deduplicates.
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, webhookRequest(form))
		if rec.Code != http.StatusOK {
			t.Fatalf("delivery %d: status = %d, want 200", i+1, rec.Code)
		}
		if rec.Body.String() != "OK" {
			t.Errorf("delivery %d: body = %q", i+1, rec.Body.String())
		}
	}

	for i := 0; i < 2; i++ {
		select {
		case resp := <-twilioSvc.Responses():
			if resp.From != "whatsapp:+56912345678" || resp.Body != "quiero una cita" || resp.MessageID != "SM123" {
				t.Errorf("queued response = %+v", resp)
			}
		default:
			t.Fatalf("response %d missing from the channel stream", i+1)
		}
	}
}

func TestWebhookRequiresFromAndBody(t *testing.T) {
	mux, _ := newWebhookServer(t)
	for _, form := range []url.Values{
		{"Body": {"hola"}},
		{"From": {"whatsapp:+561"}},
	} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, webhookRequest(form))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("form %v: status = %d, want 400", form, rec.Code)
		}
	}
}
