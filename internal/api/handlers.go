package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/citabot/citabot/internal/booking"
	"github.com/citabot/citabot/internal/models"
	"github.com/citabot/citabot/internal/rules"
	"github.com/citabot/citabot/internal/timeparse"
)

// healthHandler answers the plain-text liveness probe.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, "OK - CitaBot ejecutándose")
}

// diagHandler reports the effective configuration, with secrets reduced to
// presence flags.
func (s *Server) diagHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"calendar_id_set": s.calendarID != "",
		"timezone":        s.timezone,
		"channels":        s.channels,
	}))
}

type chatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// chatHandler runs one conversation turn for the web chat widget.
func (s *Server) chatHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.chatHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON body"))
		return
	}
	if req.SessionID == "" || req.Message == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("session_id and message are required"))
		return
	}

	reply, err := s.flow.ProcessMessage(r.Context(), req.SessionID, req.Message)
	if err != nil {
		slog.Error("Server.chatHandler: flow failed", "error", err, "session_id", req.SessionID)
	}
	writeJSONResponse(w, http.StatusOK, reply)
}

type bookingRequest struct {
	Name            string `json:"nombre"`
	DateTimeText    string `json:"datetime_text"`
	Date            string `json:"fecha"`
	Time            string `json:"hora"`
	DurationMinutes int    `json:"duracion_minutos"`
	Phone           string `json:"telefono"`
	Email           string `json:"email"`
	Comment         string `json:"comentario"`
	DryRun          bool   `json:"dry_run"`
}

type bookingResult struct {
	Event    *models.Event `json:"event"`
	DeepLink string        `json:"deep_link,omitempty"`
	Degraded bool          `json:"degraded,omitempty"`
	DryRun   bool          `json:"dry_run,omitempty"`
}

// createBookingHandler books directly from the web form, with a dry-run mode
// that previews the event without inserting it.
func (s *Server) createBookingHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	var req bookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.createBookingHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON body"))
		return
	}
	if req.Name == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("nombre is required"))
		return
	}
	if req.DateTimeText == "" && req.Date == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("datetime_text or fecha is required"))
		return
	}

	cand := &models.Candidate{
		Name:            req.Name,
		DateTimeText:    req.DateTimeText,
		Date:            req.Date,
		Time:            req.Time,
		Phone:           req.Phone,
		Email:           req.Email,
		Comment:         req.Comment,
		DurationMinutes: req.DurationMinutes,
	}

	if req.DryRun {
		event, err := s.booking.Preview(cand)
		if err != nil {
			s.writeBookingError(w, err)
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(bookingResult{Event: event, DryRun: true}))
		return
	}

	event, degraded, err := s.booking.Create(r.Context(), cand)
	if err != nil {
		s.writeBookingError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.Success(bookingResult{
		Event:    event,
		DeepLink: s.booking.DeepLink(event),
		Degraded: degraded,
	}))
}

// writeBookingError maps booking failures to HTTP statuses: unresolvable
// input and rule violations are client errors, everything else is a 500.
func (s *Server) writeBookingError(w http.ResponseWriter, err error) {
	if errors.Is(err, models.ErrUnresolvableDateTime) {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("No se pudo interpretar la fecha y hora indicadas"))
		return
	}
	var violation *rules.Violation
	if errors.As(err, &violation) {
		writeJSONResponse(w, http.StatusUnprocessableEntity, models.Error(violation.Reason))
		return
	}
	slog.Error("Server.writeBookingError: booking failed", "error", err)
	writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process booking"))
}

// cancelBookingHandler deletes an event. An already-missing event still
// answers success: the state the caller wanted holds.
func (s *Server) cancelBookingHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.booking.Delete(r.Context(), id, "")
	if err != nil && !errors.Is(err, models.ErrEventNotFound) {
		slog.Error("Server.cancelBookingHandler: delete failed", "error", err, "event_id", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to cancel booking"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Cita cancelada", nil))
}

// rescheduleBookingHandler applies partial updates to an event.
func (s *Server) rescheduleBookingHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	id := r.PathValue("id")
	var fields booking.UpdateFields
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		slog.Warn("Server.rescheduleBookingHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON body"))
		return
	}

	event, err := s.booking.Update(r.Context(), id, fields)
	if err != nil {
		if errors.Is(err, models.ErrEventNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Cita no encontrada"))
			return
		}
		s.writeBookingError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(bookingResult{Event: event, DeepLink: s.booking.DeepLink(event)}))
}

// icsHandler serves the event as a downloadable calendar file.
func (s *Server) icsHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	event, err := s.booking.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrEventNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Cita no encontrada"))
			return
		}
		slog.Error("Server.icsHandler: get failed", "error", err, "event_id", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load booking"))
		return
	}
	data, err := s.booking.ICS(event)
	if err != nil {
		slog.Error("Server.icsHandler: ICS encoding failed", "error", err, "event_id", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to build calendar file"))
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="cita.ics"`)
	if _, err := w.Write(data); err != nil {
		slog.Error("Server.icsHandler: write failed", "error", err)
	}
}

type enrollRequest struct {
	Name            string `json:"nombre"`
	ExternalID      string `json:"external_id"`
	Title           string `json:"titulo"`
	DateTimeText    string `json:"datetime_text"`
	Date            string `json:"fecha"`
	Time            string `json:"hora"`
	DurationMinutes int    `json:"duracion_minutos"`
	Capacity        int    `json:"capacidad"`
}

// enrollHandler adds a participant to a shared class slot.
func (s *Server) enrollHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	var req enrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.enrollHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON body"))
		return
	}
	if req.Name == "" || req.Capacity <= 0 {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("nombre and capacidad are required"))
		return
	}

	start, err := s.booking.Resolver().Resolve(timeparse.Input{
		FreeText: req.DateTimeText,
		Date:     req.Date,
		Time:     req.Time,
	})
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("No se pudo interpretar la fecha y hora de la clase"))
		return
	}
	duration := 60 * time.Minute
	if req.DurationMinutes > 0 {
		duration = time.Duration(req.DurationMinutes) * time.Minute
	}

	event, err := s.booking.Enroll(r.Context(), booking.EnrollRequest{
		Name:       req.Name,
		ExternalID: req.ExternalID,
		Title:      req.Title,
		Start:      start,
		End:        start.Add(duration),
		Capacity:   req.Capacity,
	})
	if err != nil {
		if errors.Is(err, models.ErrClassFull) {
			writeJSONResponse(w, http.StatusConflict, models.Error("La clase está llena"))
			return
		}
		slog.Error("Server.enrollHandler: enroll failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to enroll participant"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(event))
}

// whatsappWebhookHandler receives Twilio form deliveries and feeds them into
// the channel's response stream. The router downstream handles dedup, the
// conversation turn and the reply, so redeliveries always get a quiet 200.
func (s *Server) whatsappWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if s.whatsapp == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("WhatsApp channel not configured"))
		return
	}
	if err := r.ParseForm(); err != nil {
		slog.Error("Server.whatsappWebhookHandler: failed to parse form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	from := r.FormValue("From")
	body := r.FormValue("Body")
	messageSid := r.FormValue("MessageSid")
	if from == "" || body == "" {
		slog.Warn("Server.whatsappWebhookHandler: missing fields", "from_set", from != "", "body_set", body != "")
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	s.whatsapp.EmitResponse(models.Response{
		From:      from,
		Body:      body,
		MessageID: messageSid,
		Time:      time.Now().Unix(),
	})

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, "OK")
}
