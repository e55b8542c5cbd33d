// Package flow implements the conversation state machine. The orchestrator
// routes each inbound message through the pending-cancellation, cancellation-
// intent and pending-confirmation branches before falling back to plan
// extraction, and owns all session mutations.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/citabot/citabot/internal/genai"
	"github.com/citabot/citabot/internal/models"
	"github.com/citabot/citabot/internal/rules"
	"github.com/citabot/citabot/internal/store"
	"github.com/citabot/citabot/internal/timeparse"
)

// DefaultHistoryLimit caps stored conversation turns per session.
const DefaultHistoryLimit = 50

// cancelMatchTolerance is how far a resolved cancellation time may sit from an
// event's start and still match it.
const cancelMatchTolerance = 15 * time.Minute

// Booker is the slice of the booking service the orchestrator needs. Kept
// narrow so tests can fake it.
type Booker interface {
	Create(ctx context.Context, cand *models.Candidate) (*models.Event, bool, error)
	Delete(ctx context.Context, eventID, calendarID string) error
	Get(ctx context.Context, eventID string) (*models.Event, error)
	List(ctx context.Context, from, to time.Time) ([]*models.Event, error)
}

// Opts holds configuration options for the orchestrator.
type Opts struct {
	HistoryLimit   int
	RequireContact bool
	SystemPrompt   string
	Location       *time.Location
}

// Option defines a configuration option for the orchestrator.
type Option func(*Opts)

// WithHistoryLimit caps the stored turns per session.
func WithHistoryLimit(n int) Option {
	return func(o *Opts) { o.HistoryLimit = n }
}

// WithRequireContact requires a phone or email before confirmation.
func WithRequireContact(v bool) Option {
	return func(o *Opts) { o.RequireContact = v }
}

// WithSystemPrompt overrides the extraction prompt.
func WithSystemPrompt(p string) Option {
	return func(o *Opts) { o.SystemPrompt = p }
}

// WithLocation sets the timezone used to render human-readable times.
func WithLocation(loc *time.Location) Option {
	return func(o *Opts) { o.Location = loc }
}

// Orchestrator drives one conversation turn at a time.
type Orchestrator struct {
	store          store.Store
	ai             genai.ClientInterface
	booking        Booker
	resolver       *timeparse.Resolver
	historyLimit   int
	requireContact bool
	systemPrompt   string
	location       *time.Location
}

// NewOrchestrator wires the state machine to its collaborators.
func NewOrchestrator(st store.Store, ai genai.ClientInterface, booker Booker, resolver *timeparse.Resolver, opts ...Option) *Orchestrator {
	cfg := Opts{HistoryLimit: DefaultHistoryLimit, Location: time.Local}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	return &Orchestrator{
		store:          st,
		ai:             ai,
		booking:        booker,
		resolver:       resolver,
		historyLimit:   cfg.HistoryLimit,
		requireContact: cfg.RequireContact,
		systemPrompt:   cfg.SystemPrompt,
		location:       cfg.Location,
	}
}

const defaultSystemPrompt = `Eres CitaBot, un asistente en español que agenda citas.
Analiza el mensaje del usuario y responde SOLO con un objeto JSON:
{"reply": "texto para el usuario",
 "slots": {"nombre": "", "datetime_text": "", "fecha": "", "hora": "", "telefono": "", "email": "", "comentario": ""},
 "next_action": "ask_missing | confirm_time | create_event | smalltalk | none",
 "candidate": null}
Reglas:
- Extrae solo lo que el usuario dijo; deja en "" lo que no mencionó.
- Si falta el nombre o la fecha/hora, usa next_action "ask_missing" y pídelos.
- Si ya tienes nombre y fecha/hora, usa "confirm_time" y propón la hora pidiendo sí o no.
- Usa "create_event" solo si el usuario ya confirmó explícitamente.
- Para saludos o conversación casual usa "smalltalk".`

// Replies shared across branches. Kept as constants so tests can assert them.
const (
	replyCancelled        = "Listo, tu cita ha sido cancelada."
	replyCancelAborted    = "De acuerdo, no he cancelado nada. Tu cita sigue en pie."
	replyCancelNotFound   = "No encontré la cita que quieres cancelar. ¿Me puedes dar la fecha y hora exactas, o el enlace del evento?"
	replyRejectedProposal = "De acuerdo. Dime otra fecha u hora y lo intentamos de nuevo."
	replyHardFailure      = "Lo siento, tuve un problema al procesar tu solicitud. Por favor inténtalo de nuevo en unos minutos."
)

// ProcessMessage runs one turn of the conversation and returns the reply.
func (o *Orchestrator) ProcessMessage(ctx context.Context, sessionID, text string) (models.BotReply, error) {
	session, err := o.store.GetSession(sessionID)
	if err != nil {
		slog.Error("Orchestrator.ProcessMessage: failed to load session", "error", err, "session_id", sessionID)
		return models.BotReply{Text: replyHardFailure}, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	if session == nil {
		session = models.NewSession(sessionID)
	}

	text = strings.TrimSpace(text)
	reply := o.route(ctx, session, text)

	session.AppendTurn("user", text)
	session.AppendTurn("assistant", reply.Text)
	session.TrimHistory(o.historyLimit)
	session.UpdatedAt = time.Now()
	if err := o.store.SaveSession(session); err != nil {
		slog.Error("Orchestrator.ProcessMessage: failed to save session", "error", err, "session_id", sessionID)
	}
	return reply, nil
}

// route decides the branch for one message. It mutates the session; the caller
// records history and persists.
func (o *Orchestrator) route(ctx context.Context, session *models.Session, text string) models.BotReply {
	if session.State == models.StateAwaitingCancelConfirmation && session.CancelPending != nil {
		return o.handleCancelConfirmation(ctx, session, text)
	}
	if isCancelIntent(text) {
		return o.handleCancelIntent(ctx, session, text)
	}
	if session.State == models.StateAwaitingConfirmation {
		if isAffirmative(text) {
			return o.book(ctx, session, o.pendingCandidate(session))
		}
		if isNegative(text) {
			session.State = models.StateCollecting
			session.Candidate = nil
			return models.BotReply{Text: replyRejectedProposal}
		}
		// Neither yes nor no: treat it as new information.
	}
	return o.handleExtraction(ctx, session, text)
}

func (o *Orchestrator) handleCancelConfirmation(ctx context.Context, session *models.Session, text string) models.BotReply {
	pending := session.CancelPending
	switch {
	case isAffirmative(text):
		session.CancelPending = nil
		session.State = models.StateCollecting
		err := o.booking.Delete(ctx, pending.EventID, pending.CalendarID)
		if err != nil && !errors.Is(err, models.ErrEventNotFound) {
			slog.Error("Orchestrator.handleCancelConfirmation: delete failed", "error", err, "event_id", pending.EventID)
			return models.BotReply{Text: replyHardFailure}
		}
		if session.LastEventID == pending.EventID {
			session.LastEventID = ""
		}
		slog.Info("Orchestrator.handleCancelConfirmation: cancelled", "session_id", session.ID, "event_id", pending.EventID)
		return models.BotReply{Text: replyCancelled, Done: true}
	case isNegative(text):
		session.CancelPending = nil
		session.State = models.StateCollecting
		return models.BotReply{Text: replyCancelAborted}
	default:
		return models.BotReply{Text: fmt.Sprintf("¿Confirmas que deseas cancelar la cita de %s? Responde sí o no.", pending.HumanTime)}
	}
}

func (o *Orchestrator) handleCancelIntent(ctx context.Context, session *models.Session, text string) models.BotReply {
	target := o.resolveCancelTarget(ctx, session, text)
	if target == nil {
		return models.BotReply{Text: replyCancelNotFound}
	}
	human := o.humanTime(target.Start)
	session.CancelPending = &models.CancelRequest{
		EventID:    target.ID,
		CalendarID: target.CalendarID,
		HumanTime:  human,
	}
	session.State = models.StateAwaitingCancelConfirmation
	session.Candidate = nil
	return models.BotReply{Text: fmt.Sprintf("Encontré tu cita de %s. ¿Deseas cancelarla? (sí/no)", human)}
}

// resolveCancelTarget finds which event the user means, in priority order:
// the session's last created event, an id or link in the message, then a
// date/time expression matched against listed events.
func (o *Orchestrator) resolveCancelTarget(ctx context.Context, session *models.Session, text string) *models.Event {
	if session.LastEventID != "" {
		if ev, err := o.booking.Get(ctx, session.LastEventID); err == nil {
			return ev
		}
		slog.Debug("Orchestrator.resolveCancelTarget: last event not retrievable", "event_id", session.LastEventID)
	}

	if id := extractEventID(text); id != "" {
		if ev, err := o.booking.Get(ctx, id); err == nil {
			return ev
		}
	}

	when, err := o.resolver.Resolve(timeparse.Input{FreeText: text, AllowDateOnly: true})
	if err != nil {
		return nil
	}
	events, err := o.booking.List(ctx, when.Add(-cancelMatchTolerance), when.Add(cancelMatchTolerance))
	if err != nil {
		slog.Warn("Orchestrator.resolveCancelTarget: list failed", "error", err)
		return nil
	}
	for _, ev := range events {
		if !strings.HasPrefix(ev.Summary, "Cita con") {
			continue
		}
		diff := ev.Start.Sub(when)
		if diff < 0 {
			diff = -diff
		}
		if diff <= cancelMatchTolerance {
			return ev
		}
	}
	return nil
}

func (o *Orchestrator) handleExtraction(ctx context.Context, session *models.Session, text string) models.BotReply {
	raw, err := o.ai.ExtractPlan(ctx, o.systemPrompt, session.History, text)
	if err != nil {
		slog.Error("Orchestrator.handleExtraction: extraction failed", "error", err, "session_id", session.ID)
		session.State = models.StateCollecting
		session.Candidate = nil
		return models.BotReply{Text: replyHardFailure}
	}

	plan := models.ParsePlan(raw)
	session.MergeSlots(plan.Slots)

	switch plan.NextAction {
	case models.ActionConfirmTime:
		return o.proposeCandidate(session, plan)
	case models.ActionCreateEvent:
		cand := plan.Candidate
		if cand == nil {
			cand = candidateFromSlots(session)
		}
		return o.book(ctx, session, cand)
	default:
		return models.BotReply{Text: plan.Reply}
	}
}

// proposeCandidate snapshots the proposal and moves to awaiting_confirmation,
// unless required fields are still missing.
func (o *Orchestrator) proposeCandidate(session *models.Session, plan models.Plan) models.BotReply {
	cand := plan.Candidate
	if cand == nil {
		cand = candidateFromSlots(session)
	}
	if missing := o.missingFields(cand); missing != "" {
		return models.BotReply{Text: fmt.Sprintf("Antes de confirmar necesito %s.", missing)}
	}
	session.Candidate = cand
	session.State = models.StateAwaitingConfirmation
	if plan.Reply != "" {
		return models.BotReply{Text: plan.Reply}
	}
	when := cand.DateTimeText
	if when == "" {
		when = strings.TrimSpace(cand.Date + " " + cand.Time)
	}
	return models.BotReply{Text: fmt.Sprintf("¿Confirmo tu cita para %s? (sí/no)", when)}
}

// book executes the terminal booking step: resolve, validate, create, replace
// any superseded event and reset for a fresh cycle.
func (o *Orchestrator) book(ctx context.Context, session *models.Session, cand *models.Candidate) models.BotReply {
	if missing := o.missingFields(cand); missing != "" {
		session.State = models.StateCollecting
		session.Candidate = nil
		return models.BotReply{Text: fmt.Sprintf("Antes de agendar necesito %s.", missing)}
	}

	event, degraded, err := o.booking.Create(ctx, cand)
	if err != nil {
		session.State = models.StateCollecting
		session.Candidate = nil
		if errors.Is(err, models.ErrUnresolvableDateTime) {
			return models.BotReply{Text: "No logré entender la fecha y hora. ¿Me la puedes indicar de nuevo, por ejemplo \"12/08 a las 15:00\"?"}
		}
		var violation *rules.Violation
		if errors.As(err, &violation) {
			return models.BotReply{Text: violation.Reason + " ¿Te acomoda otro horario?"}
		}
		slog.Error("Orchestrator.book: create failed", "error", err, "session_id", session.ID)
		return models.BotReply{Text: replyHardFailure}
	}

	if prev := session.LastEventID; prev != "" && prev != event.ID {
		if err := o.booking.Delete(ctx, prev, ""); err != nil && !errors.Is(err, models.ErrEventNotFound) {
			slog.Warn("Orchestrator.book: failed to delete superseded event", "error", err, "event_id", prev)
		}
	}

	session.LastEventID = event.ID
	session.Candidate = nil
	session.State = models.StateCollecting
	session.ResetSlots()

	text := fmt.Sprintf("¡Listo! Tu cita quedó agendada para %s.", o.humanTime(event.Start))
	if event.MeetLink != "" {
		text += "\nEnlace de la videollamada: " + event.MeetLink
	}
	slog.Info("Orchestrator.book: booked", "session_id", session.ID, "event_id", event.ID, "degraded", degraded)
	return models.BotReply{Text: text, Done: true, Event: event, Degraded: degraded}
}

// pendingCandidate returns the stored candidate, falling back to the slots.
func (o *Orchestrator) pendingCandidate(session *models.Session) *models.Candidate {
	if session.Candidate != nil {
		return session.Candidate
	}
	return candidateFromSlots(session)
}

// missingFields names what still blocks a booking, or returns "" when ready.
func (o *Orchestrator) missingFields(cand *models.Candidate) string {
	var missing []string
	if cand == nil || cand.Name == "" {
		missing = append(missing, "tu nombre")
	}
	if cand == nil || (cand.DateTimeText == "" && cand.Date == "" && cand.Time == "") {
		missing = append(missing, "la fecha y hora")
	}
	if o.requireContact && cand != nil && cand.Phone == "" && cand.Email == "" {
		missing = append(missing, "un teléfono o email de contacto")
	}
	return strings.Join(missing, " y ")
}

func candidateFromSlots(session *models.Session) *models.Candidate {
	return &models.Candidate{
		Name:         session.Slots[models.SlotName],
		DateTimeText: session.Slots[models.SlotDateTimeText],
		Date:         session.Slots[models.SlotDate],
		Time:         session.Slots[models.SlotTime],
		Phone:        session.Slots[models.SlotPhone],
		Email:        session.Slots[models.SlotEmail],
		Comment:      session.Slots[models.SlotComment],
	}
}

var spanishWeekdays = map[time.Weekday]string{
	time.Monday:    "lunes",
	time.Tuesday:   "martes",
	time.Wednesday: "miércoles",
	time.Thursday:  "jueves",
	time.Friday:    "viernes",
	time.Saturday:  "sábado",
	time.Sunday:    "domingo",
}

var spanishMonths = map[time.Month]string{
	time.January: "enero", time.February: "febrero", time.March: "marzo",
	time.April: "abril", time.May: "mayo", time.June: "junio",
	time.July: "julio", time.August: "agosto", time.September: "septiembre",
	time.October: "octubre", time.November: "noviembre", time.December: "diciembre",
}

// humanTime renders an instant in conversational Spanish.
func (o *Orchestrator) humanTime(t time.Time) string {
	local := t.In(o.location)
	return fmt.Sprintf("%s %d de %s a las %02d:%02d",
		spanishWeekdays[local.Weekday()], local.Day(), spanishMonths[local.Month()], local.Hour(), local.Minute())
}

var (
	reCancelVerb = regexp.MustCompile(`(?i)\b(cancel\w*|anul\w*|suspend\w*)\b`)
	reCancelNoun = regexp.MustCompile(`(?i)\b(cita|hora|reserva|reunion|reunión|agenda\w*|evento)\b`)
	reEventLink  = regexp.MustCompile(`[?&]eid=([A-Za-z0-9_=-]+)`)
	reEventID    = regexp.MustCompile(`\b([a-v0-9]{16,})\b`)
)

// isCancelIntent matches a cancellation verb together with a booking noun.
func isCancelIntent(text string) bool {
	return reCancelVerb.MatchString(text) && reCancelNoun.MatchString(text)
}

// extractEventID pulls an event identifier from a message, either as the eid
// parameter of a calendar link or as a bare backend id token.
func extractEventID(text string) string {
	if m := reEventLink.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	if m := reEventID.FindStringSubmatch(strings.ToLower(text)); m != nil {
		return m[1]
	}
	return ""
}

var affirmations = map[string]bool{
	"si": true, "dale": true, "ok": true, "okay": true, "claro": true,
	"confirmo": true, "confirmado": true, "perfecto": true, "bueno": true,
	"correcto": true, "exacto": true, "de acuerdo": true, "asi es": true,
	"por supuesto": true, "ya": true,
}

var negations = map[string]bool{
	"no": true, "nop": true, "no gracias": true, "mejor no": true,
	"negativo": true, "todavia no": true, "aun no": true,
}

var accentReplacer = strings.NewReplacer("á", "a", "é", "e", "í", "i", "ó", "o", "ú", "u", "ü", "u")

func normalizeAnswer(text string) string {
	s := accentReplacer.Replace(strings.ToLower(strings.TrimSpace(text)))
	s = strings.Trim(s, ".,;:!¡¿?")
	return strings.Join(strings.Fields(s), " ")
}

// isAffirmative reports whether the message is a plain yes. Longer messages
// count only when they open with one ("sí, gracias").
func isAffirmative(text string) bool {
	s := normalizeAnswer(text)
	if affirmations[s] {
		return true
	}
	first, _, _ := strings.Cut(s, " ")
	first = strings.Trim(first, ".,;:!¡¿?")
	return first == "si" || first == "dale" || first == "confirmo"
}

// isNegative reports whether the message is a plain no.
func isNegative(text string) bool {
	s := normalizeAnswer(text)
	if negations[s] {
		return true
	}
	first, _, _ := strings.Cut(s, " ")
	first = strings.Trim(first, ".,;:!¡¿?")
	return first == "no" || first == "nop"
}
