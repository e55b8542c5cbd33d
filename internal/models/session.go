package models

import "time"

// SlotKey identifies one semantic field of the in-progress booking. The keys
// mirror the field names the extraction prompt asks the model to emit.
type SlotKey string

const (
	SlotName         SlotKey = "nombre"
	SlotDateTimeText SlotKey = "datetime_text"
	SlotDate         SlotKey = "fecha"
	SlotTime         SlotKey = "hora"
	SlotPhone        SlotKey = "telefono"
	SlotEmail        SlotKey = "email"
	SlotComment      SlotKey = "comentario"
)

// AllSlotKeys lists every recognized slot. Sessions keep all keys present with
// empty strings for unset fields rather than absent entries.
var AllSlotKeys = []SlotKey{SlotName, SlotDateTimeText, SlotDate, SlotTime, SlotPhone, SlotEmail, SlotComment}

// SessionState is the explicit conversation state. A session is in exactly
// one state at a time; a pending cancellation and a pending confirmation can
// never coexist.
type SessionState string

const (
	// StateCollecting is the default state: gathering slots or chit-chat.
	StateCollecting SessionState = "collecting"
	// StateAwaitingConfirmation means a candidate time was proposed and the
	// user has not yet accepted or rejected it.
	StateAwaitingConfirmation SessionState = "awaiting_confirmation"
	// StateAwaitingCancelConfirmation means a cancellation target was found
	// and the user must confirm with yes/no.
	StateAwaitingCancelConfirmation SessionState = "awaiting_cancel_confirmation"
)

// Turn is a single (role, text) entry in a session's conversation history.
type Turn struct {
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Candidate is a booking proposal pending confirmation or ready to book. It is
// transient: consumed once by the booking service and never persisted
// independently of the event it produces.
type Candidate struct {
	Name         string `json:"nombre"`
	DateTimeText string `json:"datetime_text,omitempty"`
	Date         string `json:"fecha,omitempty"`
	Time         string `json:"hora,omitempty"`
	Phone        string `json:"telefono,omitempty"`
	Email        string `json:"email,omitempty"`
	Comment      string `json:"comentario,omitempty"`
	// DurationMinutes overrides the deployment default when positive.
	DurationMinutes int `json:"duracion_minutos,omitempty"`
}

// CancelRequest is a pending cancellation awaiting yes/no.
type CancelRequest struct {
	EventID    string `json:"event_id"`
	CalendarID string `json:"calendar_id,omitempty"`
	HumanTime  string `json:"human_time"`
}

// Session holds the evolving conversation state for one session key (chat
// session id or messaging-channel sender id). Created lazily on first message.
type Session struct {
	ID            string             `json:"id"`
	Slots         map[SlotKey]string `json:"slots"`
	History       []Turn             `json:"history"`
	State         SessionState       `json:"state"`
	Candidate     *Candidate         `json:"candidate,omitempty"`
	CancelPending *CancelRequest     `json:"cancel_pending,omitempty"`
	LastEventID   string             `json:"last_event_id,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// NewSession creates an empty session with all slot keys present.
func NewSession(id string) *Session {
	now := time.Now()
	slots := make(map[SlotKey]string, len(AllSlotKeys))
	for _, k := range AllSlotKeys {
		slots[k] = ""
	}
	return &Session{
		ID:        id,
		Slots:     slots,
		History:   []Turn{},
		State:     StateCollecting,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns an independent copy: the slot map, history slice and pending
// pointers are duplicated, so mutating the clone never reaches the original.
func (s *Session) Clone() *Session {
	cp := *s
	cp.Slots = make(map[SlotKey]string, len(s.Slots))
	for k, v := range s.Slots {
		cp.Slots[k] = v
	}
	cp.History = make([]Turn, len(s.History))
	copy(cp.History, s.History)
	if s.Candidate != nil {
		cand := *s.Candidate
		cp.Candidate = &cand
	}
	if s.CancelPending != nil {
		pending := *s.CancelPending
		cp.CancelPending = &pending
	}
	return &cp
}

// MergeSlots merges extracted slot values into the session non-destructively:
// only non-empty extracted values overwrite. An empty extracted value means
// "not mentioned", never "explicitly cleared".
func (s *Session) MergeSlots(extracted map[SlotKey]string) {
	for k, v := range extracted {
		if v == "" {
			continue
		}
		s.Slots[k] = v
	}
}

// ResetSlots clears all slots for a fresh booking cycle.
func (s *Session) ResetSlots() {
	for _, k := range AllSlotKeys {
		s.Slots[k] = ""
	}
}

// AppendTurn records one conversation turn.
func (s *Session) AppendTurn(role, content string) {
	s.History = append(s.History, Turn{Role: role, Content: content, Timestamp: time.Now()})
}

// TrimHistory caps history at the most recent max turns. A non-positive max
// leaves history untouched.
func (s *Session) TrimHistory(max int) {
	if max > 0 && len(s.History) > max {
		s.History = s.History[len(s.History)-max:]
	}
}
