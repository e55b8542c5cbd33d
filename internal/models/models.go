// Package models defines the core data structures for CitaBot.
//
// It includes the calendar event representation shared across modules,
// inbound/outbound channel messages, and the JSON envelopes returned by the
// HTTP API.
package models

import (
	"errors"
	"time"
)

// Error variables shared across modules for conditions callers branch on.
var (
	// ErrUnresolvableDateTime indicates a date/time expression could not be
	// resolved into an instant. Callers emit a clarifying question instead of
	// failing the conversation.
	ErrUnresolvableDateTime = errors.New("could not resolve date/time expression")
	// ErrEventNotFound indicates the calendar backend reported the event as
	// missing. Deletions treat this as benign.
	ErrEventNotFound = errors.New("calendar event not found")
	// ErrClassFull indicates a class slot has reached its stored capacity.
	ErrClassFull = errors.New("class is full")
	// ErrEmptyRecipient indicates a send was attempted without a recipient.
	ErrEmptyRecipient = errors.New("recipient cannot be empty")
)

// Event is the channel-agnostic view of a calendar event. The backend owns the
// authoritative copy; this structure carries only the fields CitaBot reads and
// writes.
type Event struct {
	ID          string    `json:"id"`
	CalendarID  string    `json:"calendar_id,omitempty"`
	Summary     string    `json:"summary"`
	Description string    `json:"description,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Timezone    string    `json:"timezone"`
	MeetLink    string    `json:"meet_link,omitempty"`
	HTMLLink    string    `json:"html_link,omitempty"`
	// Attendees are invitee email addresses; the backend notifies them when
	// the event is created, changed or cancelled.
	Attendees []string `json:"attendees,omitempty"`
	// Private carries the backend's private extended properties. The class
	// roster variant stores its ledger and capacity here.
	Private map[string]string `json:"private,omitempty"`
}

// Roster is the participant ledger stored inside a shared class event's
// private extended properties, JSON-encoded.
type Roster struct {
	Capacity     int           `json:"capacity"`
	Participants []Participant `json:"participants"`
}

// Participant is one enrolled attendee in a class roster.
type Participant struct {
	Name       string    `json:"name"`
	ExternalID string    `json:"external_id,omitempty"`
	EnrolledAt time.Time `json:"enrolled_at"`
}

// Response represents an incoming message from a participant on any channel.
type Response struct {
	From      string `json:"from"`
	Body      string `json:"body"`
	MessageID string `json:"message_id,omitempty"`
	Time      int64  `json:"time"`
}

// Receipt represents a message delivery receipt event.
type Receipt struct {
	To     string `json:"to"`
	Status string `json:"status"`
	Time   int64  `json:"time"`
}

// Message delivery statuses.
const (
	MessageStatusSent   = "sent"
	MessageStatusFailed = "failed"
)

// BotReply is the orchestrator's answer for one inbound message.
type BotReply struct {
	Text string `json:"reply"`
	// Done is true when the turn completed a booking or cancellation.
	Done bool `json:"done"`
	// Event is set when the turn created an event.
	Event *Event `json:"event,omitempty"`
	// Degraded is true when an optional feature (conferencing) was dropped.
	Degraded bool `json:"degraded,omitempty"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	StatusOK    APIStatus = "ok"
	StatusError APIStatus = "error"
)

// APIResponse is the uniform JSON envelope for HTTP responses.
type APIResponse struct {
	Status  APIStatus   `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a success response with a result payload.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: StatusOK, Result: result}
}

// SuccessWithMessage creates a success response with a message and payload.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: StatusOK, Message: message, Result: result}
}

// Error creates an error response with the given message.
func Error(message string) APIResponse {
	return APIResponse{Status: StatusError, Message: message}
}
