// Package rules validates candidate booking intervals against the business
// hours policy of the deployment.
package rules

import (
	"fmt"
	"log/slog"
	"time"
)

// Violation is a business-rule rejection. The reason is a stable, complete
// sentence reusable verbatim as the user-facing message.
type Violation struct {
	Reason string
}

func (v *Violation) Error() string { return v.Reason }

// Spanish names used in rejection reasons.
var weekdayNames = map[time.Weekday]string{
	time.Sunday:    "domingo",
	time.Monday:    "lunes",
	time.Tuesday:   "martes",
	time.Wednesday: "miércoles",
	time.Thursday:  "jueves",
	time.Friday:    "viernes",
	time.Saturday:  "sábado",
}

// Validator checks intervals against a fixed operating window.
type Validator struct {
	// OpenMinute and CloseMinute bound the local clock range [open, close).
	OpenMinute  int
	CloseMinute int
	// Days holds the allowed weekdays.
	Days map[time.Weekday]bool
	// RequireFuture rejects starts at or before now.
	RequireFuture bool
	// Location is the deployment's civil timezone; intervals are judged on
	// their local clock there.
	Location *time.Location
}

// NewValidator creates a validator with the default policy: Monday through
// Friday, 09:00 to 19:00, future-only.
func NewValidator(loc *time.Location) *Validator {
	return &Validator{
		OpenMinute:  9 * 60,
		CloseMinute: 19 * 60,
		Days: map[time.Weekday]bool{
			time.Monday:    true,
			time.Tuesday:   true,
			time.Wednesday: true,
			time.Thursday:  true,
			time.Friday:    true,
		},
		RequireFuture: true,
		Location:      loc,
	}
}

// clock formats a minutes-from-midnight value as HH:MM.
func clock(minute int) string {
	return fmt.Sprintf("%02d:%02d", minute/60, minute%60)
}

// Validate checks a candidate interval. It returns nil when the interval is
// bookable, or a *Violation carrying the human-readable rejection reason.
// Identical inputs always produce identical reasons.
func (v *Validator) Validate(start, end time.Time) error {
	localStart := start.In(v.Location)
	localEnd := end.In(v.Location)

	if !end.After(start) {
		return &Violation{Reason: "La hora de término debe ser posterior a la de inicio."}
	}

	if v.RequireFuture && !start.After(time.Now()) {
		return &Violation{Reason: "Esa fecha ya pasó. Indícame una fecha y hora futura, por favor."}
	}

	if !v.Days[localStart.Weekday()] {
		return &Violation{Reason: fmt.Sprintf("No atendemos los días %s. ¿Te acomoda otro día?", weekdayNames[localStart.Weekday()])}
	}
	if !v.Days[localEnd.Weekday()] {
		return &Violation{Reason: fmt.Sprintf("No atendemos los días %s. ¿Te acomoda otro día?", weekdayNames[localEnd.Weekday()])}
	}

	// An interval that spans a civil-day boundary can never fit the window.
	sy, sm, sd := localStart.Date()
	ey, em, ed := localEnd.Date()
	if sy != ey || sm != em || sd != ed {
		return &Violation{Reason: "La cita no puede cruzar de un día a otro."}
	}

	startMinute := localStart.Hour()*60 + localStart.Minute()
	endMinute := localEnd.Hour()*60 + localEnd.Minute()
	if startMinute < v.OpenMinute || startMinute >= v.CloseMinute || endMinute > v.CloseMinute {
		slog.Debug("rules.Validate: interval outside operating window",
			"start_minute", startMinute, "end_minute", endMinute,
			"open", v.OpenMinute, "close", v.CloseMinute)
		return &Violation{Reason: fmt.Sprintf("Atendemos entre %s y %s. ¿Te acomoda un horario dentro de ese rango?", clock(v.OpenMinute), clock(v.CloseMinute))}
	}

	return nil
}
