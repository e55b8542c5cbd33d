// Package timeparse resolves Spanish natural-language and structured
// date/time fragments into timezone-aware instants.
//
// The grammar is deliberately small: relative day words, weekday names,
// "D de <mes>" phrases and day-first numeric dates, combined with an explicit
// clock token. Ambiguous or relative expressions prefer the future relative
// to now in the deployment's civil timezone.
package timeparse

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/citabot/citabot/internal/models"
)

// DefaultDateOnlyMinute is the fallback clock time (10:00) assumed when only
// a date is supplied and the caller opts into date-only resolution.
const DefaultDateOnlyMinute = 10 * 60

// Input carries the fragments to resolve. FreeText takes precedence; Date and
// Time are the structured form-style fields.
type Input struct {
	FreeText string
	Date     string
	Time     string
	// AllowDateOnly enables the fixed fallback clock time when only Date is
	// supplied.
	AllowDateOnly bool
}

// Resolver resolves date/time fragments in a fixed civil timezone.
type Resolver struct {
	Location       *time.Location
	DateOnlyMinute int

	// now is swappable for tests.
	now func() time.Time
}

// NewResolver creates a resolver for the given timezone.
func NewResolver(loc *time.Location) *Resolver {
	return &Resolver{
		Location:       loc,
		DateOnlyMinute: DefaultDateOnlyMinute,
		now:            time.Now,
	}
}

var (
	reHoursWord = regexp.MustCompile(`\b(\d{1,2})\s*(?:horas|hras|hrs|hs)\b`)
	reALasBare  = regexp.MustCompile(`\b(a las?) (\d{1,2})\b([^:.0-9]|$)`)
	reTrailingN = regexp.MustCompile(`(^|[\s,])(\d{1,2})\s*$`)
	// A general clock token is colon-only: a dotted pair like "12.08" is a
	// numeric date in this locale, not 12:08. Dotted clocks are recognized
	// only right after "a las" and rewritten to colon form by Normalize.
	reClockToken = regexp.MustCompile(`\b(\d{1,2}):(\d{2})\b`)
	reLasDotted  = regexp.MustCompile(`\b(a las?) (\d{1,2})\.(\d{2})\b`)
	reClockField = regexp.MustCompile(`^\s*(\d{1,2})[:.](\d{2})\s*$`)
	reDayMonth   = regexp.MustCompile(`\b(\d{1,2})\s+de\s+([a-zñ]+)\b`)
	reNumericDMY = regexp.MustCompile(`\b(\d{1,2})[/.-](\d{1,2})[/.-](\d{2,4})\b`)
	reNumericDM  = regexp.MustCompile(`\b(\d{1,2})[/.-](\d{1,2})\b`)
	reISODate    = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
	reBareHour   = regexp.MustCompile(`^\s*(\d{1,2})\s*$`)
)

var months = map[string]time.Month{
	"enero": time.January, "febrero": time.February, "marzo": time.March,
	"abril": time.April, "mayo": time.May, "junio": time.June,
	"julio": time.July, "agosto": time.August, "septiembre": time.September,
	"setiembre": time.September, "octubre": time.October,
	"noviembre": time.November, "diciembre": time.December,
}

var weekdays = map[string]time.Weekday{
	"domingo": time.Sunday, "lunes": time.Monday, "martes": time.Tuesday,
	"miercoles": time.Wednesday, "jueves": time.Thursday,
	"viernes": time.Friday, "sabado": time.Saturday,
}

var weekdayPatterns = func() map[*regexp.Regexp]time.Weekday {
	m := make(map[*regexp.Regexp]time.Weekday, len(weekdays))
	for name, wd := range weekdays {
		m[regexp.MustCompile(`\b`+name+`\b`)] = wd
	}
	return m
}()

// stripAccents folds accented vowels so keyword matching is spelling-tolerant.
// The ñ is kept: "mañana" and "manana" are distinct words only in theory.
func stripAccents(s string) string {
	r := strings.NewReplacer("á", "a", "é", "e", "í", "i", "ó", "o", "ú", "u", "ü", "u")
	return r.Replace(s)
}

// Normalize rewrites informal hour phrases into explicit HH:MM tokens:
// "18 horas" → "18:00", "a las 9" → "a las 9:00", a bare trailing number at
// end-of-string → an hour. Named times mediodía/medianoche become clocks.
func (r *Resolver) Normalize(text string) string {
	s := strings.ToLower(strings.TrimSpace(text))
	s = stripAccents(s)
	s = strings.ReplaceAll(s, "mediodia", "12:00")
	s = strings.ReplaceAll(s, "medianoche", "0:00")
	s = reHoursWord.ReplaceAllString(s, "$1:00")
	s = reLasDotted.ReplaceAllString(s, "$1 $2:$3")
	s = reALasBare.ReplaceAllString(s, "$1 $2:00$3")
	if !reClockToken.MatchString(s) {
		// A lone trailing numeral is read as an hour ("mañana 9" → 9:00),
		// unless it is part of a numeric date.
		if !reNumericDM.MatchString(s) && !reISODate.MatchString(s) {
			s = reTrailingN.ReplaceAllString(s, "${1}${2}:00")
		}
	}
	return s
}

// Resolve turns the input fragments into a timezone-aware instant. Failure is
// models.ErrUnresolvableDateTime, never a panic: the caller is expected to ask
// a clarifying question.
func (r *Resolver) Resolve(in Input) (time.Time, error) {
	if strings.TrimSpace(in.FreeText) != "" {
		t, err := r.resolveFreeText(in.FreeText)
		if err == nil {
			return t, nil
		}
		slog.Debug("timeparse.Resolve: free text did not resolve", "text", in.FreeText, "error", err)
		// Fall through to the structured fields if present.
	}

	date := strings.TrimSpace(in.Date)
	clock := strings.TrimSpace(in.Time)

	if date != "" && clock != "" {
		day, err := r.resolveDateFragment(date)
		if err != nil {
			return time.Time{}, err
		}
		hour, minute, err := parseClock(clock)
		if err != nil {
			return time.Time{}, err
		}
		return time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, r.Location), nil
	}

	if date != "" && in.AllowDateOnly {
		day, err := r.resolveDateFragment(date)
		if err != nil {
			return time.Time{}, err
		}
		return time.Date(day.Year(), day.Month(), day.Day(), r.DateOnlyMinute/60, r.DateOnlyMinute%60, 0, 0, r.Location), nil
	}

	return time.Time{}, models.ErrUnresolvableDateTime
}

// resolveFreeText resolves a full natural-language expression. The text must
// contain an explicit time token after normalization; a bare relative date
// like "mañana" is a definitional failure.
func (r *Resolver) resolveFreeText(text string) (time.Time, error) {
	s := r.Normalize(text)

	m := reClockToken.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, models.ErrUnresolvableDateTime
	}
	hour, _ := strconv.Atoi(m[1])
	minute, _ := strconv.Atoi(m[2])
	if hour > 23 || minute > 59 {
		return time.Time{}, models.ErrUnresolvableDateTime
	}

	// Afternoon and evening qualifiers promote small hours.
	if hour >= 1 && hour <= 11 &&
		(strings.Contains(s, "de la tarde") || strings.Contains(s, "de la noche") || strings.Contains(s, "pm")) {
		hour += 12
	}

	// Remove the clock token so date parsing does not mistake it for a date.
	datePart := strings.Replace(s, m[0], "", 1)

	day, found := r.findDate(datePart)
	if !found {
		// Time without a date: today if still in the future, else tomorrow.
		now := r.now().In(r.Location)
		day = now
		candidate := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, r.Location)
		if !candidate.After(now) {
			day = now.AddDate(0, 0, 1)
		}
	}

	return time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, r.Location), nil
}

// findDate scans normalized text for a date expression. The zero value with
// found=false means no date was present at all.
func (r *Resolver) findDate(s string) (time.Time, bool) {
	now := r.now().In(r.Location)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, r.Location)

	// Order matters: "pasado mañana" contains "mañana".
	if strings.Contains(s, "pasado mañana") {
		return today.AddDate(0, 0, 2), true
	}
	if strings.Contains(s, "mañana") {
		return today.AddDate(0, 0, 1), true
	}
	if strings.Contains(s, "hoy") {
		return today, true
	}

	for pat, wd := range weekdayPatterns {
		if !pat.MatchString(s) {
			continue
		}
		// Strictly the next occurrence: naming today's weekday means next week.
		ahead := (int(wd) - int(today.Weekday()) + 7) % 7
		if ahead == 0 {
			ahead = 7
		}
		return today.AddDate(0, 0, ahead), true
	}

	if m := reISODate.FindStringSubmatch(s); m != nil {
		y, _ := strconv.Atoi(m[1])
		mo, _ := strconv.Atoi(m[2])
		d, _ := strconv.Atoi(m[3])
		return time.Date(y, time.Month(mo), d, 0, 0, 0, 0, r.Location), true
	}

	if m := reDayMonth.FindStringSubmatch(s); m != nil {
		d, _ := strconv.Atoi(m[1])
		if mo, ok := months[m[2]]; ok {
			return r.futureDate(d, mo, 0), true
		}
	}

	if m := reNumericDMY.FindStringSubmatch(s); m != nil {
		d, _ := strconv.Atoi(m[1])
		mo, _ := strconv.Atoi(m[2])
		y, _ := strconv.Atoi(m[3])
		if y < 100 {
			y += 2000
		}
		if mo >= 1 && mo <= 12 {
			return time.Date(y, time.Month(mo), d, 0, 0, 0, 0, r.Location), true
		}
	}

	if m := reNumericDM.FindStringSubmatch(s); m != nil {
		d, _ := strconv.Atoi(m[1])
		mo, _ := strconv.Atoi(m[2])
		if mo >= 1 && mo <= 12 && d >= 1 && d <= 31 {
			return r.futureDate(d, time.Month(mo), 0), true
		}
	}

	return time.Time{}, false
}

// futureDate builds a date in the current year, rolling to the next year when
// the date has already passed. A non-zero year pins it.
func (r *Resolver) futureDate(day int, month time.Month, year int) time.Time {
	now := r.now().In(r.Location)
	if year != 0 {
		return time.Date(year, month, day, 0, 0, 0, 0, r.Location)
	}
	candidate := time.Date(now.Year(), month, day, 23, 59, 59, 0, r.Location)
	if candidate.Before(now) {
		return time.Date(now.Year()+1, month, day, 0, 0, 0, 0, r.Location)
	}
	return time.Date(now.Year(), month, day, 0, 0, 0, 0, r.Location)
}

// resolveDateFragment resolves an explicit date field ("2025-08-12", "12/08",
// "mañana"). Numeric dates with a year go through dateparse with day-first
// preference; everything else reuses the free-text date grammar.
func (r *Resolver) resolveDateFragment(date string) (time.Time, error) {
	s := stripAccents(strings.ToLower(strings.TrimSpace(date)))

	if reISODate.MatchString(s) || reNumericDMY.MatchString(s) {
		t, err := dateparse.ParseIn(s, r.Location,
			dateparse.PreferMonthFirst(false),
			dateparse.RetryAmbiguousDateWithSwap(true))
		if err == nil {
			return t, nil
		}
		slog.Debug("timeparse.resolveDateFragment: dateparse failed", "date", date, "error", err)
	}

	if day, found := r.findDate(s); found {
		return day, nil
	}
	return time.Time{}, models.ErrUnresolvableDateTime
}

// parseClock parses an explicit time field. A lone numeral is coerced to a
// whole hour: "9" → 09:00. The dotted form is accepted here: the field holds
// a clock by contract, so "16.30" cannot be a date.
func parseClock(clock string) (hour, minute int, err error) {
	s := strings.TrimSpace(clock)
	if m := reBareHour.FindStringSubmatch(s); m != nil {
		hour, _ = strconv.Atoi(m[1])
		if hour > 23 {
			return 0, 0, fmt.Errorf("%w: hour %d out of range", models.ErrUnresolvableDateTime, hour)
		}
		return hour, 0, nil
	}
	if m := reClockField.FindStringSubmatch(s); m != nil {
		hour, _ = strconv.Atoi(m[1])
		minute, _ = strconv.Atoi(m[2])
		if hour > 23 || minute > 59 {
			return 0, 0, fmt.Errorf("%w: clock %q out of range", models.ErrUnresolvableDateTime, clock)
		}
		return hour, minute, nil
	}
	return 0, 0, models.ErrUnresolvableDateTime
}
