package utils

import (
	"log"
	"strings"
	"time"

	"github.com/scmhub/calendar"

	"market-sync/src/models"
)

const (
	calendarVenue = iota // scmhub venue calendar by MIC
	calendarAlways       // 24/7, crypto
	calendarFxWeek       // 24x5, Sunday 22:00 UTC to Friday 22:00 UTC
	calendarSimple       // Mon-Fri 09:30-16:00 venue time, when no MIC data loads
)

// TradingCalendar answers whether an instrument's venue is currently trading.
type TradingCalendar struct {
	Calendar *calendar.Calendar
	Mode     int
	Timezone *time.Location
}

// -----------------------------------------------------------------------------

// CalendarFor routes an instrument to its trading calendar by asset class.
// Index classes resolve their MIC (ISO 10383) against scmhub/calendar and
// degrade to simple weekday hours when the MIC is unknown.
func CalendarFor(inst models.MInstrument) *TradingCalendar {
	switch inst.AssetClass {
	case models.AssetCrypto:
		return &TradingCalendar{Mode: calendarAlways, Timezone: time.UTC}

	case models.AssetForex:
		return &TradingCalendar{Mode: calendarFxWeek, Timezone: time.UTC}
	}

	mic := strings.ToLower(inst.MIC)
	if mic == "" {
		mic = "xnys"
	}

	cal := calendar.GetCalendar(mic)
	if cal == nil {
		cal = calendar.GetCalendar("xnys")
	}

	if cal == nil {
		log.Printf("WARNING: Failed to load calendar for MIC '%s' and fallback 'xnys'. Using simple hours (Mon-Fri 09:30-16:00).", mic)
		nyLoc, _ := time.LoadLocation("America/New_York")
		if nyLoc == nil {
			nyLoc = time.UTC
		}
		return &TradingCalendar{Mode: calendarSimple, Timezone: nyLoc}
	}

	return &TradingCalendar{Calendar: cal, Mode: calendarVenue, Timezone: cal.Loc}
}

// -----------------------------------------------------------------------------

func (tc *TradingCalendar) IsTradingDay(date time.Time) bool {
	if tc.Timezone != nil {
		date = date.In(tc.Timezone)
	}

	switch tc.Mode {
	case calendarAlways:
		return true
	case calendarFxWeek:
		return date.Weekday() != time.Saturday
	case calendarSimple:
		weekday := date.Weekday()
		return weekday != time.Saturday && weekday != time.Sunday
	default:
		return tc.Calendar.IsBusinessDay(date)
	}
}

// -----------------------------------------------------------------------------

// IsOpenOnMinute checks if the market is open at a specific minute.
func (tc *TradingCalendar) IsOpenOnMinute(t time.Time) bool {
	if tc.Timezone != nil {
		t = t.In(tc.Timezone)
	}

	switch tc.Mode {
	case calendarAlways:
		return true

	case calendarFxWeek:
		// FX week runs Sunday 22:00 UTC through Friday 22:00 UTC.
		utc := t.UTC()
		switch utc.Weekday() {
		case time.Saturday:
			return false
		case time.Sunday:
			return utc.Hour() >= 22
		case time.Friday:
			return utc.Hour() < 22
		default:
			return true
		}

	case calendarSimple:
		if !tc.IsTradingDay(t) {
			return false
		}
		hour := t.Hour()
		minute := t.Minute()
		if (hour > 9 || (hour == 9 && minute >= 30)) && hour < 16 {
			return true
		}
		return false

	default:
		return tc.Calendar.IsOpen(t)
	}
}
