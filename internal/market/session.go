package market

import "time"

// Session defines when one trading day ends and the next begins.
type Session struct {
	Location *time.Location
	RollHour int // local hour at which the next trading day starts
}

// NewSession loads tz; an empty tz means UTC.
func NewSession(tz string, rollHour int) (Session, error) {
	loc := time.UTC
	if tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return Session{}, err
		}
		loc = l
	}
	return Session{Location: loc, RollHour: rollHour}, nil
}

// Day returns the trading-day key t belongs to. With RollHour=17 a bar at 18:00
// local belongs to the following calendar date.
func (s Session) Day(t time.Time) string {
	loc := s.Location
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	if s.RollHour > 0 && local.Hour() >= s.RollHour {
		local = local.AddDate(0, 0, 1)
	}
	return local.Format("2006-01-02")
}
