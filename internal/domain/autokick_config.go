package domain

import "time"

// AutoKickConfig is the singleton configuration gating the reconciler.
// StartHour and EndHour bound the local-hour window in which reconciliation
// may run; CheckIntervalSeconds is informational, the actual cadence is set
// by the scheduler.
type AutoKickConfig struct {
	Enabled              bool
	CheckIntervalSeconds int
	StartHour            int
	EndHour              int
	UpdatedAt            time.Time
}

// AllowsHour reports whether the local hour falls inside the run window.
func (c AutoKickConfig) AllowsHour(hour int) bool {
	return hour >= c.StartHour && hour <= c.EndHour
}
