package domain

import "time"

// AccessKey is an admission ticket controlling entry into the seat pool. The
// code is the primary key. A key that is neither temp nor unlimited is
// single-use: once UsageCount is non-zero it no longer admits anyone.
type AccessKey struct {
	Code        string
	TeamID      *string
	IsTemp      bool
	IsUnlimited bool
	TempHours   int
	UsageCount  int
	CreatedAt   time.Time
}

// Reusable reports whether the key admits more than one join.
func (k AccessKey) Reusable() bool {
	return k.IsUnlimited || k.IsTemp
}

// Exhausted reports whether a single-use key has already been spent.
func (k AccessKey) Exhausted() bool {
	return !k.Reusable() && k.UsageCount > 0
}

// TempDuration returns the lifetime of grants issued with this key.
// Zero when the key is not temporary.
func (k AccessKey) TempDuration(fallback time.Duration) time.Duration {
	if !k.IsTemp {
		return 0
	}
	if k.TempHours > 0 {
		return time.Duration(k.TempHours) * time.Hour
	}
	return fallback
}
