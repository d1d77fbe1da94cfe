package bucket

import (
	"time"

	"github.com/RuiFG/streaming/streaming-core/common/errs"
)

// RollingPolicy decides when the in-progress part of a bucket is closed.
type RollingPolicy struct {
	//MaxPartSize in bytes, a part reaching it rolls before the next write
	MaxPartSize int64
	//RolloverInterval is the maximum age of a part
	RolloverInterval time.Duration
	//InactivityInterval is the maximum time without writes
	InactivityInterval time.Duration
}

var DefaultRollingPolicy = RollingPolicy{
	MaxPartSize:        128 * 1024 * 1024,
	RolloverInterval:   60 * time.Second,
	InactivityInterval: 60 * time.Second,
}

func (p RollingPolicy) Validate() error {
	if p.MaxPartSize <= 0 {
		return errs.Configuration("max part size must be positive, got %d", p.MaxPartSize)
	}
	if p.RolloverInterval <= 0 {
		return errs.Configuration("rollover interval must be positive, got %s", p.RolloverInterval)
	}
	if p.InactivityInterval <= 0 {
		return errs.Configuration("inactivity interval must be positive, got %s", p.InactivityInterval)
	}
	if p.InactivityInterval > p.RolloverInterval {
		return errs.Configuration("inactivity interval %s exceeds rollover interval %s", p.InactivityInterval, p.RolloverInterval)
	}
	return nil
}

// ShouldRollOnEvent is checked before data is appended to part, a part that is full or too old
// receives no more data.
func (p RollingPolicy) ShouldRollOnEvent(part *Part, now time.Time) bool {
	return part.Size >= p.MaxPartSize || p.ShouldRollOnProcessingTime(part, now)
}

func (p RollingPolicy) ShouldRollOnProcessingTime(part *Part, now time.Time) bool {
	return now.Sub(part.CreatedAt) >= p.RolloverInterval || now.Sub(part.LastWriteAt) >= p.InactivityInterval
}
