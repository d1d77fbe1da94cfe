package bucket

import (
	"time"

	"github.com/RuiFG/streaming/streaming-core/common/errs"
	"github.com/RuiFG/streaming/streaming-core/log"
	"github.com/pkg/errors"
	"github.com/uber-go/tally/v4"
	"k8s.io/apimachinery/pkg/util/wait"
)

type metrics struct {
	bytesWritten   tally.Counter
	partsRolled    tally.Counter
	partsCommitted tally.Counter
	ioErrors       tally.Counter
	dropped        tally.Counter
}

func newMetrics(scope tally.Scope) *metrics {
	return &metrics{
		bytesWritten:   scope.Counter("bytes_written"),
		partsRolled:    scope.Counter("parts_rolled"),
		partsCommitted: scope.Counter("parts_committed"),
		ioErrors:       scope.Counter("bucket_io_errors"),
		dropped:        scope.Counter("dropped_records"),
	}
}

// retry calls fn until it succeeds or backoff is exhausted, the last error of fn is returned.
func retry(backoff wait.Backoff, fn func() error) error {
	var lastErr error
	if err := wait.ExponentialBackoff(backoff, func() (bool, error) {
		if lastErr = fn(); lastErr != nil {
			return false, nil
		}
		return true, nil
	}); err != nil {
		if lastErr != nil {
			return lastErr
		}
		return err
	}
	return nil
}

// bucket owns the in-progress part of one bucket id, it is only used by the task goroutine.
type bucket struct {
	id         string
	fs         *FileSystem
	policy     RollingPolicy
	backoff    wait.Backoff
	logger     log.Logger
	metrics    *metrics
	state      *BucketState
	inProgress *Part
	//pending are finalized parts not attached to a checkpoint yet
	pending []int
	//failed buckets drop every later record
	failed bool
}

// fail marks the bucket failed and returns the IOError to report.
func (b *bucket) fail(err error) error {
	b.failed = true
	b.metrics.ioErrors.Inc(1)
	if b.inProgress != nil {
		_ = b.fs.Finalize(b.inProgress)
		_ = b.fs.Discard(b.id, b.inProgress.Number)
		b.inProgress = nil
	}
	b.logger.Errorw("bucket failed, later records are dropped.", "bucket", b.id, "err", err)
	return errs.New(errs.IOError, errors.WithMessagef(err, "bucket %s failed", b.id))
}

func (b *bucket) write(data []byte, now time.Time) error {
	if b.failed {
		b.metrics.dropped.Inc(1)
		return nil
	}
	if b.inProgress != nil && b.policy.ShouldRollOnEvent(b.inProgress, now) {
		if err := b.roll(); err != nil {
			return err
		}
	}
	if b.inProgress == nil {
		var part *Part
		if err := retry(b.backoff, func() (err error) {
			part, err = b.fs.CreatePart(b.id, b.state.NextPart, now)
			return err
		}); err != nil {
			return b.fail(err)
		}
		b.state.NextPart++
		b.inProgress = part
	}
	remaining := data
	if err := retry(b.backoff, func() error {
		written, err := b.fs.Append(b.inProgress, remaining)
		remaining = remaining[written:]
		return err
	}); err != nil {
		return b.fail(err)
	}
	b.inProgress.LastWriteAt = now
	b.metrics.bytesWritten.Inc(int64(len(data)))
	return nil
}

// roll finalizes the in-progress part into the pending parts.
func (b *bucket) roll() error {
	if b.inProgress == nil {
		return nil
	}
	part := b.inProgress
	if err := retry(b.backoff, func() error {
		return b.fs.Finalize(part)
	}); err != nil {
		return b.fail(err)
	}
	b.inProgress = nil
	b.pending = append(b.pending, part.Number)
	b.metrics.partsRolled.Inc(1)
	return nil
}

func (b *bucket) onProcessingTime(now time.Time) error {
	if b.inProgress != nil && b.policy.ShouldRollOnProcessingTime(b.inProgress, now) {
		return b.roll()
	}
	return nil
}

// snapshot rolls the in-progress part and attaches every pending part to checkpointId.
func (b *bucket) snapshot(checkpointId int64) error {
	if b.failed {
		return nil
	}
	if b.inProgress != nil && b.inProgress.Size > 0 {
		if err := b.roll(); err != nil {
			return err
		}
	}
	if len(b.pending) > 0 {
		b.state.Pending[checkpointId] = append(b.state.Pending[checkpointId], b.pending...)
		b.pending = nil
	}
	return nil
}

// committable removes and returns the parts attached to checkpoints up to checkpointId.
func (b *bucket) committable(checkpointId int64) []int {
	var parts []int
	for id, numbers := range b.state.Pending {
		if id <= checkpointId {
			parts = append(parts, numbers...)
			delete(b.state.Pending, id)
		}
	}
	return parts
}

// abort discards the in-progress part, pending parts are left to the next restore.
func (b *bucket) abort() error {
	if b.inProgress == nil {
		return nil
	}
	part := b.inProgress
	b.inProgress = nil
	_ = b.fs.Finalize(part)
	return b.fs.Discard(b.id, part.Number)
}
