package bucket

import (
	"path/filepath"
	"strings"
	"sync"

	"github.com/RuiFG/streaming/streaming-core/common/errs"
	"github.com/RuiFG/streaming/streaming-core/common/safe"
	"github.com/RuiFG/streaming/streaming-core/element"
	"github.com/RuiFG/streaming/streaming-core/log"
	. "github.com/RuiFG/streaming/streaming-core/operator"
	"github.com/RuiFG/streaming/streaming-core/partition"
	"github.com/RuiFG/streaming/streaming-core/store"
	"github.com/RuiFG/streaming/streaming-core/stream"
	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

const rollingTimerPayload = "rolling-check"

type antsLogger struct {
	log.Logger
}

func (a antsLogger) Printf(format string, args ...interface{}) {
	a.Logger.Infof(format, args...)
}

type commitTask struct {
	bucket *bucket
	part   int
	err    error
	wg     *sync.WaitGroup
}

type sink[IN any] struct {
	BaseOperator[IN, any, any]
	*options[IN]

	fs           *FileSystem
	state        *State
	buckets      map[string]*bucket
	commitPool   *ants.PoolWithFunc
	timerService *TimerService[string]
	metrics      *metrics
}

func (s *sink[IN]) Open(ctx Context) (err error) {
	if err = s.BaseOperator.Open(ctx, nil); err != nil {
		return err
	}
	s.fs = &FileSystem{Fs: s.fileSystem, BasePath: s.basePath, PartPrefix: s.partPrefix, PartSuffix: s.partSuffix}
	s.buckets = map[string]*bucket{}
	s.metrics = newMetrics(ctx.Scope())
	stateController, err := store.GobRegisterOrGet[State](ctx.Store(), stateKey, newState)
	if err != nil {
		return errors.WithMessage(err, "failed to init bucket sink state")
	}
	s.state = stateController.Pointer()
	if s.state.Buckets == nil {
		s.state.Buckets = map[string]*BucketState{}
	}
	if err = s.restore(); err != nil {
		return err
	}
	s.commitPool, err = ants.NewPoolWithFunc(s.commitWorkers, func(arg interface{}) {
		task := arg.(*commitTask)
		defer task.wg.Done()
		task.err = retry(s.retryBackoff, func() error {
			return s.fs.Commit(task.bucket.id, task.part)
		})
	}, ants.WithLogger(antsLogger{ctx.Logger()}))
	if err != nil {
		return errors.WithMessage(err, "failed to create commit pool")
	}
	s.timerService = GetTimerService[string](ctx, "bucket-rolling-timer", s)
	s.registerRollingTimer()
	return nil
}

// restore commits the parts of the last completed checkpoint
// and discards the hidden parts of the owned buckets that no checkpoint covers.
func (s *sink[IN]) restore() error {
	for bucketId, bucketState := range s.state.Buckets {
		for _, parts := range bucketState.Pending {
			for _, part := range parts {
				if err := retry(s.retryBackoff, func() error {
					return s.fs.Commit(bucketId, part)
				}); err != nil {
					return errs.New(errs.IOError, err)
				}
				s.metrics.partsCommitted.Inc(1)
			}
		}
		bucketState.Pending = map[int64][]int{}
	}
	bucketIds, err := s.fs.ListBuckets()
	if err != nil {
		return errs.New(errs.IOError, err)
	}
	for _, bucketId := range bucketIds {
		if partition.Of(bucketId, s.Ctx.Parallelism()) != s.Ctx.Index() {
			continue
		}
		uncommitted, err := s.fs.ListUncommitted(bucketId)
		if err != nil {
			return errs.New(errs.IOError, err)
		}
		for _, part := range uncommitted {
			if err = s.fs.Discard(bucketId, part); err != nil {
				return errs.New(errs.IOError, err)
			}
		}
		if len(uncommitted) > 0 {
			s.Ctx.Logger().Infow("discarded uncommitted parts.", "bucket", bucketId, "parts", uncommitted)
		}
	}
	return nil
}

func validBucketId(bucketId string) bool {
	return bucketId != "" && !strings.HasPrefix(bucketId, ".") &&
		!strings.ContainsAny(bucketId, `/\`) && filepath.Clean(bucketId) == bucketId
}

func (s *sink[IN]) getBucket(bucketId string) *bucket {
	if b, ok := s.buckets[bucketId]; ok {
		return b
	}
	bucketState, ok := s.state.Buckets[bucketId]
	if !ok {
		bucketState = &BucketState{Pending: map[int64][]int{}}
		s.state.Buckets[bucketId] = bucketState
	}
	if bucketState.Pending == nil {
		bucketState.Pending = map[int64][]int{}
	}
	b := &bucket{
		id:      bucketId,
		fs:      s.fs,
		policy:  s.policy,
		backoff: s.retryBackoff,
		logger:  s.Ctx.Logger(),
		metrics: s.metrics,
		state:   bucketState,
	}
	//part numbers of committed parts are never reused
	if next, err := s.fs.NextPartNumber(bucketId); err != nil {
		s.Ctx.Report(b.fail(err))
	} else if next > bucketState.NextPart {
		bucketState.NextPart = next
	}
	s.buckets[bucketId] = b
	return b
}

func (s *sink[IN]) ProcessEvent(event *element.Event[IN]) {
	var (
		bucketId string
		data     []byte
	)
	if err := safe.Run(func() (err error) {
		bucketId = s.assignFn(event.Value)
		data, err = s.encodeFn(event.Value)
		return err
	}); err != nil {
		s.metrics.dropped.Inc(1)
		s.Ctx.Report(errs.New(errs.RecordProcessingError, errors.WithMessage(err, "failed to encode record")))
		return
	}
	if !validBucketId(bucketId) {
		s.metrics.dropped.Inc(1)
		s.Ctx.Report(errs.Newf(errs.RecordProcessingError, "illegal bucket id %q", bucketId))
		return
	}
	if err := s.getBucket(bucketId).write(data, s.now()); err != nil {
		s.Ctx.Report(err)
	}
}

func (s *sink[IN]) ProcessWatermark(_ element.Watermark) {}

func (s *sink[IN]) registerRollingTimer() {
	s.timerService.RegisterProcessingTimeTimer(Timer[string]{
		Payload:   rollingTimerPayload,
		Timestamp: s.now().Add(s.checkInterval).UnixMilli(),
	})
}

func (s *sink[IN]) OnProcessingTime(_ Timer[string]) {
	s.checkRolling()
	s.registerRollingTimer()
}

func (s *sink[IN]) OnEventTime(_ Timer[string]) {}

// checkRolling rolls the parts that are too old or inactive.
func (s *sink[IN]) checkRolling() {
	now := s.now()
	for _, b := range s.buckets {
		if err := b.onProcessingTime(now); err != nil {
			s.Ctx.Report(err)
		}
	}
}

func (s *sink[IN]) NotifyCheckpointCome(checkpointId int64) {
	for _, b := range s.buckets {
		if err := b.snapshot(checkpointId); err != nil {
			s.Ctx.Report(err)
		}
	}
}

// NotifyCheckpointComplete makes every part attached to checkpoints up to checkpointId visible.
// Parts that fail to commit are attached to checkpointId again and retried with the next checkpoint.
func (s *sink[IN]) NotifyCheckpointComplete(checkpointId int64) {
	var (
		wg    = &sync.WaitGroup{}
		tasks []*commitTask
	)
	for _, b := range s.buckets {
		for _, part := range b.committable(checkpointId) {
			task := &commitTask{bucket: b, part: part, wg: wg}
			wg.Add(1)
			if err := s.commitPool.Invoke(task); err != nil {
				task.err = err
				wg.Done()
			}
			tasks = append(tasks, task)
		}
	}
	wg.Wait()
	var err error
	for _, task := range tasks {
		if task.err != nil {
			err = multierr.Append(err, task.err)
			task.bucket.state.Pending[checkpointId] = append(task.bucket.state.Pending[checkpointId], task.part)
			s.metrics.ioErrors.Inc(1)
			continue
		}
		s.metrics.partsCommitted.Inc(1)
	}
	if err != nil {
		s.Ctx.Report(errs.New(errs.IOError, errors.WithMessagef(err, "failed to commit checkpoint %d", checkpointId)))
	}
	s.checkRolling()
}

// NotifyCheckpointCancel keeps the pending parts, a later completed checkpoint covers them.
func (s *sink[IN]) NotifyCheckpointCancel(checkpointId int64) {
	s.Ctx.Logger().Debugf("checkpoint %d canceled, pending parts wait for the next one", checkpointId)
}

func (s *sink[IN]) Close() error {
	var err error
	for _, b := range s.buckets {
		err = multierr.Append(err, b.abort())
	}
	if s.commitPool != nil {
		s.commitPool.Release()
	}
	return multierr.Append(err, s.BaseOperator.Close())
}

// ToSink writes upstream into bucket directories under the base path.
// Parts become visible only when the checkpoint covering them completes, so periodic checkpointing is required.
func ToSink[IN any](upstream stream.Stream[IN], name string, withOptionsFns ...WithOptions[IN]) error {
	o, err := newOptions(withOptionsFns)
	if err != nil {
		return errors.WithMessagef(err, "%s illegal parameter", name)
	}
	if upstream == nil {
		return errs.Configuration("sink %s has no upstream", name)
	}
	if upstream.Env().Options().EnablePeriodicCheckpoint <= 0 {
		return errs.Configuration("bucket sink %s requires periodic checkpointing", name)
	}
	return stream.ToSink[IN](upstream, stream.SinkStreamOptions[IN]{
		Options:  stream.Options{Name: name, Parallelism: o.parallelism},
		Selector: partition.NewSelector[IN, string](o.assignFn, o.parallelism),
		New: func() Sink[IN] {
			return &sink[IN]{options: o}
		},
	})
}
