package bucket

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/RuiFG/streaming/streaming-core/common/errs"
	"github.com/spf13/afero"
	"k8s.io/apimachinery/pkg/util/wait"
)

// EncodeFn turns a value into the bytes appended to a part.
type EncodeFn[IN any] func(value IN) ([]byte, error)

// AssignFn returns the bucket id of a value, it is used as a directory name.
type AssignFn[IN any] func(value IN) string

// LineEncoder writes every value on its own line.
func LineEncoder[IN any](value IN) ([]byte, error) {
	return []byte(fmt.Sprintln(value)), nil
}

var DefaultRetryBackoff = wait.Backoff{
	Duration: 10 * time.Millisecond,
	Factor:   2,
	Steps:    5,
}

type options[IN any] struct {
	fileSystem    afero.Fs
	basePath      string
	partPrefix    string
	partSuffix    string
	policy        RollingPolicy
	assignFn      AssignFn[IN]
	encodeFn      EncodeFn[IN]
	parallelism   int
	checkInterval time.Duration
	retryBackoff  wait.Backoff
	commitWorkers int
	now           func() time.Time
}

type WithOptions[IN any] func(options *options[IN]) error

func WithBasePath[IN any](basePath string) WithOptions[IN] {
	return func(options *options[IN]) error {
		if basePath == "" {
			return errs.Configuration("base path is required")
		}
		options.basePath = filepath.Clean(basePath)
		return nil
	}
}

// WithPartFile names parts <prefix>-<n><suffix>.
func WithPartFile[IN any](prefix, suffix string) WithOptions[IN] {
	return func(options *options[IN]) error {
		if prefix == "" || strings.ContainsAny(prefix, `/\`) || strings.ContainsAny(suffix, `/\`) {
			return errs.Configuration("illegal part file name %q %q", prefix, suffix)
		}
		options.partPrefix = prefix
		options.partSuffix = suffix
		return nil
	}
}

func WithRollingPolicy[IN any](policy RollingPolicy) WithOptions[IN] {
	return func(options *options[IN]) error {
		if err := policy.Validate(); err != nil {
			return err
		}
		options.policy = policy
		return nil
	}
}

func WithBucketAssigner[IN any](fn AssignFn[IN]) WithOptions[IN] {
	return func(options *options[IN]) error {
		if fn == nil {
			return errs.Configuration("bucket assigner is required")
		}
		options.assignFn = fn
		return nil
	}
}

func WithEncoder[IN any](fn EncodeFn[IN]) WithOptions[IN] {
	return func(options *options[IN]) error {
		if fn == nil {
			return errs.Configuration("encoder is required")
		}
		options.encodeFn = fn
		return nil
	}
}

func WithParallelism[IN any](parallelism int) WithOptions[IN] {
	return func(options *options[IN]) error {
		if parallelism <= 0 {
			return errs.Configuration("parallelism must be positive, got %d", parallelism)
		}
		options.parallelism = parallelism
		return nil
	}
}

// WithFs replaces the local file system, tests use afero.NewMemMapFs.
func WithFs[IN any](fs afero.Fs) WithOptions[IN] {
	return func(options *options[IN]) error {
		if fs == nil {
			return errs.Configuration("file system is required")
		}
		options.fileSystem = fs
		return nil
	}
}

// WithCheckInterval sets how often the processing-time rolling conditions are evaluated.
func WithCheckInterval[IN any](interval time.Duration) WithOptions[IN] {
	return func(options *options[IN]) error {
		if interval <= 0 {
			return errs.Configuration("check interval must be positive, got %s", interval)
		}
		options.checkInterval = interval
		return nil
	}
}

func WithRetryBackoff[IN any](backoff wait.Backoff) WithOptions[IN] {
	return func(options *options[IN]) error {
		if backoff.Steps <= 0 {
			return errs.Configuration("retry steps must be positive, got %d", backoff.Steps)
		}
		options.retryBackoff = backoff
		return nil
	}
}

// WithCommitWorkers sets the number of parts renamed concurrently when a checkpoint completes.
func WithCommitWorkers[IN any](workers int) WithOptions[IN] {
	return func(options *options[IN]) error {
		if workers <= 0 {
			return errs.Configuration("commit workers must be positive, got %d", workers)
		}
		options.commitWorkers = workers
		return nil
	}
}

func newOptions[IN any](fns []WithOptions[IN]) (*options[IN], error) {
	o := &options[IN]{
		fileSystem:    afero.NewOsFs(),
		partPrefix:    "prefix",
		partSuffix:    ".ext",
		policy:        DefaultRollingPolicy,
		encodeFn:      LineEncoder[IN],
		parallelism:   1,
		checkInterval: time.Second,
		retryBackoff:  DefaultRetryBackoff,
		commitWorkers: 4,
		now:           time.Now,
	}
	for _, fn := range fns {
		if err := fn(o); err != nil {
			return nil, err
		}
	}
	if o.basePath == "" {
		return nil, errs.Configuration("base path is required")
	}
	if o.assignFn == nil {
		return nil, errs.Configuration("bucket assigner is required")
	}
	return o, nil
}
