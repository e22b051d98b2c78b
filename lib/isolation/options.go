package isolation

import (
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultReadyTimeout     = 5 * time.Second
	defaultWatchdogInterval = 250 * time.Millisecond
	shutdownAckTimeout      = 2 * time.Second
	exitTimeout             = 2 * time.Second
)

// Option configures Create.
type Option func(*options)

type options struct {
	policy           Policy
	workerPath       string
	workerArgs       []string
	logger           zerolog.Logger
	readyTimeout     time.Duration
	maxImageSize     int64
	memoryLimit      uint64
	watchdogInterval time.Duration
	appName          string
}

func defaultOptions() options {
	return options{
		policy:           DefaultPolicy(),
		logger:           zerolog.Nop(),
		readyTimeout:     defaultReadyTimeout,
		watchdogInterval: defaultWatchdogInterval,
	}
}

// WithPolicy replaces the deny-by-default policy.
func WithPolicy(p Policy) Option {
	return func(o *options) { o.policy = p }
}

// WithWorkerPath runs an explicit worker binary instead of re-executing the
// current one. Extra args are passed before the worker flags.
func WithWorkerPath(path string, args ...string) Option {
	return func(o *options) {
		o.workerPath = path
		o.workerArgs = args
	}
}

// WithLogger sets the host logger. Worker logs are relayed into it.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithReadyTimeout bounds how long Create waits for the worker handshake.
func WithReadyTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.readyTimeout = d
		}
	}
}

// WithMaxImageSize bounds the files the worker reads.
func WithMaxImageSize(n int64) Option {
	return func(o *options) { o.maxImageSize = n }
}

// WithMemoryLimit kills the worker once its resident set exceeds n bytes.
func WithMemoryLimit(n uint64) Option {
	return func(o *options) { o.memoryLimit = n }
}

// WithWatchdogInterval sets how often the memory limit is checked.
func WithWatchdogInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.watchdogInterval = d
		}
	}
}

// WithApplicationName names the context in logs and in the worker's ready signal.
func WithApplicationName(name string) Option {
	return func(o *options) { o.appName = name }
}
