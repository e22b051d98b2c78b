// Package isolation inspects assemblies inside worker processes. Each Context
// owns one worker with its own root directory and loaded-module set, so
// nothing inspected is ever loaded into the caller's process, and unloading a
// context releases everything it loaded.
package isolation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/snowmerak/asmprobe/lib/assembly"
	"github.com/snowmerak/asmprobe/lib/config"
	"github.com/snowmerak/asmprobe/lib/logging"
	"github.com/snowmerak/asmprobe/lib/multiplexer"
	"github.com/snowmerak/asmprobe/lib/process"
	"github.com/snowmerak/asmprobe/lib/wire"
)

// Context is one isolation context: a worker process resolving names against
// its own root.
type Context struct {
	id      uuid.UUID
	root    string
	policy  Policy
	appName string
	logger  zerolog.Logger

	proc   *process.Process
	mux    multiplexer.Multiplexer
	stderr io.WriteCloser

	pendingMu     sync.Mutex
	pending       map[uint32]chan wire.Header
	pendingClosed bool

	readySignal      chan struct{}
	shutdownAck      chan struct{}
	forceShutdownAck chan struct{}

	loopCtx    context.Context
	cancelLoop context.CancelFunc

	unloaded         atomic.Bool
	exited           atomic.Bool
	killedByWatchdog atomic.Bool

	wg         sync.WaitGroup
	unloadOnce sync.Once
	unloadErr  error
}

// Create starts a worker rooted at directoryPath and returns the extractor
// bound to it together with the context that owns it. The caller must Unload
// the context.
func Create(ctx context.Context, directoryPath string, opts ...Option) (*Extractor, *Context, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	root, err := resolveRoot(directoryPath)
	if err != nil {
		return nil, nil, err
	}

	// A broken probe configuration fails here instead of inside the worker.
	if _, err := config.LoadProbe(root); err != nil {
		return nil, nil, fmt.Errorf("failed to load probe configuration: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate context id: %w", err)
	}

	appName := o.appName
	if appName == "" {
		appName = filepath.Base(root)
	}

	workerPath := o.workerPath
	if workerPath == "" {
		if workerPath, err = os.Executable(); err != nil {
			return nil, nil, fmt.Errorf("failed to locate worker executable: %w", err)
		}
	}

	policy := o.policy
	policy.SearchPaths = make([]string, 0, len(o.policy.SearchPaths))
	for _, sp := range o.policy.SearchPaths {
		if !filepath.IsAbs(sp) {
			sp = filepath.Join(root, sp)
		}
		policy.SearchPaths = append(policy.SearchPaths, sp)
	}

	maxImageSize := o.maxImageSize
	if maxImageSize <= 0 {
		maxImageSize = assembly.DefaultMaxImageSize
	}

	wc := WorkerConfig{
		Root:         root,
		AppName:      appName,
		MaxImageSize: maxImageSize,
		LogLevel:     o.logger.GetLevel().String(),
		Policy:       policy,
	}

	logger := o.logger.With().
		Str("context", id.String()).
		Str("app", appName).
		Logger()

	c := &Context{
		id:               id,
		root:             root,
		policy:           policy,
		appName:          appName,
		logger:           logger,
		pending:          make(map[uint32]chan wire.Header),
		readySignal:      make(chan struct{}, 1),
		shutdownAck:      make(chan struct{}, 1),
		forceShutdownAck: make(chan struct{}, 1),
	}

	c.stderr = logging.RelayWriter(logger.With().Str("source", "worker").Logger())

	p, err := process.Spawn(process.Spec{
		Path:   workerPath,
		Args:   append(append([]string{}, o.workerArgs...), wc.Args()...),
		Dir:    root,
		Env:    workerEnv(policy),
		Stderr: c.stderr,
	})
	if err != nil {
		c.stderr.Close()
		return nil, nil, fmt.Errorf("failed to start worker: %w", err)
	}
	c.proc = p
	c.mux = multiplexer.New(p.Stdout(), p.Stdin())

	// The worker outlives the creating call, so only ctx's values are kept.
	c.loopCtx, c.cancelLoop = context.WithCancel(context.WithoutCancel(ctx))

	c.wg.Add(2)
	go c.monitorProcess()
	go c.handleMessages()

	if err := c.waitForReadySignal(ctx, o.readyTimeout); err != nil {
		c.unloaded.Store(true)
		c.teardown()
		return nil, nil, fmt.Errorf("%w: %w", ErrNotReady, err)
	}

	if o.memoryLimit > 0 {
		c.wg.Add(1)
		go c.watch(o.memoryLimit, o.watchdogInterval)
	}

	logger.Info().
		Str("root", root).
		Int("pid", p.Pid()).
		Msg("Isolation context created")

	return &Extractor{c: c}, c, nil
}

func resolveRoot(directoryPath string) (string, error) {
	if directoryPath == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidRoot)
	}
	root, err := filepath.Abs(directoryPath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRoot, err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRoot, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", ErrInvalidRoot, root)
	}
	return root, nil
}

func workerEnv(policy Policy) []string {
	var env []string
	if policy.InheritEnvironment {
		env = os.Environ()
	} else if v, ok := os.LookupEnv("SYSTEMROOT"); ok {
		// Windows cannot start a process without it.
		env = append(env, "SYSTEMROOT="+v)
	}
	return append(env, WorkerEnv+"=1")
}

// ID returns the context's unique id.
func (c *Context) ID() uuid.UUID {
	return c.id
}

// Root returns the absolute root directory.
func (c *Context) Root() string {
	return c.root
}

// Policy returns the policy the worker was started with.
func (c *Context) Policy() Policy {
	return c.policy
}

// ApplicationName returns the name the context was created with.
func (c *Context) ApplicationName() string {
	return c.appName
}

// Alive reports whether the context can still serve calls.
func (c *Context) Alive() bool {
	return !c.unloaded.Load() && !c.exited.Load()
}

// Metrics returns the traffic counters of the host side of the pipe.
func (c *Context) Metrics() multiplexer.Metrics {
	return c.mux.GetMetrics()
}

// Stats samples the worker's resource usage.
func (c *Context) Stats(ctx context.Context) (process.Stats, error) {
	if !c.Alive() {
		return process.Stats{}, c.goneErr()
	}
	return c.proc.Stats(ctx)
}

// Loaded returns the display names in the worker's loaded-module set, sorted.
func (c *Context) Loaded(ctx context.Context) ([]string, error) {
	resp, err := c.call(ctx, wire.NameLoaded, nil)
	if err != nil {
		return nil, err
	}

	var list wire.LoadedList
	if err := list.UnmarshalBinary(resp.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode loaded list: %w", err)
	}
	return list.Names, nil
}

// Unload shuts the worker down gracefully and releases everything the context
// loaded. Calls made afterwards fail with ErrContextUnloaded. It is safe to
// call more than once.
func (c *Context) Unload() error {
	c.unloadOnce.Do(func() {
		c.unloadErr = c.unload(wire.NameShutdown, c.shutdownAck)
	})
	return c.unloadErr
}

// ForceUnload is Unload without waiting for in-flight requests.
func (c *Context) ForceUnload() error {
	c.unloadOnce.Do(func() {
		c.unloadErr = c.unload(wire.NameForceShutdown, c.forceShutdownAck)
	})
	return c.unloadErr
}

func (c *Context) unload(name string, ack <-chan struct{}) error {
	c.unloaded.Store(true)

	if !c.exited.Load() {
		if err := c.sendControl(name); err == nil {
			select {
			case <-ack:
			case <-c.proc.Done():
			case <-time.After(shutdownAckTimeout):
				c.logger.Warn().Str("signal", name).Msg("Worker did not acknowledge shutdown")
			}
		}
	}

	if err := c.proc.CloseStdin(); err != nil {
		c.logger.Debug().Err(err).Msg("Failed to close worker stdin")
	}
	select {
	case <-c.proc.Done():
	case <-time.After(exitTimeout):
		c.logger.Warn().Msg("Worker did not exit, killing it")
	}

	metrics := c.mux.GetMetrics()
	err := c.teardown()

	c.logger.Info().
		Uint64("messages_written", metrics.MessagesWritten).
		Uint64("messages_read", metrics.MessagesRead).
		Uint64("bytes_written", metrics.BytesWritten).
		Uint64("bytes_read", metrics.BytesRead).
		Msg("Isolation context unloaded")

	return err
}

// teardown kills the worker if needed and waits for every goroutine of the context.
func (c *Context) teardown() error {
	c.cancelLoop()
	err := c.proc.Close()
	c.wg.Wait()
	c.stderr.Close()
	return err
}

func (c *Context) sendControl(name string) error {
	h := wire.Header{Name: name, MessageType: wire.MessageTypeRequest}
	data, err := h.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}

	ctx, cancel := context.WithTimeout(c.loopCtx, shutdownAckTimeout)
	defer cancel()
	return c.mux.WriteMessageWithSequence(ctx, c.mux.NextSequence(), data)
}

func (c *Context) requestReady() error {
	return c.sendControl(wire.NameRequestReady)
}

func (c *Context) waitForReadySignal(ctx context.Context, timeout time.Duration) error {
	wait := func(d time.Duration) (bool, error) {
		timer := time.NewTimer(d)
		defer timer.Stop()

		select {
		case <-c.readySignal:
			return true, nil
		case <-c.proc.Done():
			return false, ErrWorkerExited
		case <-ctx.Done():
			return false, ctx.Err()
		case <-timer.C:
			return false, nil
		}
	}

	if ok, err := wait(timeout); ok || err != nil {
		return err
	}

	// The ready signal may have been written before we were reading; ask again.
	if err := c.requestReady(); err != nil {
		return fmt.Errorf("timeout waiting for ready signal and failed to request ready: %w", err)
	}
	if ok, err := wait(timeout / 2); ok || err != nil {
		return err
	}
	return fmt.Errorf("timeout waiting for ready signal after %s", timeout+timeout/2)
}

// goneErr explains why calls can no longer be served.
func (c *Context) goneErr() error {
	if c.unloaded.Load() {
		return ErrContextUnloaded
	}
	if c.killedByWatchdog.Load() {
		return fmt.Errorf("%w: memory limit exceeded", ErrWorkerExited)
	}
	return ErrWorkerExited
}

// call sends one request and waits for the response with the same sequence.
func (c *Context) call(ctx context.Context, name string, payload []byte) (wire.Header, error) {
	if !c.Alive() {
		return wire.Header{}, c.goneErr()
	}

	req := wire.Header{Name: name, MessageType: wire.MessageTypeRequest, Payload: payload}
	data, err := req.MarshalBinary()
	if err != nil {
		return wire.Header{}, fmt.Errorf("failed to encode header: %w", err)
	}

	seq := c.mux.NextSequence()
	responseChan := make(chan wire.Header, 1)

	c.pendingMu.Lock()
	if c.pendingClosed {
		c.pendingMu.Unlock()
		return wire.Header{}, c.goneErr()
	}
	c.pending[seq] = responseChan
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, seq)
		c.pendingMu.Unlock()
	}()

	if err := c.mux.WriteMessageWithSequence(ctx, seq, data); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return wire.Header{}, ctxErr
		}
		return wire.Header{}, fmt.Errorf("failed to write request: %w", errors.Join(c.goneErr(), err))
	}

	select {
	case resp, ok := <-responseChan:
		if !ok {
			return wire.Header{}, c.goneErr()
		}
		if resp.IsError {
			return wire.Header{}, fmt.Errorf("worker error for %s: %s", name, resp.Payload)
		}
		return resp, nil
	case <-ctx.Done():
		return wire.Header{}, ctx.Err()
	}
}

// handleMessages routes everything the worker writes: handshake signals and
// responses to pending calls.
func (c *Context) handleMessages() {
	defer c.wg.Done()
	defer func() {
		c.pendingMu.Lock()
		defer c.pendingMu.Unlock()
		c.pendingClosed = true
		for seq, ch := range c.pending {
			close(ch)
			delete(c.pending, seq)
		}
	}()

	recv, err := c.mux.ReadMessage(c.loopCtx)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to read from worker")
		return
	}

	for {
		select {
		case <-c.loopCtx.Done():
			return
		case msg, ok := <-recv:
			if !ok {
				return
			}
			if msg.Err != "" {
				if !c.unloaded.Load() {
					c.logger.Error().Str("error", msg.Err).Msg("Worker stream broken, killing worker")
					_ = c.proc.Kill()
				}
				return
			}
			if msg.Aborted {
				continue
			}

			var header wire.Header
			if err := header.UnmarshalBinary(msg.Data); err != nil {
				c.logger.Warn().Err(err).Uint32("seq", msg.Sequence).Msg("Dropping malformed message")
				continue
			}

			switch header.Name {
			case wire.NameReady:
				notify(c.readySignal)
				continue
			case wire.NameShutdownAck:
				notify(c.shutdownAck)
				continue
			case wire.NameForceShutdownAck:
				notify(c.forceShutdownAck)
				continue
			}

			if header.MessageType != wire.MessageTypeResponse && header.MessageType != wire.MessageTypeError {
				c.logger.Debug().Str("name", header.Name).Stringer("type", header.MessageType).Msg("Ignoring message")
				continue
			}

			c.pendingMu.Lock()
			responseChan, exists := c.pending[msg.Sequence]
			if exists {
				delete(c.pending, msg.Sequence)
			}
			c.pendingMu.Unlock()

			if !exists {
				// The caller gave up on it.
				continue
			}
			responseChan <- header
		}
	}
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// monitorProcess marks the context dead once the worker exits.
func (c *Context) monitorProcess() {
	defer c.wg.Done()

	err := c.proc.Wait()
	c.exited.Store(true)

	if !c.unloaded.Load() {
		c.logger.Warn().Err(err).Msg("Worker exited unexpectedly")
	}
}
