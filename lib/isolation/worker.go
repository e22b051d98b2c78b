package isolation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/snowmerak/asmprobe/lib/assembly"
	"github.com/snowmerak/asmprobe/lib/config"
	"github.com/snowmerak/asmprobe/lib/logging"
	"github.com/snowmerak/asmprobe/lib/multiplexer"
	"github.com/snowmerak/asmprobe/lib/wire"
)

// WorkerEnv marks a process started by Create as a worker.
const WorkerEnv = "ASMPROBE_WORKER"

// ServeIfWorker turns the current process into a worker when it was started
// by Create, and never returns in that case. Call it first thing in main, or
// in TestMain for test binaries.
func ServeIfWorker() {
	if os.Getenv(WorkerEnv) != "1" {
		return
	}
	os.Exit(RunWorker(os.Args[1:]))
}

// RunWorker parses args, serves on stdin/stdout and returns an exit code.
func RunWorker(args []string) int {
	cfg, err := ParseWorkerArgs(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	logger := logging.NewWithComponent(logging.Config{
		Level:  cfg.LogLevel,
		Output: os.Stderr,
	}, "worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := Serve(ctx, os.Stdin, os.Stdout, cfg, logger); err != nil {
		logger.Error().Err(err).Msg("Worker stopped")
		return 1
	}
	return 0
}

// NewWorkerExtractor builds the extractor a worker serves, applying the
// probe configuration under the root as far as the policy allows.
func NewWorkerExtractor(cfg WorkerConfig, logger zerolog.Logger) (*assembly.Extractor, error) {
	probe, err := config.LoadProbe(cfg.Root)
	if err != nil {
		return nil, err
	}

	opts := assembly.Options{
		ProbeOptions: assembly.ProbeOptions{
			Root:                           cfg.Root,
			SearchPaths:                    cfg.Policy.SearchPaths,
			DisallowApplicationBaseProbing: cfg.Policy.DisallowApplicationBaseProbing,
		},
		MaxImageSize:  cfg.MaxImageSize,
		AllowSymlinks: cfg.Policy.AllowSymlinks,
		Logger:        &logger,
	}
	probe.Apply(&opts.ProbeOptions, config.Gates{
		BindingRedirects: cfg.Policy.AllowBindingRedirects,
		PublisherPolicy:  cfg.Policy.AllowPublisherPolicy,
		CodeBases:        cfg.Policy.AllowCodeBase,
	})

	return assembly.NewExtractor(opts), nil
}

// Serve answers extraction requests read from r, writing responses to w,
// until the host shuts it down, closes r, or ctx ends.
func Serve(ctx context.Context, r io.Reader, w io.Writer, cfg WorkerConfig, logger zerolog.Logger) error {
	extractor, err := NewWorkerExtractor(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to build extractor: %w", err)
	}

	mux := multiplexer.New(r, w)
	defer mux.Close()

	listenCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	recv, err := mux.ReadMessage(listenCtx)
	if err != nil {
		return fmt.Errorf("failed to read message: %w", err)
	}

	s := &server{
		mux:       mux,
		extractor: extractor,
		logger:    logger,
		appName:   cfg.AppName,
	}

	if err := s.sendReady(listenCtx); err != nil {
		return fmt.Errorf("failed to send ready signal: %w", err)
	}
	logger.Info().Str("root", cfg.Root).Str("app", cfg.AppName).Msg("Worker ready")

	for {
		select {
		case <-listenCtx.Done():
			s.jobs.Wait()
			return nil

		case msg, ok := <-recv:
			if !ok {
				// Host closed our stdin.
				s.jobs.Wait()
				return nil
			}
			if msg.Err != "" {
				s.jobs.Wait()
				return fmt.Errorf("stream error: %s", msg.Err)
			}
			if msg.Aborted {
				continue
			}

			var header wire.Header
			if err := header.UnmarshalBinary(msg.Data); err != nil {
				logger.Warn().Err(err).Uint32("seq", msg.Sequence).Msg("Dropping malformed message")
				continue
			}

			switch header.Name {
			case wire.NameRequestReady:
				if err := s.sendReady(listenCtx); err != nil {
					logger.Warn().Err(err).Msg("Failed to resend ready signal")
				}

			case wire.NameShutdown:
				s.jobs.Wait()
				s.ack(listenCtx, msg.Sequence, wire.NameShutdownAck)
				logger.Info().Msg("Worker shut down")
				return nil

			case wire.NameForceShutdown:
				s.ack(listenCtx, msg.Sequence, wire.NameForceShutdownAck)
				logger.Info().Msg("Worker force shut down")
				return nil

			default:
				s.jobs.Add(1)
				go func(seq uint32, h wire.Header) {
					defer s.jobs.Done()
					s.handle(listenCtx, seq, h)
				}(msg.Sequence, header)
			}
		}
	}
}

type server struct {
	mux       multiplexer.Multiplexer
	extractor *assembly.Extractor
	logger    zerolog.Logger
	appName   string
	jobs      sync.WaitGroup
}

var errUnknownService = errors.New("no handler registered for service")

func (s *server) sendReady(ctx context.Context) error {
	ready := wire.Header{
		Name:        wire.NameReady,
		MessageType: wire.MessageTypeNotify,
		Payload:     []byte(s.appName),
	}
	data, err := ready.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal ready header: %w", err)
	}
	return s.mux.WriteMessage(ctx, data)
}

func (s *server) ack(ctx context.Context, seq uint32, name string) {
	h := wire.Header{Name: name, MessageType: wire.MessageTypeAck}
	data, err := h.MarshalBinary()
	if err != nil {
		s.logger.Error().Err(err).Str("name", name).Uint32("seq", seq).Msg("Failed to marshal acknowledgment")
		return
	}
	if err := s.mux.WriteMessageWithSequence(ctx, seq, data); err != nil {
		s.logger.Warn().Err(err).Str("name", name).Msg("Failed to send acknowledgment")
	}
}

func (s *server) handle(ctx context.Context, seq uint32, req wire.Header) {
	payload, err := s.dispatch(req)

	resp := wire.Header{Name: req.Name, MessageType: wire.MessageTypeResponse, Payload: payload}
	if err != nil {
		s.logger.Warn().Err(err).Str("name", req.Name).Uint32("seq", seq).Msg("Request failed")
		resp = wire.Header{
			Name:        req.Name,
			IsError:     true,
			MessageType: wire.MessageTypeError,
			Payload:     []byte(err.Error()),
		}
	}

	data, err := resp.MarshalBinary()
	if err != nil {
		s.logger.Error().Err(err).Str("name", req.Name).Msg("Failed to marshal response")
		return
	}
	if err := s.mux.WriteMessageWithSequence(ctx, seq, data); err != nil {
		s.logger.Warn().Err(err).Str("name", req.Name).Uint32("seq", seq).Msg("Failed to write response")
	}
}

func (s *server) dispatch(req wire.Header) ([]byte, error) {
	switch req.Name {
	case wire.NameExtractByName, wire.NameExtractByPath:
		var r wire.Request
		if err := r.UnmarshalBinary(req.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode request: %w", err)
		}

		var res assembly.Result
		if req.Name == wire.NameExtractByName {
			res = s.extractor.ExtractByNameResult(r.Target)
		} else {
			res = s.extractor.ExtractByPathResult(r.Target)
		}

		resp := wire.Response{Found: res.OK(), Metadata: res.Metadata, Reason: res.Reason}
		return resp.MarshalBinary()

	case wire.NameLoaded:
		list := wire.LoadedList{Names: s.extractor.Loaded()}
		return list.MarshalBinary()

	default:
		return nil, fmt.Errorf("%w: %s", errUnknownService, req.Name)
	}
}
