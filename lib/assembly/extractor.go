package assembly

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/zeebo/xxh3"
)

const (
	// DefaultMaxImageSize bounds how much of a candidate file is ever read.
	DefaultMaxImageSize = 256 << 20

	// DefaultLoadedCapacity bounds the loaded-module set.
	DefaultLoadedCapacity = 4096
)

// Reason is the internal diagnostic behind an absent result. It is logged and
// carried across the isolation boundary, but callers only ever see "absent".
type Reason uint8

const (
	ReasonNone Reason = iota
	ReasonInvalidName
	ReasonNotFound
	ReasonNotRegular
	ReasonTooLarge
	ReasonUnsupportedFormat
	ReasonMalformed
	ReasonIdentityMismatch
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonInvalidName:
		return "invalid name"
	case ReasonNotFound:
		return "not found"
	case ReasonNotRegular:
		return "not a regular file"
	case ReasonTooLarge:
		return "too large"
	case ReasonUnsupportedFormat:
		return "unsupported format"
	case ReasonMalformed:
		return "malformed"
	case ReasonIdentityMismatch:
		return "identity mismatch"
	default:
		return fmt.Sprintf("reason(%d)", uint8(r))
	}
}

// Result is the outcome of one extraction: metadata, or a reason for its absence.
type Result struct {
	Metadata *Metadata
	Reason   Reason
}

// OK reports whether metadata is present.
func (r Result) OK() bool {
	return r.Metadata != nil
}

// Options configures an Extractor.
type Options struct {
	ProbeOptions

	// MaxImageSize is the largest file read. Zero means DefaultMaxImageSize.
	MaxImageSize int64

	// AllowSymlinks lets probing follow symbolic links. Off by default so a
	// link cannot point probing outside the directories it was given.
	AllowSymlinks bool

	// LoadedCapacity bounds the loaded-module set. Zero means DefaultLoadedCapacity.
	LoadedCapacity int

	Logger *zerolog.Logger
}

// Extractor loads modules metadata-only and reports their identity.
// All failures are absorbed: the boolean APIs return false, the Result APIs
// carry a Reason.
type Extractor struct {
	opts    Options
	readers []imageReader
	loaded  *loadedSet
	logger  zerolog.Logger
}

// NewExtractor creates an Extractor.
func NewExtractor(opts Options) *Extractor {
	if opts.MaxImageSize <= 0 {
		opts.MaxImageSize = DefaultMaxImageSize
	}
	if opts.LoadedCapacity <= 0 {
		opts.LoadedCapacity = DefaultLoadedCapacity
	}

	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	return &Extractor{
		opts:    opts,
		readers: defaultReaders(),
		loaded:  newLoadedSet(opts.LoadedCapacity),
		logger:  logger.With().Str("component", "extractor").Logger(),
	}
}

// ExtractByName resolves a simple or display name by probing and returns its metadata.
func (e *Extractor) ExtractByName(name string) (*Metadata, bool) {
	res := e.ExtractByNameResult(name)
	return res.Metadata, res.OK()
}

// ExtractByPath returns the metadata of the module at path.
func (e *Extractor) ExtractByPath(path string) (*Metadata, bool) {
	res := e.ExtractByPathResult(path)
	return res.Metadata, res.OK()
}

// ExtractByNameResult is ExtractByName with the diagnostic reason kept.
func (e *Extractor) ExtractByNameResult(name string) Result {
	n, err := ParseName(name)
	if err != nil {
		e.logger.Debug().Err(err).Str("name", name).Msg("Rejected assembly name")
		return Result{Reason: ReasonInvalidName}
	}

	want := e.opts.applyRedirects(n)
	if want.Version != nil && n.Version != nil && want.Version.Compare(*n.Version) != 0 {
		e.logger.Debug().
			Str("name", n.Name).
			Str("requested", n.Version.Full()).
			Str("redirected", want.Version.Full()).
			Msg("Applied version redirect")
	}

	reason := ReasonNotFound
	for _, candidate := range e.opts.candidates(want) {
		res := e.load(candidate)
		if res.Reason == ReasonNotFound {
			continue
		}
		if !res.OK() {
			reason = res.Reason
			continue
		}
		if !want.Matches(res.Metadata) {
			e.logger.Debug().
				Str("want", want.String()).
				Str("found", res.Metadata.FullName()).
				Str("path", candidate).
				Msg("Probed module does not match requested identity")
			reason = ReasonIdentityMismatch
			continue
		}
		return res
	}

	e.logger.Debug().Str("name", name).Stringer("reason", reason).Msg("Assembly unavailable")
	return Result{Reason: reason}
}

// ExtractByPathResult is ExtractByPath with the diagnostic reason kept.
func (e *Extractor) ExtractByPathResult(path string) Result {
	if !filepath.IsAbs(path) && e.opts.Root != "" {
		path = filepath.Join(e.opts.Root, path)
	}
	res := e.load(path)
	if !res.OK() {
		e.logger.Debug().Str("path", path).Stringer("reason", res.Reason).Msg("Assembly unavailable")
	}
	return res
}

// Loaded returns the display names of every module in the loaded set.
func (e *Extractor) Loaded() []string {
	return e.loaded.names()
}

// load reads one file metadata-only, consulting the loaded set first.
// A panic anywhere in parsing counts as a malformed image.
func (e *Extractor) load(path string) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn().Str("path", path).Interface("panic", r).Msg("Reader panicked on image")
			res = Result{Reason: ReasonMalformed}
		}
	}()

	abs, err := filepath.Abs(path)
	if err != nil {
		return Result{Reason: ReasonNotFound}
	}

	data, reason := e.readFile(abs)
	if reason != ReasonNone {
		return Result{Reason: reason}
	}

	fingerprint := xxh3.Hash(data)
	if md, ok := e.loaded.get(abs, fingerprint); ok {
		return Result{Metadata: md.Clone()}
	}

	md, err := readImage(e.readers, bytes.NewReader(data), int64(len(data)))
	switch {
	case errors.Is(err, errUnrecognized):
		return Result{Reason: ReasonUnsupportedFormat}
	case err != nil:
		e.logger.Debug().Err(err).Str("path", abs).Msg("Failed to read image metadata")
		return Result{Reason: ReasonMalformed}
	}

	md.Location = abs
	if md.Name == "" {
		md.Name = strings.TrimSuffix(filepath.Base(abs), filepath.Ext(abs))
	}

	e.loaded.put(abs, fingerprint, md)
	e.logger.Debug().
		Str("assembly", md.FullName()).
		Str("path", abs).
		Int("references", len(md.References)).
		Msg("Loaded assembly metadata")

	return Result{Metadata: md.Clone()}
}

// readFile reads a candidate with the same checks as a safe copy: no
// symlinks unless allowed, regular files only, bounded size.
func (e *Extractor) readFile(path string) ([]byte, Reason) {
	info, err := os.Lstat(path)
	if err != nil {
		return nil, ReasonNotFound
	}

	if info.Mode()&fs.ModeSymlink != 0 {
		if !e.opts.AllowSymlinks {
			return nil, ReasonNotRegular
		}
		if info, err = os.Stat(path); err != nil {
			return nil, ReasonNotFound
		}
	}

	if info.IsDir() {
		return nil, ReasonNotFound
	}
	if !info.Mode().IsRegular() {
		return nil, ReasonNotRegular
	}
	if info.Size() > e.opts.MaxImageSize {
		return nil, ReasonTooLarge
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, ReasonNotFound
	}
	defer func() {
		_ = f.Close()
	}()

	data, err := io.ReadAll(io.LimitReader(f, e.opts.MaxImageSize+1))
	if err != nil {
		return nil, ReasonNotFound
	}
	if int64(len(data)) > e.opts.MaxImageSize {
		return nil, ReasonTooLarge
	}
	return data, ReasonNone
}
