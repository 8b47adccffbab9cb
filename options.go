package dtar

import (
	"io"
	"log/slog"
	"os"
	"time"
)

// Engine selects a data-copy engine for Create (spec §6.3's
// create_libcircle option).
type Engine uint8

const (
	// EngineStatic is the deterministic chunk-list engine (spec §4.4),
	// the default per spec §4.4's "Choice is configurable; default is
	// the static engine."
	EngineStatic Engine = iota
	// EngineDynamic is the work-stealing engine (spec §4.3).
	EngineDynamic
)

// ExtractMode selects how Extract materializes file content and
// metadata (spec §6.3's extract_libarchive option).
type ExtractMode uint8

const (
	// ExtractDirect separates empty-file creation, chunked data copy,
	// and a symlink pass (spec §4.7's "indexed + direct extract").
	// Requires an index; Extract falls back to ExtractCodec when none
	// is found.
	ExtractDirect ExtractMode = iota
	// ExtractCodec writes each entry through the codec, header and
	// data together (spec §4.7's "indexed + libarchive extract" and
	// "scan extract").
	ExtractCodec
)

// Options configures Create and Extract (spec §6.3's configuration
// surface), built with the functional-options pattern grounded on
// meigma-blob's Option/CreateOption/CopyOption family
// (blob_opts.go, core/create_opts.go).
type Options struct {
	preserve          bool
	chunkSize         int64
	bufSize           int
	engine            Engine
	extractMode       ExtractMode
	destPath          string
	ranks             int
	logger            *slog.Logger
	progressInterval  time.Duration
	progressWriter    io.Writer
	scanProgressEvery time.Duration
}

// Option configures Options.
type Option func(*Options)

const (
	// DefaultChunkSize is used when WithChunkSize is not supplied.
	DefaultChunkSize = 1 << 20
	// DefaultBufSize is used when WithBufSize is not supplied.
	DefaultBufSize = 64 << 10
	// DefaultRanks is used when WithRanks is not supplied; 1 rank runs
	// the whole operation in-process with no simulated parallelism.
	DefaultRanks = 1
)

// createLibcircleEnv is the override spec §6.3 names:
// MFU_FLIST_ARCHIVE_CREATE ∈ {LIBCIRCLE, CHUNK}.
const createLibcircleEnv = "MFU_FLIST_ARCHIVE_CREATE"

func newOptions(opts []Option) Options {
	o := Options{
		chunkSize:        DefaultChunkSize,
		bufSize:          DefaultBufSize,
		ranks:            DefaultRanks,
		engine:           EngineStatic,
		extractMode:      ExtractDirect,
		progressInterval: 0,
		progressWriter:   os.Stderr,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if v := os.Getenv(createLibcircleEnv); v != "" {
		switch v {
		case "LIBCIRCLE":
			o.engine = EngineDynamic
		case "CHUNK":
			o.engine = EngineStatic
		}
	}
	if o.chunkSize <= 0 {
		o.chunkSize = DefaultChunkSize
	}
	if o.bufSize <= 0 {
		o.bufSize = DefaultBufSize
	}
	if o.ranks <= 0 {
		o.ranks = DefaultRanks
	}
	if o.logger == nil {
		o.logger = slog.New(slog.DiscardHandler)
	}
	return o
}

// WithPreserve makes Extract also restore each entry's owner and group
// (Lchown for symlinks) (spec §6.3's preserve option); permissions and
// timestamps are applied whether or not it is set. ACLs, extended
// attributes and file flags are neither archived nor restored.
func WithPreserve(preserve bool) Option {
	return func(o *Options) { o.preserve = preserve }
}

// WithChunkSize sets the data-copy granularity (spec §6.3). The value is
// used as given: it is neither rounded to a multiple of 512 nor
// validated, and a non-positive value selects DefaultChunkSize.
func WithChunkSize(n int64) Option {
	return func(o *Options) { o.chunkSize = n }
}

// WithBufSize sets the I/O buffer size used per read/write syscall in
// the copy engines (spec §6.3).
func WithBufSize(n int) Option {
	return func(o *Options) { o.bufSize = n }
}

// WithEngine selects the data-copy engine for Create (spec §6.3's
// create_libcircle).
func WithEngine(e Engine) Option {
	return func(o *Options) { o.engine = e }
}

// WithExtractMode selects the extraction strategy (spec §6.3's
// extract_libarchive).
func WithExtractMode(m ExtractMode) Option {
	return func(o *Options) { o.extractMode = m }
}

// WithDestPath sets the target path: the archive path on Create, the
// destination directory on Extract (spec §6.3's dest_path).
func WithDestPath(path string) Option {
	return func(o *Options) { o.destPath = path }
}

// WithRanks sets the number of simulated ranks (goroutines) that
// cooperate on the operation (spec §2's fixed-size group of R ranks).
func WithRanks(n int) Option {
	return func(o *Options) { o.ranks = n }
}

// WithLogger sets the structured logger; nil falls back to a discard
// logger, matching meigma-blob/core/create.go's w.log() pattern.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) { o.logger = l }
}

// WithProgress enables the periodic progress reducer (spec §4.8),
// reporting at most once per interval to w. Interval zero disables
// progress output, the spec's documented default.
func WithProgress(interval time.Duration, w io.Writer) Option {
	return func(o *Options) {
		o.progressInterval = interval
		if w != nil {
			o.progressWriter = w
		}
	}
}

// WithScanProgress sets how often ScanReindex logs scan progress (spec
// §4.6's "periodic progress message" during the sequential fallback
// scan). Zero, the default, disables it.
func WithScanProgress(interval time.Duration) Option {
	return func(o *Options) { o.scanProgressEvery = interval }
}
