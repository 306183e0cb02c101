package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"precinct/internal/domain"
	"precinct/internal/metrics"
)

// State is the controller's position in its lifecycle.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateReading
	StateDraining
	StateCompleted
	StateFailed
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateReading:
		return "reading"
	case StateDraining:
		return "draining"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed_out"
	}
	return "unknown"
}

// ErrStreamTimeout marks a stream aborted by its overall deadline.
var ErrStreamTimeout = errors.New("stream timed out")

// Streams can carry large analytical output, so the overall deadline is
// generous.
const defaultStreamTimeout = 30 * time.Minute

const readChunkSize = 8 * 1024

// OpenFunc is the transport collaborator: issue the request, return the
// response body for incremental reading. Status checking and auth
// headers live behind it.
type OpenFunc func(ctx context.Context) (io.ReadCloser, error)

// Callbacks receive the controller's output. OnError and OnComplete are
// mutually exclusive; exactly one fires per Run.
type Callbacks struct {
	OnFrame    func(*domain.StreamFrame)
	OnError    func(error)
	OnComplete func()
}

// Controller drives one streaming request to completion or failure:
// read chunks, decode text incrementally, extract frames, classify the
// terminal condition.
type Controller struct {
	logger  *slog.Logger
	timeout time.Duration
	state   State
}

// NewController creates a Controller. A non-positive timeout selects
// the default.
func NewController(logger *slog.Logger, timeout time.Duration) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = defaultStreamTimeout
	}
	return &Controller{logger: logger, timeout: timeout, state: StateIdle}
}

// State returns the last observed lifecycle state. Run is synchronous,
// so this is only meaningful before Run starts or after it returns.
func (c *Controller) State() State { return c.state }

// Run executes one streaming request. Frames are delivered in stream
// order through cb.OnFrame; the run ends with exactly one of
// cb.OnComplete or cb.OnError.
func (c *Controller) Run(ctx context.Context, open OpenFunc, cb Callbacks) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	started := time.Now()
	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()
	defer func() { metrics.StreamLatency.Observe(time.Since(started).Seconds()) }()

	norm := NewNormalizer(c.logger, cb.OnFrame)

	c.state = StateConnecting
	body, err := open(ctx)
	if err != nil {
		c.fail(ctx, cb, fmt.Errorf("open stream: %w", err))
		return
	}
	defer body.Close()

	c.state = StateReading
	var (
		dec     textDecoder
		working string
		chunk   = make([]byte, readChunkSize)
	)
	for {
		n, readErr := body.Read(chunk)
		if n > 0 {
			working += dec.Write(chunk[:n])
			frames, rest := Extract(working)
			for _, f := range frames {
				metrics.FramesTotal.Inc()
				norm.Feed(f)
			}
			working = rest
		}
		if readErr == nil {
			continue
		}
		if readErr == io.EOF || isBenignTruncation(readErr) {
			if readErr != io.EOF {
				c.logger.Debug("treating truncated stream as complete", "err", readErr)
			}
			break
		}
		c.fail(ctx, cb, fmt.Errorf("read stream: %w", readErr))
		return
	}

	c.state = StateDraining
	working += dec.Flush()
	if working != "" {
		frames, rest := Extract(working)
		for _, f := range frames {
			metrics.FramesTotal.Inc()
			norm.Feed(f)
		}
		if tail := strings.TrimSpace(rest); tail != "" {
			c.logger.Warn("discarding undecodable stream tail", "len", len(tail))
		}
	}

	c.state = StateCompleted
	metrics.StreamsTotal.Inc()
	cb.OnComplete()
}

func (c *Controller) fail(ctx context.Context, cb Callbacks, err error) {
	if ctx.Err() != nil {
		// The abort signal fired mid-flight; report it as a timeout
		// unless the transport saw the benign truncation condition.
		err = fmt.Errorf("%w: %v", ErrStreamTimeout, err)
		c.state = StateTimedOut
	} else {
		c.state = StateFailed
	}
	metrics.StreamFailures.Inc()
	c.logger.Error("stream failed", "state", c.state, "err", err)
	cb.OnError(err)
}

// isBenignTruncation recognizes the transport condition where a backend
// closes the stream without a graceful shutdown after delivering a full
// response. The structured io.ErrUnexpectedEOF signal is preferred; the
// message check catches transports that wrap it as a plain string.
func isBenignTruncation(err error) bool {
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	return strings.Contains(err.Error(), "unexpected EOF")
}
