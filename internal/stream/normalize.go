package stream

import (
	"encoding/json"
	"errors"
	"log/slog"

	"precinct/internal/domain"
	"precinct/internal/metrics"
)

var errNotAnObject = errors.New("frame is not a JSON object")
var errNoEventKind = errors.New("frame has no event kind")

// Normalizer validates raw extracted objects against the expected frame
// shape and forwards accepted frames to a single consumer callback,
// synchronously and in arrival order. Malformed candidates are logged
// and dropped without failing the stream, and a panicking consumer is
// isolated so it cannot abort the extraction loop.
type Normalizer struct {
	logger  *slog.Logger
	consume func(*domain.StreamFrame)
}

// NewNormalizer creates a Normalizer delivering to consume.
func NewNormalizer(logger *slog.Logger, consume func(*domain.StreamFrame)) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{logger: logger, consume: consume}
}

// Feed decodes one raw object and hands it to the consumer. It never
// returns an error to the caller; rejects are logged.
func (n *Normalizer) Feed(raw json.RawMessage) {
	frame, err := decodeFrame(raw)
	if err != nil {
		metrics.MalformedFrames.Inc()
		n.logger.Warn("dropping malformed stream frame", "err", err, "len", len(raw))
		return
	}
	n.deliver(frame)
}

func (n *Normalizer) deliver(frame *domain.StreamFrame) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("frame consumer panicked", "event", frame.Event, "panic", r)
		}
	}()
	n.consume(frame)
}

// decodeFrame is the explicit boundary decoder: it produces either a
// typed frame or a decode error, so downstream code never inspects
// duck-typed maps.
func decodeFrame(raw json.RawMessage) (*domain.StreamFrame, error) {
	trimmed := trimLeftSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, errNotAnObject
	}
	var frame domain.StreamFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, err
	}
	if frame.Event == "" {
		return nil, errNoEventKind
	}
	return &frame, nil
}

func trimLeftSpace(b []byte) []byte {
	for len(b) > 0 {
		switch b[0] {
		case ' ', '\t', '\n', '\r':
			b = b[1:]
		default:
			return b
		}
	}
	return b
}
