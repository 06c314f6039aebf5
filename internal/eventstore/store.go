// Package eventstore reads the agent runtime's event log out of a NATS
// JetStream stream. Access is sequence-indexed: per-message reads drive a
// binary-search seek to the start of a time range, with a pull-consumer
// replay as fallback when per-sequence access is unavailable.
package eventstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	// DefaultStream is the JetStream stream the agent runtime publishes to.
	DefaultStream = "AGENT_EVENTS"

	// DefaultFetchBatch is the pull-consumer batch size in replay mode.
	DefaultFetchBatch = 64

	connectTimeout = 5 * time.Second
	reconnectWait  = 2 * time.Second
	replayMaxWait  = 2 * time.Second
)

// ErrNotFound reports that a sequence has no stored message (deleted,
// compacted, or never written).
var ErrNotFound = errors.New("event not found")

// ErrStreamGap reports that too many consecutive sequences were missing
// and the scan stopped early. Callers get whatever was produced up to the
// gap.
var ErrStreamGap = errors.New("event stream gap exceeded tolerance")

// RawEvent is one stored message: the stream sequence, the broker receive
// time, and the unparsed payload.
type RawEvent struct {
	Seq  uint64
	Time time.Time
	Data []byte
}

// Stream is sequence-indexed access to the event log.
type Stream interface {
	// Get returns the message at seq, or ErrNotFound when the sequence
	// holds no message.
	Get(ctx context.Context, seq uint64) (RawEvent, error)
	// Info returns the first and last sequence and the message count.
	Info(ctx context.Context) (first, last, count uint64, err error)
}

// BulkReader replays a contiguous range through a consumer. Streams that
// cannot serve per-sequence reads (API permissions, proxied access)
// implement this as the fallback path.
type BulkReader interface {
	// ReadFrom delivers messages from startSeq onward to fn in sequence
	// order until fn returns false or the stream is drained.
	ReadFrom(ctx context.Context, startSeq uint64, fn func(RawEvent) bool) error
}

// Config locates the event stream. Token and Credentials are expected to
// be already resolved (no ${env:…} references at this layer).
type Config struct {
	URL         string `json:"url,omitempty" mapstructure:"url"`
	Stream      string `json:"stream,omitempty" mapstructure:"stream"`
	Token       string `json:"token,omitempty" mapstructure:"token"`
	Credentials string `json:"credentials,omitempty" mapstructure:"credentials"`
	FetchBatch  int    `json:"fetchBatch,omitempty" mapstructure:"fetch_batch"`
}

// DefaultConfig returns a local-server configuration.
func DefaultConfig() Config {
	return Config{
		URL:        nats.DefaultURL,
		Stream:     DefaultStream,
		FetchBatch: DefaultFetchBatch,
	}
}

func (c Config) normalized() Config {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.Stream == "" {
		c.Stream = DefaultStream
	}
	if c.FetchBatch <= 0 {
		c.FetchBatch = DefaultFetchBatch
	}
	return c
}

// JetStream is the NATS-backed Stream implementation.
type JetStream struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	stream string
	batch  int
	logger *zap.Logger
}

// Connect dials the NATS server and binds the configured stream.
func Connect(cfg Config, logger *zap.Logger) (*JetStream, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.normalized()

	opts := []nats.Option{
		nats.Name("oversight"),
		nats.Timeout(connectTimeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(reconnectWait),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	if cfg.Credentials != "" {
		opts = append(opts, nats.UserCredentials(cfg.Credentials))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to event stream at %s: %w", cfg.URL, err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to open jetstream context: %w", err)
	}

	logger.Debug("event stream connected",
		zap.String("url", cfg.URL),
		zap.String("stream", cfg.Stream))

	return &JetStream{nc: nc, js: js, stream: cfg.Stream, batch: cfg.FetchBatch, logger: logger}, nil
}

// NewJetStream wraps an existing JetStream context (embedded servers,
// tests).
func NewJetStream(js nats.JetStreamContext, stream string, logger *zap.Logger) *JetStream {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JetStream{js: js, stream: stream, batch: DefaultFetchBatch, logger: logger}
}

// Close drains the connection if this client owns it.
func (s *JetStream) Close() {
	if s.nc != nil {
		s.nc.Close()
	}
}

// Get implements Stream.
func (s *JetStream) Get(ctx context.Context, seq uint64) (RawEvent, error) {
	msg, err := s.js.GetMsg(s.stream, seq, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrMsgNotFound) {
			return RawEvent{}, ErrNotFound
		}
		return RawEvent{}, fmt.Errorf("failed to read sequence %d: %w", seq, err)
	}
	return RawEvent{Seq: msg.Sequence, Time: msg.Time, Data: msg.Data}, nil
}

// Info implements Stream.
func (s *JetStream) Info(ctx context.Context) (uint64, uint64, uint64, error) {
	si, err := s.js.StreamInfo(s.stream, nats.Context(ctx))
	if err != nil {
		return 0, 0, 0, fmt.Errorf("failed to read stream info for %q: %w", s.stream, err)
	}
	return si.State.FirstSeq, si.State.LastSeq, si.State.Msgs, nil
}

// ReadFrom implements BulkReader with an ephemeral pull consumer starting
// at startSeq. The consumer is deleted on return.
func (s *JetStream) ReadFrom(ctx context.Context, startSeq uint64, fn func(RawEvent) bool) error {
	sub, err := s.js.PullSubscribe("", "",
		nats.BindStream(s.stream),
		nats.StartSequence(startSeq),
		nats.AckExplicit(),
		nats.InactiveThreshold(time.Minute),
	)
	if err != nil {
		return fmt.Errorf("failed to open replay consumer on %q: %w", s.stream, err)
	}
	defer sub.Unsubscribe()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msgs, err := sub.Fetch(s.batch, nats.MaxWait(replayMaxWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) {
				// Caught up with the stream.
				return nil
			}
			return fmt.Errorf("failed to fetch replay batch: %w", err)
		}
		for _, msg := range msgs {
			meta, err := msg.Metadata()
			if err != nil {
				msg.Ack()
				continue
			}
			raw := RawEvent{Seq: meta.Sequence.Stream, Time: meta.Timestamp, Data: msg.Data}
			keep := fn(raw)
			msg.Ack()
			if !keep {
				return nil
			}
			if meta.NumPending == 0 {
				return nil
			}
		}
	}
}
