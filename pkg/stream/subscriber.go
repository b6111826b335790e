// Package stream consumes a relay feed's SSE endpoint with automatic
// reconnection.
//
// Delivery is at-most-once: events published while the subscriber is
// disconnected are not replayed. Consumers that need gap-free history
// reconcile with the relay's recent-events endpoint.
package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/daviddao/switchboard/pkg/logging"
	"github.com/daviddao/switchboard/pkg/model"
)

// Reconnect schedule defaults.
const (
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 30 * time.Second
	DefaultMultiplier     = 2.0

	maxLineBytes = 4 << 20
)

// Handler processes one streamed event. Errors are logged; they do not
// interrupt the stream.
type Handler func(ctx context.Context, ev model.Event) error

// Config configures a Subscriber.
type Config struct {
	// URL is the full SSE endpoint, e.g. client.StreamURL(feedID).
	URL string

	// HTTPClient must not set a Timeout, which would cut the stream.
	HTTPClient *http.Client

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64

	// OnConnect, if set, runs after each successful (re)connection.
	OnConnect func()

	Logger *slog.Logger
}

// Subscriber holds one logical subscription across reconnects.
type Subscriber struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// New returns a Subscriber.
func New(cfg Config) *Subscriber {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = DefaultMultiplier
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Subscriber{
		cfg:    cfg,
		client: hc,
		logger: logging.OrDiscard(cfg.Logger).With("url", cfg.URL),
	}
}

func (s *Subscriber) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialBackoff
	b.Multiplier = s.cfg.Multiplier
	b.MaxInterval = s.cfg.MaxBackoff
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Run streams events into h until ctx is cancelled, reconnecting with capped
// exponential backoff. The delay resets after every successful connection.
// Run returns nil on cancellation.
func (s *Subscriber) Run(ctx context.Context, h Handler) error {
	b := s.newBackOff()
	for {
		connected, err := s.connect(ctx, h)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			b.Reset()
		}
		delay := b.NextBackOff()
		s.logger.Warn("stream disconnected, reconnecting", "error", err, "retry_in", delay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// connect runs a single connection. connected reports whether the server
// accepted the stream.
func (s *Subscriber) connect(ctx context.Context, h Handler) (connected bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.URL, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := s.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return false, fmt.Errorf("stream returned %s", resp.Status)
	}

	s.logger.Info("stream connected")
	if s.cfg.OnConnect != nil {
		s.cfg.OnConnect()
	}

	err = readEvents(resp.Body, func(data []byte) {
		var ev model.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			s.logger.Warn("undecodable stream message", "error", err)
			return
		}
		if err := h(ctx, ev); err != nil {
			s.logger.Error("stream handler failed", "event_id", ev.EventID, "error", err)
		}
	})
	if err == nil {
		err = errors.New("stream closed by server")
	}
	return true, err
}

// readEvents parses an SSE body and calls fn with the data of each message.
// Comment lines (leading ':') and fields other than data are ignored.
// Multiple data lines of one message are joined with newlines.
// It returns nil at EOF.
func readEvents(r io.Reader, fn func(data []byte)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)

	var data bytes.Buffer
	dispatch := func() {
		if data.Len() > 0 {
			fn(bytes.Clone(data.Bytes()))
			data.Reset()
		}
	}
	for sc.Scan() {
		line := sc.Bytes()
		switch {
		case len(line) == 0:
			dispatch()
		case line[0] == ':':
		case bytes.HasPrefix(line, []byte("data:")):
			v := bytes.TrimPrefix(line[len("data:"):], []byte(" "))
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.Write(v)
		}
	}
	// A message without its terminating blank line is incomplete and dropped.
	return sc.Err()
}
