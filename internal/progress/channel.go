// Package progress streams sync progress to the browser as server-sent events.
package progress

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"example.com/stravasync/internal/domain"
)

// Defaults for the stream timings.
const (
	DefaultHeartbeat = 10 * time.Second
	DefaultIdle      = 30 * time.Second
	DefaultGrace     = 500 * time.Millisecond
)

// ErrClosed is returned by Send after the channel closed.
var ErrClosed = errors.New("progress channel closed")

var heartbeatFrame = []byte("event: heartbeat\ndata: {}\n\n")

// Channel is one long-lived event-stream response. Send is safe for concurrent use
// with the heartbeat loop.
type Channel struct {
	w      http.ResponseWriter
	rc     *http.ResponseController
	cancel context.CancelFunc
	logger zerolog.Logger

	heartbeat time.Duration
	idle      time.Duration
	grace     time.Duration
	now       func() time.Time

	mu       sync.Mutex
	closed   bool
	lastData time.Time

	closeOnce sync.Once
	stop      chan struct{}
	loopDone  chan struct{}
}

// Option customises a Channel.
type Option func(*Channel)

// WithHeartbeat sets the heartbeat interval.
func WithHeartbeat(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.heartbeat = d
		}
	}
}

// WithIdleTimeout sets how long the channel may go without application data.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.idle = d
		}
	}
}

// WithGrace sets the delay Close waits before releasing the response.
func WithGrace(d time.Duration) Option {
	return func(c *Channel) {
		if d >= 0 {
			c.grace = d
		}
	}
}

// WithLogger overrides the channel logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Channel) {
		c.logger = logger
	}
}

// Open writes the event-stream headers and starts the heartbeat loop. cancel is called
// when the channel gives up on the client.
func Open(w http.ResponseWriter, cancel context.CancelFunc, opts ...Option) (*Channel, error) {
	c := &Channel{
		w:         w,
		rc:        http.NewResponseController(w),
		cancel:    cancel,
		logger:    zerolog.Nop(),
		heartbeat: DefaultHeartbeat,
		idle:      DefaultIdle,
		grace:     DefaultGrace,
		now:       time.Now,
		stop:      make(chan struct{}),
		loopDone:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	// The server's WriteTimeout would otherwise cut long runs short.
	if err := c.rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return nil, fmt.Errorf("clear write deadline: %w", err)
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := c.rc.Flush(); err != nil {
		return nil, fmt.Errorf("streaming unsupported: %w", err)
	}

	c.lastData = c.now()
	go c.loop()
	return c, nil
}

// Send writes one progress event as a data frame.
func (c *Channel) Send(evt domain.ProgressEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	frame := make([]byte, 0, len(payload)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, payload...)
	frame = append(frame, '\n', '\n')

	if err := c.write(frame, true); err != nil {
		c.expire("write failed")
		return err
	}
	return nil
}

// Close releases the channel after the grace delay. Further calls return immediately.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		if c.grace > 0 {
			time.Sleep(c.grace)
		}
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.stop)
		<-c.loopDone
	})
	return nil
}

// Done is closed once the heartbeat loop has stopped.
func (c *Channel) Done() <-chan struct{} {
	return c.loopDone
}

func (c *Channel) write(frame []byte, data bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if _, err := c.w.Write(frame); err != nil {
		return err
	}
	if err := c.rc.Flush(); err != nil {
		return err
	}
	if data {
		c.lastData = c.now()
	}
	return nil
}

func (c *Channel) idleFor() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now().Sub(c.lastData)
}

func (c *Channel) loop() {
	defer close(c.loopDone)
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if c.idleFor() >= c.idle {
				c.expire("idle timeout")
				return
			}
			if err := c.write(heartbeatFrame, false); err != nil {
				if !errors.Is(err, ErrClosed) {
					c.expire("heartbeat failed")
				}
				return
			}
		}
	}
}

// expire marks the channel closed without the grace delay and cancels the run.
func (c *Channel) expire(reason string) {
	c.mu.Lock()
	already := c.closed
	c.closed = true
	c.mu.Unlock()
	if already {
		return
	}
	c.logger.Info().Str("reason", reason).Msg("progress channel closed")
	if c.cancel != nil {
		c.cancel()
	}
}
