// Package channel carries forced-refresh requests from foreground callers to the background worker.
package channel

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Status is the outcome of a request.
type Status int

// Request outcomes.
const (
	// Acked means the background worker handled the request successfully.
	Acked Status = iota + 1
	// Failed means the background worker handled the request and reported an error.
	Failed
	// Unreachable means no worker picked the request up or no answer arrived in time.
	// Callers treat it as non-fatal; the next scheduled tick catches up.
	Unreachable
)

func (s Status) String() string {
	switch s {
	case Acked:
		return "acked"
	case Failed:
		return "failed"
	case Unreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// DefaultPickupTimeout bounds how long a request waits for a worker to accept it.
const DefaultPickupTimeout = 2 * time.Second

// ErrAlreadyServing is returned when a second listener is registered.
var ErrAlreadyServing = errors.New("channel already has a listener")

// Result is the acknowledgement returned to the caller.
type Result struct {
	Err    error
	Status Status
}

// Handler performs the work for one request.
type Handler func(ctx context.Context) error

type request struct {
	reply chan error
}

// Channel is an in-process request/response channel with an explicit "no listener" outcome.
type Channel struct {
	logger        *slog.Logger
	requests      chan request
	pickupTimeout time.Duration
	mu            sync.Mutex
	serving       bool
}

// New creates a channel. A zero pickupTimeout selects DefaultPickupTimeout.
func New(pickupTimeout time.Duration, logger *slog.Logger) *Channel {
	if pickupTimeout <= 0 {
		pickupTimeout = DefaultPickupTimeout
	}
	return &Channel{
		logger:        logger,
		requests:      make(chan request),
		pickupTimeout: pickupTimeout,
	}
}

// Serve accepts requests until ctx is done. Each request runs in its own goroutine
// with ctx, so a caller that stops waiting does not cancel the work.
func (c *Channel) Serve(ctx context.Context, handler Handler) error {
	c.mu.Lock()
	if c.serving {
		c.mu.Unlock()
		return ErrAlreadyServing
	}
	c.serving = true
	c.mu.Unlock()

	var wg sync.WaitGroup
	defer func() {
		c.mu.Lock()
		c.serving = false
		c.mu.Unlock()
		wg.Wait()
	}()

	c.logger.Info("Foreground request channel listening")
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Foreground request channel stopped")
			return nil
		case req := <-c.requests:
			wg.Add(1)
			go func() {
				defer wg.Done()
				req.reply <- handler(ctx)
			}()
		}
	}
}

// Listening reports whether a worker is registered.
func (c *Channel) Listening() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serving
}

// Request sends one request and waits for its acknowledgement.
func (c *Channel) Request(ctx context.Context) Result {
	if !c.Listening() {
		return Result{Status: Unreachable}
	}

	req := request{reply: make(chan error, 1)}
	pickup := time.NewTimer(c.pickupTimeout)
	defer pickup.Stop()

	select {
	case c.requests <- req:
	case <-pickup.C:
		return Result{Status: Unreachable}
	case <-ctx.Done():
		return Result{Status: Unreachable, Err: ctx.Err()}
	}

	select {
	case err := <-req.reply:
		if err != nil {
			return Result{Status: Failed, Err: err}
		}
		return Result{Status: Acked}
	case <-ctx.Done():
		return Result{Status: Unreachable, Err: ctx.Err()}
	}
}
