// Package source feeds commands from the outside world into the runtime.
// Every type here satisfies realtime.Source.
package source

import (
	"sync"
	"time"

	"github.com/comalice/statecore"
)

// ChannelSource is a Source backed by a caller-owned channel.
type ChannelSource struct {
	ch chan statecore.Command
}

// NewChannelSource wraps ch. The channel should be buffered if the producer
// must not block on a busy runtime.
func NewChannelSource(ch chan statecore.Command) *ChannelSource {
	return &ChannelSource{ch: ch}
}

// Commands returns the receive-only side of the channel.
func (s *ChannelSource) Commands() <-chan statecore.Command {
	return s.ch
}

// Stop is a no-op; the producer owns the channel and closes it.
func (s *ChannelSource) Stop() {}

// HeartbeatSource feeds the watchdog on a fixed period, stamping each
// heartbeat with the clock reading at the moment it fires.
type HeartbeatSource struct {
	ch     chan statecore.Command
	clock  func() time.Time
	ticker *time.Ticker
	stop   chan struct{}
	once   sync.Once
}

// NewHeartbeatSource starts emitting a Heartbeat every d. A nil clock means
// time.Now.
func NewHeartbeatSource(d time.Duration, clock func() time.Time) *HeartbeatSource {
	if clock == nil {
		clock = time.Now
	}
	h := &HeartbeatSource{
		ch:     make(chan statecore.Command, 10),
		clock:  clock,
		ticker: time.NewTicker(d),
		stop:   make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *HeartbeatSource) run() {
	for {
		select {
		case <-h.ticker.C:
			select {
			case h.ch <- statecore.NewHeartbeat(h.clock()):
			default:
				// drop if full; the next beat supersedes this one
			}
		case <-h.stop:
			h.ticker.Stop()
			close(h.ch)
			return
		}
	}
}

// Commands returns the heartbeat channel.
func (h *HeartbeatSource) Commands() <-chan statecore.Command {
	return h.ch
}

// Stop stops the ticker and closes the channel. It is safe to call twice.
func (h *HeartbeatSource) Stop() {
	h.once.Do(func() { close(h.stop) })
}
