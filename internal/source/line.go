package source

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/comalice/statecore"
	"github.com/comalice/statecore/internal/wire"
)

// LineOptions configures a LineSource.
type LineOptions struct {
	Clock  func() time.Time // stamps time-bearing commands; default time.Now
	Logger *slog.Logger     // default slog.Default()
	// OnInvalid is called for every line that does not parse. Blank lines
	// and comments are skipped silently.
	OnInvalid func(line string, err error)
	Buffer    int // channel capacity (default: 64)
}

// LineSource parses protocol lines from a byte stream.
type LineSource struct {
	ch     chan statecore.Command
	r      io.Reader
	opts   LineOptions
	stop   chan struct{}
	once   sync.Once
	done   chan struct{}
	errMu  sync.Mutex
	err    error
	closer io.Closer
}

// NewLineSource starts reading r. The command channel closes when r reaches
// EOF, fails, or Stop is called; Err reports a read failure.
func NewLineSource(r io.Reader, opts LineOptions) *LineSource {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Buffer == 0 {
		opts.Buffer = 64
	}
	s := &LineSource{
		ch:   make(chan statecore.Command, opts.Buffer),
		r:    r,
		opts: opts,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	if c, ok := r.(io.Closer); ok {
		s.closer = c
	}
	go s.run()
	return s
}

func (s *LineSource) run() {
	defer close(s.done)
	defer close(s.ch)

	scanner := bufio.NewScanner(s.r)
	for scanner.Scan() {
		line := scanner.Text()
		cmd, err := wire.ParseLine(line, s.opts.Clock())
		if errors.Is(err, wire.ErrBlankLine) {
			continue
		}
		if err != nil {
			s.opts.Logger.Warn("invalid command line", "line", line, "err", err)
			if s.opts.OnInvalid != nil {
				s.opts.OnInvalid(line, err)
			}
			continue
		}
		select {
		case s.ch <- cmd:
		case <-s.stop:
			return
		}
	}
	if err := scanner.Err(); err != nil {
		select {
		case <-s.stop:
			// reads fail once Stop closes the reader
		default:
			s.errMu.Lock()
			s.err = err
			s.errMu.Unlock()
			s.opts.Logger.Error("command stream failed", "err", err)
		}
	}
}

// Commands returns the parsed command channel.
func (s *LineSource) Commands() <-chan statecore.Command {
	return s.ch
}

// Stop ends reading. A reader that is also an io.Closer is closed so a
// blocked read returns.
func (s *LineSource) Stop() {
	s.once.Do(func() {
		close(s.stop)
		if s.closer != nil {
			_ = s.closer.Close()
		}
	})
}

// Done is closed once the reader goroutine has exited.
func (s *LineSource) Done() <-chan struct{} {
	return s.done
}

// Err returns the read error that ended the stream, if any.
func (s *LineSource) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}
