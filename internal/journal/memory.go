package journal

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Memory is an in-process Store.
type Memory struct {
	mu       sync.Mutex
	sessions map[string]*memorySession
	order    []string
	closed   bool
}

type memorySession struct {
	info        SessionInfo
	entries     []Entry
	checkpoints map[uint64]Checkpoint
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{sessions: make(map[string]*memorySession)}
}

func (m *Memory) session(id string) (*memorySession, error) {
	if m.closed {
		return nil, ErrClosed
	}
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return s, nil
}

func (m *Memory) Append(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	s, ok := m.sessions[e.Session]
	if !ok {
		s = &memorySession{
			info:        SessionInfo{ID: e.Session, StartedAt: e.At},
			checkpoints: make(map[uint64]Checkpoint),
		}
		m.sessions[e.Session] = s
		m.order = append(m.order, e.Session)
	}
	if want := uint64(len(s.entries)) + 1; e.Seq != want {
		return fmt.Errorf("%w: expected %d got %d", ErrOutOfOrder, want, e.Seq)
	}
	s.entries = append(s.entries, e)
	s.info.Entries++
	return nil
}

func (m *Memory) List(ctx context.Context, session string, afterSeq uint64, limit int) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.session(session)
	if err != nil {
		return nil, err
	}
	if afterSeq >= uint64(len(s.entries)) {
		return nil, nil
	}
	page := s.entries[afterSeq:]
	if len(page) > limit {
		page = page[:limit]
	}
	return append([]Entry(nil), page...), nil
}

func (m *Memory) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	s, ok := m.sessions[cp.Session]
	if !ok {
		s = &memorySession{
			info:        SessionInfo{ID: cp.Session, StartedAt: cp.At},
			checkpoints: make(map[uint64]Checkpoint),
		}
		m.sessions[cp.Session] = s
		m.order = append(m.order, cp.Session)
	}
	s.checkpoints[cp.Seq] = cp
	return nil
}

func (m *Memory) Checkpoints(ctx context.Context, session string) ([]Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.session(session)
	if err != nil {
		return nil, err
	}
	out := make([]Checkpoint, 0, len(s.checkpoints))
	for _, cp := range s.checkpoints {
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (m *Memory) Sessions(ctx context.Context) ([]SessionInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SessionInfo, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.sessions[id].info)
	}
	return out, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
