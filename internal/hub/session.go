package hub

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"eventsync/internal/model"
)

var (
	ErrBackpressure = errors.New("outbound queue full")
	ErrClosed       = errors.New("session closed")
)

// DefaultQueueSize bounds a session's outbound queue.
const DefaultQueueSize = 64

// Identity is who a connection authenticated as.
type Identity struct {
	ParticipantID string
	Role          model.Role
	// BoundRoom, when set, is the only room this identity may join.
	BoundRoom string
}

func (id Identity) IsAdmin() bool { return id.Role == model.RoleAdmin }

// Session is one live connection of one participant. Frames queued with
// TrySend are drained in order by a single writer.
type Session struct {
	ID string
	Identity

	mu   sync.RWMutex
	room string

	send chan []byte
	done chan struct{}
	once sync.Once
}

func NewSession(id Identity, queueSize int) *Session {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Session{
		ID:       uuid.NewString(),
		Identity: id,
		send:     make(chan []byte, queueSize),
		done:     make(chan struct{}),
	}
}

// Room is the room joined, or "" before join.
func (s *Session) Room() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.room
}

func (s *Session) setRoom(room string) {
	s.mu.Lock()
	s.room = room
	s.mu.Unlock()
}

// TrySend queues a frame without blocking.
func (s *Session) TrySend(frame []byte) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	select {
	case s.send <- frame:
		return nil
	default:
		return ErrBackpressure
	}
}

// Outbound is drained by the connection writer.
func (s *Session) Outbound() <-chan []byte { return s.send }

// Done is closed once the session is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Close() {
	s.once.Do(func() { close(s.done) })
}
