// Package gateway is the realtime websocket surface (spec.md §4.E):
// one room per conversation, plus a queue room for agents watching the
// shared FIFO queue. Room/session bookkeeping generalizes the teacher's
// SessionManager from a per-user-and-tab map to a per-conversation-room
// map; the coder/websocket usage and the registration log lines are
// taken directly from internal/terminal/sessions.go.
package gateway

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"

	"github.com/ashureev/chatcoord/internal/domain"
)

// queueRoom is the sentinel room key for agents connected with scope=queue.
const queueRoom = "__queue__"

// session is one connected websocket client: either a customer attached
// to a single conversation's room, or an agent attached to a
// conversation's room, the queue room, or both.
type session struct {
	conn        *websocket.Conn
	participant domain.Participant

	messages       chan domain.Message
	systemEvents   chan any
	queueSnapshots chan []domain.QueueEntry

	closeOnce sync.Once
	done      chan struct{}
}

func newSession(conn *websocket.Conn, participant domain.Participant) *session {
	return &session{
		conn:           conn,
		participant:    participant,
		messages:       make(chan domain.Message, 32),
		systemEvents:   make(chan any, 32),
		queueSnapshots: make(chan []domain.QueueEntry, 4),
		done:           make(chan struct{}),
	}
}

// close stops the session's writer goroutines. Safe to call more than once.
func (s *session) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// offerMessage delivers m to the session's messages channel without
// blocking the caller; a full channel drops the oldest queued message
// so a slow client never stalls conversation delivery for others.
func (s *session) offerMessage(m domain.Message) {
	select {
	case s.messages <- m:
		return
	default:
	}
	select {
	case <-s.messages:
	default:
	}
	select {
	case s.messages <- m:
	default:
	}
}

func (s *session) offerSystemEvent(v any) {
	select {
	case s.systemEvents <- v:
	default:
		slog.Warn("gateway: system event dropped, session queue full", "participant_id", s.participant.ID)
	}
}

func (s *session) offerQueueSnapshot(entries []domain.QueueEntry) {
	select {
	case s.queueSnapshots <- entries:
		return
	default:
	}
	select {
	case <-s.queueSnapshots:
	default:
	}
	select {
	case s.queueSnapshots <- entries:
	default:
	}
}

// rooms tracks which sessions should receive broadcasts for a given
// conversation id, plus the queueRoom sentinel for agents watching the
// shared queue.
type rooms struct {
	mu      sync.RWMutex
	members map[string]map[*session]struct{}
}

func newRooms() *rooms {
	return &rooms{members: make(map[string]map[*session]struct{})}
}

func (r *rooms) join(room string, s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.members[room]
	if !ok {
		set = make(map[*session]struct{})
		r.members[room] = set
	}
	set[s] = struct{}{}
	slog.Debug("gateway: session joined room", "room", room, "participant_id", s.participant.ID)
}

func (r *rooms) leave(room string, s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.members[room]
	if !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(r.members, room)
	}
}

func (r *rooms) broadcastMessage(room string, m domain.Message) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for s := range r.members[room] {
		s.offerMessage(m)
	}
}

func (r *rooms) broadcastSystemEvent(room string, v any) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for s := range r.members[room] {
		s.offerSystemEvent(v)
	}
}

func (r *rooms) broadcastQueueSnapshot(entries []domain.QueueEntry) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for s := range r.members[queueRoom] {
		s.offerQueueSnapshot(entries)
	}
}
