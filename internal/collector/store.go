package collector

import (
	"sort"
	"sync"
	"time"

	"github.com/danmuck/clrtrace/internal/observability"
	"github.com/danmuck/clrtrace/internal/protocol/schema"
	"github.com/danmuck/clrtrace/internal/protocol/session"
)

// Ack codes returned by the collector on rejection.
const (
	AckCodeInvalid     uint32 = 1001
	AckCodeActive      uint32 = 1002
	AckCodePIDMismatch uint32 = 1003
	AckCodeNoSession   uint32 = 1004
	AckCodeUnsupported uint32 = 1005
)

const defaultRecentEvents = 256

// Sink receives every decoded request. Implementations must be safe for
// concurrent use; each carrier calls it from per-connection goroutines.
type Sink interface {
	Start(peer Peer, start session.Start) session.Ack
	Record(peer Peer, msg session.Message) session.Ack
	// Disconnect reports a carrier connection that dropped without a
	// Finish for pid.
	Disconnect(peer Peer, pid uint32)
}

// Peer describes where a request came from.
type Peer struct {
	Transport string
	Remote    string
	Identity  string
}

// SessionRecord is the collector's view of one agent session.
type SessionRecord struct {
	PID          uint32            `json:"pid"`
	Cmd          string            `json:"cmd"`
	Path         string            `json:"path"`
	Transport    string            `json:"transport"`
	Remote       string            `json:"remote"`
	Identity     string            `json:"identity,omitempty"`
	StartedAt    time.Time         `json:"started_at"`
	LastSeenAt   time.Time         `json:"last_seen_at"`
	Messages     uint64            `json:"messages"`
	Kinds        map[string]uint64 `json:"kinds"`
	Active       bool              `json:"active"`
	FinishReason string            `json:"finish_reason,omitempty"`
	LastStats    *session.Stats    `json:"last_stats,omitempty"`
}

// Store is the in-memory Sink. It keeps one record per pid and a bounded
// list of recent messages for inspection.
type Store struct {
	mu       sync.RWMutex
	sessions map[uint32]*SessionRecord
	recent   []session.Message
	limit    int
	now      func() time.Time
}

func NewStore(recentLimit int) *Store {
	if recentLimit <= 0 {
		recentLimit = defaultRecentEvents
	}
	return &Store{
		sessions: make(map[uint32]*SessionRecord),
		limit:    recentLimit,
		now:      time.Now,
	}
}

func (s *Store) Start(peer Peer, start session.Start) session.Ack {
	if err := start.Validate(); err != nil {
		return reject(AckCodeInvalid, err.Error())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.sessions[start.PID]; ok && rec.Active {
		observability.RecordCollectorSession(peer.Transport, false)
		return reject(AckCodeActive, "pid already active")
	}
	now := s.now()
	s.sessions[start.PID] = &SessionRecord{
		PID:        start.PID,
		Cmd:        start.Cmd,
		Path:       start.Path,
		Transport:  peer.Transport,
		Remote:     peer.Remote,
		Identity:   peer.Identity,
		StartedAt:  now,
		LastSeenAt: now,
		Kinds:      make(map[string]uint64),
		Active:     true,
	}
	observability.RecordCollectorSession(peer.Transport, true)
	return session.Ack{OK: true}
}

func (s *Store) Record(peer Peer, msg session.Message) session.Ack {
	msg = session.Value(msg)
	name := schema.Name(msg.MessageType())
	if err := msg.Validate(); err != nil {
		observability.RecordCollectorMessage(peer.Transport, name, false)
		return reject(AckCodeInvalid, err.Error())
	}
	pid, kind, stats := describe(msg)
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[pid]
	if !ok || !rec.Active {
		observability.RecordCollectorMessage(peer.Transport, name, false)
		return reject(AckCodeNoSession, "no active session for pid")
	}
	rec.LastSeenAt = s.now()
	rec.Messages++
	if kind != "" {
		rec.Kinds[kind]++
	}
	if stats != nil {
		cp := *stats
		rec.LastStats = &cp
	}
	if fin, ok := msg.(session.Finish); ok {
		rec.Active = false
		rec.FinishReason = fin.Reason.String()
		observability.RecordCollectorFinish()
	}
	s.recent = append(s.recent, msg)
	if over := len(s.recent) - s.limit; over > 0 {
		s.recent = append(s.recent[:0], s.recent[over:]...)
	}
	observability.RecordCollectorMessage(peer.Transport, name, true)
	return session.Ack{OK: true}
}

func (s *Store) Disconnect(peer Peer, pid uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[pid]
	if !ok || !rec.Active {
		return
	}
	rec.Active = false
	rec.FinishReason = "disconnected"
	observability.RecordCollectorFinish()
}

// Get returns a copy of the record for pid.
func (s *Store) Get(pid uint32) (SessionRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[pid]
	if !ok {
		return SessionRecord{}, false
	}
	return copyRecord(rec), true
}

// Snapshot returns copies of every record ordered by pid.
func (s *Store) Snapshot() []SessionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SessionRecord, 0, len(s.sessions))
	for _, rec := range s.sessions {
		out = append(out, copyRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

// Recent returns up to limit of the newest recorded messages, oldest first.
func (s *Store) Recent(limit int) []session.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.recent) {
		limit = len(s.recent)
	}
	return append([]session.Message(nil), s.recent[len(s.recent)-limit:]...)
}

func copyRecord(rec *SessionRecord) SessionRecord {
	out := *rec
	out.Kinds = make(map[string]uint64, len(rec.Kinds))
	for k, v := range rec.Kinds {
		out.Kinds[k] = v
	}
	if rec.LastStats != nil {
		st := *rec.LastStats
		out.LastStats = &st
	}
	return out
}

func describe(msg session.Message) (pid uint32, kind string, stats *session.Stats) {
	switch m := msg.(type) {
	case session.Finish:
		return m.PID, "", nil
	case session.TimestampEvent:
		return m.PID, m.Kind, m.Stats
	case session.TimestampIDEvent:
		return m.PID, m.Kind, m.Stats
	case session.ObjectAllocated:
		return m.PID, schema.Name(schema.MsgObjectAllocated), m.Stats
	case session.GenerationsUpdate:
		return m.PID, schema.Name(schema.MsgGenerationsUpdate), nil
	}
	return 0, "", nil
}

func reject(code uint32, msg string) session.Ack {
	return session.Ack{OK: false, Code: code, Message: msg}
}

// binding pins one carrier connection to the pid of its Start. Messages
// for any other pid are refused. Not safe for concurrent use.
type binding struct {
	sink     Sink
	peer     Peer
	pid      uint32
	started  bool
	finished bool
}

func (b *binding) handle(msg session.Message) session.Ack {
	msg = session.Value(msg)
	if start, ok := msg.(session.Start); ok {
		if b.started {
			return reject(AckCodeActive, "session already started on this connection")
		}
		ack := b.sink.Start(b.peer, start)
		if ack.OK {
			b.started = true
			b.pid = start.PID
		}
		return ack
	}
	if !b.started {
		return reject(AckCodeNoSession, "session not started")
	}
	if pid, _, _ := describe(msg); pid != b.pid {
		return reject(AckCodePIDMismatch, "pid does not match session")
	}
	ack := b.sink.Record(b.peer, msg)
	if _, ok := msg.(session.Finish); ok && ack.OK {
		b.finished = true
	}
	return ack
}

// close reports a dropped connection whose session never finished.
func (b *binding) close() {
	if b.started && !b.finished {
		b.sink.Disconnect(b.peer, b.pid)
	}
}
