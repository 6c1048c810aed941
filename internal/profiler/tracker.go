package profiler

import (
	"sync"

	"github.com/danmuck/clrtrace/internal/abi"
	"github.com/danmuck/clrtrace/internal/protocol/session"
	"github.com/danmuck/clrtrace/internal/telemetry"
)

// allocTracker remembers the most recent allocations, oldest evicted
// first, so their generations can be reported after each collection.
type allocTracker struct {
	mu    sync.Mutex
	limit int
	ids   []abi.ObjectID
	seen  map[abi.ObjectID]struct{}
}

func newAllocTracker(limit int) *allocTracker {
	if limit <= 0 {
		return nil
	}
	return &allocTracker{limit: limit, seen: make(map[abi.ObjectID]struct{}, limit)}
}

func (t *allocTracker) track(id abi.ObjectID) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.seen[id]; ok {
		return
	}
	if len(t.ids) == t.limit {
		delete(t.seen, t.ids[0])
		t.ids = t.ids[1:]
	}
	t.ids = append(t.ids, id)
	t.seen[id] = struct{}{}
}

func (t *allocTracker) snapshot() []abi.ObjectID {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]abi.ObjectID(nil), t.ids...)
}

// generations asks the host for each tracked object's generation. A
// failed lookup leaves the generation unset.
func (t *allocTracker) generations(info abi.InfoProvider) []telemetry.ObjectGeneration {
	ids := t.snapshot()
	if len(ids) == 0 {
		return nil
	}
	out := make([]telemetry.ObjectGeneration, 0, len(ids))
	for _, id := range ids {
		og := telemetry.ObjectGeneration{ObjectID: uint64(id)}
		if info != nil {
			if g, err := info.ObjectGeneration(id); err == nil {
				og.Generation = session.Generation(g)
			}
		}
		out = append(out, og)
	}
	return out
}
