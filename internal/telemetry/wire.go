package telemetry

import (
	"fmt"

	"github.com/danmuck/clrtrace/internal/protocol/session"
)

// ToMessage maps a queued event to its collector message.
func ToMessage(pid uint32, ev Event, stats *session.Stats) (session.Message, error) {
	switch e := ev.(type) {
	case NameEvent:
		return session.TimestampEvent{
			PID:     pid,
			Kind:    string(e.Kind),
			Time:    e.Time,
			Payload: e.Name,
			Stats:   stats,
		}, nil
	case IDEvent:
		return session.TimestampIDEvent{
			PID:   pid,
			Kind:  string(e.Kind),
			Time:  e.Time,
			ID:    e.ID,
			Stats: stats,
		}, nil
	case AllocationEvent:
		return session.ObjectAllocated{
			PID:        pid,
			Time:       e.Time,
			ObjectID:   e.ObjectID,
			Size:       e.Size,
			ClassName:  e.ClassName,
			Generation: e.Generation,
			Stats:      stats,
		}, nil
	case GenerationsEvent:
		objects := make([]session.ObjectGeneration, 0, len(e.Objects))
		for _, o := range e.Objects {
			objects = append(objects, session.ObjectGeneration{ObjectID: o.ObjectID, Generation: o.Generation})
		}
		return session.GenerationsUpdate{PID: pid, Time: e.Time, Objects: objects}, nil
	default:
		return nil, fmt.Errorf("telemetry: unsupported event %T", ev)
	}
}
