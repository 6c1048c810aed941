package profiler

import (
	"github.com/danmuck/clrtrace/internal/abi"
	"github.com/danmuck/clrtrace/internal/telemetry"
)

// Phase distinguishes the started/finished halves of paired notifications.
type Phase uint8

const (
	PhaseStarted Phase = iota + 1
	PhaseFinished
)

func (p Phase) String() string {
	if p == PhaseFinished {
		return "finished"
	}
	return "started"
}

// Emitter lets a handler queue its own events, for instance when it wants
// a failed notification recorded anyway.
type Emitter interface {
	Emit(ev telemetry.Event) error
}

// Init is handed to OnInitialize.
type Init struct {
	Info abi.InfoProvider
	Emit Emitter
	Mask abi.EventMask
}

type ModuleEvent struct {
	ID     abi.ModuleID
	Name   string
	Phase  Phase
	Status abi.Status
}

type ClassEvent struct {
	ID     abi.ClassID
	Name   string
	Phase  Phase
	Status abi.Status
}

// JITEvent carries the host's safe-to-block hint through unchanged. The
// agent itself never blocks on it.
type JITEvent struct {
	ID          abi.FunctionID
	Name        string
	Status      abi.Status
	SafeToBlock bool
}

type ExceptionEvent struct {
	ObjectID  abi.ObjectID
	ClassName string
}

type AllocationEvent struct {
	ObjectID  abi.ObjectID
	ClassID   abi.ClassID
	ClassName string
	Size      uint64
}

type GCEvent struct {
	Generations []bool
	Reason      abi.GCReason
}

// Handler is the user-supplied decision layer. A returned error fails the
// notification; wrap it with abi.Errorf to choose the status. Embed
// NopHandler to implement only the notifications of interest.
type Handler interface {
	OnInitialize(init Init) error
	OnShutdown() error
	OnModuleLoad(ev ModuleEvent) error
	OnModuleUnload(ev ModuleEvent) error
	OnClassLoad(ev ClassEvent) error
	OnClassUnload(ev ClassEvent) error
	OnJITStart(ev JITEvent) error
	OnJITFinish(ev JITEvent) error
	OnDynamicMethodUnloaded(id abi.FunctionID) error
	OnThreadCreated(id abi.ThreadID) error
	OnThreadDestroyed(id abi.ThreadID) error
	OnThreadSuspended(id abi.ThreadID) error
	OnThreadResumed(id abi.ThreadID) error
	OnThreadNameChanged(id abi.ThreadID, name string) error
	OnExceptionThrown(ev ExceptionEvent) error
	OnObjectAllocated(ev AllocationEvent) error
	OnGCStarted(ev GCEvent) error
	OnGCFinished() error
}

type NopHandler struct{}

func (NopHandler) OnInitialize(Init) error                        { return nil }
func (NopHandler) OnShutdown() error                              { return nil }
func (NopHandler) OnModuleLoad(ModuleEvent) error                 { return nil }
func (NopHandler) OnModuleUnload(ModuleEvent) error               { return nil }
func (NopHandler) OnClassLoad(ClassEvent) error                   { return nil }
func (NopHandler) OnClassUnload(ClassEvent) error                 { return nil }
func (NopHandler) OnJITStart(JITEvent) error                      { return nil }
func (NopHandler) OnJITFinish(JITEvent) error                     { return nil }
func (NopHandler) OnDynamicMethodUnloaded(abi.FunctionID) error   { return nil }
func (NopHandler) OnThreadCreated(abi.ThreadID) error             { return nil }
func (NopHandler) OnThreadDestroyed(abi.ThreadID) error           { return nil }
func (NopHandler) OnThreadSuspended(abi.ThreadID) error           { return nil }
func (NopHandler) OnThreadResumed(abi.ThreadID) error             { return nil }
func (NopHandler) OnThreadNameChanged(abi.ThreadID, string) error { return nil }
func (NopHandler) OnExceptionThrown(ExceptionEvent) error         { return nil }
func (NopHandler) OnObjectAllocated(AllocationEvent) error        { return nil }
func (NopHandler) OnGCStarted(GCEvent) error                      { return nil }
func (NopHandler) OnGCFinished() error                            { return nil }

var _ Handler = NopHandler{}
