package abi

import "io"

// Opaque host handles. The agent never dereferences them.
type (
	ClassID     uintptr
	ModuleID    uintptr
	FunctionID  uintptr
	ThreadID    uintptr
	ObjectID    uintptr
	AssemblyID  uintptr
	AppDomainID uintptr
	ReJITID     uintptr
	GCHandleID  uintptr
)

// EventMask selects which notifications the host delivers.
type EventMask uint32

const (
	MonitorNone                  EventMask = 0x0
	MonitorClassLoads            EventMask = 0x2
	MonitorModuleLoads           EventMask = 0x4
	MonitorAssemblyLoads         EventMask = 0x8
	MonitorAppDomainLoads        EventMask = 0x10
	MonitorJITCompilation        EventMask = 0x20
	MonitorExceptions            EventMask = 0x40
	MonitorGC                    EventMask = 0x80
	MonitorObjectAllocated       EventMask = 0x100
	MonitorThreads               EventMask = 0x200
	MonitorSuspends              EventMask = 0x10000
	EnableObjectAllocated        EventMask = 0x800000
	DefaultEventMask             EventMask = MonitorClassLoads | MonitorModuleLoads | MonitorJITCompilation | MonitorExceptions | MonitorGC | MonitorThreads | MonitorSuspends
	DefaultEventMaskWithAllocate EventMask = DefaultEventMask | MonitorObjectAllocated | EnableObjectAllocated
)

func (m EventMask) Has(bits EventMask) bool {
	return m&bits == bits
}

// GCReason is the host's reason code for a collection.
type GCReason int32

const (
	GCReasonOther   GCReason = 0
	GCReasonInduced GCReason = 1
)

// InfoProvider is the host's reflection facade, handed to the agent once
// during Initialize. Implementations must be safe for concurrent use.
type InfoProvider interface {
	SetEventMask(mask EventMask) error
	ClassName(id ClassID) (string, error)
	FunctionName(id FunctionID) (string, error)
	ModuleName(id ModuleID) (string, error)
	ObjectClass(id ObjectID) (ClassID, error)
	ObjectSize(id ObjectID) (uint64, error)
	ObjectGeneration(id ObjectID) (uint32, error)
}

// Dispatcher is the typed side of the boundary. Trampolines decode raw
// arguments and call it; returned errors become statuses via StatusOf.
// Close runs exactly once, when the owning Object is destroyed.
type Dispatcher interface {
	Initialize(info InfoProvider) error
	Shutdown() error

	ModuleLoadStarted(id ModuleID) error
	ModuleLoadFinished(id ModuleID, hr Status) error
	ModuleUnloadStarted(id ModuleID) error
	ModuleUnloadFinished(id ModuleID, hr Status) error

	ClassLoadStarted(id ClassID) error
	ClassLoadFinished(id ClassID, hr Status) error
	ClassUnloadStarted(id ClassID) error
	ClassUnloadFinished(id ClassID, hr Status) error

	JITCompilationStarted(id FunctionID, safeToBlock bool) error
	JITCompilationFinished(id FunctionID, hr Status, safeToBlock bool) error
	DynamicMethodUnloaded(id FunctionID) error

	ThreadCreated(id ThreadID) error
	ThreadDestroyed(id ThreadID) error
	RuntimeThreadSuspended(id ThreadID) error
	RuntimeThreadResumed(id ThreadID) error
	ThreadNameChanged(id ThreadID, name string) error

	ExceptionThrown(id ObjectID) error
	ObjectAllocated(id ObjectID, class ClassID) error

	GarbageCollectionStarted(generations []bool, reason GCReason) error
	GarbageCollectionFinished() error

	io.Closer
}
