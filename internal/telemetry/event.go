package telemetry

import "time"

// Kind names a notification on the wire. One message shape serves many
// kinds, so the collector keys on this string.
type Kind string

const (
	KindModuleLoadStart       Kind = "module_load_start"
	KindModuleLoadFinished    Kind = "module_load_finished"
	KindModuleUnloadStart     Kind = "module_unload_start"
	KindModuleUnloadFinished  Kind = "module_unload_finished"
	KindClassLoadStart        Kind = "class_load_start"
	KindClassLoadFinished     Kind = "class_load_finished"
	KindClassUnloadStart      Kind = "class_unload_start"
	KindClassUnloadFinished   Kind = "class_unload_finished"
	KindJITCompilationStart   Kind = "jit_compilation_start"
	KindJITCompilationFinish  Kind = "jit_compilation_finished"
	KindDynamicMethodUnloaded Kind = "dynamic_method_unloaded"
	KindThreadCreated         Kind = "thread_created"
	KindThreadDestroyed       Kind = "thread_destroyed"
	KindThreadSuspended       Kind = "thread_suspended"
	KindThreadResumed         Kind = "thread_resumed"
	KindThreadNameChanged     Kind = "thread_name_changed"
	KindExceptionThrown       Kind = "exception_thrown"
	KindGCStarted             Kind = "gc_started"
	KindGCFinished            Kind = "gc_finished"
	KindObjectAllocated       Kind = "object_allocated"
	KindGenerationsUpdate     Kind = "generations_update"
)

// Event is one queued notification. The variant set is closed.
type Event interface {
	EventKind() Kind
	EventTime() float64
	isEvent()
}

// NameEvent carries a resolved name: classes, modules, methods, exception
// types, thread names.
type NameEvent struct {
	Kind   Kind
	Time   float64
	Name   string
	Status int32
}

// IDEvent carries a bare handle: thread lifecycle.
type IDEvent struct {
	Kind Kind
	Time float64
	ID   uint64
}

type AllocationEvent struct {
	Time       float64
	ObjectID   uint64
	Size       uint64
	ClassName  string
	Generation *uint32
}

type ObjectGeneration struct {
	ObjectID   uint64
	Generation *uint32
}

// GenerationsEvent reports the generation of every tracked object after
// a collection.
type GenerationsEvent struct {
	Time    float64
	Objects []ObjectGeneration
}

func (e NameEvent) EventKind() Kind    { return e.Kind }
func (e NameEvent) EventTime() float64 { return e.Time }
func (NameEvent) isEvent()             {}

func (e IDEvent) EventKind() Kind    { return e.Kind }
func (e IDEvent) EventTime() float64 { return e.Time }
func (IDEvent) isEvent()             {}

func (AllocationEvent) EventKind() Kind      { return KindObjectAllocated }
func (e AllocationEvent) EventTime() float64 { return e.Time }
func (AllocationEvent) isEvent()             {}

func (GenerationsEvent) EventKind() Kind      { return KindGenerationsUpdate }
func (e GenerationsEvent) EventTime() float64 { return e.Time }
func (GenerationsEvent) isEvent()             {}

// Now returns wall-clock seconds since the Unix epoch with sub-second
// precision, the timestamp unit every event carries.
func Now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
