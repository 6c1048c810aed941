package abi

// Function tables, one per interface version. Every entry takes the object
// as its first argument and returns a Status; none may unwind into the
// host. Tables are append-only: a newer interface gets a new table type,
// and fields of an existing table are never reordered or removed.
//
// Only the notifications the agent acts on are spelled out; the rest of
// each interface follows the same no-op pattern and is omitted.

type UnknownTable struct {
	QueryInterface func(this *Object, iid *GUID, out **Object) Status
	AddRef         func(this *Object) uint32
	Release        func(this *Object) uint32
}

type CallbackTable struct {
	Initialize                func(this *Object, info InfoProvider) Status
	Shutdown                  func(this *Object) Status
	AppDomainCreationStarted  func(this *Object, id AppDomainID) Status
	AppDomainCreationFinished func(this *Object, id AppDomainID, hr Status) Status
	AssemblyLoadStarted       func(this *Object, id AssemblyID) Status
	AssemblyLoadFinished      func(this *Object, id AssemblyID, hr Status) Status
	ModuleLoadStarted         func(this *Object, id ModuleID) Status
	ModuleLoadFinished        func(this *Object, id ModuleID, hr Status) Status
	ModuleUnloadStarted       func(this *Object, id ModuleID) Status
	ModuleUnloadFinished      func(this *Object, id ModuleID, hr Status) Status
	ClassLoadStarted          func(this *Object, id ClassID) Status
	ClassLoadFinished         func(this *Object, id ClassID, hr Status) Status
	ClassUnloadStarted        func(this *Object, id ClassID) Status
	ClassUnloadFinished       func(this *Object, id ClassID, hr Status) Status
	JITCompilationStarted     func(this *Object, id FunctionID, isSafeToBlock int32) Status
	JITCompilationFinished    func(this *Object, id FunctionID, hr Status, isSafeToBlock int32) Status
	ThreadCreated             func(this *Object, id ThreadID) Status
	ThreadDestroyed           func(this *Object, id ThreadID) Status
	RuntimeSuspendStarted     func(this *Object, reason int32) Status
	RuntimeSuspendFinished    func(this *Object) Status
	RuntimeResumeStarted      func(this *Object) Status
	RuntimeResumeFinished     func(this *Object) Status
	RuntimeThreadSuspended    func(this *Object, id ThreadID) Status
	RuntimeThreadResumed      func(this *Object, id ThreadID) Status
	ObjectAllocated           func(this *Object, id ObjectID, class ClassID) Status
	ExceptionThrown           func(this *Object, id ObjectID) Status
	ExceptionCatcherEnter     func(this *Object, fn FunctionID, id ObjectID) Status
}

type Callback2Table struct {
	ThreadNameChanged         func(this *Object, id ThreadID, cchName uint32, name *uint16) Status
	GarbageCollectionStarted  func(this *Object, cGenerations int32, generationCollected *int32, reason int32) Status
	GarbageCollectionFinished func(this *Object) Status
	FinalizeableObjectQueued  func(this *Object, flags uint32, id ObjectID) Status
	HandleCreated             func(this *Object, handle GCHandleID, initial ObjectID) Status
	HandleDestroyed           func(this *Object, handle GCHandleID) Status
}

type Callback3Table struct {
	InitializeForAttach     func(this *Object, info InfoProvider, clientData *byte, cbClientData uint32) Status
	ProfilerAttachComplete  func(this *Object) Status
	ProfilerDetachSucceeded func(this *Object) Status
}

type Callback4Table struct {
	ReJITCompilationStarted  func(this *Object, id FunctionID, rejit ReJITID, isSafeToBlock int32) Status
	ReJITCompilationFinished func(this *Object, id FunctionID, rejit ReJITID, hr Status, isSafeToBlock int32) Status
	ReJITError               func(this *Object, module ModuleID, id FunctionID, hr Status) Status
}

type Callback5Table struct {
	ConditionalWeakTableElementReferences func(this *Object, cRoots uint32) Status
}

type Callback6Table struct {
	GetAssemblyReferences func(this *Object, path *uint16) Status
}

type Callback7Table struct {
	ModuleInMemorySymbolsUpdated func(this *Object, id ModuleID) Status
}

type Callback8Table struct {
	DynamicMethodJITCompilationStarted  func(this *Object, id FunctionID, isSafeToBlock int32, header *byte, cbHeader uint32) Status
	DynamicMethodJITCompilationFinished func(this *Object, id FunctionID, hr Status, isSafeToBlock int32) Status
}

type Callback9Table struct {
	DynamicMethodUnloaded func(this *Object, id FunctionID) Status
}

// Vtbl groups every table at a fixed field per version. One immutable
// instance is shared by all objects.
type Vtbl struct {
	Unknown   UnknownTable
	Callback  CallbackTable
	Callback2 Callback2Table
	Callback3 Callback3Table
	Callback4 Callback4Table
	Callback5 Callback5Table
	Callback6 Callback6Table
	Callback7 Callback7Table
	Callback8 Callback8Table
	Callback9 Callback9Table
}

var sharedVtbl = &Vtbl{
	Unknown: UnknownTable{
		QueryInterface: (*Object).QueryInterface,
		AddRef:         (*Object).AddRef,
		Release:        (*Object).Release,
	},
	Callback: CallbackTable{
		Initialize:                initializeTrampoline,
		Shutdown:                  shutdownTrampoline,
		AppDomainCreationStarted:  noop1[AppDomainID],
		AppDomainCreationFinished: noop2[AppDomainID, Status],
		AssemblyLoadStarted:       noop1[AssemblyID],
		AssemblyLoadFinished:      noop2[AssemblyID, Status],
		ModuleLoadStarted:         moduleLoadStarted,
		ModuleLoadFinished:        moduleLoadFinished,
		ModuleUnloadStarted:       moduleUnloadStarted,
		ModuleUnloadFinished:      moduleUnloadFinished,
		ClassLoadStarted:          classLoadStarted,
		ClassLoadFinished:         classLoadFinished,
		ClassUnloadStarted:        classUnloadStarted,
		ClassUnloadFinished:       classUnloadFinished,
		JITCompilationStarted:     jitCompilationStarted,
		JITCompilationFinished:    jitCompilationFinished,
		ThreadCreated:             threadCreated,
		ThreadDestroyed:           threadDestroyed,
		RuntimeSuspendStarted:     noop1[int32],
		RuntimeSuspendFinished:    noop0,
		RuntimeResumeStarted:      noop0,
		RuntimeResumeFinished:     noop0,
		RuntimeThreadSuspended:    runtimeThreadSuspended,
		RuntimeThreadResumed:      runtimeThreadResumed,
		ObjectAllocated:           objectAllocated,
		ExceptionThrown:           exceptionThrown,
		ExceptionCatcherEnter:     noop2[FunctionID, ObjectID],
	},
	Callback2: Callback2Table{
		ThreadNameChanged:         threadNameChanged,
		GarbageCollectionStarted:  garbageCollectionStarted,
		GarbageCollectionFinished: garbageCollectionFinished,
		FinalizeableObjectQueued:  noop2[uint32, ObjectID],
		HandleCreated:             noop2[GCHandleID, ObjectID],
		HandleDestroyed:           noop1[GCHandleID],
	},
	Callback3: Callback3Table{
		InitializeForAttach:     initializeForAttach,
		ProfilerAttachComplete:  noop0,
		ProfilerDetachSucceeded: noop0,
	},
	Callback4: Callback4Table{
		ReJITCompilationStarted:  noop3[FunctionID, ReJITID, int32],
		ReJITCompilationFinished: noop4[FunctionID, ReJITID, Status, int32],
		ReJITError:               noop3[ModuleID, FunctionID, Status],
	},
	Callback5: Callback5Table{
		ConditionalWeakTableElementReferences: noop1[uint32],
	},
	Callback6: Callback6Table{
		GetAssemblyReferences: noop1[*uint16],
	},
	Callback7: Callback7Table{
		ModuleInMemorySymbolsUpdated: noop1[ModuleID],
	},
	Callback8: Callback8Table{
		DynamicMethodJITCompilationStarted:  noop4[FunctionID, int32, *byte, uint32],
		DynamicMethodJITCompilationFinished: noop3[FunctionID, Status, int32],
	},
	Callback9: Callback9Table{
		DynamicMethodUnloaded: dynamicMethodUnloaded,
	},
}
