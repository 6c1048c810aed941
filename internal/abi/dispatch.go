package abi

import (
	"unicode/utf16"
	"unsafe"
)

func initializeTrampoline(this *Object, info InfoProvider) Status {
	return this.invoke("Initialize", func(d Dispatcher) error {
		if info == nil {
			return Errorf(StatusPointer, "initialize without info provider")
		}
		if !this.setInfo(info) {
			this.log.Warn().Msg("abi: info provider already set, keeping the first")
		}
		return d.Initialize(this.Info())
	})
}

func initializeForAttach(this *Object, info InfoProvider, _ *byte, _ uint32) Status {
	return initializeTrampoline(this, info)
}

func shutdownTrampoline(this *Object) Status {
	return this.invoke("Shutdown", func(d Dispatcher) error { return d.Shutdown() })
}

func moduleLoadStarted(this *Object, id ModuleID) Status {
	return this.invoke("ModuleLoadStarted", func(d Dispatcher) error { return d.ModuleLoadStarted(id) })
}

func moduleLoadFinished(this *Object, id ModuleID, hr Status) Status {
	return this.invoke("ModuleLoadFinished", func(d Dispatcher) error { return d.ModuleLoadFinished(id, hr) })
}

func moduleUnloadStarted(this *Object, id ModuleID) Status {
	return this.invoke("ModuleUnloadStarted", func(d Dispatcher) error { return d.ModuleUnloadStarted(id) })
}

func moduleUnloadFinished(this *Object, id ModuleID, hr Status) Status {
	return this.invoke("ModuleUnloadFinished", func(d Dispatcher) error { return d.ModuleUnloadFinished(id, hr) })
}

func classLoadStarted(this *Object, id ClassID) Status {
	return this.invoke("ClassLoadStarted", func(d Dispatcher) error { return d.ClassLoadStarted(id) })
}

func classLoadFinished(this *Object, id ClassID, hr Status) Status {
	return this.invoke("ClassLoadFinished", func(d Dispatcher) error { return d.ClassLoadFinished(id, hr) })
}

func classUnloadStarted(this *Object, id ClassID) Status {
	return this.invoke("ClassUnloadStarted", func(d Dispatcher) error { return d.ClassUnloadStarted(id) })
}

func classUnloadFinished(this *Object, id ClassID, hr Status) Status {
	return this.invoke("ClassUnloadFinished", func(d Dispatcher) error { return d.ClassUnloadFinished(id, hr) })
}

func jitCompilationStarted(this *Object, id FunctionID, isSafeToBlock int32) Status {
	return this.invoke("JITCompilationStarted", func(d Dispatcher) error {
		return d.JITCompilationStarted(id, decodeBool(isSafeToBlock))
	})
}

func jitCompilationFinished(this *Object, id FunctionID, hr Status, isSafeToBlock int32) Status {
	return this.invoke("JITCompilationFinished", func(d Dispatcher) error {
		return d.JITCompilationFinished(id, hr, decodeBool(isSafeToBlock))
	})
}

func dynamicMethodUnloaded(this *Object, id FunctionID) Status {
	return this.invoke("DynamicMethodUnloaded", func(d Dispatcher) error { return d.DynamicMethodUnloaded(id) })
}

func threadCreated(this *Object, id ThreadID) Status {
	return this.invoke("ThreadCreated", func(d Dispatcher) error { return d.ThreadCreated(id) })
}

func threadDestroyed(this *Object, id ThreadID) Status {
	return this.invoke("ThreadDestroyed", func(d Dispatcher) error { return d.ThreadDestroyed(id) })
}

func runtimeThreadSuspended(this *Object, id ThreadID) Status {
	return this.invoke("RuntimeThreadSuspended", func(d Dispatcher) error { return d.RuntimeThreadSuspended(id) })
}

func runtimeThreadResumed(this *Object, id ThreadID) Status {
	return this.invoke("RuntimeThreadResumed", func(d Dispatcher) error { return d.RuntimeThreadResumed(id) })
}

func threadNameChanged(this *Object, id ThreadID, cchName uint32, name *uint16) Status {
	return this.invoke("ThreadNameChanged", func(d Dispatcher) error {
		return d.ThreadNameChanged(id, decodeUTF16(name, cchName))
	})
}

func exceptionThrown(this *Object, id ObjectID) Status {
	return this.invoke("ExceptionThrown", func(d Dispatcher) error { return d.ExceptionThrown(id) })
}

func objectAllocated(this *Object, id ObjectID, class ClassID) Status {
	return this.invoke("ObjectAllocated", func(d Dispatcher) error { return d.ObjectAllocated(id, class) })
}

func garbageCollectionStarted(this *Object, cGenerations int32, generationCollected *int32, reason int32) Status {
	return this.invoke("GarbageCollectionStarted", func(d Dispatcher) error {
		if cGenerations > 0 && generationCollected == nil {
			return Errorf(StatusPointer, "generation array is nil")
		}
		raw := decodeInt32s(generationCollected, cGenerations)
		gens := make([]bool, len(raw))
		for i, v := range raw {
			gens[i] = decodeBool(v)
		}
		return d.GarbageCollectionStarted(gens, GCReason(reason))
	})
}

func garbageCollectionFinished(this *Object) Status {
	return this.invoke("GarbageCollectionFinished", func(d Dispatcher) error { return d.GarbageCollectionFinished() })
}

// No-op entries still pass through the guard so a destroyed object
// reports StatusUnexpected uniformly.

func noop0(this *Object) Status {
	return this.invoke("noop", nil)
}

func noop1[A any](this *Object, _ A) Status {
	return this.invoke("noop", nil)
}

func noop2[A, B any](this *Object, _ A, _ B) Status {
	return this.invoke("noop", nil)
}

func noop3[A, B, C any](this *Object, _ A, _ B, _ C) Status {
	return this.invoke("noop", nil)
}

func noop4[A, B, C, D any](this *Object, _ A, _ B, _ C, _ D) Status {
	return this.invoke("noop", nil)
}

func decodeBool(v int32) bool {
	return v != 0
}

// decodeUTF16 copies count code units out of host memory. A trailing NUL,
// if the host counted it, is dropped.
func decodeUTF16(p *uint16, count uint32) string {
	if p == nil || count == 0 {
		return ""
	}
	units := unsafe.Slice(p, count)
	if units[len(units)-1] == 0 {
		units = units[:len(units)-1]
	}
	return string(utf16.Decode(units))
}

func decodeInt32s(p *int32, count int32) []int32 {
	if p == nil || count <= 0 {
		return nil
	}
	out := make([]int32, count)
	copy(out, unsafe.Slice(p, count))
	return out
}
