package hostsim

import (
	"errors"
	"unicode/utf16"

	"github.com/danmuck/clrtrace/internal/abi"
	"github.com/danmuck/clrtrace/internal/logging"
	"github.com/rs/zerolog"
)

var ErrNotAttached = errors.New("hostsim: agent not attached")

// Host drives one agent object through its function tables. It honors the
// event mask the agent requested, so disabled notifications are never
// delivered. Not safe for concurrent use.
type Host struct {
	rt      *Runtime
	obj     *abi.Object
	version int
	log     zerolog.Logger
}

type Option func(*attachConfig)

type attachConfig struct {
	maxVersion int
	logger     *zerolog.Logger
}

// WithMaxVersion caps the callback interface version the host asks for,
// as an older runtime would.
func WithMaxVersion(v int) Option {
	return func(c *attachConfig) { c.maxVersion = v }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *attachConfig) { c.logger = &logger }
}

// Attach creates the agent object and negotiates the newest callback
// interface both sides know, newest first.
func Attach(factory *abi.Factory, rt *Runtime, opts ...Option) (*Host, error) {
	cfg := attachConfig{maxVersion: abi.HighestVersion()}
	for _, opt := range opts {
		opt(&cfg)
	}
	h := &Host{rt: rt, log: logging.Component("hostsim")}
	if cfg.logger != nil {
		h.log = *cfg.logger
	}

	var unknown *abi.Object
	if st := factory.CreateInstance(&abi.CLSIDAgent, &abi.IIDUnknown, &unknown); st.Failed() {
		return nil, abi.Errorf(st, "CreateInstance")
	}
	caps := abi.Capabilities()
	for i := len(caps) - 1; i >= 0; i-- {
		c := caps[i]
		if c.Version == 0 || c.Version > cfg.maxVersion {
			continue
		}
		var cb *abi.Object
		if st := unknown.Vtbl().Unknown.QueryInterface(unknown, &c.IID, &cb); st == abi.StatusOK {
			h.obj = cb
			h.version = c.Version
			h.log.Debug().Str("interface", c.Name).Msg("callback interface negotiated")
			break
		}
	}
	// the negotiated pointer holds its own reference
	unknown.Vtbl().Unknown.Release(unknown)
	if h.obj == nil {
		return nil, abi.Errorf(abi.StatusNoInterface, "no callback interface")
	}
	return h, nil
}

// Version is the negotiated callback interface version.
func (h *Host) Version() int {
	return h.version
}

func (h *Host) Object() *abi.Object {
	return h.obj
}

// Detach drops the host's reference. The object is destroyed once its
// count reaches zero.
func (h *Host) Detach() uint32 {
	if h.obj == nil {
		return 0
	}
	obj := h.obj
	h.obj = nil
	return obj.Vtbl().Unknown.Release(obj)
}

func (h *Host) Initialize() error {
	return h.call("Initialize", 1, abi.MonitorNone, func(vt *abi.Vtbl) abi.Status {
		return vt.Callback.Initialize(h.obj, h.rt)
	})
}

func (h *Host) Shutdown() error {
	return h.call("Shutdown", 1, abi.MonitorNone, func(vt *abi.Vtbl) abi.Status {
		return vt.Callback.Shutdown(h.obj)
	})
}

// LoadModule delivers the started/finished pair with hr as the outcome.
func (h *Host) LoadModule(id abi.ModuleID, hr abi.Status) error {
	return errors.Join(
		h.call("ModuleLoadStarted", 1, abi.MonitorModuleLoads, func(vt *abi.Vtbl) abi.Status {
			return vt.Callback.ModuleLoadStarted(h.obj, id)
		}),
		h.call("ModuleLoadFinished", 1, abi.MonitorModuleLoads, func(vt *abi.Vtbl) abi.Status {
			return vt.Callback.ModuleLoadFinished(h.obj, id, hr)
		}),
	)
}

func (h *Host) UnloadModule(id abi.ModuleID) error {
	return errors.Join(
		h.call("ModuleUnloadStarted", 1, abi.MonitorModuleLoads, func(vt *abi.Vtbl) abi.Status {
			return vt.Callback.ModuleUnloadStarted(h.obj, id)
		}),
		h.call("ModuleUnloadFinished", 1, abi.MonitorModuleLoads, func(vt *abi.Vtbl) abi.Status {
			return vt.Callback.ModuleUnloadFinished(h.obj, id, abi.StatusOK)
		}),
	)
}

func (h *Host) LoadClass(id abi.ClassID, hr abi.Status) error {
	return errors.Join(
		h.call("ClassLoadStarted", 1, abi.MonitorClassLoads, func(vt *abi.Vtbl) abi.Status {
			return vt.Callback.ClassLoadStarted(h.obj, id)
		}),
		h.call("ClassLoadFinished", 1, abi.MonitorClassLoads, func(vt *abi.Vtbl) abi.Status {
			return vt.Callback.ClassLoadFinished(h.obj, id, hr)
		}),
	)
}

func (h *Host) UnloadClass(id abi.ClassID) error {
	return errors.Join(
		h.call("ClassUnloadStarted", 1, abi.MonitorClassLoads, func(vt *abi.Vtbl) abi.Status {
			return vt.Callback.ClassUnloadStarted(h.obj, id)
		}),
		h.call("ClassUnloadFinished", 1, abi.MonitorClassLoads, func(vt *abi.Vtbl) abi.Status {
			return vt.Callback.ClassUnloadFinished(h.obj, id, abi.StatusOK)
		}),
	)
}

func (h *Host) Compile(id abi.FunctionID, safeToBlock bool) error {
	flag := boolArg(safeToBlock)
	return errors.Join(
		h.call("JITCompilationStarted", 1, abi.MonitorJITCompilation, func(vt *abi.Vtbl) abi.Status {
			return vt.Callback.JITCompilationStarted(h.obj, id, flag)
		}),
		h.call("JITCompilationFinished", 1, abi.MonitorJITCompilation, func(vt *abi.Vtbl) abi.Status {
			return vt.Callback.JITCompilationFinished(h.obj, id, abi.StatusOK, flag)
		}),
	)
}

func (h *Host) UnloadDynamicMethod(id abi.FunctionID) error {
	return h.call("DynamicMethodUnloaded", 9, abi.MonitorJITCompilation, func(vt *abi.Vtbl) abi.Status {
		return vt.Callback9.DynamicMethodUnloaded(h.obj, id)
	})
}

// StartThread reports creation and, when name is set, the name change.
func (h *Host) StartThread(id abi.ThreadID, name string) error {
	err := h.call("ThreadCreated", 1, abi.MonitorThreads, func(vt *abi.Vtbl) abi.Status {
		return vt.Callback.ThreadCreated(h.obj, id)
	})
	if name == "" {
		return err
	}
	buf := utf16.Encode([]rune(name))
	return errors.Join(err, h.call("ThreadNameChanged", 2, abi.MonitorThreads, func(vt *abi.Vtbl) abi.Status {
		return vt.Callback2.ThreadNameChanged(h.obj, id, uint32(len(buf)), &buf[0])
	}))
}

func (h *Host) StopThread(id abi.ThreadID) error {
	return h.call("ThreadDestroyed", 1, abi.MonitorThreads, func(vt *abi.Vtbl) abi.Status {
		return vt.Callback.ThreadDestroyed(h.obj, id)
	})
}

func (h *Host) SuspendThread(id abi.ThreadID) error {
	return errors.Join(
		h.call("RuntimeThreadSuspended", 1, abi.MonitorSuspends, func(vt *abi.Vtbl) abi.Status {
			return vt.Callback.RuntimeThreadSuspended(h.obj, id)
		}),
		h.call("RuntimeThreadResumed", 1, abi.MonitorSuspends, func(vt *abi.Vtbl) abi.Status {
			return vt.Callback.RuntimeThreadResumed(h.obj, id)
		}),
	)
}

// Allocate registers the object with the runtime and reports it.
func (h *Host) Allocate(id abi.ObjectID, class abi.ClassID, size uint64) error {
	h.rt.AddObject(id, class, size)
	return h.call("ObjectAllocated", 1, abi.MonitorObjectAllocated, func(vt *abi.Vtbl) abi.Status {
		return vt.Callback.ObjectAllocated(h.obj, id, class)
	})
}

func (h *Host) Throw(id abi.ObjectID) error {
	return h.call("ExceptionThrown", 1, abi.MonitorExceptions, func(vt *abi.Vtbl) abi.Status {
		return vt.Callback.ExceptionThrown(h.obj, id)
	})
}

// Collect runs one collection of the given generations: started,
// promotion in the runtime, finished.
func (h *Host) Collect(generations []bool, reason abi.GCReason) error {
	raw := make([]int32, len(generations))
	for i, g := range generations {
		raw[i] = boolArg(g)
	}
	var first *int32
	if len(raw) > 0 {
		first = &raw[0]
	}
	err := h.call("GarbageCollectionStarted", 2, abi.MonitorGC, func(vt *abi.Vtbl) abi.Status {
		return vt.Callback2.GarbageCollectionStarted(h.obj, int32(len(raw)), first, int32(reason))
	})
	h.rt.Collect(generations)
	return errors.Join(err, h.call("GarbageCollectionFinished", 2, abi.MonitorGC, func(vt *abi.Vtbl) abi.Status {
		return vt.Callback2.GarbageCollectionFinished(h.obj)
	}))
}

// call invokes one table entry when the negotiated version and the
// agent's mask allow it. A failed status comes back as *abi.StatusError.
func (h *Host) call(op string, minVersion int, bits abi.EventMask, fn func(vt *abi.Vtbl) abi.Status) error {
	if h.obj == nil {
		return ErrNotAttached
	}
	if h.version < minVersion {
		h.log.Debug().Str("op", op).Int("version", h.version).Msg("notification not in negotiated interface")
		return nil
	}
	if bits != abi.MonitorNone {
		mask, _ := h.rt.Mask()
		if !mask.Has(bits) {
			return nil
		}
	}
	st := fn(h.obj.Vtbl())
	if st.Failed() {
		h.log.Debug().Str("op", op).Str("status", st.String()).Msg("agent returned failure")
		return abi.Errorf(st, "%s", op)
	}
	return nil
}

func boolArg(v bool) int32 {
	if v {
		return 1
	}
	return 0
}
