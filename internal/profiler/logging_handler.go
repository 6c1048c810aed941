package profiler

import (
	"github.com/danmuck/clrtrace/internal/abi"
	"github.com/rs/zerolog"
)

// LoggingHandler writes one structured line per notification and never
// fails one.
type LoggingHandler struct {
	NopHandler
	Log zerolog.Logger
}

func NewLoggingHandler(logger zerolog.Logger) *LoggingHandler {
	return &LoggingHandler{Log: logger}
}

func (h *LoggingHandler) OnInitialize(init Init) error {
	h.Log.Info().Uint32("mask", uint32(init.Mask)).Msg("profiler initialized")
	return nil
}

func (h *LoggingHandler) OnShutdown() error {
	h.Log.Info().Msg("profiler shutdown")
	return nil
}

func (h *LoggingHandler) OnModuleLoad(ev ModuleEvent) error {
	h.Log.Debug().Str("module", ev.Name).Stringer("phase", ev.Phase).Msg("module load")
	return nil
}

func (h *LoggingHandler) OnModuleUnload(ev ModuleEvent) error {
	h.Log.Debug().Str("module", ev.Name).Stringer("phase", ev.Phase).Msg("module unload")
	return nil
}

func (h *LoggingHandler) OnClassLoad(ev ClassEvent) error {
	h.Log.Debug().Str("class", ev.Name).Stringer("phase", ev.Phase).Stringer("status", ev.Status).Msg("class load")
	return nil
}

func (h *LoggingHandler) OnClassUnload(ev ClassEvent) error {
	h.Log.Debug().Str("class", ev.Name).Stringer("phase", ev.Phase).Msg("class unload")
	return nil
}

func (h *LoggingHandler) OnJITStart(ev JITEvent) error {
	h.Log.Debug().Str("function", ev.Name).Bool("safe_to_block", ev.SafeToBlock).Msg("jit start")
	return nil
}

func (h *LoggingHandler) OnJITFinish(ev JITEvent) error {
	h.Log.Debug().Str("function", ev.Name).Stringer("status", ev.Status).Msg("jit finish")
	return nil
}

func (h *LoggingHandler) OnThreadCreated(id abi.ThreadID) error {
	h.Log.Debug().Uint64("thread", uint64(id)).Msg("thread created")
	return nil
}

func (h *LoggingHandler) OnThreadDestroyed(id abi.ThreadID) error {
	h.Log.Debug().Uint64("thread", uint64(id)).Msg("thread destroyed")
	return nil
}

func (h *LoggingHandler) OnThreadNameChanged(id abi.ThreadID, name string) error {
	h.Log.Debug().Uint64("thread", uint64(id)).Str("name", name).Msg("thread renamed")
	return nil
}

func (h *LoggingHandler) OnExceptionThrown(ev ExceptionEvent) error {
	h.Log.Info().Str("exception", ev.ClassName).Msg("exception thrown")
	return nil
}

func (h *LoggingHandler) OnGCStarted(ev GCEvent) error {
	h.Log.Debug().Int32("reason", int32(ev.Reason)).Int("generations", len(ev.Generations)).Msg("gc started")
	return nil
}
