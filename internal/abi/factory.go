package abi

import (
	"sync/atomic"

	"github.com/danmuck/clrtrace/internal/logging"
	"github.com/rs/zerolog"
)

// NewDispatcherFunc builds the typed dispatcher for one new Object.
type NewDispatcherFunc func() (Dispatcher, error)

// Factory is the class object the host obtains for CLSIDAgent. It lives for
// the whole process and is not reference counted.
type Factory struct {
	newDispatcher NewDispatcherFunc
	opts          []Option
	log           zerolog.Logger
	locks         atomic.Int64
	live          atomic.Int64
}

func NewFactory(newDispatcher NewDispatcherFunc, opts ...Option) *Factory {
	return &Factory{
		newDispatcher: newDispatcher,
		opts:          opts,
		log:           logging.Component("abi.factory"),
	}
}

// QueryInterface answers for IUnknown and IClassFactory only.
func (f *Factory) QueryInterface(iid *GUID, out **Factory) Status {
	if out == nil {
		return StatusPointer
	}
	*out = nil
	if iid == nil {
		return StatusPointer
	}
	if *iid != IIDUnknown && *iid != IIDClassFactory {
		return StatusNoInterface
	}
	*out = f
	return StatusOK
}

// CreateInstance returns a new Object with count 1 when clsid names the
// agent and iid is a supported interface. On an unsupported iid the new
// object is released again before returning.
func (f *Factory) CreateInstance(clsid *GUID, iid *GUID, out **Object) Status {
	if out == nil {
		return StatusPointer
	}
	*out = nil
	if clsid == nil || iid == nil {
		return StatusPointer
	}
	if *clsid != CLSIDAgent {
		f.log.Warn().Str("clsid", clsid.String()).Msg("abi: unknown class requested")
		return StatusClassNotAvailable
	}

	var d Dispatcher
	if f.newDispatcher != nil {
		var err error
		d, err = f.buildDispatcher()
		if err != nil {
			f.log.Error().Err(err).Msg("abi: build dispatcher")
			return StatusOf(err)
		}
	}

	opts := append([]Option{}, f.opts...)
	opts = append(opts, OnDestroy(func() { f.live.Add(-1) }))
	obj := NewObject(d, opts...)
	f.live.Add(1)
	if _, ok := LookupCapability(*iid); !ok {
		f.log.Warn().Str("iid", iid.String()).Msg("abi: create for unsupported interface")
		obj.Release()
		return StatusNoInterface
	}
	*out = obj
	f.log.Debug().Str("iid", iid.String()).Msg("abi: instance created")
	return StatusOK
}

func (f *Factory) buildDispatcher() (d Dispatcher, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Errorf(StatusFail, "dispatcher constructor panicked: %v", r)
		}
	}()
	return f.newDispatcher()
}

// LockServer keeps the factory pinned while the host holds a lock.
func (f *Factory) LockServer(lock bool) Status {
	if lock {
		f.locks.Add(1)
		return StatusOK
	}
	if f.locks.Add(-1) < 0 {
		f.locks.Add(1)
		return StatusUnexpected
	}
	return StatusOK
}

// Live is the number of objects created and not yet destroyed.
func (f *Factory) Live() int64 {
	return f.live.Load()
}

// CanUnload reports whether the host may unload the agent: no locks and no
// live objects.
func (f *Factory) CanUnload() bool {
	return f.locks.Load() == 0 && f.live.Load() == 0
}
