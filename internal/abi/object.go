package abi

import (
	"runtime/debug"
	"sync/atomic"

	"github.com/danmuck/clrtrace/internal/logging"
	"github.com/rs/zerolog"
)

// Object is the single allocation the host holds for the agent. Its
// address is its identity; the function tables it exposes never change.
//
// The reference count starts at 1: the host releases the pointer returned
// by the factory without a matching AddRef.
type Object struct {
	vtbl      *Vtbl
	refs      atomic.Uint32
	info      atomic.Pointer[infoRef]
	dispatch  Dispatcher
	destroyed atomic.Bool
	onDestroy []func()
	log       zerolog.Logger
}

type infoRef struct {
	p InfoProvider
}

type Option func(*Object)

func WithLogger(l zerolog.Logger) Option {
	return func(o *Object) { o.log = l }
}

// OnDestroy registers a hook that runs once, after the dispatcher is
// closed, when the reference count reaches zero.
func OnDestroy(fn func()) Option {
	return func(o *Object) {
		if fn != nil {
			o.onDestroy = append(o.onDestroy, fn)
		}
	}
}

func NewObject(d Dispatcher, opts ...Option) *Object {
	o := &Object{
		vtbl:     sharedVtbl,
		dispatch: d,
		log:      logging.Component("abi"),
	}
	o.refs.Store(1)
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Vtbl returns the shared function tables.
func (o *Object) Vtbl() *Vtbl {
	return o.vtbl
}

// QueryInterface succeeds iff iid is in the capability table. On success
// *out is the object itself and the count is incremented; on failure *out
// is nil and the count is unchanged.
func (o *Object) QueryInterface(iid *GUID, out **Object) Status {
	if out == nil {
		return StatusPointer
	}
	*out = nil
	if iid == nil {
		return StatusPointer
	}
	if o.destroyed.Load() {
		return StatusUnexpected
	}
	c, ok := LookupCapability(*iid)
	if !ok {
		o.log.Debug().Str("iid", iid.String()).Msg("abi: interface not supported")
		return StatusNoInterface
	}
	o.AddRef()
	*out = o
	o.log.Trace().Str("iid", iid.String()).Str("interface", c.Name).Int("version", c.Version).Msg("abi: interface granted")
	return StatusOK
}

func (o *Object) AddRef() uint32 {
	return o.refs.Add(1)
}

// Release decrements the count and destroys the object on the transition
// to zero. Releasing an object whose count is already zero panics with a
// *ProtocolViolation.
func (o *Object) Release() uint32 {
	for {
		cur := o.refs.Load()
		if cur == 0 {
			panic(&ProtocolViolation{Op: "Release", Object: o})
		}
		if o.refs.CompareAndSwap(cur, cur-1) {
			if cur == 1 {
				o.destroy()
			}
			return cur - 1
		}
	}
}

// RefCount is a racy snapshot for diagnostics and tests.
func (o *Object) RefCount() uint32 {
	return o.refs.Load()
}

func (o *Object) Destroyed() bool {
	return o.destroyed.Load()
}

// Info returns the provider stored by the first Initialize, or nil.
func (o *Object) Info() InfoProvider {
	if r := o.info.Load(); r != nil {
		return r.p
	}
	return nil
}

func (o *Object) setInfo(p InfoProvider) bool {
	if p == nil {
		return false
	}
	return o.info.CompareAndSwap(nil, &infoRef{p: p})
}

func (o *Object) destroy() {
	if !o.destroyed.CompareAndSwap(false, true) {
		return
	}
	o.log.Debug().Msg("abi: object destroyed")
	func() {
		defer func() {
			if r := recover(); r != nil {
				o.log.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Msg("abi: dispatcher close panicked")
			}
		}()
		if o.dispatch != nil {
			if err := o.dispatch.Close(); err != nil {
				o.log.Warn().Err(err).Msg("abi: dispatcher close")
			}
		}
	}()
	for _, fn := range o.onDestroy {
		fn()
	}
}

// invoke is the boundary guard every trampoline goes through. Panics are
// recovered and logged, calls on a destroyed object are rejected, and the
// dispatcher's error is mapped to a status.
func (o *Object) invoke(op string, fn func(d Dispatcher) error) (st Status) {
	if o == nil {
		return StatusPointer
	}
	defer func() {
		if r := recover(); r != nil {
			o.log.Error().
				Str("op", op).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("abi: recovered panic at boundary")
			st = StatusFail
		}
	}()
	if o.destroyed.Load() {
		o.log.Warn().Str("op", op).Msg("abi: call on destroyed object")
		return StatusUnexpected
	}
	if fn == nil || o.dispatch == nil {
		return StatusOK
	}
	st = StatusOf(fn(o.dispatch))
	if st.Failed() {
		o.log.Debug().Str("op", op).Stringer("status", st).Msg("abi: notification failed")
	}
	return st
}
