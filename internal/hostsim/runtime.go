// Package hostsim plays the managed runtime for the agent: a static
// reflection facade plus a driver that delivers notifications through the
// agent's function tables the way a host would.
package hostsim

import (
	"errors"
	"fmt"
	"sync"

	"github.com/danmuck/clrtrace/internal/abi"
)

var ErrUnknownHandle = errors.New("hostsim: unknown handle")

type object struct {
	class      abi.ClassID
	size       uint64
	generation uint32
}

// Runtime is a static abi.InfoProvider. Handles are registered up front
// and lookups of anything else fail.
type Runtime struct {
	mu        sync.RWMutex
	mask      abi.EventMask
	maskSet   bool
	classes   map[abi.ClassID]string
	functions map[abi.FunctionID]string
	modules   map[abi.ModuleID]string
	objects   map[abi.ObjectID]*object
}

func NewRuntime() *Runtime {
	return &Runtime{
		classes:   make(map[abi.ClassID]string),
		functions: make(map[abi.FunctionID]string),
		modules:   make(map[abi.ModuleID]string),
		objects:   make(map[abi.ObjectID]*object),
	}
}

func (r *Runtime) AddClass(id abi.ClassID, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.classes[id] = name
}

func (r *Runtime) AddFunction(id abi.FunctionID, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.functions[id] = name
}

func (r *Runtime) AddModule(id abi.ModuleID, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules[id] = name
}

// AddObject places a new object in generation 0.
func (r *Runtime) AddObject(id abi.ObjectID, class abi.ClassID, size uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.objects[id] = &object{class: class, size: size}
}

// Collect promotes every live object in a collected generation by one,
// capped at 2.
func (r *Runtime) Collect(generations []bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, obj := range r.objects {
		g := int(obj.generation)
		if g < len(generations) && generations[g] && obj.generation < 2 {
			obj.generation++
		}
	}
}

// Free drops an object so later lookups fail.
func (r *Runtime) Free(id abi.ObjectID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.objects, id)
}

// Mask returns the mask the agent requested. ok is false until
// SetEventMask is called.
func (r *Runtime) Mask() (abi.EventMask, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mask, r.maskSet
}

func (r *Runtime) SetEventMask(mask abi.EventMask) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mask = mask
	r.maskSet = true
	return nil
}

func (r *Runtime) ClassName(id abi.ClassID) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name, ok := r.classes[id]; ok {
		return name, nil
	}
	return "", fmt.Errorf("%w: class %#x", ErrUnknownHandle, uintptr(id))
}

func (r *Runtime) FunctionName(id abi.FunctionID) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name, ok := r.functions[id]; ok {
		return name, nil
	}
	return "", fmt.Errorf("%w: function %#x", ErrUnknownHandle, uintptr(id))
}

func (r *Runtime) ModuleName(id abi.ModuleID) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name, ok := r.modules[id]; ok {
		return name, nil
	}
	return "", fmt.Errorf("%w: module %#x", ErrUnknownHandle, uintptr(id))
}

func (r *Runtime) ObjectClass(id abi.ObjectID) (abi.ClassID, error) {
	obj, err := r.object(id)
	if err != nil {
		return 0, err
	}
	return obj.class, nil
}

func (r *Runtime) ObjectSize(id abi.ObjectID) (uint64, error) {
	obj, err := r.object(id)
	if err != nil {
		return 0, err
	}
	return obj.size, nil
}

func (r *Runtime) ObjectGeneration(id abi.ObjectID) (uint32, error) {
	obj, err := r.object(id)
	if err != nil {
		return 0, err
	}
	return obj.generation, nil
}

func (r *Runtime) object(id abi.ObjectID) (object, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	obj, ok := r.objects[id]
	if !ok {
		return object{}, fmt.Errorf("%w: object %#x", ErrUnknownHandle, uintptr(id))
	}
	return *obj, nil
}

var _ abi.InfoProvider = (*Runtime)(nil)
