package hostsim

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/clrtrace/internal/abi"
)

type Module struct {
	ID   abi.ModuleID
	Name string
}

type Class struct {
	ID   abi.ClassID
	Name string
}

type Function struct {
	ID      abi.FunctionID
	Name    string
	Dynamic bool
}

type Thread struct {
	ID   abi.ThreadID
	Name string
}

// Workload is a scripted application lifetime. Run replays it in load
// order: modules, classes, compilation, threads, allocations, one
// exception, collections, then teardown in reverse.
type Workload struct {
	Modules   []Module
	Classes   []Class
	Functions []Function
	Threads   []Thread
	// Allocations objects are spread round-robin over Classes.
	Allocations int
	ObjectSize  uint64
	// ExceptionClass must name one of Classes; zero skips the throw.
	ExceptionClass abi.ClassID
	// Collections lists the generation sets collected in order.
	Collections [][]bool
}

// DefaultWorkload is a small console application.
func DefaultWorkload() Workload {
	return Workload{
		Modules: []Module{
			{ID: 0x1000, Name: "System.Private.CoreLib.dll"},
			{ID: 0x2000, Name: "Sample.App.dll"},
		},
		Classes: []Class{
			{ID: 0x10, Name: "System.String"},
			{ID: 0x20, Name: "Sample.App.Order"},
			{ID: 0x30, Name: "System.InvalidOperationException"},
		},
		Functions: []Function{
			{ID: 0x100, Name: "Sample.App.Program.Main"},
			{ID: 0x200, Name: "Sample.App.Order.Submit"},
			{ID: 0x300, Name: "lambda_method1", Dynamic: true},
		},
		Threads: []Thread{
			{ID: 0xa, Name: "Main Thread"},
			{ID: 0xb, Name: ".NET ThreadPool Worker"},
		},
		Allocations:    8,
		ObjectSize:     64,
		ExceptionClass: 0x30,
		Collections: [][]bool{
			{true},
			{true, true},
		},
	}
}

// Register makes every handle in w resolvable through rt.
func (w Workload) Register(rt *Runtime) {
	for _, m := range w.Modules {
		rt.AddModule(m.ID, m.Name)
	}
	for _, c := range w.Classes {
		rt.AddClass(c.ID, c.Name)
	}
	for _, f := range w.Functions {
		rt.AddFunction(f.ID, f.Name)
	}
}

func (w Workload) Validate() error {
	if w.Allocations > 0 && len(w.Classes) == 0 {
		return errors.New("hostsim: allocations need at least one class")
	}
	if w.ExceptionClass != 0 {
		for _, c := range w.Classes {
			if c.ID == w.ExceptionClass {
				return nil
			}
		}
		return fmt.Errorf("hostsim: exception class %#x not declared", uintptr(w.ExceptionClass))
	}
	return nil
}

// objectBase keeps allocated object ids clear of every other handle.
const objectBase abi.ObjectID = 0x7f000000

// Run initializes the agent, replays w, and shuts the agent down.
// Shutdown runs even when the replay fails or ctx is canceled.
func (h *Host) Run(ctx context.Context, w Workload) error {
	if err := w.Validate(); err != nil {
		return err
	}
	if err := h.Initialize(); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	err := h.Replay(ctx, w)
	if serr := h.Shutdown(); serr != nil {
		err = errors.Join(err, fmt.Errorf("shutdown: %w", serr))
	}
	return err
}

// Replay delivers w to an initialized agent. A canceled ctx stops it
// between steps. Failed notifications do not stop it; they are returned
// together.
func (h *Host) Replay(ctx context.Context, w Workload) error {
	if err := w.Validate(); err != nil {
		return err
	}
	w.Register(h.rt)
	var errs []error
	step := func(err error) bool {
		if err != nil {
			errs = append(errs, err)
		}
		return ctx.Err() == nil
	}
	h.replay(w, step)
	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (h *Host) replay(w Workload, step func(error) bool) {
	for _, m := range w.Modules {
		if !step(h.LoadModule(m.ID, abi.StatusOK)) {
			return
		}
	}
	for _, c := range w.Classes {
		if !step(h.LoadClass(c.ID, abi.StatusOK)) {
			return
		}
	}
	for i, f := range w.Functions {
		if !step(h.Compile(f.ID, i%2 == 0)) {
			return
		}
	}
	for _, t := range w.Threads {
		if !step(h.StartThread(t.ID, t.Name)) {
			return
		}
	}

	for i := 0; i < w.Allocations; i++ {
		c := w.Classes[i%len(w.Classes)]
		if !step(h.Allocate(objectBase+abi.ObjectID(i), c.ID, w.ObjectSize)) {
			return
		}
	}
	if w.ExceptionClass != 0 {
		id := objectBase + abi.ObjectID(w.Allocations)
		h.rt.AddObject(id, w.ExceptionClass, w.ObjectSize)
		if !step(h.Throw(id)) {
			return
		}
	}
	for _, gens := range w.Collections {
		for _, t := range w.Threads {
			if !step(h.SuspendThread(t.ID)) {
				return
			}
		}
		if !step(h.Collect(gens, abi.GCReasonOther)) {
			return
		}
	}

	for i := len(w.Threads) - 1; i >= 0; i-- {
		if !step(h.StopThread(w.Threads[i].ID)) {
			return
		}
	}
	for _, f := range w.Functions {
		if f.Dynamic {
			if !step(h.UnloadDynamicMethod(f.ID)) {
				return
			}
		}
	}
	for i := len(w.Classes) - 1; i >= 0; i-- {
		if !step(h.UnloadClass(w.Classes[i].ID)) {
			return
		}
	}
	for i := len(w.Modules) - 1; i >= 0; i-- {
		if !step(h.UnloadModule(w.Modules[i].ID)) {
			return
		}
	}
}
