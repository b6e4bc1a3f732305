package vmm

import (
	"testing"

	"pagekernel/kernel"
	"pagekernel/kernel/mm"
)

// recordPanics replaces panicFn with a hook that collects the reported errors
// instead of halting.
func recordPanics(t *testing.T) *[]interface{} {
	var panics []interface{}

	origPanicFn := panicFn
	t.Cleanup(func() { panicFn = origPanicFn })
	panicFn = func(e interface{}) {
		panics = append(panics, e)
	}

	return &panics
}

// stubAllocator hands out frames from a fixed list and records released ones.
type stubAllocator struct {
	frames []mm.Frame
	freed  []mm.Frame
	err    *kernel.Error
}

func (a *stubAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	if len(a.frames) == 0 {
		return mm.InvalidFrame, a.err
	}

	frame := a.frames[0]
	a.frames = a.frames[1:]
	return frame, nil
}

func (a *stubAllocator) FreeFrame(frame mm.Frame) {
	a.freed = append(a.freed, frame)
}

var errStubOutOfMemory = &kernel.Error{Module: "test", Message: "out of memory"}
