package kernel

import (
	"smpcore/hal"
	"smpcore/kernel/kfmt/early"
)

var errRuntimePanic = &Error{Module: "rt", Message: "unknown cause"}

// Panic prints the supplied error (if not nil) to the early console and
// halts every online CPU. Calls to Panic never return. Unlike gopher-os,
// which halts only the calling (and only) CPU, this core is SMP: an
// invariant violation observed by one CPU must stop all of them, since any
// other CPU may still be mutating shared structures (the AS/heap/IPM
// locks) whose invariant the panicking CPU just found broken.
//
// With a registered platform, the broadcast IPI plus the caller's own
// infinite Halt loop is what "never returns" means. Under go test, where
// hal.Current is nil, there is no platform loop to fall into, so Panic
// finishes the job with Go's own panic — every caller in this module that
// invokes kernel.Panic is, correctly, written as if it does not return.
func Panic(e interface{}) {
	var err *Error

	switch t := e.(type) {
	case *Error:
		err = t
	case string:
		errRuntimePanic.Message = t
		err = errRuntimePanic
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	}

	early.Printf("\n-----------------------------------\n")
	if err != nil {
		early.Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	early.Printf("*** kernel panic: system halted ***")
	early.Printf("\n-----------------------------------\n")

	if hal.Current != nil {
		hal.Current.BroadcastIPI(haltVector)
		for {
			hal.Current.Halt()
		}
	}

	panic(err)
}

// haltVector is the interrupt vector every CPU registers at boot to park
// itself on receipt of a panic broadcast (see Panic).
const haltVector uint8 = 0x22

// InstallHaltHandler registers the handler every CPU uses to park itself
// when another CPU calls Panic. It must be called once per CPU during
// boot, after hal.Set.
func InstallHaltHandler() {
	if hal.Current == nil {
		return
	}
	hal.Current.Register(haltVector, func(cpu int) {
		hal.Current.Halt()
	})
}
