package ipm

import (
	"unsafe"

	"smpcore/hal"
	"smpcore/heap"
	"smpcore/kernel"
	"smpcore/mem/vmm"
)

// MaxCPUs bounds the number of per-CPU queues a Bus keeps. It mirrors
// smpcore/cpu.MaxCPUs (and mem/vmm.MaxCPUs); see cpu.MaxCPUs's doc for why
// each package keeps its own copy of this hardware ceiling rather than
// importing another package solely for the constant.
const MaxCPUs = 32

// Vector is the interrupt vector the IPM bus registers its handler on.
// Real boot wiring assigns the concrete vector number through the (out of
// scope) IDT setup; this value is fixed here to match hal/sim.IPMVector,
// the software LAPIC's hardcoded delivery target, the same way
// kernel.haltVector and sched.TickVector are each a fixed point in this
// module's simulated vector space.
const Vector uint8 = 0x21

var (
	// errOutOfMemory marks every OOM this package cannot recover from.
	// spec §4.4's send APIs have no error return (unlike map/kmalloc);
	// per spec §7's propagation policy ("the core itself never panics on
	// OOM; only on invariant violations") this would ideally also
	// return an error, but none of the public signatures spec.md gives
	// send_ipm/broadcast_ipm/exec_remote_call has room for one. Treating
	// heap exhaustion on the IPM send path as fatal is this package's
	// Open Question decision (DESIGN.md): better to halt loudly than to
	// silently drop an inter-CPU message a caller believes was sent.
	errOutOfMemory = &kernel.Error{Module: "ipm", Message: "kmalloc failed allocating IPM message"}
)

// Bus is one system's IPM bus: one FIFO queue per CPU, drained by Vector.
// Default is the system-wide instance wired up at boot (spec §9: "frames
// -> kernel AS -> heap -> IPM -> scheduler").
type Bus struct {
	ncpu   int
	queues [MaxCPUs]queue
	onTest func(cpu int, m *Message)
}

// Default is the process-wide IPM bus.
var Default Bus

// Init wires b to ncpu CPUs, registers its receive handler on Vector (if
// a platform is installed), and installs b as the system's TLB
// shootdowner (vmm.SetShootdowner) so mem/vmm.Map/Unmap can reach it
// without importing this package (spec §9's heap<->vmm<->ipm cycle
// break).
func (b *Bus) Init(ncpu int) {
	b.ncpu = ncpu
	for i := 0; i < ncpu; i++ {
		b.queues[i] = queue{}
	}
	if hal.Current != nil {
		hal.Current.Register(Vector, b.processMessages)
	}
	vmm.SetShootdowner(b)
}

// SetTestHandler installs fn to run whenever a TagTest message is
// dispatched, for tests that need to observe delivery. Passing nil
// restores the default (silent drain).
func (b *Bus) SetTestHandler(fn func(cpu int, m *Message)) {
	b.onTest = fn
}

// allocMessage reserves size bytes from the kernel heap purely for
// accounting (see message.go's doc comment on why the Message value
// itself is never placed in that memory) and returns a fresh,
// heap-tracked Message.
func (b *Bus) allocMessage(senderCPU int, tag Tag, data unsafe.Pointer, length uintptr) *Message {
	addr := heap.Default.Kmalloc(senderCPU, uint64(unsafe.Sizeof(Message{})))
	if addr == 0 {
		kernel.Panic(errOutOfMemory)
	}
	return &Message{
		Tag:           tag,
		Sender:        senderCPU,
		Data:          data,
		Len:           length,
		ReceiverFrees: true,
		heapAddr:      addr,
	}
}

func (b *Bus) freeMessage(cpu int, m *Message) {
	if m.heapAddr != 0 {
		heap.Default.Kfree(cpu, m.heapAddr)
		m.heapAddr = 0
	}
}

// SendIPM enqueues a message of the given tag on targetCPU's queue and
// raises Vector there (spec §4.4 Send API: "send_ipm(cpu, tag, data,
// len)"). senderCPU identifies the calling CPU; every function in this
// package takes it explicitly, as the rest of this module's packages do
// for their own cpu parameters, rather than discovering it internally via
// hal.Current.CurrentCPU().
func (b *Bus) SendIPM(senderCPU, targetCPU int, tag Tag, data unsafe.Pointer, length uintptr) {
	m := b.allocMessage(senderCPU, tag, data, length)
	b.queues[targetCPU].pushBack(m)
	if hal.Current != nil {
		hal.Current.SendIPI(targetCPU, Vector)
	}
}

// BroadcastIPM enqueues one message per remote CPU, then raises a single
// broadcast IPI (spec §4.4: "If many senders broadcast concurrently,
// coalescing at the APIC may drop IPIs but each receiver receives at
// least one and drains the whole queue regardless" — true here because
// every receiver's queue already holds its own message regardless of how
// many IPIs actually land).
func (b *Bus) BroadcastIPM(senderCPU int, tag Tag, data unsafe.Pointer, length uintptr) {
	for c := 0; c < b.ncpu; c++ {
		if c == senderCPU {
			continue
		}
		m := b.allocMessage(senderCPU, tag, data, length)
		b.queues[c].pushBack(m)
	}
	if hal.Current != nil {
		hal.Current.BroadcastIPI(Vector)
	}
}

// processMessages is the IPM-vector handler (spec §4.4 Receive): drain
// cpu's queue to empty, dispatching each message in turn.
func (b *Bus) processMessages(cpuID int) {
	for {
		m := b.queues[cpuID].pop()
		if m == nil {
			return
		}
		b.dispatch(cpuID, m)
	}
}

// dispatch handles one popped message. Unknown tags are ignored silently
// per spec §7's lookup-miss taxonomy ("future-compat").
func (b *Bus) dispatch(cpuID int, m *Message) {
	switch m.Tag {
	case TagTLBShootdown:
		b.handleShootdown(m)
		return // never heap-freed: stack-allocated by the sender.
	case TagRemoteCall:
		b.handleRemoteCall(cpuID, m)
	case TagTest:
		if b.onTest != nil {
			b.onTest(cpuID, m)
		}
	}
	if m.ReceiverFrees {
		b.freeMessage(cpuID, m)
	}
}
