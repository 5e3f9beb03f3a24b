//go:build linux && (amd64 || arm64)

package uprobe

import (
	"encoding/binary"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"golang.org/x/sys/unix"
)

// Record layout shared between the BPF programs and parseRecord. All
// fields are little-endian; every offset is 8-byte aligned except the
// two u32s packed after the cookie.
const (
	recCookie   = 0  // u64 attach cookie
	recTID      = 8  // u32 OS thread id
	recKind     = 12 // u32 recordEnter/recordLeave/recordHit
	recCaller   = 16 // u64 return address, 0 when unavailable
	recRet      = 24 // u64 return register, leave records only
	recArgs     = 32 // numArgs * u64 argument registers
	recStackLen = 80 // u64 backtrace length in bytes
	recStack    = 88 // maxStack * u64 user stack, innermost first

	numArgs   = 6
	maxStack  = 16
	recHeader = recStack
	recSize   = recStack + maxStack*8
)

const (
	recordEnter = 0
	recordLeave = 1
	recordHit   = 2
)

// capture selects which fields a program materializes. Leave-side
// programs skip the stack walk: a uretprobe fires from a trampoline
// frame and the unwound stack is not the callee's.
type capture struct {
	kind   uint32
	args   bool
	ret    bool
	caller bool
	stack  bool
}

var (
	captureEnter = capture{kind: recordEnter, args: true, caller: true, stack: true}
	captureLeave = capture{kind: recordLeave, ret: true}
	captureHit   = capture{kind: recordHit, args: true, caller: true, stack: true}
)

func progName(kind uint32) string {
	switch kind {
	case recordLeave:
		return "tracetap_leave"
	case recordHit:
		return "tracetap_hit"
	default:
		return "tracetap_enter"
	}
}

// regLayout holds the pt_regs byte offsets the per-arch files supply.
type regLayout struct {
	args       [numArgs]int16
	ret        int16
	sp         int16
	lr         int16
	callerInSP bool
}

// buildProgram assembles and loads the capture program for one probe
// shape. GPL licensing is required by the probe_read and stack
// helpers.
func buildProgram(events *ebpf.Map, c capture) (*ebpf.Program, error) {
	return ebpf.NewProgram(&ebpf.ProgramSpec{
		Name:         progName(c.kind),
		Type:         ebpf.Kprobe,
		Instructions: buildInstructions(events.FD(), c),
		License:      "GPL",
	})
}

// buildInstructions emits the capture program. The record is built on
// the BPF stack below the frame pointer and sent with
// bpf_perf_event_output; leave records stop at the header since their
// stack region is never written.
func buildInstructions(mapFD int, c capture) asm.Instructions {
	const base = int16(-recSize)

	emitSize := int32(recHeader)
	if c.stack {
		emitSize = recSize
	}

	// R6 holds pt_regs across helper calls.
	insns := asm.Instructions{
		asm.Mov.Reg(asm.R6, asm.R1),

		asm.FnGetAttachCookie.Call(),
		asm.StoreMem(asm.RFP, base+recCookie, asm.R0, asm.DWord),

		// Lower half of pid_tgid is the thread id.
		asm.FnGetCurrentPidTgid.Call(),
		asm.StoreMem(asm.RFP, base+recTID, asm.R0, asm.Word),

		asm.StoreImm(asm.RFP, base+recKind, int64(c.kind), asm.Word),
	}

	if c.caller {
		if nativeRegs.callerInSP {
			// At function entry the return address is the word at
			// *sp. probe_read_user zero-fills on fault.
			insns = append(insns,
				asm.Mov.Reg(asm.R1, asm.RFP),
				asm.Add.Imm(asm.R1, int32(base+recCaller)),
				asm.Mov.Imm(asm.R2, 8),
				asm.LoadMem(asm.R3, asm.R6, nativeRegs.sp, asm.DWord),
				asm.FnProbeReadUser.Call(),
			)
		} else {
			insns = append(insns,
				asm.LoadMem(asm.R0, asm.R6, nativeRegs.lr, asm.DWord),
				asm.StoreMem(asm.RFP, base+recCaller, asm.R0, asm.DWord),
			)
		}
	} else {
		insns = append(insns, asm.StoreImm(asm.RFP, base+recCaller, 0, asm.DWord))
	}

	if c.ret {
		insns = append(insns,
			asm.LoadMem(asm.R0, asm.R6, nativeRegs.ret, asm.DWord),
			asm.StoreMem(asm.RFP, base+recRet, asm.R0, asm.DWord),
		)
	} else {
		insns = append(insns, asm.StoreImm(asm.RFP, base+recRet, 0, asm.DWord))
	}

	for i := 0; i < numArgs; i++ {
		off := base + recArgs + int16(i*8)
		if c.args {
			insns = append(insns,
				asm.LoadMem(asm.R0, asm.R6, nativeRegs.args[i], asm.DWord),
				asm.StoreMem(asm.RFP, off, asm.R0, asm.DWord),
			)
		} else {
			insns = append(insns, asm.StoreImm(asm.RFP, off, 0, asm.DWord))
		}
	}

	if c.stack {
		insns = append(insns,
			asm.Mov.Reg(asm.R1, asm.R6),
			asm.Mov.Reg(asm.R2, asm.RFP),
			asm.Add.Imm(asm.R2, int32(base+recStack)),
			asm.Mov.Imm(asm.R3, maxStack*8),
			asm.Mov.Imm(asm.R4, unix.BPF_F_USER_STACK),
			asm.FnGetStack.Call(),
			asm.JSGE.Imm(asm.R0, 0, "stacklen"),
			asm.Mov.Imm(asm.R0, 0),
			asm.StoreMem(asm.RFP, base+recStackLen, asm.R0, asm.DWord).WithSymbol("stacklen"),
		)
	} else {
		insns = append(insns, asm.StoreImm(asm.RFP, base+recStackLen, 0, asm.DWord))
	}

	return append(insns,
		asm.Mov.Reg(asm.R1, asm.R6),
		asm.LoadMapPtr(asm.R2, mapFD),
		asm.LoadImm(asm.R3, unix.BPF_F_CURRENT_CPU, asm.DWord),
		asm.Mov.Reg(asm.R4, asm.RFP),
		asm.Add.Imm(asm.R4, int32(base)),
		asm.Mov.Imm(asm.R5, emitSize),
		asm.FnPerfEventOutput.Call(),

		asm.Mov.Imm(asm.R0, 0),
		asm.Return(),
	)
}

type record struct {
	cookie uint64
	tid    uint32
	kind   uint32
	caller uint64
	ret    uint64
	args   [numArgs]uint64
	stack  []uint64
}

// parseRecord decodes one perf sample. The kernel may pad the sample,
// so the backtrace length is bounded by both the recorded byte count
// and the bytes actually present.
func parseRecord(raw []byte) (record, bool) {
	var rec record
	if len(raw) < recHeader {
		return rec, false
	}

	rec.cookie = binary.LittleEndian.Uint64(raw[recCookie:])
	rec.tid = binary.LittleEndian.Uint32(raw[recTID:])
	rec.kind = binary.LittleEndian.Uint32(raw[recKind:])
	rec.caller = binary.LittleEndian.Uint64(raw[recCaller:])
	rec.ret = binary.LittleEndian.Uint64(raw[recRet:])
	for i := range rec.args {
		rec.args[i] = binary.LittleEndian.Uint64(raw[recArgs+i*8:])
	}

	frames := binary.LittleEndian.Uint64(raw[recStackLen:]) / 8
	if have := uint64(len(raw)-recStack) / 8; frames > have {
		frames = have
	}
	if frames > maxStack {
		frames = maxStack
	}
	for i := uint64(0); i < frames; i++ {
		rec.stack = append(rec.stack, binary.LittleEndian.Uint64(raw[recStack+int(i)*8:]))
	}
	return rec, true
}
