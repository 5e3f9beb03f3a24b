//go:build linux && amd64

package uprobe

// System V AMD64 pt_regs byte offsets. The return address is not in a
// register at function entry; it is the word at *rsp.
var nativeRegs = regLayout{
	args:       [numArgs]int16{112, 104, 96, 88, 72, 64}, // rdi rsi rdx rcx r8 r9
	ret:        80,                                       // rax
	sp:         152,                                      // rsp
	callerInSP: true,
}
