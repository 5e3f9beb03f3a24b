//go:build linux && arm64

package uprobe

// AAPCS64 pt_regs byte offsets. regs[0] through regs[30] are laid out
// contiguously from offset zero; x30 is the link register and holds
// the return address at function entry.
var nativeRegs = regLayout{
	args: [numArgs]int16{0, 8, 16, 24, 32, 40}, // x0..x5
	ret:  0,                                    // x0
	sp:   248,
	lr:   240, // x30
}
