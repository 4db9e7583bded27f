package callstack

import "golang.org/x/arch/x86/x86asm"

// isCallSite reports whether the bytes immediately preceding a candidate
// return address decode as a CALL instruction whose length lands exactly
// on that address. codeUpToIP's last byte is the byte at ip-1.
//
// This is an additional sanity filter a Resolver may apply on top of the
// unwinder's own anonymous-region prolog-scan acceptance predicate (spec
// section 4.7's property P4 only requires accepted candidates to satisfy
// its invariant — it does not forbid a caller from rejecting some
// candidates that would otherwise qualify). x86-64 instructions are at
// most 15 bytes, so every plausible call-instruction length is tried.
func isCallSite(codeUpToIP []byte) bool {
	max := 15
	if max > len(codeUpToIP) {
		max = len(codeUpToIP)
	}
	for start := 1; start <= max; start++ {
		window := codeUpToIP[len(codeUpToIP)-start:]
		inst, err := x86asm.Decode(window, 64)
		if err != nil || inst.Len != start {
			continue
		}
		switch inst.Op {
		case x86asm.CALL, x86asm.CALLF:
			return true
		}
	}
	return false
}
