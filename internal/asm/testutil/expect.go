package testutil

import (
	"fmt"
	"strings"
	"testing"
)

// Expectation describes a single instruction that should appear in the
// disassembly output. Mnemonic ignores any encoding suffix objdump appends
// after a dot, so jne matches jne.d32. A non-zero Size is the encoded length
// in bytes and separates a short branch from its widened form.
type Expectation struct {
	Name     string
	Mnemonic string
	Size     int
	Contains []string
}

func mnemonicMatches(got, want string) bool {
	if got == want {
		return true
	}
	return strings.HasPrefix(got, want+".")
}

func (e Expectation) match(line DisasmLine) error {
	if e.Mnemonic != "" && !mnemonicMatches(line.Mnemonic, e.Mnemonic) {
		return fmt.Errorf("mnemonic=%s, want %s", line.Mnemonic, e.Mnemonic)
	}
	if e.Size != 0 && line.Size != e.Size {
		return fmt.Errorf("size=%d, want %d", line.Size, e.Size)
	}
	for _, needle := range e.Contains {
		if !line.Contains(needle) {
			return fmt.Errorf("missing %q in %q", needle, line.Normalized)
		}
	}
	return nil
}

// VerifyExpectations checks that the first instructions of lines satisfy
// expect in order. Anything after the last expectation is ignored.
func VerifyExpectations(t *testing.T, lines []DisasmLine, expect []Expectation) {
	t.Helper()
	if len(lines) < len(expect) {
		t.Fatalf("objdump returned %d instructions, want at least %d", len(lines), len(expect))
	}
	for idx, exp := range expect {
		line := lines[idx]
		if err := exp.match(line); err != nil {
			t.Fatalf("instruction %q at %#x: %v\nline: %s", exp.Name, line.Addr, err, line.Text)
		}
	}
}
