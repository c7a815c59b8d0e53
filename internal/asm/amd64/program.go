package amd64

import (
	"fmt"

	"github.com/tinyrange/codeblob/internal/asm"
)

// EmitProgram assembles a fragment into a patched program.
func EmitProgram(fragment asm.Fragment) (asm.Program, error) {
	b := asm.NewBuilder()
	if err := fragment.Emit(b); err != nil {
		return asm.Program{}, err
	}
	rel, err := b.Patch(Encoder{})
	if err != nil {
		return asm.Program{}, fmt.Errorf("patch branches: %w", err)
	}
	return b.Program(rel), nil
}

func EmitBytes(fragment asm.Fragment) ([]byte, error) {
	prog, err := EmitProgram(fragment)
	if err != nil {
		return nil, err
	}
	return prog.Bytes(), nil
}
