package amd64

import (
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/codeblob/internal/asm"
)

const (
	elfHeaderSize        = 64
	elfProgramHeaderSize = 56
	elfSectionHeaderSize = 64
)

// ImageConfig controls how WriteImage lays out a patched program.
type ImageConfig struct {
	// BaseAddress is the virtual address of the first code byte. Address
	// slots in the program are rebased against it.
	BaseAddress uint64
	// SegmentOffset is the file offset of the code. It must leave room for
	// the ELF and program headers.
	SegmentOffset uint64
	// SegmentAlignment must be a power of two dividing both the base address
	// and the segment offset.
	SegmentAlignment uint64
}

var defaultImageConfig = ImageConfig{
	BaseAddress:      0x401000,
	SegmentOffset:    0x1000,
	SegmentAlignment: 0x1000,
}

func DefaultImageConfig() ImageConfig {
	return defaultImageConfig
}

func (cfg ImageConfig) withDefaults() ImageConfig {
	if cfg.BaseAddress == 0 {
		cfg.BaseAddress = defaultImageConfig.BaseAddress
	}
	if cfg.SegmentOffset == 0 {
		cfg.SegmentOffset = defaultImageConfig.SegmentOffset
	}
	if cfg.SegmentAlignment == 0 {
		cfg.SegmentAlignment = defaultImageConfig.SegmentAlignment
	}
	return cfg
}

func (cfg ImageConfig) validate() error {
	headerSize := uint64(elfHeaderSize + elfProgramHeaderSize)
	if cfg.SegmentOffset < headerSize {
		return fmt.Errorf("segment offset %#x too small for ELF headers (%#x)", cfg.SegmentOffset, headerSize)
	}
	if cfg.SegmentAlignment&(cfg.SegmentAlignment-1) != 0 {
		return fmt.Errorf("segment alignment %#x is not a power of two", cfg.SegmentAlignment)
	}
	if cfg.SegmentOffset%cfg.SegmentAlignment != 0 || cfg.BaseAddress%cfg.SegmentAlignment != 0 {
		return fmt.Errorf("base %#x and offset %#x must be aligned to %#x", cfg.BaseAddress, cfg.SegmentOffset, cfg.SegmentAlignment)
	}
	return nil
}

// WriteImage wraps a patched program in an ELF file with a single read+exec
// segment and a .text section so standard tools can disassemble it.
func WriteImage(prog asm.Program, cfg ImageConfig) ([]byte, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	code := prog.RelocatedCopy(uintptr(cfg.BaseAddress))
	shstr := []byte("\x00.text\x00.shstrtab\x00")
	shstrOff := cfg.SegmentOffset + uint64(len(code))
	shOff := alignUp(shstrOff+uint64(len(shstr)), 8)

	out := make([]byte, shOff+3*elfSectionHeaderSize)
	fillELFHeader(out[:elfHeaderSize], cfg, shOff)
	fillProgramHeader(out[elfHeaderSize:elfHeaderSize+elfProgramHeaderSize], cfg, uint64(len(code)))
	copy(out[cfg.SegmentOffset:], code)
	copy(out[shstrOff:], shstr)

	sh := out[shOff:]
	text := sh[elfSectionHeaderSize : 2*elfSectionHeaderSize]
	binary.LittleEndian.PutUint32(text[0:], 1)
	binary.LittleEndian.PutUint32(text[4:], uint32(elf.SHT_PROGBITS))
	binary.LittleEndian.PutUint64(text[8:], uint64(elf.SHF_ALLOC|elf.SHF_EXECINSTR))
	binary.LittleEndian.PutUint64(text[16:], cfg.BaseAddress)
	binary.LittleEndian.PutUint64(text[24:], cfg.SegmentOffset)
	binary.LittleEndian.PutUint64(text[32:], uint64(len(code)))
	binary.LittleEndian.PutUint64(text[48:], 16)

	strtab := sh[2*elfSectionHeaderSize : 3*elfSectionHeaderSize]
	binary.LittleEndian.PutUint32(strtab[0:], 7)
	binary.LittleEndian.PutUint32(strtab[4:], uint32(elf.SHT_STRTAB))
	binary.LittleEndian.PutUint64(strtab[24:], shstrOff)
	binary.LittleEndian.PutUint64(strtab[32:], uint64(len(shstr)))
	binary.LittleEndian.PutUint64(strtab[48:], 1)
	return out, nil
}

func fillELFHeader(buf []byte, cfg ImageConfig, shOff uint64) {
	buf[0] = 0x7f
	buf[1] = 'E'
	buf[2] = 'L'
	buf[3] = 'F'
	buf[4] = byte(elf.ELFCLASS64)
	buf[5] = byte(elf.ELFDATA2LSB)
	buf[6] = byte(elf.EV_CURRENT)

	binary.LittleEndian.PutUint16(buf[16:], uint16(elf.ET_EXEC))
	binary.LittleEndian.PutUint16(buf[18:], uint16(elf.EM_X86_64))
	binary.LittleEndian.PutUint32(buf[20:], uint32(elf.EV_CURRENT))
	binary.LittleEndian.PutUint64(buf[24:], cfg.BaseAddress)
	binary.LittleEndian.PutUint64(buf[32:], elfHeaderSize)
	binary.LittleEndian.PutUint64(buf[40:], shOff)
	binary.LittleEndian.PutUint16(buf[52:], elfHeaderSize)
	binary.LittleEndian.PutUint16(buf[54:], elfProgramHeaderSize)
	binary.LittleEndian.PutUint16(buf[56:], 1)
	binary.LittleEndian.PutUint16(buf[58:], elfSectionHeaderSize)
	binary.LittleEndian.PutUint16(buf[60:], 3)
	binary.LittleEndian.PutUint16(buf[62:], 2) // .shstrtab
}

func fillProgramHeader(buf []byte, cfg ImageConfig, size uint64) {
	binary.LittleEndian.PutUint32(buf[0:], uint32(elf.PT_LOAD))
	binary.LittleEndian.PutUint32(buf[4:], uint32(elf.PF_R|elf.PF_X))
	binary.LittleEndian.PutUint64(buf[8:], cfg.SegmentOffset)
	binary.LittleEndian.PutUint64(buf[16:], cfg.BaseAddress)
	binary.LittleEndian.PutUint64(buf[24:], cfg.BaseAddress)
	binary.LittleEndian.PutUint64(buf[32:], size)
	binary.LittleEndian.PutUint64(buf[40:], size)
	binary.LittleEndian.PutUint64(buf[48:], cfg.SegmentAlignment)
}

func alignUp(v, boundary uint64) uint64 {
	return (v + boundary - 1) &^ (boundary - 1)
}
