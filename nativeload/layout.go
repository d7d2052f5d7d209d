package nativeload

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
)

// Upper bound on a single image's in-memory span. Anything larger than this
// cannot fit a default reservation and is treated as a malformed image.
const maxImageExtent = 1 << 31

// relativeRelocTypes maps each supported machine to its RELATIVE relocation
// type. Only relative relocations are applied here; relocations that need
// symbol resolution are left to the runtime linker on both the writer and the
// reader side, so the two always produce identical bytes.
var relativeRelocTypes = map[elf.Machine]uint32{
	elf.EM_X86_64:  8,    // R_X86_64_RELATIVE
	elf.EM_AARCH64: 1027, // R_AARCH64_RELATIVE
	elf.EM_386:     8,    // R_386_RELATIVE
	elf.EM_ARM:     23,   // R_ARM_RELATIVE
	elf.EM_RISCV:   3,    // R_RISCV_RELATIVE
}

type loadSegment struct {
	vaddr  uint64
	off    uint64
	filesz uint64
	memsz  uint64
	flags  elf.ProgFlag
}

type relocation struct {
	addr      uint64
	addend    uint64
	hasAddend bool
}

// imageLayout is the parsed shape of one ET_DYN image: its load segments, its
// relative relocations, and its PT_GNU_RELRO extent.
type imageLayout struct {
	class      elf.Class
	order      binary.ByteOrder
	loads      []loadSegment
	relocs     []relocation
	relroVaddr uint64
	relroMemsz uint64
	extent     uint64 // page-rounded span of all load segments
}

func parseLayout(img []byte) (*imageLayout, error) {
	f, err := elf.NewFile(bytes.NewReader(img))
	if err != nil {
		return nil, fmt.Errorf("invalid ELF image: %w", err)
	}
	defer f.Close()

	if f.Type != elf.ET_DYN {
		return nil, fmt.Errorf("unsupported ELF file type: %s", f.Type)
	}
	relType, ok := relativeRelocTypes[f.Machine]
	if !ok {
		return nil, fmt.Errorf("unsupported machine: %s", f.Machine)
	}

	layout := &imageLayout{class: f.Class, order: f.ByteOrder}
	var dynOff, dynSize uint64
	for _, p := range f.Progs {
		switch p.Type {
		case elf.PT_LOAD:
			if p.Off+p.Filesz < p.Off || p.Off+p.Filesz > uint64(len(img)) || p.Memsz < p.Filesz {
				return nil, fmt.Errorf("load segment out of bounds: off=%#x filesz=%#x", p.Off, p.Filesz)
			}
			end := p.Vaddr + p.Memsz
			if end < p.Vaddr || end > maxImageExtent {
				return nil, fmt.Errorf("load segment span out of range: vaddr=%#x memsz=%#x", p.Vaddr, p.Memsz)
			}
			layout.loads = append(layout.loads, loadSegment{
				vaddr:  p.Vaddr,
				off:    p.Off,
				filesz: p.Filesz,
				memsz:  p.Memsz,
				flags:  p.Flags,
			})
			if end > layout.extent {
				layout.extent = end
			}
		case elf.PT_GNU_RELRO:
			layout.relroVaddr = p.Vaddr
			layout.relroMemsz = p.Memsz
		case elf.PT_DYNAMIC:
			dynOff, dynSize = p.Off, p.Filesz
		}
	}
	if len(layout.loads) == 0 {
		return nil, fmt.Errorf("image has no load segments")
	}
	layout.extent = pageAlignUp(layout.extent)
	if layout.extent == 0 || layout.extent > maxImageExtent {
		return nil, fmt.Errorf("image extent %#x out of range", layout.extent)
	}

	if dynSize > 0 {
		if dynOff+dynSize > uint64(len(img)) {
			return nil, fmt.Errorf("dynamic segment out of bounds")
		}
		if err := layout.parseRelocations(img, img[dynOff:dynOff+dynSize], relType); err != nil {
			return nil, err
		}
	}
	return layout, nil
}

// parseRelocations walks the PT_DYNAMIC table for DT_RELA / DT_REL entries and
// collects the relative relocations they describe.
func (l *imageLayout) parseRelocations(img, dyn []byte, relType uint32) error {
	var relaAddr, relaSize, relAddr, relSize uint64
	if l.class == elf.ELFCLASS64 {
		for i := 0; i+16 <= len(dyn); i += 16 {
			tag := elf.DynTag(l.order.Uint64(dyn[i:]))
			val := l.order.Uint64(dyn[i+8:])
			switch tag {
			case elf.DT_NULL:
				i = len(dyn)
			case elf.DT_RELA:
				relaAddr = val
			case elf.DT_RELASZ:
				relaSize = val
			case elf.DT_REL:
				relAddr = val
			case elf.DT_RELSZ:
				relSize = val
			}
		}
	} else {
		for i := 0; i+8 <= len(dyn); i += 8 {
			tag := elf.DynTag(l.order.Uint32(dyn[i:]))
			val := uint64(l.order.Uint32(dyn[i+4:]))
			switch tag {
			case elf.DT_NULL:
				i = len(dyn)
			case elf.DT_RELA:
				relaAddr = val
			case elf.DT_RELASZ:
				relaSize = val
			case elf.DT_REL:
				relAddr = val
			case elf.DT_RELSZ:
				relSize = val
			}
		}
	}

	if relaSize > 0 {
		if err := l.parseRelocTable(img, relaAddr, relaSize, relType, true); err != nil {
			return err
		}
	}
	if relSize > 0 {
		if err := l.parseRelocTable(img, relAddr, relSize, relType, false); err != nil {
			return err
		}
	}
	return nil
}

func (l *imageLayout) parseRelocTable(img []byte, vaddr, size uint64, relType uint32, rela bool) error {
	off, ok := l.fileOffset(vaddr)
	if !ok || off+size > uint64(len(img)) {
		return fmt.Errorf("relocation table out of bounds: vaddr=%#x size=%#x", vaddr, size)
	}
	table := img[off : off+size]

	var entSize int
	if l.class == elf.ELFCLASS64 {
		entSize = 16
	} else {
		entSize = 8
	}
	if rela {
		entSize += entSize / 2 // explicit addend field
	}

	for i := 0; i+entSize <= len(table); i += entSize {
		var r relocation
		var typ uint32
		if l.class == elf.ELFCLASS64 {
			r.addr = l.order.Uint64(table[i:])
			info := l.order.Uint64(table[i+8:])
			typ = uint32(info & 0xffffffff)
			if rela {
				r.addend = l.order.Uint64(table[i+16:])
				r.hasAddend = true
			}
		} else {
			r.addr = uint64(l.order.Uint32(table[i:]))
			info := l.order.Uint32(table[i+4:])
			typ = info & 0xff
			if rela {
				r.addend = uint64(l.order.Uint32(table[i+8:]))
				r.hasAddend = true
			}
		}
		if typ != relType {
			continue
		}
		if r.addr+l.wordSize() > l.extent {
			return fmt.Errorf("relocation target %#x outside image extent %#x", r.addr, l.extent)
		}
		l.relocs = append(l.relocs, r)
	}
	return nil
}

func (l *imageLayout) wordSize() uint64 {
	if l.class == elf.ELFCLASS64 {
		return 8
	}
	return 4
}

// fileOffset translates a virtual address into an image file offset through
// the load segments.
func (l *imageLayout) fileOffset(vaddr uint64) (uint64, bool) {
	for _, s := range l.loads {
		if vaddr >= s.vaddr && vaddr < s.vaddr+s.filesz {
			return s.off + (vaddr - s.vaddr), true
		}
	}
	return 0, false
}

// copySegments lays the file-backed parts of each load segment into dst,
// which must span the image extent. Gaps and bss stay zero.
func (l *imageLayout) copySegments(img, dst []byte) {
	for _, s := range l.loads {
		copy(dst[s.vaddr:s.vaddr+s.filesz], img[s.off:s.off+s.filesz])
	}
}

// applyRelocations applies every relative relocation whose target lies in
// [lo, hi) as if the image were loaded at base.
func (l *imageLayout) applyRelocations(dst []byte, base, lo, hi uint64) {
	word := l.wordSize()
	for _, r := range l.relocs {
		if r.addr < lo || r.addr+word > hi {
			continue
		}
		var v uint64
		if r.hasAddend {
			v = base + r.addend
		} else if word == 8 {
			v = base + l.order.Uint64(dst[r.addr:])
		} else {
			v = base + uint64(l.order.Uint32(dst[r.addr:]))
		}
		if word == 8 {
			l.order.PutUint64(dst[r.addr:], v)
		} else {
			l.order.PutUint32(dst[r.addr:], uint32(v))
		}
	}
}

// relroEnvelope is the page-aligned span covering the PT_GNU_RELRO segment,
// the unit of cross-process sharing. ok is false when the image has none.
func (l *imageLayout) relroEnvelope() (lo, hi uint64, ok bool) {
	if l.relroMemsz == 0 {
		return 0, 0, false
	}
	lo = pageAlignDown(l.relroVaddr)
	hi = pageAlignUp(l.relroVaddr + l.relroMemsz)
	if hi > l.extent {
		hi = l.extent
	}
	return lo, hi, true
}

// materialize produces the fully relocated in-memory form of the image for a
// given base address. Writer-side only; readers relocate in place.
func (l *imageLayout) materialize(img []byte, base uint64) []byte {
	dst := make([]byte, l.extent)
	l.copySegments(img, dst)
	l.applyRelocations(dst, base, 0, l.extent)
	return dst
}
