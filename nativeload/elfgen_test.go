package nativeload

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// Minimal ET_DYN x86-64 image builder for hermetic loader tests: one
// read-exec segment holding the headers, dynamic table, and relocation
// entries, and one read-write data segment carrying the PT_GNU_RELRO region.
//
// File layout (vaddr == file offset for the first segment):
//
//	0x000 ELF header
//	0x040 program headers
//	0x200 dynamic table
//	0x300 rela entries
//	0x400 data segment content, mapped at vaddr 0x1000

const (
	testDynOff   = 0x200
	testRelaOff  = 0x300
	testDataOff  = 0x400
	testDataVA   = 0x1000
	testTextSize = 0x400
)

type testReloc struct {
	addr   uint64 // absolute vaddr of the relocated word
	addend uint64
}

type testImageOpts struct {
	data    []byte      // data segment file content, default 0x100 patterned bytes
	bss     uint64      // extra memsz past the file content
	relro   uint64      // PT_GNU_RELRO memsz at the data segment start, default 0x80
	noRelro bool
	relocs  []testReloc
}

func buildTestImage(t *testing.T, opts testImageOpts) []byte {
	t.Helper()

	data := opts.data
	if data == nil {
		data = make([]byte, 0x100)
		for i := range data {
			data[i] = byte(i ^ 0x5a)
		}
	}
	relro := opts.relro
	if relro == 0 && !opts.noRelro {
		relro = 0x80
	}

	img := make([]byte, testDataOff+len(data))
	le := binary.LittleEndian

	// ELF header
	copy(img[0:4], "\x7fELF")
	img[4] = 2 // ELFCLASS64
	img[5] = 1 // little endian
	img[6] = 1 // EV_CURRENT
	le.PutUint16(img[16:], 3)  // ET_DYN
	le.PutUint16(img[18:], 62) // EM_X86_64
	le.PutUint32(img[20:], 1)
	le.PutUint64(img[32:], 0x40) // phoff
	le.PutUint16(img[52:], 64)   // ehsize
	le.PutUint16(img[54:], 56)   // phentsize

	phnum := 3
	if !opts.noRelro {
		phnum = 4
	}
	le.PutUint16(img[56:], uint16(phnum))
	le.PutUint16(img[58:], 64) // shentsize, no sections

	phdr := func(i int, typ, flags uint32, off, vaddr, filesz, memsz uint64) {
		p := img[0x40+i*56:]
		le.PutUint32(p[0:], typ)
		le.PutUint32(p[4:], flags)
		le.PutUint64(p[8:], off)
		le.PutUint64(p[16:], vaddr)
		le.PutUint64(p[24:], vaddr)
		le.PutUint64(p[32:], filesz)
		le.PutUint64(p[40:], memsz)
		le.PutUint64(p[48:], 0x1000)
	}

	const (
		ptLoad     = 1
		ptDynamic  = 2
		ptGNURelro = 0x6474e552
		pfX, pfW, pfR uint32 = 1, 2, 4
	)

	phdr(0, ptLoad, pfR|pfX, 0, 0, testTextSize, testTextSize)
	phdr(1, ptLoad, pfR|pfW, testDataOff, testDataVA, uint64(len(data)), uint64(len(data))+opts.bss)
	phdr(2, ptDynamic, pfR, testDynOff, testDynOff, 0x50, 0x50)
	if !opts.noRelro {
		phdr(3, ptGNURelro, pfR, testDataOff, testDataVA, relro, relro)
	}

	// Dynamic table: DT_RELA, DT_RELASZ, DT_RELAENT, DT_NULL
	dyn := img[testDynOff:]
	le.PutUint64(dyn[0:], 7) // DT_RELA
	le.PutUint64(dyn[8:], testRelaOff)
	le.PutUint64(dyn[16:], 8) // DT_RELASZ
	le.PutUint64(dyn[24:], uint64(len(opts.relocs))*24)
	le.PutUint64(dyn[32:], 9) // DT_RELAENT
	le.PutUint64(dyn[40:], 24)

	for i, r := range opts.relocs {
		e := img[testRelaOff+i*24:]
		le.PutUint64(e[0:], r.addr)
		le.PutUint64(e[8:], 8) // R_X86_64_RELATIVE
		le.PutUint64(e[16:], r.addend)
	}

	copy(img[testDataOff:], data)
	return img
}

func writeTestImage(t *testing.T, img []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "libprovider.so")
	if err := os.WriteFile(path, img, 0o644); err != nil {
		t.Fatalf("write test image: %v", err)
	}
	return path
}
