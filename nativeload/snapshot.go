package nativeload

import (
	"crypto/sha256"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relroshare/relroshare/libpath"
)

// Snapshot file format. The header occupies a full page so the payload (the
// relocated relro envelope) starts at a mappable file offset.
const (
	snapshotMagic      = "RSRELRO1"
	snapshotVersion    = 1
	snapshotHeaderSize = pageSize
)

// ErrBadSnapshot reports a snapshot file that cannot be decoded. Readers
// treat this the same as a stale snapshot and fall back.
var ErrBadSnapshot = errors.New("nativeload: malformed relro snapshot")

// SnapshotHeader identifies exactly which (image, load address) pair a
// snapshot's payload was relocated for. Every identity field must match the
// reader's own image or the snapshot is ignored. SnapshotID and CreatedAt are
// diagnostic only.
type SnapshotHeader struct {
	Version        uint32
	Class          uint32 // 32 or 64
	LoadBase       uint64
	ImageSize      uint64
	ImageSHA256    [sha256.Size]byte
	RelroVaddr     uint64
	RelroMemsz     uint64
	EnvelopeOffset uint64 // vaddr of the page-aligned payload start
	PayloadSize    uint64
	SnapshotID     uuid.UUID
	CreatedAt      int64 // unix seconds
}

func (h *SnapshotHeader) encode() []byte {
	b := make([]byte, snapshotHeaderSize)
	copy(b[0:8], snapshotMagic)
	binary.LittleEndian.PutUint32(b[8:], h.Version)
	binary.LittleEndian.PutUint32(b[12:], h.Class)
	binary.LittleEndian.PutUint64(b[16:], h.LoadBase)
	binary.LittleEndian.PutUint64(b[24:], h.ImageSize)
	copy(b[32:64], h.ImageSHA256[:])
	binary.LittleEndian.PutUint64(b[64:], h.RelroVaddr)
	binary.LittleEndian.PutUint64(b[72:], h.RelroMemsz)
	binary.LittleEndian.PutUint64(b[80:], h.EnvelopeOffset)
	binary.LittleEndian.PutUint64(b[88:], h.PayloadSize)
	copy(b[96:112], h.SnapshotID[:])
	binary.LittleEndian.PutUint64(b[112:], uint64(h.CreatedAt))
	return b
}

func decodeSnapshotHeader(b []byte) (*SnapshotHeader, error) {
	if len(b) < snapshotHeaderSize {
		return nil, fmt.Errorf("%w: short header (%d bytes)", ErrBadSnapshot, len(b))
	}
	if string(b[0:8]) != snapshotMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrBadSnapshot)
	}
	h := &SnapshotHeader{
		Version:        binary.LittleEndian.Uint32(b[8:]),
		Class:          binary.LittleEndian.Uint32(b[12:]),
		LoadBase:       binary.LittleEndian.Uint64(b[16:]),
		ImageSize:      binary.LittleEndian.Uint64(b[24:]),
		RelroVaddr:     binary.LittleEndian.Uint64(b[64:]),
		RelroMemsz:     binary.LittleEndian.Uint64(b[72:]),
		EnvelopeOffset: binary.LittleEndian.Uint64(b[80:]),
		PayloadSize:    binary.LittleEndian.Uint64(b[88:]),
		CreatedAt:      int64(binary.LittleEndian.Uint64(b[112:])),
	}
	copy(h.ImageSHA256[:], b[32:64])
	copy(h.SnapshotID[:], b[96:112])
	if h.Version != snapshotVersion {
		return nil, fmt.Errorf("%w: unknown version %d", ErrBadSnapshot, h.Version)
	}
	if h.Class != 32 && h.Class != 64 {
		return nil, fmt.Errorf("%w: bad class %d", ErrBadSnapshot, h.Class)
	}
	return h, nil
}

// matches reports whether the snapshot was produced for exactly this image
// loaded at exactly this address.
func (h *SnapshotHeader) matches(class uint32, base, imageSize uint64, sum [sha256.Size]byte, relroVaddr, relroMemsz uint64) bool {
	return h.Class == class &&
		h.LoadBase == base &&
		h.ImageSize == imageSize &&
		h.ImageSHA256 == sum &&
		h.RelroVaddr == relroVaddr &&
		h.RelroMemsz == relroMemsz
}

// Describe renders the header for human consumption.
func (h *SnapshotHeader) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "format: %s v%d\n", snapshotMagic, h.Version)
	fmt.Fprintf(&b, "class: %d-bit\n", h.Class)
	fmt.Fprintf(&b, "load base: %#x\n", h.LoadBase)
	fmt.Fprintf(&b, "image: %d bytes, sha256 %x\n", h.ImageSize, h.ImageSHA256)
	fmt.Fprintf(&b, "relro: vaddr %#x, memsz %#x\n", h.RelroVaddr, h.RelroMemsz)
	fmt.Fprintf(&b, "payload: envelope %#x, %d bytes at file offset %d\n", h.EnvelopeOffset, h.PayloadSize, snapshotHeaderSize)
	fmt.Fprintf(&b, "snapshot id: %s\n", h.SnapshotID)
	fmt.Fprintf(&b, "created: %d\n", h.CreatedAt)
	return b.String()
}

// ReadSnapshotHeader reads and decodes the header of a snapshot file.
func ReadSnapshotHeader(path string) (*SnapshotHeader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	b := make([]byte, snapshotHeaderSize)
	if _, err := io.ReadFull(f, b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSnapshot, err)
	}
	return decodeSnapshotHeader(b)
}

// CreateSnapshot pre-relocates the library at libPath (plain or in-archive)
// for the given load base and writes the snapshot to outPath. The write is
// atomic: readers only ever observe the previous snapshot or the new one.
func CreateSnapshot(libPath string, base uint64, outPath string) (*SnapshotHeader, error) {
	img, err := libpath.ReadImage(libPath)
	if err != nil {
		return nil, fmt.Errorf("read image %s: %w", libPath, err)
	}
	layout, err := parseLayout(img)
	if err != nil {
		return nil, fmt.Errorf("parse image %s: %w", libPath, err)
	}
	return createSnapshotFromLayout(img, layout, base, outPath)
}

func createSnapshotFromLayout(img []byte, layout *imageLayout, base uint64, outPath string) (*SnapshotHeader, error) {
	lo, hi, ok := layout.relroEnvelope()
	if !ok {
		return nil, fmt.Errorf("image has no relro segment, nothing to share")
	}

	mem := layout.materialize(img, base)
	payload := mem[lo:hi]

	h := &SnapshotHeader{
		Version:        snapshotVersion,
		Class:          classBits(layout.class),
		LoadBase:       base,
		ImageSize:      uint64(len(img)),
		ImageSHA256:    sha256.Sum256(img),
		RelroVaddr:     layout.relroVaddr,
		RelroMemsz:     layout.relroMemsz,
		EnvelopeOffset: lo,
		PayloadSize:    uint64(len(payload)),
		SnapshotID:     uuid.New(),
		CreatedAt:      time.Now().Unix(),
	}

	if err := writeSnapshotFile(outPath, h.encode(), payload); err != nil {
		return nil, err
	}
	return h, nil
}

func writeSnapshotFile(outPath string, header, payload []byte) error {
	dir := filepath.Dir(outPath)
	f, err := os.CreateTemp(dir, ".relro-*")
	if err != nil {
		return fmt.Errorf("create snapshot temp file: %w", err)
	}
	tmp := f.Name()
	defer func() {
		if tmp != "" {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()

	if _, err := f.Write(header); err != nil {
		return fmt.Errorf("write snapshot header: %w", err)
	}
	if _, err := f.Write(payload); err != nil {
		return fmt.Errorf("write snapshot payload: %w", err)
	}
	if err := f.Chmod(0o644); err != nil {
		return fmt.Errorf("chmod snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmp, outPath); err != nil {
		return fmt.Errorf("publish snapshot: %w", err)
	}
	tmp = ""
	return nil
}

func classBits(c elf.Class) uint32 {
	if c == elf.ELFCLASS64 {
		return 64
	}
	return 32
}
