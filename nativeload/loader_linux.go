//go:build linux

package nativeload

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unsafe"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/relroshare/relroshare/libpath"
)

// Loader owns one process's address-space reservation and load state. The
// reservation is made at most once and lives until Close (normally process
// exit). All methods are safe for concurrent use.
type Loader struct {
	mu          sync.Mutex
	searchRoots []string
	reserved    bool
	base        uintptr
	size        uintptr
	cursor      uintptr
}

// NewLoader returns a Loader confined to the given search roots. With no
// roots, any library path is allowed.
func NewLoader(searchRoots ...string) *Loader {
	return &Loader{searchRoots: searchRoots}
}

// Reserve maps a contiguous PROT_NONE region of the given size so later loads
// land at deterministic addresses without committing backing storage.
// Idempotent: once a reservation exists, Reserve succeeds without remapping.
// Failure is returned for the caller to log; it is non-fatal and simply
// disables the sharing fast path for this process.
func (l *Loader) Reserve(size int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.reserved {
		return nil
	}
	if size <= 0 {
		size = DefaultReserveBytes
	}

	p, err := unix.MmapPtr(-1, 0, nil, uintptr(size),
		unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return fmt.Errorf("nativeload: reserve %d bytes of address space: %w", size, err)
	}

	l.reserved = true
	l.base = uintptr(p)
	l.size = uintptr(size)
	l.cursor = 0
	return nil
}

// Reserved reports whether the process reservation succeeded.
func (l *Loader) Reserved() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reserved
}

// ReservedBytes reports the reservation size, 0 when unreserved.
func (l *Loader) ReservedBytes() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int64(l.size)
}

// NextBase reports the address the next image would be placed at. The writer
// uses this to relocate snapshots for the address readers will use.
func (l *Loader) NextBase() (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.reserved {
		return 0, ErrAddressSpaceNotReserved
	}
	return uint64(l.base + l.cursor), nil
}

// Load runs the per-width load state machine. Widths with an empty library
// path are skipped. Any error on a requested width is fatal to the call; a
// missing or mismatched snapshot is not an error, only a loss of sharing.
func (l *Loader) Load(spec Spec) (Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.reserved {
		return Result{}, ErrAddressSpaceNotReserved
	}

	var res Result
	if spec.Path32 != "" {
		w, err := l.loadWidth(spec.Path32, spec.Relro32)
		if err != nil {
			return res, err
		}
		res.Lib32 = w
	}
	if spec.Path64 != "" {
		w, err := l.loadWidth(spec.Path64, spec.Relro64)
		if err != nil {
			return res, err
		}
		res.Lib64 = w
	}
	return res, nil
}

func (l *Loader) loadWidth(path, relroPath string) (WidthResult, error) {
	if !l.pathAllowed(path) {
		return WidthResult{}, fmt.Errorf("%w: %s", ErrOutsideNamespace, path)
	}

	img, err := libpath.ReadImage(path)
	if err != nil {
		return WidthResult{}, fmt.Errorf("%w: read %s: %v", ErrLoadLibrary, path, err)
	}
	layout, err := parseLayout(img)
	if err != nil {
		return WidthResult{}, fmt.Errorf("%w: parse %s: %v", ErrLoadLibrary, path, err)
	}

	addr, err := l.place(layout.extent)
	if err != nil {
		return WidthResult{}, fmt.Errorf("%w: place %s: %v", ErrLoadLibrary, path, err)
	}

	// Carve a private writable region for the image out of the reservation.
	p, err := unix.MmapPtr(-1, 0, unsafe.Pointer(addr), uintptr(layout.extent),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_FIXED)
	if err != nil {
		return WidthResult{}, fmt.Errorf("%w: map %s: %v", ErrLoadLibrary, path, err)
	}
	mem := unsafe.Slice((*byte)(p), layout.extent)
	layout.copySegments(img, mem)

	base := uint64(addr)
	result := WidthResult{Loaded: true, Base: base}

	lo, hi, hasRelro := layout.relroEnvelope()
	shared := false
	var snapshotID uuid.UUID
	if hasRelro && relroPath != "" {
		shared, snapshotID = l.trySharedRelro(relroPath, layout, img, base, lo, hi, addr)
	}

	if shared {
		// The envelope pages come from the snapshot file; relocate only the
		// private remainder.
		layout.applyRelocations(mem, base, 0, lo)
		layout.applyRelocations(mem, base, hi, layout.extent)
		result.Shared = true
		result.SnapshotID = snapshotID
	} else {
		layout.applyRelocations(mem, base, 0, layout.extent)
		if hasRelro {
			_ = unix.Mprotect(mem[lo:hi], unix.PROT_READ)
		}
	}
	return result, nil
}

// trySharedRelro attempts the sharing fast path. Every failure mode — absent
// file, short file, undecodable header, identity mismatch, map error — means
// "no sharing", never a load failure.
func (l *Loader) trySharedRelro(relroPath string, layout *imageLayout, img []byte, base, lo, hi uint64, addr uintptr) (bool, uuid.UUID) {
	f, err := os.Open(relroPath)
	if err != nil {
		return false, uuid.Nil
	}
	defer f.Close()

	hdrBuf := make([]byte, snapshotHeaderSize)
	if _, err := io.ReadFull(f, hdrBuf); err != nil {
		return false, uuid.Nil
	}
	hdr, err := decodeSnapshotHeader(hdrBuf)
	if err != nil {
		return false, uuid.Nil
	}

	sum := sha256.Sum256(img)
	if !hdr.matches(classBits(layout.class), base, uint64(len(img)), sum, layout.relroVaddr, layout.relroMemsz) {
		return false, uuid.Nil
	}
	if hdr.EnvelopeOffset != lo || hdr.PayloadSize != hi-lo {
		return false, uuid.Nil
	}
	info, err := f.Stat()
	if err != nil || info.Size() < snapshotHeaderSize+int64(hdr.PayloadSize) {
		return false, uuid.Nil
	}

	_, err = unix.MmapPtr(int(f.Fd()), snapshotHeaderSize, unsafe.Pointer(addr+uintptr(lo)), uintptr(hi-lo),
		unix.PROT_READ, unix.MAP_PRIVATE|unix.MAP_FIXED)
	if err != nil {
		return false, uuid.Nil
	}
	return true, hdr.SnapshotID
}

// CreateSnapshots is the writer side: it pre-relocates each requested width
// for the address a reader of the same Spec will place it at, and publishes
// the per-width snapshot files. Returns how many snapshots were written and
// the first failure, if any. The loader's own placement cursor is not
// consumed.
func (l *Loader) CreateSnapshots(spec Spec) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.reserved {
		return 0, ErrAddressSpaceNotReserved
	}

	created := 0
	var firstErr error
	cursor := l.cursor
	widths := []struct{ path, relro string }{
		{spec.Path32, spec.Relro32},
		{spec.Path64, spec.Relro64},
	}
	for _, w := range widths {
		if w.path == "" {
			continue
		}
		img, err := libpath.ReadImage(w.path)
		if err != nil {
			// Without the image size the next width's base is unknowable.
			return created, firstError(firstErr, fmt.Errorf("read %s: %w", w.path, err))
		}
		layout, err := parseLayout(img)
		if err != nil {
			return created, firstError(firstErr, fmt.Errorf("parse %s: %w", w.path, err))
		}

		base := uint64(l.base + cursor)
		cursor += uintptr(layout.extent)

		if w.relro == "" {
			continue
		}
		if _, err := createSnapshotFromLayout(img, layout, base, w.relro); err != nil {
			firstErr = firstError(firstErr, fmt.Errorf("snapshot %s: %w", w.relro, err))
			continue
		}
		created++
	}
	return created, firstErr
}

// Close unmaps the reservation and everything loaded into it. Intended for
// tests and tools; a host process keeps its libraries mapped for life.
func (l *Loader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.reserved {
		return nil
	}
	err := unix.MunmapPtr(unsafe.Pointer(l.base), l.size)
	l.reserved = false
	l.base, l.size, l.cursor = 0, 0, 0
	return err
}

func (l *Loader) place(extent uint64) (uintptr, error) {
	if l.cursor+uintptr(extent) > l.size {
		return 0, fmt.Errorf("reservation exhausted: need %#x, %#x left", extent, l.size-l.cursor)
	}
	addr := l.base + l.cursor
	l.cursor += uintptr(extent)
	return addr, nil
}

func (l *Loader) pathAllowed(path string) bool {
	if len(l.searchRoots) == 0 {
		return true
	}
	if archive, _, ok := libpath.SplitArchivePath(path); ok {
		path = archive
	}
	path = filepath.Clean(path)
	for _, root := range l.searchRoots {
		root = filepath.Clean(root)
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func firstError(have, next error) error {
	if have != nil {
		return have
	}
	return next
}
