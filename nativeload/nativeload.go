// Package nativeload reserves address space for provider libraries, loads
// their images, and shares their relocated (RELRO) pages across processes.
//
// One privileged writer process pre-relocates a library image for a known
// load address and captures the page-aligned RELRO region in a snapshot file
// (CreateSnapshot). Any number of reader processes load the same image and,
// when their image bytes and load address provably match what the writer
// captured, map the relocated region straight from the snapshot file so the
// physical pages are shared. A missing, stale, or corrupt snapshot degrades
// to an ordinary private relocation; it never degrades correctness.
package nativeload

import (
	"errors"

	"github.com/google/uuid"
)

const (
	// pageSize is the sharing granularity. The snapshot header block has the
	// same size so the payload sits at a mappable file offset.
	pageSize = 4096

	// DefaultReserveBytes is the address-space reservation used when no
	// tunable overrides it.
	DefaultReserveBytes int64 = 100 << 20
)

// DefaultSearchRoots is the default set of directories a provider library may
// be loaded from. An empty root list on a Loader disables the check.
var DefaultSearchRoots = []string{
	"/usr/lib",
	"/usr/lib64",
	"/opt/relroshare",
}

var (
	// ErrAddressSpaceNotReserved reports a load or snapshot attempt before a
	// successful reservation. Nothing is mapped and no file is touched.
	ErrAddressSpaceNotReserved = errors.New("nativeload: address space not reserved")

	// ErrLoadLibrary reports an unrecoverable failure mapping or relocating a
	// required library image.
	ErrLoadLibrary = errors.New("nativeload: failed to load library")

	// ErrOutsideNamespace reports a library path outside the loader's
	// configured search roots.
	ErrOutsideNamespace = errors.New("nativeload: library path outside search roots")

	// ErrUnsupported reports a platform without relro sharing support.
	ErrUnsupported = errors.New("nativeload: relro sharing is only supported on linux")
)

// Spec names the per-width library images and their snapshot files. An empty
// library path skips that width; an empty snapshot path loads that width
// without attempting to share.
type Spec struct {
	Path32  string
	Path64  string
	Relro32 string
	Relro64 string
}

// WidthResult reports the outcome for one architecture width.
type WidthResult struct {
	// Loaded is true when the image was mapped and relocated.
	Loaded bool
	// Shared is true when the relocated region is backed by a snapshot file.
	// Loaded-but-not-Shared is the degraded fallback, not an error.
	Shared bool
	// Base is the address the image was placed at inside the reservation.
	Base uint64
	// SnapshotID identifies the writer run that produced the shared pages.
	// Zero when Shared is false.
	SnapshotID uuid.UUID
}

// Result reports a Load outcome for both widths.
type Result struct {
	Lib32 WidthResult
	Lib64 WidthResult
}

func pageAlignDown(v uint64) uint64 { return v &^ (pageSize - 1) }

func pageAlignUp(v uint64) uint64 { return (v + pageSize - 1) &^ (pageSize - 1) }
