// Package libpath resolves the on-disk or in-archive location of a provider
// package's native library images.
//
// A resolved path is either a plain filesystem path or a synthetic
// "<archive>!/<entry>" path naming an uncompressed (STORED) zip entry that can
// be mapped directly. An empty path means the package carries nothing for that
// architecture width, which is not an error.
package libpath

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ArchiveSeparator splits an archive path from an entry path inside it.
const ArchiveSeparator = "!/"

var (
	// ErrArchiveUnreadable reports a provider archive that exists but cannot
	// be opened or read. Callers treat this as a missing provider package.
	ErrArchiveUnreadable = errors.New("libpath: cannot read provider archive")

	// ErrEntryCompressed reports an archive entry that matched but is stored
	// compressed and therefore cannot be mapped.
	ErrEntryCompressed = errors.New("libpath: archive entry is compressed")
)

// Descriptor carries the library-location fields of a resolved provider
// package. It is derived from package metadata and never persisted.
type Descriptor struct {
	PrimaryABI      string
	SecondaryABI    string
	SourceDir       string
	NativeLibDir    string
	SecondaryLibDir string
	LibraryFileName string
}

// Paths holds the per-width resolved library locations. At most one slot is
// populated on single-arch hosts; both may be populated on multi-arch hosts.
type Paths struct {
	Path32 string
	Path64 string
}

var sixtyFourBitABIs = map[string]bool{
	"arm64-v8a": true,
	"x86_64":    true,
	"riscv64":   true,
	"mips64":    true,
}

// Is64BitABI classifies an ABI name by bit width.
func Is64BitABI(abi string) bool {
	return sixtyFourBitABIs[abi]
}

// Resolve computes the per-width library paths for a descriptor.
//
// Each width's library directory is probed first; if the extracted file does
// not exist there, the owning archive is searched for a directly mappable
// entry using the supplied ABI candidate lists. Resolve is deterministic:
// the same descriptor and candidate lists always yield the same paths.
func Resolve(d Descriptor, abis32, abis64 []string) (Paths, error) {
	var dir32, dir64 string
	primaryIs64 := Is64BitABI(d.PrimaryABI)
	switch {
	case d.SecondaryABI != "" && primaryIs64:
		dir64 = d.NativeLibDir
		dir32 = d.SecondaryLibDir
	case d.SecondaryABI != "":
		dir64 = d.SecondaryLibDir
		dir32 = d.NativeLibDir
	case primaryIs64:
		dir64 = d.NativeLibDir
	default:
		dir32 = d.NativeLibDir
	}

	var paths Paths
	var err error
	if dir32 != "" {
		paths.Path32, err = resolveWidth(dir32, d, abis32)
		if err != nil {
			return Paths{}, err
		}
	}
	if dir64 != "" {
		paths.Path64, err = resolveWidth(dir64, d, abis64)
		if err != nil {
			return Paths{}, err
		}
	}
	return paths, nil
}

func resolveWidth(dir string, d Descriptor, abis []string) (string, error) {
	extracted := filepath.Join(dir, d.LibraryFileName)
	if _, err := os.Stat(extracted); err == nil {
		return extracted, nil
	}
	return FromArchive(d.SourceDir, abis, d.LibraryFileName)
}

// FromArchive searches an archive for lib/<abi>/<fileName> across the ABI
// candidates in order, accepting only entries stored without compression.
// It returns "" when no candidate matches, and ErrArchiveUnreadable when the
// archive itself cannot be read.
func FromArchive(archivePath string, abis []string, fileName string) (string, error) {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrArchiveUnreadable, archivePath, err)
	}
	defer r.Close()

	for _, abi := range abis {
		entry := "lib/" + abi + "/" + fileName
		f := findEntry(&r.Reader, entry)
		if f == nil {
			continue
		}
		if f.Method != zip.Store {
			// A compressed match cannot be mapped; keep searching.
			continue
		}
		return archivePath + ArchiveSeparator + entry, nil
	}
	return "", nil
}

// SplitArchivePath splits a synthetic "<archive>!/<entry>" path. ok is false
// for plain filesystem paths.
func SplitArchivePath(path string) (archive, entry string, ok bool) {
	i := strings.Index(path, ArchiveSeparator)
	if i < 0 {
		return "", "", false
	}
	return path[:i], path[i+len(ArchiveSeparator):], true
}

// ImageSize reports the byte size of a library image, plain or in-archive.
// In-archive entries must be stored uncompressed.
func ImageSize(path string) (int64, error) {
	archive, entry, ok := SplitArchivePath(path)
	if !ok {
		info, err := os.Stat(path)
		if err != nil {
			return 0, err
		}
		return info.Size(), nil
	}

	r, err := zip.OpenReader(archive)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrArchiveUnreadable, archive, err)
	}
	defer r.Close()

	f := findEntry(&r.Reader, entry)
	if f == nil {
		return 0, fmt.Errorf("libpath: no entry %s in %s", entry, archive)
	}
	if f.Method != zip.Store {
		return 0, fmt.Errorf("%w: %s in %s", ErrEntryCompressed, entry, archive)
	}
	return int64(f.UncompressedSize64), nil
}

// ReadImage reads the full bytes of a library image, plain or in-archive.
func ReadImage(path string) ([]byte, error) {
	archive, entry, ok := SplitArchivePath(path)
	if !ok {
		return os.ReadFile(path)
	}

	r, err := zip.OpenReader(archive)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrArchiveUnreadable, archive, err)
	}
	defer r.Close()

	f := findEntry(&r.Reader, entry)
	if f == nil {
		return nil, fmt.Errorf("libpath: no entry %s in %s", entry, archive)
	}
	if f.Method != zip.Store {
		return nil, fmt.Errorf("%w: %s in %s", ErrEntryCompressed, entry, archive)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrArchiveUnreadable, archive, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrArchiveUnreadable, archive, err)
	}
	return data, nil
}

func findEntry(r *zip.Reader, name string) *zip.File {
	for _, f := range r.File {
		if f.Name == name {
			return f
		}
	}
	return nil
}
