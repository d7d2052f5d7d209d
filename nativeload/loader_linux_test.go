//go:build linux

package nativeload

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"unsafe"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testReserve = 1 << 20

func newTestLoader(t *testing.T, roots ...string) *Loader {
	t.Helper()
	l := NewLoader(roots...)
	require.NoError(t, l.Reserve(testReserve))
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func loadedWord(base uint64, vaddr uint64) uint64 {
	p := unsafe.Pointer(uintptr(base + vaddr))
	return binary.LittleEndian.Uint64(unsafe.Slice((*byte)(p), 8))
}

func TestLoadRequiresReservation(t *testing.T) {
	l := NewLoader()
	_, err := l.Load(Spec{Path64: "/nonexistent"})
	require.ErrorIs(t, err, ErrAddressSpaceNotReserved)

	_, err = l.NextBase()
	require.ErrorIs(t, err, ErrAddressSpaceNotReserved)

	_, err = l.CreateSnapshots(Spec{})
	require.ErrorIs(t, err, ErrAddressSpaceNotReserved)
}

func TestReserveIsIdempotent(t *testing.T) {
	l := newTestLoader(t)
	base, err := l.NextBase()
	require.NoError(t, err)

	require.NoError(t, l.Reserve(testReserve * 4))
	again, err := l.NextBase()
	require.NoError(t, err)
	assert.Equal(t, base, again)
	assert.Equal(t, int64(testReserve), l.ReservedBytes())
}

func TestLoadPrivateRelocation(t *testing.T) {
	img := buildTestImage(t, testImageOpts{
		bss: 0x100,
		relocs: []testReloc{
			{addr: testDataVA + 8, addend: 0x40},
			{addr: testDataVA + 0x108, addend: 0x1234},
		},
	})
	libPath := writeTestImage(t, img)

	l := newTestLoader(t)
	res, err := l.Load(Spec{Path64: libPath})
	require.NoError(t, err)

	require.True(t, res.Lib64.Loaded)
	assert.False(t, res.Lib64.Shared)
	assert.False(t, res.Lib32.Loaded)
	assert.Equal(t, res.Lib64.Base+0x40, loadedWord(res.Lib64.Base, testDataVA+8))
	assert.Equal(t, res.Lib64.Base+0x1234, loadedWord(res.Lib64.Base, testDataVA+0x108))
}

func TestLoadSharesMatchingSnapshot(t *testing.T) {
	img := buildTestImage(t, testImageOpts{
		bss: 0x1100,
		relocs: []testReloc{
			{addr: testDataVA + 8, addend: 0x40},      // inside the shared envelope
			{addr: testDataVA + 0x1050, addend: 0x77}, // private remainder
		},
	})
	libPath := writeTestImage(t, img)
	relroPath := filepath.Join(t.TempDir(), "provider64.relro")

	l := newTestLoader(t)
	created, err := l.CreateSnapshots(Spec{Path64: libPath, Relro64: relroPath})
	require.NoError(t, err)
	require.Equal(t, 1, created)

	hdr, err := ReadSnapshotHeader(relroPath)
	require.NoError(t, err)

	// The writer must not consume the placement cursor the reader will use.
	next, err := l.NextBase()
	require.NoError(t, err)
	require.Equal(t, hdr.LoadBase, next)

	res, err := l.Load(Spec{Path64: libPath, Relro64: relroPath})
	require.NoError(t, err)

	require.True(t, res.Lib64.Shared)
	assert.Equal(t, hdr.SnapshotID, res.Lib64.SnapshotID)
	assert.Equal(t, hdr.LoadBase, res.Lib64.Base)
	// Snapshot pages and private pages both carry the relocated values.
	assert.Equal(t, res.Lib64.Base+0x40, loadedWord(res.Lib64.Base, testDataVA+8))
	assert.Equal(t, res.Lib64.Base+0x77, loadedWord(res.Lib64.Base, testDataVA+0x1050))
}

func TestLoadBothWidths(t *testing.T) {
	img := buildTestImage(t, testImageOpts{
		relocs: []testReloc{{addr: testDataVA + 8, addend: 0x40}},
	})
	dir := t.TempDir()
	lib32 := filepath.Join(dir, "lib32.so")
	lib64 := filepath.Join(dir, "lib64.so")
	require.NoError(t, os.WriteFile(lib32, img, 0o644))
	require.NoError(t, os.WriteFile(lib64, img, 0o644))
	relro32 := filepath.Join(dir, "provider32.relro")
	relro64 := filepath.Join(dir, "provider64.relro")

	l := newTestLoader(t)
	created, err := l.CreateSnapshots(Spec{Path32: lib32, Path64: lib64, Relro32: relro32, Relro64: relro64})
	require.NoError(t, err)
	require.Equal(t, 2, created)

	res, err := l.Load(Spec{Path32: lib32, Path64: lib64, Relro32: relro32, Relro64: relro64})
	require.NoError(t, err)

	require.True(t, res.Lib32.Shared)
	require.True(t, res.Lib64.Shared)
	assert.NotEqual(t, res.Lib32.Base, res.Lib64.Base)
	assert.NotEqual(t, res.Lib32.SnapshotID, res.Lib64.SnapshotID)
}

func TestLoadFallsBackOnStaleSnapshot(t *testing.T) {
	opts := testImageOpts{relocs: []testReloc{{addr: testDataVA + 8, addend: 0x40}}}
	img := buildTestImage(t, opts)
	libPath := writeTestImage(t, img)
	relroPath := filepath.Join(t.TempDir(), "provider64.relro")

	l := newTestLoader(t)
	_, err := l.CreateSnapshots(Spec{Path64: libPath, Relro64: relroPath})
	require.NoError(t, err)

	// A provider update changes the image; the old snapshot must be ignored.
	updated := buildTestImage(t, testImageOpts{
		data:   append([]byte("updated"), make([]byte, 0x100)...),
		relocs: opts.relocs,
	})
	require.NoError(t, os.WriteFile(libPath, updated, 0o644))

	res, err := l.Load(Spec{Path64: libPath, Relro64: relroPath})
	require.NoError(t, err)
	assert.True(t, res.Lib64.Loaded)
	assert.False(t, res.Lib64.Shared)
	assert.Equal(t, uuid.Nil, res.Lib64.SnapshotID)
	assert.Equal(t, res.Lib64.Base+0x40, loadedWord(res.Lib64.Base, testDataVA+8))
}

func TestLoadFallsBackOnBaseMismatch(t *testing.T) {
	img := buildTestImage(t, testImageOpts{
		relocs: []testReloc{{addr: testDataVA + 8, addend: 0x40}},
	})
	libPath := writeTestImage(t, img)
	relroPath := filepath.Join(t.TempDir(), "provider64.relro")

	// Relocated for an address this loader will never place at.
	_, err := CreateSnapshot(libPath, 0x1000000, relroPath)
	require.NoError(t, err)

	l := newTestLoader(t)
	res, err := l.Load(Spec{Path64: libPath, Relro64: relroPath})
	require.NoError(t, err)
	assert.True(t, res.Lib64.Loaded)
	assert.False(t, res.Lib64.Shared)
}

func TestLoadFallsBackOnUnusableSnapshotFile(t *testing.T) {
	img := buildTestImage(t, testImageOpts{
		relocs: []testReloc{{addr: testDataVA + 8, addend: 0x40}},
	})
	libPath := writeTestImage(t, img)
	dir := t.TempDir()

	tests := []struct {
		name    string
		content []byte
	}{
		{"missing", nil},
		{"empty", []byte{}},
		{"garbage", []byte("not a snapshot at all")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			relroPath := filepath.Join(dir, tt.name+".relro")
			if tt.content != nil {
				require.NoError(t, os.WriteFile(relroPath, tt.content, 0o644))
			}
			l := newTestLoader(t)
			res, err := l.Load(Spec{Path64: libPath, Relro64: relroPath})
			require.NoError(t, err)
			assert.True(t, res.Lib64.Loaded)
			assert.False(t, res.Lib64.Shared)
		})
	}
}

func TestLoadFromArchiveEntry(t *testing.T) {
	img := buildTestImage(t, testImageOpts{
		relocs: []testReloc{{addr: testDataVA + 8, addend: 0x40}},
	})
	archive := filepath.Join(t.TempDir(), "provider.apk")
	writeStoredZip(t, archive, "lib/x86_64/libprovider.so", img)

	l := newTestLoader(t)
	res, err := l.Load(Spec{Path64: archive + "!/lib/x86_64/libprovider.so"})
	require.NoError(t, err)
	assert.True(t, res.Lib64.Loaded)
	assert.Equal(t, res.Lib64.Base+0x40, loadedWord(res.Lib64.Base, testDataVA+8))
}

func TestLoadRejectsPathOutsideSearchRoots(t *testing.T) {
	img := buildTestImage(t, testImageOpts{})
	allowed := t.TempDir()
	libPath := filepath.Join(allowed, "libprovider.so")
	require.NoError(t, os.WriteFile(libPath, img, 0o644))
	outside := writeTestImage(t, img)

	l := newTestLoader(t, allowed)
	_, err := l.Load(Spec{Path64: outside})
	require.ErrorIs(t, err, ErrOutsideNamespace)

	res, err := l.Load(Spec{Path64: libPath})
	require.NoError(t, err)
	assert.True(t, res.Lib64.Loaded)
}

func TestLoadReportsExhaustedReservation(t *testing.T) {
	img := buildTestImage(t, testImageOpts{})
	libPath := writeTestImage(t, img)

	l := NewLoader()
	require.NoError(t, l.Reserve(pageSize)) // smaller than any image extent
	t.Cleanup(func() { _ = l.Close() })

	_, err := l.Load(Spec{Path64: libPath})
	require.ErrorIs(t, err, ErrLoadLibrary)
	require.ErrorContains(t, err, "reservation exhausted")
}

func TestLoadEmptySpec(t *testing.T) {
	l := newTestLoader(t)
	res, err := l.Load(Spec{})
	require.NoError(t, err)
	assert.False(t, res.Lib32.Loaded)
	assert.False(t, res.Lib64.Loaded)
}

func TestCloseReleasesReservation(t *testing.T) {
	l := NewLoader()
	require.NoError(t, l.Reserve(testReserve))
	require.True(t, l.Reserved())

	require.NoError(t, l.Close())
	assert.False(t, l.Reserved())
	_, err := l.Load(Spec{Path64: "/nonexistent"})
	require.ErrorIs(t, err, ErrAddressSpaceNotReserved)

	require.NoError(t, l.Close())
}
