//go:build !linux

package nativeload

// Loader is a stub on platforms without fixed-address file mappings of relro
// snapshots. Reservation and loading report ErrUnsupported; snapshot files
// can still be created and inspected portably.
type Loader struct {
	searchRoots []string
}

func NewLoader(searchRoots ...string) *Loader {
	return &Loader{searchRoots: searchRoots}
}

func (l *Loader) Reserve(size int64) error {
	_ = size
	return ErrUnsupported
}

func (l *Loader) Reserved() bool { return false }

func (l *Loader) ReservedBytes() int64 { return 0 }

func (l *Loader) NextBase() (uint64, error) {
	return 0, ErrAddressSpaceNotReserved
}

func (l *Loader) Load(spec Spec) (Result, error) {
	_ = spec
	return Result{}, ErrUnsupported
}

func (l *Loader) CreateSnapshots(spec Spec) (int, error) {
	_ = spec
	return 0, ErrAddressSpaceNotReserved
}

func (l *Loader) Close() error { return nil }
