package relroshare

import (
	"context"

	"github.com/relroshare/relroshare/libpath"
	"github.com/relroshare/relroshare/nativeload"
)

// OnProviderChanged reacts to a provider-package change in the privileged
// coordination process: it republishes the address-space reservation tunable
// from the new library's real on-disk footprint and rewrites the per-width
// relro snapshots. Returns the number of snapshots written.
//
// Every error here is logged and swallowed — this runs in a process that must
// not crash, and a failed snapshot only costs readers the sharing fast path.
func (f *Factory) OnProviderChanged(ctx context.Context, pkg *PackageInfo) (relros int) {
	defer func() {
		if r := recover(); r != nil {
			f.log.Error("panic preparing provider native library", "panic", r)
			relros = 0
		}
	}()

	fixed, err := f.fixupStubPackage(ctx, pkg)
	if err != nil {
		f.log.Error("donor substitution failed", "package", pkg.Name, "err", err)
		fixed = pkg
	}

	paths, err := f.resolvePaths(fixed)
	if err != nil {
		f.log.Error("resolving native library paths failed", "package", fixed.Name, "err", err)
		return 0
	}

	f.publishReservationSize(paths)

	created, err := f.cfg.Loader.CreateSnapshots(nativeload.Spec{
		Path32:  paths.Path32,
		Path64:  paths.Path64,
		Relro32: f.cfg.Relro32Path,
		Relro64: f.cfg.Relro64Path,
	})
	if err != nil {
		f.log.Error("relro snapshot creation failed",
			"status", StatusFailedToOpenRelroFile, "created", created, "err", err)
	}
	return created
}

// publishReservationSize measures both widths, doubles the larger (the
// in-memory footprint exceeds the file due to bss, and an upgraded library
// will likely grow during this boot cycle), floors at the default, and writes
// the tunable for future process bootstraps. Already-reserved processes are
// unaffected.
func (f *Factory) publishReservationSize(paths libpath.Paths) {
	var maxSize int64
	for _, p := range []string{paths.Path32, paths.Path64} {
		if p == "" {
			continue
		}
		size, err := libpath.ImageSize(p)
		if err != nil {
			f.log.Error("error sizing library image", "path", p, "err", err)
			continue
		}
		if size > maxSize {
			maxSize = size
		}
	}

	newSize := 2 * maxSize
	if newSize < nativeload.DefaultReserveBytes {
		newSize = nativeload.DefaultReserveBytes
	}
	if err := f.cfg.Properties.SetInt64(VMSizeKey, newSize); err != nil {
		f.log.Error("publishing reservation size failed", "bytes", newSize, "err", err)
		return
	}
	f.log.Info("setting new address space reservation size", "bytes", newSize)
}
