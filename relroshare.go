// Package relroshare selects, verifies, and loads a versioned native provider
// library into a host process, coordinating with a privileged writer so the
// provider's relocated (RELRO) pages are shared across processes.
//
// A Factory is the process-scoped context for the whole protocol: it reserves
// address space early in process bootstrap, waits on the update-coordination
// service for a prepared provider, verifies the offered package, drives the
// relro-sharing loader, and instantiates the provider entry point exactly
// once, caching the handle for the process lifetime.
package relroshare

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"slices"
	"sync"

	"github.com/relroshare/relroshare/libpath"
	"github.com/relroshare/relroshare/nativeload"
)

const (
	// VMSizeKey is the persisted tunable holding the address-space
	// reservation size in bytes.
	VMSizeKey = "relroshare.vmsize"

	// EntrySymbol is the well-known exported symbol resolved in the provider
	// library to obtain its factory capability.
	EntrySymbol = "RelroshareProviderEntry"

	// Fixed per-width relro snapshot locations.
	DefaultRelro32Path = "/var/lib/relroshare/provider32.relro"
	DefaultRelro64Path = "/var/lib/relroshare/provider64.relro"
)

// ErrPrivilegedProcess rejects provider creation in privileged process
// identities before any resource is touched.
var ErrPrivilegedProcess = errors.New("relroshare: provider creation is not allowed in privileged processes")

// State is the coordinator's per-process lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateResolving
	StateLoading
	StateReady
	StateFailed
	StateFallbackNullProvider
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateResolving:
		return "resolving"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateFallbackNullProvider:
		return "fallback-null-provider"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Config wires a Factory's collaborators. UpdateService and Packages are
// required; everything else has a default.
type Config struct {
	UpdateService UpdateService
	Packages      PackageSource
	Properties    PropertyStore
	Loader        LibraryLoader
	Entry         EntryResolver

	// NullProvider, when set, is the last-resort factory used when no
	// provider package exists on this build at all.
	NullProvider ProviderFactory

	Relro32Path string
	Relro64Path string

	// SearchRoots confines loadable library paths for the default loader.
	// Nil means nativeload.DefaultSearchRoots; ignored when Loader is set.
	SearchRoots []string

	ABIs32 []string
	ABIs64 []string

	// PrivilegedUIDs is the deny-list of process identities that must never
	// host a provider. Defaults to {0}.
	PrivilegedUIDs []int
	// UID reports the current process identity. Defaults to os.Getuid.
	UID func() int

	Logger *slog.Logger
}

// Factory coordinates provider selection, loading, and instantiation for one
// process. All state transitions happen under one mutex so concurrent callers
// serialize on the first load and then share the cached handle.
type Factory struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	state    State
	provider Provider
	pkg      *PackageInfo
	failure  error
}

// New validates the configuration and applies defaults.
func New(cfg Config) (*Factory, error) {
	if cfg.UpdateService == nil {
		return nil, errors.New("relroshare: Config.UpdateService is required")
	}
	if cfg.Packages == nil {
		return nil, errors.New("relroshare: Config.Packages is required")
	}
	if cfg.Properties == nil {
		cfg.Properties = NewMemoryPropertyStore()
	}
	if cfg.Loader == nil {
		roots := cfg.SearchRoots
		if roots == nil {
			roots = nativeload.DefaultSearchRoots
		}
		cfg.Loader = nativeload.NewLoader(roots...)
	}
	if cfg.Entry == nil {
		cfg.Entry = defaultEntryResolver
	}
	if cfg.Relro32Path == "" {
		cfg.Relro32Path = DefaultRelro32Path
	}
	if cfg.Relro64Path == "" {
		cfg.Relro64Path = DefaultRelro64Path
	}
	if cfg.ABIs32 == nil && cfg.ABIs64 == nil {
		cfg.ABIs32, cfg.ABIs64 = defaultABIs()
	}
	if cfg.PrivilegedUIDs == nil {
		cfg.PrivilegedUIDs = []int{0}
	}
	if cfg.UID == nil {
		cfg.UID = os.Getuid
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Factory{cfg: cfg, log: cfg.Logger.With("component", "relroshare")}, nil
}

// PrepareProcess reserves address space for the provider library. It must run
// early in process bootstrap, before any load attempt. Failures are logged
// and swallowed: this runs in process-fork machinery where crashing is
// catastrophic, and a failed reservation only costs the sharing fast path.
func (f *Factory) PrepareProcess() {
	defer func() {
		if r := recover(); r != nil {
			f.log.Error("panic preparing native loader", "panic", r)
		}
	}()

	size := f.cfg.Properties.Int64(VMSizeKey, nativeload.DefaultReserveBytes)
	if err := f.cfg.Loader.Reserve(size); err != nil {
		f.log.Error("reserving address space failed", "bytes", size, "err", err)
		return
	}
	f.log.Debug("address space reserved", "bytes", size)
}

// State reports the coordinator state, for observability and tests.
func (f *Factory) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// LoadedPackage returns the package the cached provider was created from,
// nil before the first successful load.
func (f *Factory) LoadedPackage() *PackageInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pkg
}

// GetProvider returns the process's provider handle, running the full
// resolve, load, and instantiate sequence on first call and caching the
// result — success or terminal failure — for the process lifetime.
func (f *Factory) GetProvider(ctx context.Context) (Provider, error) {
	if f.privileged() {
		return nil, ErrPrivilegedProcess
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.provider != nil {
		return f.provider, nil
	}
	if f.failure != nil {
		return nil, f.failure
	}

	f.state = StateResolving
	provider, pkg, err := f.resolveProvider(ctx)
	if err != nil {
		var miss *MissingProviderError
		if errors.As(err, &miss) && f.cfg.NullProvider != nil {
			if p, nerr := f.cfg.NullProvider.CreateProvider(); nerr == nil {
				f.log.Warn("no provider package on this build, using null provider", "err", err)
				f.provider = p
				f.state = StateFallbackNullProvider
				return p, nil
			}
		}
		f.state = StateFailed
		f.failure = err
		return nil, err
	}

	f.provider = provider
	f.pkg = pkg
	f.state = StateReady
	f.log.Info("loaded provider", "package", pkg.Name, "version", pkg.VersionName, "code", pkg.VersionCode)
	return provider, nil
}

// LoadNativeLibraryFromPackage loads only the native half, and only when the
// requested package is the one the update service has prepared. A successful
// load still reports the preparation status so a relro-wait failure is not
// masked.
func (f *Factory) LoadNativeLibraryFromPackage(ctx context.Context, packageName string) Status {
	resp, err := f.cfg.UpdateService.WaitForAndGetProvider(ctx)
	if err != nil {
		f.log.Error("error waiting for relro creation", "err", err)
		return StatusFailedWaitingUnknown
	}
	if resp.Status != StatusSuccess && resp.Status != StatusFailedWaitingForRelro {
		return resp.Status
	}
	if resp.Package == nil || resp.Package.Name != packageName {
		return StatusWrongPackageName
	}

	pkg, err := f.cfg.Packages.PackageInfo(ctx, packageName)
	if err != nil {
		f.log.Error("couldn't find package", "package", packageName, "err", err)
		return StatusWrongPackageName
	}
	paths, err := f.resolvePaths(pkg)
	if err != nil {
		f.log.Error("couldn't resolve native library paths", "package", packageName, "err", err)
		return StatusFailedToLoadLibrary
	}

	if status := f.loadNativeLibrary(paths); status != StatusSuccess {
		return status
	}
	return resp.Status
}

// resolveProvider runs resolve → load → instantiate. Callers hold f.mu.
func (f *Factory) resolveProvider(ctx context.Context) (Provider, *PackageInfo, error) {
	pkg, err := f.resolveProviderPackage(ctx)
	if err != nil {
		return nil, nil, err
	}

	paths, err := f.resolvePaths(pkg)
	if err != nil {
		return nil, nil, &MissingProviderError{Reason: "resolving native library paths", Err: err}
	}
	entryPath := paths.Path64
	if entryPath == "" {
		entryPath = paths.Path32
	}
	if entryPath == "" {
		return nil, nil, missingProvider("package %s has no native library for any supported ABI", pkg.Name)
	}

	f.state = StateLoading
	if status := f.loadNativeLibrary(paths); status != StatusSuccess {
		// Degraded: the provider still runs through the system linker, it
		// just won't share relro pages.
		f.log.Warn("failed to load with relro file, proceeding without", "status", status)
	}

	factory, err := f.cfg.Entry(entryPath)
	if err != nil {
		f.log.Error("resolving provider entry point failed", "status", StatusFailedEntryCall, "err", err)
		return nil, nil, fmt.Errorf("relroshare: resolving provider entry point in %s: %w", entryPath, err)
	}
	provider, err := factory.CreateProvider()
	if err != nil {
		f.log.Error("provider entry call failed", "status", StatusFailedEntryCall, "err", err)
		return nil, nil, fmt.Errorf("relroshare: instantiating provider from %s: %w", entryPath, err)
	}
	return provider, pkg, nil
}

// resolveProviderPackage waits for the update service, then fetches and
// verifies the package it names, applying donor substitution for stubs.
func (f *Factory) resolveProviderPackage(ctx context.Context) (*PackageInfo, error) {
	resp, err := f.cfg.UpdateService.WaitForAndGetProvider(ctx)
	if err != nil {
		return nil, &MissingProviderError{Reason: "waiting for provider preparation", Err: err}
	}
	if resp.Status != StatusSuccess && resp.Status != StatusFailedWaitingForRelro {
		return nil, missingProvider("provider preparation failed: %s", preparationFailureReason(resp.Status))
	}
	if resp.Package == nil {
		return nil, missingProvider("update service returned no package")
	}

	current, err := f.cfg.Packages.PackageInfo(ctx, resp.Package.Name)
	if err != nil {
		return nil, &MissingProviderError{Reason: "fetching package " + resp.Package.Name, Err: err}
	}
	if err := verifyPackageInfo(resp.Package, current); err != nil {
		return nil, err
	}
	return f.fixupStubPackage(ctx, current)
}

func (f *Factory) resolvePaths(pkg *PackageInfo) (libpath.Paths, error) {
	return libpath.Resolve(libpath.Descriptor{
		PrimaryABI:      pkg.PrimaryABI,
		SecondaryABI:    pkg.SecondaryABI,
		SourceDir:       pkg.SourceDir,
		NativeLibDir:    pkg.NativeLibDir,
		SecondaryLibDir: pkg.SecondaryLibDir,
		LibraryFileName: pkg.LibraryFileName(),
	}, f.cfg.ABIs32, f.cfg.ABIs64)
}

// loadNativeLibrary drives the relro-sharing loader, assuming relro creation
// has already been waited for.
func (f *Factory) loadNativeLibrary(paths libpath.Paths) Status {
	if !f.cfg.Loader.Reserved() {
		f.log.Error("can't load with relro file; address space not reserved")
		return StatusAddressSpaceNotReserved
	}

	res, err := f.cfg.Loader.Load(nativeload.Spec{
		Path32:  paths.Path32,
		Path64:  paths.Path64,
		Relro32: f.cfg.Relro32Path,
		Relro64: f.cfg.Relro64Path,
	})
	if err != nil {
		status := StatusForError(err)
		f.log.Warn("native library load failed", "status", status, "err", err)
		return status
	}

	if (res.Lib32.Loaded && !res.Lib32.Shared) || (res.Lib64.Loaded && !res.Lib64.Shared) {
		f.log.Warn("loaded without relro sharing")
	} else {
		f.log.Debug("loaded with relro file",
			"shared32", res.Lib32.Shared, "shared64", res.Lib64.Shared)
	}
	return StatusSuccess
}

func (f *Factory) privileged() bool {
	return slices.Contains(f.cfg.PrivilegedUIDs, f.cfg.UID())
}

// StatusForError maps loader errors onto the stable status contract.
func StatusForError(err error) Status {
	switch {
	case err == nil:
		return StatusSuccess
	case errors.Is(err, nativeload.ErrAddressSpaceNotReserved):
		return StatusAddressSpaceNotReserved
	case errors.Is(err, nativeload.ErrOutsideNamespace):
		return StatusFailedToFindNamespace
	default:
		return StatusFailedToLoadLibrary
	}
}

func defaultABIs() (abis32, abis64 []string) {
	switch runtime.GOARCH {
	case "amd64":
		return []string{"x86"}, []string{"x86_64"}
	case "arm64":
		return []string{"armeabi-v7a", "armeabi"}, []string{"arm64-v8a"}
	case "386":
		return []string{"x86"}, nil
	case "arm":
		return []string{"armeabi-v7a", "armeabi"}, nil
	case "riscv64":
		return nil, []string{"riscv64"}
	default:
		return nil, nil
	}
}
