package relroshare

import (
	"context"
	"errors"
	"fmt"

	"github.com/relroshare/relroshare/nativeload"
)

// Metadata keys a provider package must or may carry.
const (
	// MetaLibrary names the provider's native library file. Mandatory.
	MetaLibrary = "relroshare.library"
	// MetaDonorPackage names the donor whose code locations substitute for a
	// stub package's. Optional.
	MetaDonorPackage = "relroshare.donorPackage"
)

// PackageInfo describes a resolved, verified provider package. Resolution and
// signature verification happen outside this module; PackageInfo is what the
// collaborators hand back.
type PackageInfo struct {
	Name        string
	VersionCode int64
	VersionName string
	Signatures  [][]byte

	SourceDir       string
	NativeLibDir    string
	SecondaryLibDir string
	PrimaryABI      string
	SecondaryABI    string

	Metadata map[string]string
}

// LibraryFileName returns the MetaLibrary metadata value, "" when absent.
func (p *PackageInfo) LibraryFileName() string {
	if p == nil || p.Metadata == nil {
		return ""
	}
	return p.Metadata[MetaLibrary]
}

// clone returns a shallow copy with its own metadata map, so donor fixup
// never mutates a collaborator-owned value.
func (p *PackageInfo) clone() *PackageInfo {
	c := *p
	if p.Metadata != nil {
		c.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// ProviderResponse is the update service's answer to WaitForAndGetProvider.
type ProviderResponse struct {
	Status  Status
	Package *PackageInfo
}

// UpdateService is the update-coordination collaborator. The call blocks
// until provider selection and relro preparation complete or reach a terminal
// condition.
type UpdateService interface {
	WaitForAndGetProvider(ctx context.Context) (ProviderResponse, error)
}

// ErrPackageNotFound is returned (wrapped) by a PackageSource for unknown
// package names.
var ErrPackageNotFound = errors.New("relroshare: package not found")

// PackageSource is the package-metadata collaborator.
type PackageSource interface {
	PackageInfo(ctx context.Context, name string) (*PackageInfo, error)
}

// PropertyStore is the persisted key/value tunable store.
type PropertyStore interface {
	Int64(key string, def int64) int64
	SetInt64(key string, value int64) error
}

// Provider is the live instantiated provider, created at most once per
// process and cached for the process lifetime.
type Provider interface {
	PackageName() string
}

// ProviderFactory is the capability resolved from the provider library's
// well-known entry point.
type ProviderFactory interface {
	CreateProvider() (Provider, error)
}

// EntryResolver resolves the provider entry point of a loaded library.
type EntryResolver func(libraryPath string) (ProviderFactory, error)

// LibraryLoader is the slice of the native loader the coordinator drives.
// *nativeload.Loader is the production implementation.
type LibraryLoader interface {
	Reserve(size int64) error
	Reserved() bool
	Load(spec nativeload.Spec) (nativeload.Result, error)
	CreateSnapshots(spec nativeload.Spec) (int, error)
}

// MissingProviderError is the terminal integrity failure: no usable provider
// package exists or the one offered failed verification. Never retried.
type MissingProviderError struct {
	Reason string
	Err    error
}

func (e *MissingProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("missing provider package: %s: %v", e.Reason, e.Err)
	}
	return "missing provider package: " + e.Reason
}

func (e *MissingProviderError) Unwrap() error { return e.Err }

func missingProvider(format string, args ...any) *MissingProviderError {
	return &MissingProviderError{Reason: fmt.Sprintf(format, args...)}
}
