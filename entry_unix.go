//go:build linux || darwin

package relroshare

import (
	"fmt"

	"github.com/ebitengine/purego"
)

// defaultEntryResolver opens the provider library through the system linker
// and resolves the well-known entry symbol into a ProviderFactory. In-archive
// paths are handed to dlopen as-is; linkers without archive support fail here
// and the caller reports the entry-call status.
func defaultEntryResolver(libraryPath string) (ProviderFactory, error) {
	handle, err := purego.Dlopen(libraryPath, purego.RTLD_NOW|purego.RTLD_LOCAL)
	if err != nil {
		return nil, fmt.Errorf("dlopen %s: %w", libraryPath, err)
	}
	if _, err := purego.Dlsym(handle, EntrySymbol); err != nil {
		return nil, fmt.Errorf("dlsym %s in %s: %w", EntrySymbol, libraryPath, err)
	}

	// const char* RelroshareProviderEntry(void): returns the package name the
	// provider was built from, NULL on failure.
	var entry func() string
	purego.RegisterLibFunc(&entry, handle, EntrySymbol)
	return &dlProviderFactory{path: libraryPath, entry: entry}, nil
}

type dlProviderFactory struct {
	path  string
	entry func() string
}

func (f *dlProviderFactory) CreateProvider() (Provider, error) {
	name := f.entry()
	if name == "" {
		return nil, fmt.Errorf("provider entry %s in %s returned no package name", EntrySymbol, f.path)
	}
	return &nativeProvider{name: name, path: f.path}, nil
}

type nativeProvider struct {
	name string
	path string
}

func (p *nativeProvider) PackageName() string { return p.name }

// LibraryPath reports where the provider's native image was loaded from,
// possibly an in-archive path.
func (p *nativeProvider) LibraryPath() string { return p.path }
