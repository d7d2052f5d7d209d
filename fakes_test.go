package relroshare

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relroshare/relroshare/nativeload"
)

type fakeUpdateService struct {
	resp  ProviderResponse
	err   error
	calls int
}

func (s *fakeUpdateService) WaitForAndGetProvider(context.Context) (ProviderResponse, error) {
	s.calls++
	return s.resp, s.err
}

type fakePackages struct {
	pkgs  map[string]*PackageInfo
	calls []string
}

func (p *fakePackages) PackageInfo(_ context.Context, name string) (*PackageInfo, error) {
	p.calls = append(p.calls, name)
	pkg, ok := p.pkgs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPackageNotFound, name)
	}
	return pkg, nil
}

type fakeLoader struct {
	reserved     bool
	reserveErr   error
	reserveSize  int64
	loadErr      error
	loadResult   nativeload.Result
	loadCalls    int
	lastSpec     nativeload.Spec
	snapCreated  int
	snapErr      error
	snapCalls    int
	lastSnapSpec nativeload.Spec
}

func (l *fakeLoader) Reserve(size int64) error {
	if l.reserveErr != nil {
		return l.reserveErr
	}
	l.reserved = true
	l.reserveSize = size
	return nil
}

func (l *fakeLoader) Reserved() bool { return l.reserved }

func (l *fakeLoader) Load(spec nativeload.Spec) (nativeload.Result, error) {
	l.loadCalls++
	l.lastSpec = spec
	if l.loadErr != nil {
		return nativeload.Result{}, l.loadErr
	}
	return l.loadResult, nil
}

func (l *fakeLoader) CreateSnapshots(spec nativeload.Spec) (int, error) {
	l.snapCalls++
	l.lastSnapSpec = spec
	return l.snapCreated, l.snapErr
}

type stubProvider struct{ name string }

func (p *stubProvider) PackageName() string { return p.name }

type stubProviderFactory struct {
	provider Provider
	err      error
	calls    int
}

func (f *stubProviderFactory) CreateProvider() (Provider, error) {
	f.calls++
	return f.provider, f.err
}

const testPackageName = "com.example.provider"

// testEnv bundles a Factory with its fakes and an on-disk provider package.
type testEnv struct {
	factory  *Factory
	update   *fakeUpdateService
	packages *fakePackages
	loader   *fakeLoader
	entry    *stubProviderFactory
	props    *MemoryPropertyStore
	pkg      *PackageInfo
	libPath  string
}

func newTestEnv(t *testing.T, mutate ...func(*testEnv, *Config)) *testEnv {
	t.Helper()

	libDir := t.TempDir()
	libPath := filepath.Join(libDir, "libprovider.so")
	require.NoError(t, os.WriteFile(libPath, []byte("provider image"), 0o644))

	pkg := &PackageInfo{
		Name:         testPackageName,
		VersionCode:  100,
		VersionName:  "1.0.0",
		Signatures:   [][]byte{[]byte("sig-a")},
		SourceDir:    filepath.Join(libDir, "provider.apk"),
		NativeLibDir: libDir,
		PrimaryABI:   "x86_64",
		Metadata:     map[string]string{MetaLibrary: "libprovider.so"},
	}

	env := &testEnv{
		update:   &fakeUpdateService{resp: ProviderResponse{Status: StatusSuccess, Package: pkg}},
		packages: &fakePackages{pkgs: map[string]*PackageInfo{testPackageName: pkg}},
		loader:   &fakeLoader{reserved: true, loadResult: nativeload.Result{Lib64: nativeload.WidthResult{Loaded: true, Shared: true}}},
		entry:    &stubProviderFactory{provider: &stubProvider{name: testPackageName}},
		props:    NewMemoryPropertyStore(),
		pkg:      pkg,
		libPath:  libPath,
	}

	cfg := Config{
		UpdateService: env.update,
		Packages:      env.packages,
		Properties:    env.props,
		Loader:        env.loader,
		Entry: func(libraryPath string) (ProviderFactory, error) {
			return env.entry, nil
		},
		Relro32Path: "/run/relroshare/provider32.relro",
		Relro64Path: "/run/relroshare/provider64.relro",
		ABIs32:      []string{"x86"},
		ABIs64:      []string{"x86_64"},
		UID:         func() int { return 1000 },
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, m := range mutate {
		m(env, &cfg)
	}

	factory, err := New(cfg)
	require.NoError(t, err)
	env.factory = factory
	return env
}
