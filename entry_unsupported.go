//go:build !linux && !darwin

package relroshare

import "errors"

func defaultEntryResolver(libraryPath string) (ProviderFactory, error) {
	_ = libraryPath
	return nil, errors.New("relroshare: provider entry resolution is only supported on linux and darwin")
}
