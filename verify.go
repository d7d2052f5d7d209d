package relroshare

import "context"

// verifyPackageInfo checks the freshly fetched package against the one the
// update service committed to. Every failure is an integrity violation,
// surfaced as a terminal MissingProviderError and never retried.
func verifyPackageInfo(chosen, toUse *PackageInfo) error {
	if chosen.Name != toUse.Name {
		return missingProvider("package name mismatch, expected %q actual %q", chosen.Name, toUse.Name)
	}
	if chosen.VersionCode > toUse.VersionCode {
		return missingProvider("version code %d is lower than expected %d", toUse.VersionCode, chosen.VersionCode)
	}
	if toUse.LibraryFileName() == "" {
		return missingProvider("package %s declares no native library", toUse.Name)
	}
	if !signatureSetsEqual(chosen.Signatures, toUse.Signatures) {
		return missingProvider("signature mismatch for package %s", toUse.Name)
	}
	return nil
}

// signatureSetsEqual compares signature sets as unordered sets.
func signatureSetsEqual(a, b [][]byte) bool {
	if a == nil {
		return b == nil
	}
	if b == nil {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, sig := range a {
		set[string(sig)] = struct{}{}
	}
	if len(set) != distinct(b) {
		return false
	}
	for _, sig := range b {
		if _, ok := set[string(sig)]; !ok {
			return false
		}
	}
	return true
}

func distinct(sigs [][]byte) int {
	set := make(map[string]struct{}, len(sigs))
	for _, sig := range sigs {
		set[string(sig)] = struct{}{}
	}
	return len(set)
}

// fixupStubPackage substitutes a donor package's code locations into a stub
// that carries only metadata. Full packages pass through untouched. A named
// but unresolvable donor is a terminal integrity failure.
func (f *Factory) fixupStubPackage(ctx context.Context, pkg *PackageInfo) (*PackageInfo, error) {
	donorName := ""
	if pkg.Metadata != nil {
		donorName = pkg.Metadata[MetaDonorPackage]
	}
	if donorName == "" {
		return pkg, nil
	}

	donor, err := f.cfg.Packages.PackageInfo(ctx, donorName)
	if err != nil {
		return nil, &MissingProviderError{Reason: "failed to find donor package " + donorName, Err: err}
	}

	fixed := pkg.clone()
	fixed.SourceDir = donor.SourceDir
	fixed.NativeLibDir = donor.NativeLibDir
	fixed.SecondaryLibDir = donor.SecondaryLibDir
	// The stub has no native code, so its ABIs are unset; take the donor's.
	fixed.PrimaryABI = donor.PrimaryABI
	fixed.SecondaryABI = donor.SecondaryABI
	return fixed, nil
}
