package relroshare

import "fmt"

// Status is the stable integer contract shared between the update service,
// the native loader, and host processes. Values are wire-visible and must
// never be renumbered.
type Status int

const (
	StatusSuccess                 Status = 0
	StatusWrongPackageName        Status = 1
	StatusAddressSpaceNotReserved Status = 2
	StatusFailedWaitingForRelro   Status = 3
	StatusFailedListingPackages   Status = 4
	StatusFailedToOpenRelroFile   Status = 5
	StatusFailedToLoadLibrary     Status = 6
	// StatusFailedEntryCall keeps value 7 for failures crossing the FFI
	// boundary into the provider's entry point.
	StatusFailedEntryCall       Status = 7
	StatusFailedWaitingUnknown  Status = 8
	StatusFailedToFindNamespace Status = 10
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusWrongPackageName:
		return "wrong package name"
	case StatusAddressSpaceNotReserved:
		return "address space not reserved"
	case StatusFailedWaitingForRelro:
		return "failed waiting for relro creation"
	case StatusFailedListingPackages:
		return "failed listing provider packages"
	case StatusFailedToOpenRelroFile:
		return "failed to open relro file"
	case StatusFailedToLoadLibrary:
		return "failed to load library"
	case StatusFailedEntryCall:
		return "failed provider entry call"
	case StatusFailedWaitingUnknown:
		return "failed waiting for provider, unknown reason"
	case StatusFailedToFindNamespace:
		return "failed to find linker namespace"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// preparationFailureReason explains a terminal status from the update
// service's preparation protocol.
func preparationFailureReason(s Status) string {
	switch s {
	case StatusFailedWaitingForRelro:
		return "timed out waiting for relro files to be created"
	case StatusFailedListingPackages:
		return "no provider package installed"
	case StatusFailedWaitingUnknown:
		return "provider preparation crashed for unknown reason"
	}
	return "unknown"
}
