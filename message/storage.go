package message

import "fmt"

// StorageMode is the channel-level storage preset. Each mode expands to a
// deterministic StorageSettings combination via SettingsForMode.
type StorageMode int

const (
	// Development persists every content slot, all maps and metadata.
	Development StorageMode = iota
	// Production skips intermediate content (processed raw, transformed,
	// response transformed, processed response) but keeps everything needed
	// to reprocess or audit.
	Production
	// RawMode keeps only raw content and metadata. Durability and message
	// recovery are off.
	RawMode
	// Metadata keeps message and connector-message rows plus custom metadata
	// columns, but no content at all.
	Metadata
	// Disabled persists nothing.
	Disabled
)

var storageModeNames = [...]string{
	Development: "DEVELOPMENT",
	Production:  "PRODUCTION",
	RawMode:     "RAW",
	Metadata:    "METADATA",
	Disabled:    "DISABLED",
}

func (m StorageMode) String() string {
	if m < 0 || int(m) >= len(storageModeNames) {
		return fmt.Sprintf("StorageMode(%d)", int(m))
	}
	return storageModeNames[m]
}

// ParseStorageMode maps a configuration string to its StorageMode.
func ParseStorageMode(s string) (StorageMode, error) {
	for m, n := range storageModeNames {
		if n == s {
			return StorageMode(m), nil
		}
	}
	return 0, fmt.Errorf("unknown storage mode %q", s)
}

// StorageSettings is the expanded flag set which gates every persistence
// decision the pipeline makes. Channels hold one, derived from their
// StorageMode and completion-pruning options.
type StorageSettings struct {
	Enabled                bool
	Durable                bool
	RawDurable             bool
	MessageRecoveryEnabled bool

	StoreAttachments         bool
	StoreCustomMetaData      bool
	StoreMaps                bool
	StoreResponseMap         bool
	StoreMergedResponseMap   bool
	StoreRaw                 bool
	StoreProcessedRaw        bool
	StoreTransformed         bool
	StoreSourceEncoded       bool
	StoreDestinationEncoded  bool
	StoreSent                bool
	StoreResponse            bool
	StoreSentResponse        bool
	StoreProcessedResponse   bool
	StoreResponseTransformed bool

	RemoveContentOnCompletion      bool
	RemoveOnlyFilteredOnCompletion bool
	RemoveAttachmentsOnCompletion  bool
}

// SettingsForMode expands |mode| into its StorageSettings preset. The
// completion-removal flags are channel options rather than part of the mode
// and default to false here.
func SettingsForMode(mode StorageMode) StorageSettings {
	// Start from Development, where every flag is on, and switch off what
	// each narrower mode drops.
	var s = StorageSettings{
		Enabled:                  true,
		Durable:                  true,
		RawDurable:               true,
		MessageRecoveryEnabled:   true,
		StoreAttachments:         true,
		StoreCustomMetaData:      true,
		StoreMaps:                true,
		StoreResponseMap:         true,
		StoreMergedResponseMap:   true,
		StoreRaw:                 true,
		StoreProcessedRaw:        true,
		StoreTransformed:         true,
		StoreSourceEncoded:       true,
		StoreDestinationEncoded:  true,
		StoreSent:                true,
		StoreResponse:            true,
		StoreSentResponse:        true,
		StoreProcessedResponse:   true,
		StoreResponseTransformed: true,
	}

	switch mode {
	case Development:
		// Pass.
	case Production:
		s.StoreProcessedRaw = false
		s.StoreTransformed = false
		s.StoreResponseTransformed = false
		s.StoreProcessedResponse = false
	case RawMode:
		s.Durable = false
		s.MessageRecoveryEnabled = false
		s.StoreMaps = false
		s.StoreResponseMap = false
		s.StoreMergedResponseMap = false
		s.StoreProcessedRaw = false
		s.StoreTransformed = false
		s.StoreSourceEncoded = false
		s.StoreDestinationEncoded = false
		s.StoreSent = false
		s.StoreResponse = false
		s.StoreSentResponse = false
		s.StoreProcessedResponse = false
		s.StoreResponseTransformed = false
	case Metadata:
		s = StorageSettings{
			Enabled:             true,
			StoreCustomMetaData: true,
		}
	case Disabled:
		s = StorageSettings{}
	default:
		panic(fmt.Sprintf("invalid storage mode %d", int(mode)))
	}
	return s
}
