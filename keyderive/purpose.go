package keyderive

// Purpose names a subkey in the master key hierarchy. Each purpose carries a
// fixed domain-separation context; two purposes never share a context.
type Purpose int

const (
	PurposeDatabase Purpose = iota + 1
	PurposeFieldEncryption
	PurposeBackup
	PurposeSync
	PurposeSharing
	PurposeExport
)

// AllPurposes lists every purpose in the hierarchy, in derivation order.
var AllPurposes = []Purpose{
	PurposeDatabase,
	PurposeFieldEncryption,
	PurposeBackup,
	PurposeSync,
	PurposeSharing,
	PurposeExport,
}

// Context returns the public domain-separation string baked into the
// derivation for this purpose. These are wire constants; changing one
// orphans every key derived under it.
func (p Purpose) Context() string {
	switch p {
	case PurposeDatabase:
		return "credvault/key/database/v1"
	case PurposeFieldEncryption:
		return "credvault/key/field-encryption/v1"
	case PurposeBackup:
		return "credvault/key/backup/v1"
	case PurposeSync:
		return "credvault/key/sync/v1"
	case PurposeSharing:
		return "credvault/key/sharing/v1"
	case PurposeExport:
		return "credvault/key/export/v1"
	default:
		return ""
	}
}

func (p Purpose) String() string {
	switch p {
	case PurposeDatabase:
		return "database"
	case PurposeFieldEncryption:
		return "field_encryption"
	case PurposeBackup:
		return "backup"
	case PurposeSync:
		return "sync"
	case PurposeSharing:
		return "sharing"
	case PurposeExport:
		return "export"
	default:
		return "unknown"
	}
}

// ParsePurpose maps a stored purpose name back to its enum value.
func ParsePurpose(s string) (Purpose, bool) {
	for _, p := range AllPurposes {
		if p.String() == s {
			return p, true
		}
	}
	return 0, false
}
