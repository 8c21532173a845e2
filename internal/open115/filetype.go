package open115

// FileType is one of the restic repository object classes. Config is a
// single file at the repository root; the others are directories.
type FileType string

// Repository object classes.
const (
	TypeData      FileType = "data"
	TypeKeys      FileType = "keys"
	TypeLocks     FileType = "locks"
	TypeSnapshots FileType = "snapshots"
	TypeIndex     FileType = "index"
	TypeConfig    FileType = "config"
)

// SubdirTypes are the repository subdirectories created on init, in
// creation order.
var SubdirTypes = []FileType{TypeData, TypeKeys, TypeLocks, TypeSnapshots, TypeIndex}

// ParseFileType maps a URL path segment to a FileType. Returns false for
// anything outside the restic layout.
func ParseFileType(s string) (FileType, bool) {
	switch FileType(s) {
	case TypeData, TypeKeys, TypeLocks, TypeSnapshots, TypeIndex, TypeConfig:
		return FileType(s), true
	default:
		return "", false
	}
}

// Dirname is the directory name under the repository root.
func (t FileType) Dirname() string {
	return string(t)
}

// IsConfig reports whether this is the config pseudo-type, which lives as a
// file directly under the repository root.
func (t FileType) IsConfig() bool {
	return t == TypeConfig
}
