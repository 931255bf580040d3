package limestone

// Filenames and tunables fixed by the on-disk format. These names are part
// of the bit-exact filesystem contract: changing any of them changes the
// format.
const (
	epochFileName           = "epoch"
	tmpEpochFileName         = ".epoch.tmp"
	manifestFileName        = "limestone-manifest.json"
	manifestBackupFileName  = "limestone-manifest.json.back"
	compactionCatalogName   = "compaction_catalog"
	compactedBaseFileName   = "pwal_0000.compacted"
	compactedBackupFileName = "pwal_0000.compacted.prev"
	compactionTempDirName   = "compaction_tmp"
	controlDirName          = "ctrl"
	startCompactionFileName = "start_compaction"

	// maxEntriesInEpochFile bounds the epoch file's append-only growth:
	// once this many marker_durable records have been appended, the file
	// is atomically rewritten down to a single up-to-date record.
	maxEntriesInEpochFile = 100

	currentFormatVersion = "1.0"
	// persistentFormatVersion is written into every manifest this build
	// creates; directories carrying only older-but-supported versions are
	// rotated on boot.
	persistentFormatVersion = 1
)

// supportedPersistentFormatVersions is the set of versions a directory may
// carry and still be opened; for a supported version other than
// persistentFormatVersion, every attached WAL is rotated before the
// datastore reports ready.
var supportedPersistentFormatVersions = map[int]bool{
	1: true,
}
