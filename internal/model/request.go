package model

// Operation is the kind of administrative request sent to an endpoint.
type Operation string

const (
	OperationChecksum Operation = "checksum"
	OperationBackup   Operation = "backup"
	OperationRestore  Operation = "restore"
	OperationDelete   Operation = "delete"
)

// DefaultAliasType keys rows by their own id during backup and restore.
const DefaultAliasType = "id"

// Request is the envelope of every administrative request. Which fields are set depends on the
// operation; use the constructors below.
type Request struct {
	Operation     Operation     `json:"operation"`
	MigrationType MigrationType `json:"migrationType"`
	MinID         *int64        `json:"minId,omitempty"`
	MaxID         *int64        `json:"maxId,omitempty"`
	Salt          Salt          `json:"salt,omitempty"`
	BatchSize     int           `json:"batchSize,omitempty"`
	AliasType     string        `json:"aliasType,omitempty"`
	BackupFileKey string        `json:"backupFileKey,omitempty"`
	IDs           []int64       `json:"ids,omitempty"`
}

// Range returns the id range carried by the request, if any.
func (r Request) Range() (IDRange, bool) {
	if r.MinID == nil || r.MaxID == nil {
		return IDRange{}, false
	}
	return IDRange{Min: *r.MinID, Max: *r.MaxID}, true
}

func NewChecksumRequest(t MigrationType, r IDRange, salt Salt) Request {
	return Request{
		Operation:     OperationChecksum,
		MigrationType: t,
		MinID:         &r.Min,
		MaxID:         &r.Max,
		Salt:          salt,
	}
}

func NewBackupRequest(t MigrationType, r IDRange, batchSize int, aliasType string) Request {
	return Request{
		Operation:     OperationBackup,
		MigrationType: t,
		MinID:         &r.Min,
		MaxID:         &r.Max,
		BatchSize:     batchSize,
		AliasType:     aliasType,
	}
}

// NewRestoreRequest builds the restore request for a backup artifact. aliasType must be the
// one the backup was taken with.
func NewRestoreRequest(t MigrationType, backupFileKey string, batchSize int, aliasType string) Request {
	return Request{
		Operation:     OperationRestore,
		MigrationType: t,
		BackupFileKey: backupFileKey,
		BatchSize:     batchSize,
		AliasType:     aliasType,
	}
}

func NewDeleteRequest(t MigrationType, ids []int64) Request {
	return Request{
		Operation:     OperationDelete,
		MigrationType: t,
		IDs:           ids,
	}
}
