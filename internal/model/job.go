package model

import (
	"encoding/json"
	"fmt"
)

// DestinationJob is a unit of work executed against the destination.
// The set of implementations is closed: RestoreJob and DeleteJob.
type DestinationJob interface {
	MigrationType() MigrationType
	String() string

	destinationJob()
}

// RestoreJob replays a backup artifact produced by the source into the destination.
// The restore must be requested with the batch size and alias type the backup was taken with.
type RestoreJob struct {
	Type          MigrationType
	BackupFileKey string
	Range         *IDRange // range covered by the backup, if known
	BatchSize     int
	AliasType     string
}

func (j RestoreJob) MigrationType() MigrationType { return j.Type }

func (j RestoreJob) String() string {
	if j.Range != nil {
		return fmt.Sprintf("restore %s %s from %q", j.Type, j.Range, j.BackupFileKey)
	}
	return fmt.Sprintf("restore %s from %q", j.Type, j.BackupFileKey)
}

func (RestoreJob) destinationJob() {}

// DeleteJob removes specific rows from the destination.
type DeleteJob struct {
	Type MigrationType
	IDs  []int64
}

func (j DeleteJob) MigrationType() MigrationType { return j.Type }

func (j DeleteJob) String() string {
	return fmt.Sprintf("delete %d %s rows", len(j.IDs), j.Type)
}

func (DeleteJob) destinationJob() {}

// JobState is the state of a remote asynchronous job.
type JobState string

const (
	JobStateProcessing JobState = "PROCESSING"
	JobStateComplete   JobState = "COMPLETE"
	JobStateFailed     JobState = "FAILED"
)

// Terminal reports whether the state is final
func (s JobState) Terminal() bool {
	return s == JobStateComplete || s == JobStateFailed
}

// Handle is the view of a remote asynchronous job returned on submission and on every poll.
type Handle struct {
	JobID  string          `json:"jobId"`
	State  JobState        `json:"state"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}
