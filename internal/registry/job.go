package registry

// Status is the lifecycle state of one job in the batch.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSubmitted Status = "SUBMITTED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
	StatusTimeout   Status = "TIMEOUT"
)

// IsTerminal reports whether no further transition may leave the status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

// IsActive reports whether the job still occupies backend capacity.
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusRunning
}

// KV is one pending (column, value) pair awaiting publication.
type KV struct {
	Key   string
	Value string
}

// Job is the canonical record for one unit of submitted work.
// JobID is the backend execution id (cluster id or local pid) and stays
// zero until a submission succeeds. CSVRowID is the stable batch-local
// key used to join reconciler results and publication rows.
type Job struct {
	JobID    int64
	CSVRowID int
	Status   Status
	ExitCode *int
	// LogPath is where the job's output lands; attached when the record
	// joins its row, used for failure notification tails.
	LogPath string

	// Updated marks the record dirty for the next publication drain.
	Updated bool
	// FailureNotified gates the one-shot failure notification.
	FailureNotified bool

	writingQueue []KV
}

// PendingWrites returns the ordered publication queue.
func (j *Job) PendingWrites() []KV {
	return j.writingQueue
}

// queueWrite upserts a key in the writing queue, keeping insertion order
// and exactly one current value per key.
func (j *Job) queueWrite(key, value string) {
	for i := range j.writingQueue {
		if j.writingQueue[i].Key == key {
			j.writingQueue[i].Value = value
			return
		}
	}
	j.writingQueue = append(j.writingQueue, KV{Key: key, Value: value})
}

func (j *Job) clone() *Job {
	tmp := *j
	if j.ExitCode != nil {
		code := *j.ExitCode
		tmp.ExitCode = &code
	}
	if j.writingQueue != nil {
		tmp.writingQueue = make([]KV, len(j.writingQueue))
		copy(tmp.writingQueue, j.writingQueue)
	}
	return &tmp
}
