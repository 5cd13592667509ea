package protocol

// MessageType identifies what a job is reporting about itself.
type MessageType int

const (
	JobStarted      MessageType = 0
	JobError        MessageType = 1
	JobResultUpdate MessageType = 2
	JobFinished     MessageType = 3
)

// Item is a single self-reported update inside an envelope.
type Item struct {
	Type  MessageType `json:"type"`
	Key   string      `json:"key"`
	Value string      `json:"value"`
}

// Envelope is the wire payload a job sends to the monitor. JobID is the
// cluster execution id, or the process id for local runs.
type Envelope struct {
	JobID    int64  `json:"job_id"`
	Messages []Item `json:"messages"`
}
