// Package relay streams files from a source provider to a caller-specified
// resumable-upload destination, asynchronously and with bounded concurrency.
package relay

import "time"

type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Job is one tracked source-to-destination transfer. The router creates it
// and never touches it again; only the relay mutates it as the background
// transfer progresses.
type Job struct {
	Token     string    `json:"token"`
	Provider  string    `json:"provider"`
	FileID    string    `json:"fileId"`
	Endpoint  string    `json:"endpoint"`
	Protocol  string    `json:"protocol"`
	Status    Status    `json:"status"`
	Bytes     int64     `json:"bytes"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
