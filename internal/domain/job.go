package domain

type JobStatus int

const (
	JobIdle JobStatus = iota
	JobRunning
	JobPaused
	JobStopped
	JobError
)

func (s JobStatus) String() string {
	switch s {
	case JobIdle:
		return "idle"
	case JobRunning:
		return "running"
	case JobPaused:
		return "paused"
	case JobStopped:
		return "stopped"
	case JobError:
		return "error"
	default:
		return "unknown"
	}
}

// Active reports whether a job in this status still owns the transmitter.
func (s JobStatus) Active() bool {
	return s == JobRunning || s == JobPaused
}

// JobSnapshot is a point-in-time copy of a transmission job.
type JobSnapshot struct {
	ID          string `json:"id,omitempty"`
	PortPath    string `json:"portPath,omitempty"`
	Filename    string `json:"filename,omitempty"`
	TotalLines  int    `json:"totalLines"`
	CurrentLine int    `json:"currentLine"`
	InFlight    int    `json:"inFlightCount"`
	MaxInFlight int    `json:"maxInFlight"`
	Sent        int    `json:"sent"`
	Acked       int    `json:"acked"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
}
