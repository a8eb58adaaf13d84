package manager

// Status is a managed upload's position in the manager's view of the
// world, distinct from (but derived from) the underlying engine.State.
type Status int

const (
	StatusReady Status = iota
	StatusUploading
	StatusPaused
	StatusCompleted
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusUploading:
		return "uploading"
	case StatusPaused:
		return "paused"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}
