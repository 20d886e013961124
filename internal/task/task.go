package task

// Task is the opaque unit-of-work record submitted to the fleet.
// The orchestration core never interprets it beyond its ID; title,
// description and metadata travel along for observers and workers.
type Task struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}
