// Persistent entity types and controlled vocabularies.
package store

import "errors"

// Session statuses. Transitions form a DAG:
// active -> summarizing -> completed, with summarizing optional.
const (
	SessionActive      = "active"
	SessionSummarizing = "summarizing"
	SessionCompleted   = "completed"
)

// Queue item statuses.
const (
	QueuePending    = "pending"
	QueueProcessing = "processing"
	QueueProcessed  = "processed"
	QueueFailed     = "failed"
)

// Queue item types.
const (
	ItemObservation = "observation"
	ItemSummary     = "summary"
)

// DefaultProject is the canonical label when no project is known.
const DefaultProject = "default"

// ObservationTypes is the controlled vocabulary for obs_type. Unknown
// values are coerced to "other" before insert.
var ObservationTypes = map[string]bool{
	"bugfix":   true,
	"feature":  true,
	"refactor": true,
	"config":   true,
	"research": true,
	"error":    true,
	"decision": true,
	"other":    true,
}

// Sentinel errors surfaced to the HTTP layer as 4xx.
var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidSessionID = errors.New("invalid session id")
	ErrPayloadTooLarge  = errors.New("payload too large")
	ErrInvalidJSON      = errors.New("payload is not valid JSON")
	ErrInvalidStatus    = errors.New("invalid status transition")
	ErrUnsafeContent    = errors.New("content contains control markers")
)

// Session is one conversational thread, keyed externally by SessionKey.
type Session struct {
	ID          int64  `json:"id"`
	SessionKey  string `json:"session_id"`
	Project     string `json:"project"`
	FirstPrompt string `json:"first_prompt,omitempty"`
	PromptCount int    `json:"prompt_count"`
	Status      string `json:"status"`
	CreatedAt   int64  `json:"created_at"`
	CompletedAt *int64 `json:"completed_at,omitempty"`
}

// UserPrompt is a single submitted prompt after scrubbing. Immutable.
type UserPrompt struct {
	ID           int64  `json:"id"`
	SessionID    int64  `json:"session_id"`
	PromptNumber int    `json:"prompt_number"`
	Text         string `json:"text"`
	CreatedAt    int64  `json:"created_at"`
}

// Observation is the structured memory of one tool execution. The HMAC is
// computed over compressed + "\n" + narrative at insert and verified on read.
type Observation struct {
	ID           int64  `json:"id"`
	SessionID    int64  `json:"session_id"`
	PromptNumber int    `json:"prompt_number"`
	ToolName     string `json:"tool_name"`
	RawInput     string `json:"raw_input,omitempty"`
	Compressed   string `json:"compressed"`
	Type         string `json:"obs_type"`
	Title        string `json:"title"`
	Narrative    string `json:"narrative"`
	HMAC         string `json:"hmac,omitempty"`
	CreatedAt    int64  `json:"created_at"`
}

// Summary is a session-level rollup. All five fields are optional.
type Summary struct {
	ID           int64  `json:"id"`
	SessionID    int64  `json:"session_id"`
	Request      string `json:"request,omitempty"`
	Investigated string `json:"investigated,omitempty"`
	Learned      string `json:"learned,omitempty"`
	Completed    string `json:"completed,omitempty"`
	NextSteps    string `json:"next_steps,omitempty"`
	CreatedAt    int64  `json:"created_at"`
}

// QueueItem is one unit of async work.
type QueueItem struct {
	ID          int64  `json:"id"`
	SessionID   int64  `json:"session_id"`
	Type        string `json:"type"`
	Payload     string `json:"payload"`
	Status      string `json:"status"`
	RetryCount  int    `json:"retry_count"`
	Error       string `json:"error,omitempty"`
	CreatedAt   int64  `json:"created_at"`
	StartedAt   *int64 `json:"started_at,omitempty"`
	CompletedAt *int64 `json:"completed_at,omitempty"`
}

// QueueCounts summarizes queue rows by status for /health and /api/queue.
type QueueCounts struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Processed  int `json:"processed"`
	Failed     int `json:"failed"`
	Stuck      int `json:"stuck"`
}

// ProjectStats holds per-project entity counts.
type ProjectStats struct {
	Observations int `json:"observations"`
	Summaries    int `json:"summaries"`
	Sessions     int `json:"sessions"`
}

// SearchHit is a compact index row for layer-1 progressive disclosure.
type SearchHit struct {
	ID        int64  `json:"id"`
	Title     string `json:"title"`
	Type      string `json:"type"`
	CreatedAt int64  `json:"created_at"`
	SessionID int64  `json:"session_id"`
}
