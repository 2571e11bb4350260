package engine

// GenerationParams is the immutable request payload handed to the engine.
type GenerationParams struct {
	Prompt         string
	NegativePrompt string
	Width          int
	Height         int
	BatchSize      int
	Styles         []string
}

// OutputItem identifies one produced file on the engine side.
type OutputItem struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// History is the engine's terminal view of a submitted prompt.
type History struct {
	Completed bool
	Error     string
	Outputs   []OutputItem
}

// Progress event kinds, mirroring the engine's websocket message types.
const (
	EventQueueStatus    = "status"
	EventExecutionStart = "execution_start"
	EventProgress       = "progress"
	EventExecuting      = "executing"
	EventExecuted       = "executed"
	EventExecutionError = "execution_error"
)

// ProgressEvent is the tagged union of engine callback payloads. Only the
// fields relevant to Type are set.
type ProgressEvent struct {
	Type     string
	PromptID string

	// EventProgress / EventExecuting
	Node       string
	Value      int
	Max        int
	Percentage float64

	// EventQueueStatus
	QueueRemaining int

	// EventExecuted
	Images []OutputItem

	// EventExecutionError
	ErrorMessage string
}

// ProgressFunc receives relayed engine events. It must not block.
type ProgressFunc func(ProgressEvent)
