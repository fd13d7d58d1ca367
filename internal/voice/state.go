package voice

import "time"

// State is the capture side of the pipeline.
type State string

const (
	StateIdle         State = "idle"
	StateAcquiring    State = "acquiring"
	StateRecording    State = "recording"
	StateTranscribing State = "transcribing"
	StateError        State = "error"
)

// Busy reports whether a voice session is live.
func (s State) Busy() bool {
	return s == StateAcquiring || s == StateRecording || s == StateTranscribing
}

// OutputState is the playback side of the pipeline.
type OutputState string

const (
	OutputIdle         OutputState = "idle"
	OutputSynthesizing OutputState = "synthesizing"
	OutputPlaying      OutputState = "playing"
)

// Side names which half of the pipeline moved.
type Side string

const (
	SideCapture Side = "capture"
	SideOutput  Side = "output"
)

// Transition is reported to the pipeline's observer on every state change.
type Transition struct {
	Side Side
	From string
	To   string
	At   time.Time
	Err  error
}

// Session exists only while capturing.
type Session struct {
	State           State     `json:"state"`
	StartedAt       time.Time `json:"startedAt"`
	DurationSeconds float64   `json:"durationSeconds"`
	AudioLevel      float64   `json:"audioLevel"`
	WaveformSamples []float64 `json:"waveformSamples"`
	LastError       string    `json:"lastError,omitempty"`
}

// Status is a point-in-time view of the pipeline.
type Status struct {
	Capture   State       `json:"capture"`
	Output    OutputState `json:"output"`
	Session   *Session    `json:"session,omitempty"`
	LastError string      `json:"lastError,omitempty"`
}

// Result is what a completed capture yields.
type Result struct {
	Transcript       string
	Confidence       float64
	DetectedLanguage string
	Emotions         []string
	DurationSeconds  float64
}
