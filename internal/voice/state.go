package voice

// State is the orchestrator turn-taking state of one session.
type State string

const (
	StateIdle         State = "idle"
	StateGreeting     State = "greeting"
	StateListening    State = "listening"
	StateTranscribing State = "transcribing"
	StateReasoning    State = "reasoning"
	StateSynthesizing State = "synthesizing"
	StateSpeaking     State = "speaking"
	StateInterrupted  State = "interrupted"
	StateStreaming    State = "streaming"
	StateClosed       State = "closed"
)

// assistantActive reports whether assistant audio is being produced or
// played, which is when user speech counts as a barge-in.
func (s State) assistantActive() bool {
	return s == StateSynthesizing || s == StateSpeaking
}

// transitions lists the states each state may move to. Closed is terminal.
var transitions = map[State][]State{
	StateIdle:         {StateGreeting, StateTranscribing, StateStreaming, StateClosed},
	StateGreeting:     {StateSynthesizing, StateListening, StateStreaming, StateClosed},
	StateListening:    {StateGreeting, StateTranscribing, StateClosed},
	StateTranscribing: {StateReasoning, StateListening, StateSynthesizing, StateClosed},
	StateReasoning:    {StateSynthesizing, StateListening, StateClosed},
	StateSynthesizing: {StateSpeaking, StateInterrupted, StateListening, StateClosed},
	StateSpeaking:     {StateListening, StateInterrupted, StateSynthesizing, StateClosed},
	StateInterrupted:  {StateTranscribing, StateClosed},
	StateStreaming:    {StateGreeting, StateClosed},
}

// canTransition reports whether next is a legal successor of s.
func (s State) canTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
