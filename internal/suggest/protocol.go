package suggest

import "time"

// Wire message type discriminators.
const (
	// Client → server.
	TypeAuth   = "auth"
	TypeInject = "inject_suggestion"
	TypePing   = "ping"

	// Server → client.
	TypeAuthResult         = "auth_result"
	TypeSuggestionApplied  = "suggestion_applied"
	TypeSuggestionRejected = "suggestion_rejected"
	TypeUserSpeech         = "user_speech"
	TypePong               = "pong"
	TypeError              = "error"
)

// clientMessage is the decoded form of every client → server message; the
// Type field selects which other fields are meaningful.
type clientMessage struct {
	Type      string `json:"type"`
	Token     string `json:"token,omitempty"`
	Text      string `json:"text,omitempty"`
	Priority  string `json:"priority,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// authResult acknowledges an auth attempt.
type authResult struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// suggestionApplied acknowledges an accepted injection.
type suggestionApplied struct {
	Type      string    `json:"type"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// suggestionRejected reports a refused injection.
type suggestionRejected struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// userSpeech notifies connected supervisors that the caller spoke.
type userSpeech struct {
	Type       string    `json:"type"`
	DurationMs int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

// pong answers a keepalive ping.
type pong struct {
	Type string `json:"type"`
}

// errorMessage reports a protocol-level problem that is not an injection
// rejection.
type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
