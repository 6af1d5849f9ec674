package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; anything touching
// live pipeline state (rates, endpoints, transports) requires a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// GreetingChanged: new sessions pick up the new opening line; running
	// sessions are unaffected.
	GreetingChanged bool
	NewGreeting     string

	// SuggestionLimitsChanged: new sessions get queues with the new bound
	// and rate limit.
	SuggestionLimitsChanged bool
	NewMaxQueueSize         int
	NewRateLimitMs          int

	// MemoryQueryChanged: new sessions run the new retrieval prompt.
	MemoryQueryChanged bool
	NewMemoryQuery     string
}

// Any reports whether the diff contains at least one change.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.GreetingChanged || d.SuggestionLimitsChanged || d.MemoryQueryChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Greeting.Text != new.Greeting.Text {
		d.GreetingChanged = true
		d.NewGreeting = new.Greeting.Text
	}

	if old.Suggestion.MaxQueueSize != new.Suggestion.MaxQueueSize ||
		old.Suggestion.RateLimitMs != new.Suggestion.RateLimitMs {
		d.SuggestionLimitsChanged = true
		d.NewMaxQueueSize = new.Suggestion.MaxQueueSize
		d.NewRateLimitMs = new.Suggestion.RateLimitMs
	}

	if old.Memory.Query != new.Memory.Query {
		d.MemoryQueryChanged = true
		d.NewMemoryQuery = new.Memory.Query
	}

	return d
}
