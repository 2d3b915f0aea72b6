package types

// Role of a chat message author
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the conversation sent to the generation endpoint
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Range is an inclusive line range selected by the user
type Range struct {
	Start int // 1-indexed
	End   int // 1-indexed, inclusive
}

// Valid reports whether the range addresses at least one line
func (r Range) Valid() bool {
	return r.Start >= 1 && r.End >= r.Start
}

// SessionKind identifies how a session writes into the surface
type SessionKind string

const (
	SessionInline SessionKind = "inline"
	SessionChat   SessionKind = "chat"
)

// GenerationConfig holds the settings used to build and send generation requests
type GenerationConfig struct {
	APIURL             string // Full chat completions URL (e.g., "http://localhost:8080/v1/chat/completions")
	APIKey             string // Optional bearer token
	Model              string // Model name sent in the payload ("tgi" for TGI)
	MaxTokens          int    // max_tokens budget per request
	CompletionTimeout  int    // Timeout for a whole generation in milliseconds (0 = none)
	InlineSystemPrompt string
	ChatSystemPrompt   string
}
