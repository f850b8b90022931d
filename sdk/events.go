package vakta

// SessionEvent is a typed event emitted by Session.Events().
type SessionEvent interface {
	sessionEventType() string
}

// ConnectedEvent signals the service acknowledged the channel.
type ConnectedEvent struct {
	ConversationID string
}

func (ConnectedEvent) sessionEventType() string { return "connected" }

// MessageEvent carries a newly appended complete message (user echo,
// warning, legacy bot reply, or raw-text fallback).
type MessageEvent struct {
	Message ConversationMessage
}

func (MessageEvent) sessionEventType() string { return "message" }

// StreamChunkEvent carries one appended chunk of the open assistant turn.
type StreamChunkEvent struct {
	MessageID string
	Chunk     string
}

func (StreamChunkEvent) sessionEventType() string { return "stream_chunk" }

// StreamEndEvent carries the closed assistant message with its final
// content.
type StreamEndEvent struct {
	Message ConversationMessage
}

func (StreamEndEvent) sessionEventType() string { return "stream_end" }

// TypingEvent reports busy-indicator transitions.
type TypingEvent struct {
	Active bool
}

func (TypingEvent) sessionEventType() string { return "typing" }

// ThinkingEvent carries the assistant's progress label.
type ThinkingEvent struct {
	Label  string
	Status string
}

func (ThinkingEvent) sessionEventType() string { return "thinking" }

// UsageLimitEvent carries a blocking usage-limit notice. Non-blocking
// signals are recorded on the session but not emitted.
type UsageLimitEvent struct {
	Notice UsageLimitNotice
}

func (UsageLimitEvent) sessionEventType() string { return "usage_limit" }

// ErrorEvent carries a service-reported error message. The session stays
// usable; transport-level failures surface through State() instead.
type ErrorEvent struct {
	Message string
}

func (ErrorEvent) sessionEventType() string { return "error" }

// AudioGenerationEvent reports server-side speech synthesis progress.
type AudioGenerationEvent struct {
	MessageID string
	Complete  bool
}

func (AudioGenerationEvent) sessionEventType() string { return "audio_generation" }
