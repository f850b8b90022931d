// Package protocol defines the wire frames exchanged with the Vakta chat
// service over the conversation websocket.
//
// Inbound frames carry their kind in an "mt" field; older service builds
// used "type", and a handful of legacy frames carry no discriminator at
// all. DecodeServerFrame normalizes all of these into typed frames.
package protocol

import (
	"encoding/json"
	"strings"
	"unicode/utf8"
)

// Frame kinds the service is known to emit.
const (
	KindConnected           = "connected"
	KindUserMessageReceived = "user_message_received"
	KindStreamStart         = "stream_start"
	KindStreamChunk         = "stream_chunk"
	KindStreamEnd           = "stream_end"
	KindTypingIndicator     = "typing_indicator"
	KindStopTyping          = "stop_typing_indicator"
	KindThinkingIndicator   = "thinking_indicator"
	KindTokenLimitExceeded  = "token_limit_exceeded"
	KindError               = "error"
	KindAudio               = "audio"
	KindAudioChunk          = "audio_chunk"
	KindAudioGenStart       = "audio_generation_start"
	KindAudioGenComplete    = "audio_generation_complete"

	// Legacy kinds still emitted by older service builds.
	KindUserMessage = "user_message"
	KindBotMessage  = "bot_message"
	KindStatus      = "status"
)

// Frame is an inbound server frame.
type Frame interface {
	frameKind() string
}

// Connected acknowledges channel establishment.
type Connected struct {
	ConversationID string `json:"conversation_id,omitempty"`
}

func (Connected) frameKind() string { return KindConnected }

// UserMessageReceived echoes a user message back, optionally carrying a
// bot-originated warning instead of the user's own text.
type UserMessageReceived struct {
	Message   string `json:"message"`
	MessageID string `json:"messageId,omitempty"`
	IsWarning bool   `json:"is_warning,omitempty"`
}

func (UserMessageReceived) frameKind() string { return KindUserMessageReceived }

// StreamStart opens an assistant turn.
type StreamStart struct {
	MessageID string `json:"messageId"`
}

func (StreamStart) frameKind() string { return KindStreamStart }

// StreamChunk appends text to the open assistant turn.
type StreamChunk struct {
	Chunk     string `json:"chunk"`
	MessageID string `json:"messageId,omitempty"`
}

func (StreamChunk) frameKind() string { return KindStreamChunk }

// StreamEnd closes the assistant turn. FullText, when present, is the
// authoritative final content and replaces the locally assembled text.
type StreamEnd struct {
	MessageID string `json:"messageId,omitempty"`
	FullText  string `json:"fullText,omitempty"`
}

func (StreamEnd) frameKind() string { return KindStreamEnd }

// TypingIndicator marks the assistant busy.
type TypingIndicator struct{}

func (TypingIndicator) frameKind() string { return KindTypingIndicator }

// StopTypingIndicator clears the busy state.
type StopTypingIndicator struct{}

func (StopTypingIndicator) frameKind() string { return KindStopTyping }

// ThinkingIndicator carries a progress label while the assistant works.
type ThinkingIndicator struct {
	Message string `json:"message,omitempty"`
	Status  string `json:"status,omitempty"`
}

func (ThinkingIndicator) frameKind() string { return KindThinkingIndicator }

// TokenLimitExceeded reports quota exhaustion or a daily cap.
type TokenLimitExceeded struct {
	Message            string  `json:"message"`
	TokensRemaining    *int64  `json:"tokensRemaining,omitempty"`
	Service            string  `json:"service,omitempty"`
	UpgradeRequired    bool    `json:"upgradeRequired,omitempty"`
	TokensNeeded       int64   `json:"tokensNeeded,omitempty"`
	TokensUsed         int64   `json:"tokensUsed,omitempty"`
	TokenLimit         int64   `json:"tokenLimit,omitempty"`
	PercentageUsed     float64 `json:"percentageUsed,omitempty"`
	DailyLimitExceeded bool    `json:"dailyLimitExceeded,omitempty"`
}

func (TokenLimitExceeded) frameKind() string { return KindTokenLimitExceeded }

// ErrorFrame carries a service-reported error message.
type ErrorFrame struct {
	Error string `json:"error"`
}

func (ErrorFrame) frameKind() string { return KindError }

// RawPhoneme is a backend phoneme record as delivered on the wire.
type RawPhoneme struct {
	TimeMillis int64    `json:"time"`
	Phoneme    string   `json:"phoneme"`
	Weight     *float64 `json:"weight,omitempty"`
}

// AudioChunk announces a playable speech segment with phoneme timing.
// Emitted as both "audio" and "audio_chunk" depending on service build.
type AudioChunk struct {
	AudioURL       string       `json:"audioUrl"`
	Phonemes       []RawPhoneme `json:"phonemes"`
	ChunkIndex     *int         `json:"chunkIndex,omitempty"`
	MessageID      string       `json:"messageId,omitempty"`
	ConversationID string       `json:"conversationId,omitempty"`
	IsCompressed   bool         `json:"is_compressed,omitempty"`
}

func (AudioChunk) frameKind() string { return KindAudioChunk }

// AudioGenerationStart marks the beginning of server-side speech synthesis.
type AudioGenerationStart struct {
	MessageID string `json:"messageId,omitempty"`
}

func (AudioGenerationStart) frameKind() string { return KindAudioGenStart }

// AudioGenerationComplete marks the end of server-side speech synthesis.
type AudioGenerationComplete struct {
	MessageID string `json:"messageId,omitempty"`
}

func (AudioGenerationComplete) frameKind() string { return KindAudioGenComplete }

// LegacyUserMessage is the pre-"mt" user echo frame.
type LegacyUserMessage struct {
	Message string `json:"message"`
}

func (LegacyUserMessage) frameKind() string { return KindUserMessage }

// LegacyBotMessage is the pre-streaming complete assistant reply frame.
type LegacyBotMessage struct {
	Message string `json:"message"`
}

func (LegacyBotMessage) frameKind() string { return KindBotMessage }

// LegacyStatus is the pre-"thinking_indicator" progress frame.
type LegacyStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

func (LegacyStatus) frameKind() string { return KindStatus }

// RawText is the fallback for frames that do not parse as structured data,
// or that carry an unrecognized discriminator with a plain string body.
// Consumers treat it as best-effort assistant text.
type RawText struct {
	Text string
}

func (RawText) frameKind() string { return "raw_text" }

// Unknown wraps a structured frame with an unrecognized discriminator and
// no usable message text. Consumers log and drop it.
type Unknown struct {
	Kind string
	Raw  json.RawMessage
}

func (u Unknown) frameKind() string { return u.Kind }

type envelope struct {
	MT      string          `json:"mt"`
	Type    string          `json:"type"`
	Message json.RawMessage `json:"message"`
}

// DecodeServerFrame decodes one inbound websocket payload into a typed
// frame. It never fails on malformed input: anything that cannot be parsed
// as a structured frame degrades to RawText so the caller can decide
// whether the payload is worth showing. A nil frame is never returned
// without an error.
func DecodeServerFrame(data []byte) (Frame, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		// Not an object. A bare JSON string is still a valid frame body.
		var text string
		if jsonErr := json.Unmarshal(data, &text); jsonErr == nil {
			return RawText{Text: text}, nil
		}
		if utf8.Valid(data) {
			return RawText{Text: string(data)}, nil
		}
		return nil, &DecodeError{Code: "invalid_frame", Message: "frame is neither JSON nor text"}
	}

	kind := strings.TrimSpace(env.MT)
	if kind == "" {
		kind = strings.TrimSpace(env.Type)
	}
	if kind == "" {
		// No discriminator at all: a frame with a string message field is
		// treated as raw assistant text.
		if text, ok := rawString(env.Message); ok {
			return RawText{Text: text}, nil
		}
		return nil, &DecodeError{Code: "missing_kind", Message: "frame has no mt/type discriminator"}
	}

	switch kind {
	case KindConnected:
		return decodeAs[Connected](data, kind)
	case KindUserMessageReceived:
		return decodeAs[UserMessageReceived](data, kind)
	case KindStreamStart:
		return decodeAs[StreamStart](data, kind)
	case KindStreamChunk:
		return decodeAs[StreamChunk](data, kind)
	case KindStreamEnd:
		return decodeAs[StreamEnd](data, kind)
	case KindTypingIndicator:
		return TypingIndicator{}, nil
	case KindStopTyping:
		return StopTypingIndicator{}, nil
	case KindThinkingIndicator:
		return decodeAs[ThinkingIndicator](data, kind)
	case KindTokenLimitExceeded:
		return decodeAs[TokenLimitExceeded](data, kind)
	case KindError:
		return decodeAs[ErrorFrame](data, kind)
	case KindAudio, KindAudioChunk:
		return decodeAs[AudioChunk](data, kind)
	case KindAudioGenStart:
		return decodeAs[AudioGenerationStart](data, kind)
	case KindAudioGenComplete:
		return decodeAs[AudioGenerationComplete](data, kind)
	case KindUserMessage:
		return decodeAs[LegacyUserMessage](data, kind)
	case KindBotMessage:
		return decodeAs[LegacyBotMessage](data, kind)
	case KindStatus:
		return decodeAs[LegacyStatus](data, kind)
	default:
		if text, ok := rawString(env.Message); ok {
			return RawText{Text: text}, nil
		}
		return Unknown{Kind: kind, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}

func decodeAs[T Frame](data []byte, kind string) (Frame, error) {
	var frame T
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, &DecodeError{Code: "invalid_frame", Message: "decode " + kind + " frame: " + err.Error()}
	}
	return frame, nil
}

func rawString(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return "", false
	}
	return text, true
}
