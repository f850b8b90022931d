package vakta

import (
	"strings"
	"time"
)

// Role identifies who authored a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// AttachmentKind classifies an outgoing or rendered attachment.
type AttachmentKind string

const (
	AttachmentImage    AttachmentKind = "image"
	AttachmentDocument AttachmentKind = "document"
)

// Attachment describes a file attached to a conversation message. The
// binary travels over a side HTTP upload; only the display reference is
// kept with the message.
type Attachment struct {
	ID               string
	Kind             AttachmentKind
	DisplayReference string
	OriginalName     string
}

// ConversationMessage is one entry in the assembled transcript. Content of
// an assistant message mutates only while the turn is open; a later
// stream_end may replace it once with the service's authoritative text.
type ConversationMessage struct {
	ID          string
	Role        Role
	Content     string
	CreatedAt   time.Time
	Attachments []Attachment
}

// transcript reconstructs the ordered message list from stream lifecycle
// events. At most one assistant message is open for appends at a time, and
// it is always the most recently appended message.
type transcript struct {
	messages  []ConversationMessage
	openIndex int // index of the open assistant message, -1 when none
	now       func() time.Time
}

func newTranscript() *transcript {
	return &transcript{openIndex: -1, now: time.Now}
}

// hasMessage reports whether a message with the given id already exists.
func (t *transcript) hasMessage(id string) bool {
	if id == "" {
		return false
	}
	for i := range t.messages {
		if t.messages[i].ID == id {
			return true
		}
	}
	return false
}

// openTurn appends a new empty assistant message and marks it open. Any
// previously open turn is implicitly closed first; the service never
// interleaves turns, but a lost stream_end must not wedge the assembler.
func (t *transcript) openTurn(messageID string) *ConversationMessage {
	t.openIndex = -1
	t.messages = append(t.messages, ConversationMessage{
		ID:        messageID,
		Role:      RoleAssistant,
		CreatedAt: t.now(),
	})
	t.openIndex = len(t.messages) - 1
	return &t.messages[t.openIndex]
}

// appendChunk adds chunk text to the open assistant message, creating one
// defensively when no turn is open. Empty chunks and chunks that are
// already a suffix of the current content (redelivery) are ignored. The
// return reports whether content changed.
func (t *transcript) appendChunk(messageID, chunk string) bool {
	if chunk == "" {
		return false
	}
	if t.openIndex < 0 {
		t.openTurn(messageID)
	}
	open := &t.messages[t.openIndex]
	if open.Content != "" && strings.HasSuffix(open.Content, chunk) {
		return false
	}
	open.Content += chunk
	return true
}

// closeTurn closes the open assistant message, replacing its content with
// fullText when the service supplies a differing authoritative version.
// Returns the closed message and true when a turn was open.
func (t *transcript) closeTurn(fullText string) (ConversationMessage, bool) {
	if t.openIndex < 0 {
		return ConversationMessage{}, false
	}
	open := &t.messages[t.openIndex]
	if fullText != "" && fullText != open.Content {
		open.Content = fullText
	}
	closed := *open
	t.openIndex = -1
	return closed, true
}

// open returns the open assistant message, or nil.
func (t *transcript) open() *ConversationMessage {
	if t.openIndex < 0 {
		return nil
	}
	return &t.messages[t.openIndex]
}

// append adds a complete (closed) message to the transcript. When an
// assistant turn is open the new message slots in just before it, so the
// open message stays the most recently appended and chunks keep landing on
// it.
func (t *transcript) append(msg ConversationMessage) ConversationMessage {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = t.now()
	}
	if t.openIndex >= 0 {
		t.messages = append(t.messages, ConversationMessage{})
		copy(t.messages[t.openIndex+1:], t.messages[t.openIndex:])
		t.messages[t.openIndex] = msg
		t.openIndex++
		return msg
	}
	t.messages = append(t.messages, msg)
	return msg
}

// lastOfRole returns the most recent message with the given role, or nil.
func (t *transcript) lastOfRole(role Role) *ConversationMessage {
	for i := len(t.messages) - 1; i >= 0; i-- {
		if t.messages[i].Role == role {
			return &t.messages[i]
		}
	}
	return nil
}

// snapshot returns a copy of the assembled messages.
func (t *transcript) snapshot() []ConversationMessage {
	out := make([]ConversationMessage, len(t.messages))
	copy(out, t.messages)
	return out
}
