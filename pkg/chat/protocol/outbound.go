package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MessageUpload is the single outbound payload per user send. The service
// reads both "message" and "content" (and both audio flags); the duplicated
// fields exist for compatibility across service builds and must stay in
// sync.
type MessageUpload struct {
	MT           string   `json:"mt"`
	Message      string   `json:"message"`
	Content      string   `json:"content"`
	Timestamp    string   `json:"timestamp"`
	Timezone     string   `json:"timezone,omitempty"`
	LanguageCode string   `json:"languageCode,omitempty"`
	IsAudioSnake bool     `json:"is_audio"`
	IsAudioCamel bool     `json:"isAudio"`
	Token        string   `json:"token,omitempty"`
	AudioURL     string   `json:"audio_url,omitempty"`
	Images       []string `json:"images,omitempty"`
	PDFs         []string `json:"pdfs,omitempty"`
}

// NewMessageUpload builds a message_upload frame with both content fields
// and both audio flags populated.
func NewMessageUpload(text, timestamp string, isAudio bool) MessageUpload {
	return MessageUpload{
		MT:           "message_upload",
		Message:      text,
		Content:      text,
		Timestamp:    timestamp,
		IsAudioSnake: isAudio,
		IsAudioCamel: isAudio,
	}
}

// Validate checks the frame is sendable.
func (m MessageUpload) Validate() error {
	if m.MT != "message_upload" {
		return &DecodeError{Code: "bad_frame", Message: fmt.Sprintf("outbound mt must be message_upload, got %q", m.MT)}
	}
	if strings.TrimSpace(m.Message) == "" && len(m.Images) == 0 && len(m.PDFs) == 0 && strings.TrimSpace(m.AudioURL) == "" {
		return &DecodeError{Code: "empty_message", Message: "message has no text, attachments, or audio"}
	}
	return nil
}

// DecodeError reports a malformed or unsendable frame.
type DecodeError struct {
	Code    string
	Message string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// UploadResponse is returned by the side HTTP attachment upload.
type UploadResponse struct {
	URLs []string `json:"urls"`
}

// EncodeClientFrame marshals an outbound frame.
func EncodeClientFrame(m MessageUpload) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}
