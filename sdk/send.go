package vakta

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/NaveenVaktaAi/vakta-go/pkg/chat/protocol"
)

// SendOptions tunes one outbound user message.
type SendOptions struct {
	// WantAudio asks the service to synthesize speech for the reply.
	WantAudio bool

	// LanguageCode and Timezone annotate the message for the service;
	// both are optional.
	LanguageCode string
	Timezone     string

	// AudioURL references already-uploaded user speech.
	AudioURL string

	// Attachments are files to upload alongside the text.
	Attachments []OutgoingAttachment
}

// OutgoingAttachment is a file the user selected for sending.
type OutgoingAttachment struct {
	Kind AttachmentKind
	Name string
	Data []byte
}

// Send transmits one user message on the channel. Sends against a closed
// session and sends with nothing to say are logged and dropped rather than
// returned as errors; only transport write failures surface.
func (s *Session) Send(ctx context.Context, text string, opts SendOptions) error {
	if s == nil {
		return nil
	}
	if s.closed.Load() {
		s.client.logger.Warn("send dropped", "conversation", s.conversationID,
			"error", NewSessionClosedError("no open channel"))
		return nil
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" && len(opts.Attachments) == 0 && strings.TrimSpace(opts.AudioURL) == "" {
		s.client.logger.Warn("send dropped, message is empty", "conversation", s.conversationID)
		return nil
	}

	// Suppress an accidental double-send of the same text back to back.
	// The idempotency token below covers the server side of the same
	// problem for replayed frames.
	if trimmed != "" {
		s.mu.Lock()
		last := s.transcript.lastOfRole(RoleUser)
		duplicate := last != nil && last.Content == trimmed
		s.mu.Unlock()
		if duplicate {
			s.client.logger.Debug("send dropped, duplicate of previous user message", "conversation", s.conversationID)
			return nil
		}
	}

	token := uuid.NewString()
	upload := protocol.NewMessageUpload(trimmed, time.Now().UTC().Format(time.RFC3339), opts.WantAudio)
	upload.Token = token
	upload.Timezone = opts.Timezone
	upload.LanguageCode = opts.LanguageCode
	upload.AudioURL = strings.TrimSpace(opts.AudioURL)

	attachments := s.pushAttachments(ctx, opts.Attachments, &upload)

	s.mu.Lock()
	msg := s.transcript.append(ConversationMessage{
		ID:          token,
		Role:        RoleUser,
		Content:     trimmed,
		Attachments: attachments,
	})
	s.mu.Unlock()
	s.emit(MessageEvent{Message: msg})
	s.recordHistory(msg)

	data, err := protocol.EncodeClientFrame(upload)
	if err != nil {
		s.client.logger.Warn("send dropped, frame failed validation", "conversation", s.conversationID, "error", err)
		return nil
	}

	s.writeMu.Lock()
	err = s.conn.WriteMessage(websocket.TextMessage, data)
	s.writeMu.Unlock()
	if err != nil {
		if s.closed.Load() {
			// The channel went away between the entry check and the
			// write; same silent-drop contract as a closed session.
			s.client.logger.Warn("send dropped", "conversation", s.conversationID,
				"error", NewSessionClosedError("channel closed during write"))
			return nil
		}
		s.setStatus(StatusError)
		return &TransportError{Op: "WRITE", URL: s.client.baseURL, Err: err}
	}
	return nil
}

// pushAttachments uploads the selected files grouped by kind, fills the
// outbound frame's reference lists, and returns the transcript-side
// attachment records. Upload failures degrade to a text-only send.
func (s *Session) pushAttachments(ctx context.Context, files []OutgoingAttachment, upload *protocol.MessageUpload) []Attachment {
	if len(files) == 0 {
		return nil
	}

	var images, documents []OutgoingAttachment
	for _, f := range files {
		if f.Kind == AttachmentImage {
			images = append(images, f)
		} else {
			documents = append(documents, f)
		}
	}

	var records []Attachment
	if len(images) > 0 {
		urls, err := s.uploadAttachments(ctx, images)
		if err != nil {
			s.client.logger.Warn("image upload failed, sending without attachments", "conversation", s.conversationID, "error", err)
		} else {
			upload.Images = urls
			records = append(records, attachmentRecords(AttachmentImage, images, urls)...)
		}
	}
	if len(documents) > 0 {
		urls, err := s.uploadAttachments(ctx, documents)
		if err != nil {
			s.client.logger.Warn("document upload failed, sending without attachments", "conversation", s.conversationID, "error", err)
		} else {
			upload.PDFs = urls
			records = append(records, attachmentRecords(AttachmentDocument, documents, urls)...)
		}
	}
	return records
}

func attachmentRecords(kind AttachmentKind, files []OutgoingAttachment, urls []string) []Attachment {
	records := make([]Attachment, 0, len(files))
	for i, f := range files {
		ref := f.Name
		if i < len(urls) {
			ref = urls[i]
		}
		records = append(records, Attachment{
			ID:               uuid.NewString(),
			Kind:             kind,
			DisplayReference: ref,
			OriginalName:     f.Name,
		})
	}
	return records
}
