package vakta

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/NaveenVaktaAi/vakta-go/pkg/chat/protocol"
)

// uploadAttachments posts one group of files to the side upload endpoint
// and returns the service-assigned references, in the same order as the
// input.
func (s *Session) uploadAttachments(ctx context.Context, files []OutgoingAttachment) ([]string, error) {
	endpoint, err := s.client.endpoint("/uploads/" + s.conversationID)
	if err != nil {
		return nil, err
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if err := writer.WriteField("conversation_id", s.conversationID); err != nil {
		return nil, fmt.Errorf("building upload form: %w", err)
	}
	for _, f := range files {
		part, err := writer.CreateFormFile("files", f.Name)
		if err != nil {
			return nil, fmt.Errorf("building upload form: %w", err)
		}
		if _, err := part.Write(f.Data); err != nil {
			return nil, fmt.Errorf("building upload form: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("building upload form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return nil, &TransportError{Op: "POST", URL: endpoint, Err: err}
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if s.client.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.client.token)
	}

	resp, err := s.client.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "POST", URL: endpoint, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, NewAuthenticationError(fmt.Sprintf("upload rejected with status %d", resp.StatusCode))
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, NewNotFoundError("upload endpoint not found for conversation " + s.conversationID)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, NewAPIError(fmt.Sprintf("upload failed with status %d", resp.StatusCode))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &TransportError{Op: "POST", URL: endpoint, Err: err}
	}
	var parsed protocol.UploadResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, NewAPIError(fmt.Sprintf("upload response is not valid JSON: %v", err))
	}
	if len(parsed.URLs) != len(files) {
		return nil, NewAPIError(fmt.Sprintf("upload returned %d references for %d files", len(parsed.URLs), len(files)))
	}
	return parsed.URLs, nil
}
