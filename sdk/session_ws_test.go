package vakta

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// chatServer is a scripted stand-in for the tutoring service: it upgrades
// websocket requests under /ws/chat/ and answers attachment uploads under
// /uploads/.
type chatServer struct {
	*httptest.Server
	received     chan []byte
	uploadURLs   []string
	uploadStatus int
}

func newChatServer(t *testing.T, script func(conn *websocket.Conn)) *chatServer {
	t.Helper()
	cs := &chatServer{received: make(chan []byte, 16)}
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/chat/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		if script != nil {
			script(conn)
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			cs.received <- data
		}
	})
	mux.HandleFunc("/uploads/", func(w http.ResponseWriter, r *http.Request) {
		if cs.uploadStatus != 0 {
			http.Error(w, http.StatusText(cs.uploadStatus), cs.uploadStatus)
			return
		}
		if err := r.ParseMultipartForm(4 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		urls := cs.uploadURLs
		if urls == nil {
			for _, fh := range r.MultipartForm.File["files"] {
				urls = append(urls, "https://cdn.example.test/"+fh.Filename)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string][]string{"urls": urls})
	})

	cs.Server = httptest.NewServer(mux)
	t.Cleanup(cs.Close)
	return cs
}

func waitForEvent[T SessionEvent](t *testing.T, s *Session) T {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case e, ok := <-s.Events():
			if !ok {
				t.Fatal("event channel closed while waiting")
			}
			if typed, ok := e.(T); ok {
				return typed
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func TestConnectDeliversConnectedEvent(t *testing.T) {
	server := newChatServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"mt":"connected"}`))
	})

	client := NewClient(server.URL, WithToken("secret"))
	session, err := client.Chat.Connect(context.Background(), &ConnectRequest{ConversationID: "conv-1"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer session.Close()

	ev := waitForEvent[ConnectedEvent](t, session)
	if ev.ConversationID != "conv-1" {
		t.Errorf("conversation = %q, want conv-1", ev.ConversationID)
	}
	if got := session.State().ConnectionStatus; got != StatusConnected {
		t.Errorf("status = %q, want connected", got)
	}

	if err := session.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := session.Err(); err != nil {
		t.Errorf("Err after clean close = %v, want nil", err)
	}
}

func TestConnectSendsBearerToken(t *testing.T) {
	var gotAuth string
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer server.Close()

	client := NewClient(server.URL, WithToken("tok-123"))
	session, err := client.Chat.Connect(context.Background(), &ConnectRequest{ConversationID: "conv-1"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	session.Close()

	if gotAuth != "Bearer tok-123" {
		t.Errorf("Authorization = %q, want Bearer tok-123", gotAuth)
	}
}

func TestConnectRejectedUpgrade(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer server.Close()

	client := NewClient(server.URL)
	_, err := client.Chat.Connect(context.Background(), &ConnectRequest{ConversationID: "conv-1"})
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want *TransportError", err)
	}
}

func TestConnectValidatesConversationID(t *testing.T) {
	client := NewClient("http://chat.example.test")
	_, err := client.Chat.Connect(context.Background(), &ConnectRequest{ConversationID: "  "})
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.Type != ErrInvalidRequest {
		t.Fatalf("err = %v, want invalid request error", err)
	}
}

func TestSendDeliversMessageUpload(t *testing.T) {
	server := newChatServer(t, nil)
	client := NewClient(server.URL)
	session, err := client.Chat.Connect(context.Background(), &ConnectRequest{ConversationID: "conv-1"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer session.Close()

	if err := session.Send(context.Background(), "Explain recursion", SendOptions{WantAudio: true, LanguageCode: "en"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case data := <-server.received:
		var got map[string]any
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("unmarshal sent frame: %v", err)
		}
		if got["mt"] != "message_upload" {
			t.Errorf("mt = %v, want message_upload", got["mt"])
		}
		if got["message"] != "Explain recursion" || got["content"] != "Explain recursion" {
			t.Errorf("message/content = %v / %v", got["message"], got["content"])
		}
		if got["is_audio"] != true || got["isAudio"] != true {
			t.Errorf("audio flags = %v / %v, want true/true", got["is_audio"], got["isAudio"])
		}
		if token, _ := got["token"].(string); token == "" {
			t.Error("token must be set")
		}
		if ts, _ := got["timestamp"].(string); ts == "" {
			t.Error("timestamp must be set")
		} else if _, err := time.Parse(time.RFC3339, ts); err != nil {
			t.Errorf("timestamp %q is not RFC 3339: %v", ts, err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server never received the message")
	}

	msgs := session.Messages()
	if len(msgs) != 1 || msgs[0].Role != RoleUser {
		t.Fatalf("local echo missing, messages = %+v", msgs)
	}
}

func TestSendEmptyIsDroppedSilently(t *testing.T) {
	server := newChatServer(t, nil)
	client := NewClient(server.URL)
	session, err := client.Chat.Connect(context.Background(), &ConnectRequest{ConversationID: "conv-1"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer session.Close()

	if err := session.Send(context.Background(), "   ", SendOptions{}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case data := <-server.received:
		t.Fatalf("server received %s, want nothing", data)
	case <-time.After(200 * time.Millisecond):
	}
	if got := len(session.Messages()); got != 0 {
		t.Errorf("transcript has %d messages, want 0", got)
	}
}

func TestSendAfterCloseIsDroppedSilently(t *testing.T) {
	server := newChatServer(t, nil)
	client := NewClient(server.URL)
	session, err := client.Chat.Connect(context.Background(), &ConnectRequest{ConversationID: "conv-1"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	session.Close()

	if err := session.Send(context.Background(), "anyone there?", SendOptions{}); err != nil {
		t.Fatalf("Send after close = %v, want nil", err)
	}
}

func TestSendDuplicateTextSuppressed(t *testing.T) {
	server := newChatServer(t, nil)
	client := NewClient(server.URL)
	session, err := client.Chat.Connect(context.Background(), &ConnectRequest{ConversationID: "conv-1"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer session.Close()

	if err := session.Send(context.Background(), "same question", SendOptions{}); err != nil {
		t.Fatalf("first Send: %v", err)
	}
	<-server.received
	if err := session.Send(context.Background(), "same question", SendOptions{}); err != nil {
		t.Fatalf("second Send: %v", err)
	}

	select {
	case data := <-server.received:
		t.Fatalf("server received duplicate %s", data)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSendUploadsAttachments(t *testing.T) {
	server := newChatServer(t, nil)
	server.uploadURLs = []string{"https://cdn.example.test/diagram.png"}

	client := NewClient(server.URL)
	session, err := client.Chat.Connect(context.Background(), &ConnectRequest{ConversationID: "conv-1"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer session.Close()

	err = session.Send(context.Background(), "what does this show?", SendOptions{
		Attachments: []OutgoingAttachment{{Kind: AttachmentImage, Name: "diagram.png", Data: []byte("png-bytes")}},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case data := <-server.received:
		if !strings.Contains(string(data), "https://cdn.example.test/diagram.png") {
			t.Errorf("frame missing uploaded reference: %s", data)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server never received the message")
	}

	msgs := session.Messages()
	if len(msgs) != 1 || len(msgs[0].Attachments) != 1 {
		t.Fatalf("messages = %+v, want one message with one attachment", msgs)
	}
	att := msgs[0].Attachments[0]
	if att.DisplayReference != "https://cdn.example.test/diagram.png" {
		t.Errorf("display reference = %q", att.DisplayReference)
	}
	if att.OriginalName != "diagram.png" {
		t.Errorf("original name = %q", att.OriginalName)
	}
}

func TestSendAfterRemoteCloseIsDropped(t *testing.T) {
	server := newChatServer(t, func(conn *websocket.Conn) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	})

	client := NewClient(server.URL)
	session, err := client.Chat.Connect(context.Background(), &ConnectRequest{ConversationID: "conv-1"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	deadline := time.After(3 * time.Second)
drain:
	for {
		select {
		case _, ok := <-session.Events():
			if !ok {
				break drain
			}
		case <-deadline:
			t.Fatal("session never shut down after server close")
		}
	}
	if got := session.State().ConnectionStatus; got != StatusDisconnected {
		t.Errorf("status = %q, want disconnected", got)
	}

	// The channel is gone; the send must drop silently, not panic or
	// surface an error.
	if err := session.Send(context.Background(), "hello?", SendOptions{}); err != nil {
		t.Fatalf("Send after remote close = %v, want nil", err)
	}
	if got := len(session.Messages()); got != 0 {
		t.Errorf("transcript has %d messages after dropped send, want 0", got)
	}
	if err := session.Close(); err != nil {
		t.Fatalf("Close after remote close: %v", err)
	}
}

func TestSendAttachmentUploadFailureDegradesToText(t *testing.T) {
	server := newChatServer(t, nil)
	server.uploadStatus = http.StatusNotFound

	client := NewClient(server.URL)
	session, err := client.Chat.Connect(context.Background(), &ConnectRequest{ConversationID: "conv-1"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer session.Close()

	err = session.Send(context.Background(), "what does this show?", SendOptions{
		Attachments: []OutgoingAttachment{{Kind: AttachmentImage, Name: "diagram.png", Data: []byte("png-bytes")}},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case data := <-server.received:
		var got map[string]any
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("unmarshal sent frame: %v", err)
		}
		if got["message"] != "what does this show?" {
			t.Errorf("message = %v", got["message"])
		}
		if _, present := got["images"]; present {
			t.Error("frame should carry no image references after a failed upload")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server never received the message")
	}

	msgs := session.Messages()
	if len(msgs) != 1 || len(msgs[0].Attachments) != 0 {
		t.Fatalf("messages = %+v, want one text-only message", msgs)
	}
}

func TestConnectIsSingleFlight(t *testing.T) {
	server := newChatServer(t, nil)
	client := NewClient(server.URL)

	first, err := client.Chat.Connect(context.Background(), &ConnectRequest{ConversationID: "conv-a"})
	if err != nil {
		t.Fatalf("first Connect: %v", err)
	}
	second, err := client.Chat.Connect(context.Background(), &ConnectRequest{ConversationID: "conv-b"})
	if err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	defer second.Close()

	// The first session's read loop must have fully exited before the
	// second channel opened; its event channel is closed.
	select {
	case _, ok := <-first.Events():
		if ok {
			// Drain any buffered event; the channel still has to close.
			for range first.Events() {
			}
		}
	case <-time.After(3 * time.Second):
		t.Fatal("first session never shut down")
	}
	if got := first.State().ConnectionStatus; got != StatusDisconnected {
		t.Errorf("first session status = %q, want disconnected", got)
	}
	if client.Chat.Active() != second {
		t.Error("service should track the second session as active")
	}
	if got := second.State().ConversationID; got != "conv-b" {
		t.Errorf("second session conversation = %q, want conv-b", got)
	}
}

func TestDisconnectClosesActiveSession(t *testing.T) {
	server := newChatServer(t, nil)
	client := NewClient(server.URL)

	session, err := client.Chat.Connect(context.Background(), &ConnectRequest{ConversationID: "conv-1"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	client.Chat.Disconnect()

	if client.Chat.Active() != nil {
		t.Error("Disconnect should clear the active session")
	}
	if got := session.State().ConnectionStatus; got != StatusDisconnected {
		t.Errorf("status = %q, want disconnected", got)
	}
	// Disconnect with nothing active is a no-op.
	client.Chat.Disconnect()
}

func TestStreamedReplyOverLiveChannel(t *testing.T) {
	frames := []string{
		`{"mt":"typing_indicator"}`,
		`{"mt":"stream_start","messageId":"m1"}`,
		`{"mt":"stream_chunk","chunk":"Hel","messageId":"m1"}`,
		`{"mt":"stream_chunk","chunk":"lo","messageId":"m1"}`,
		`{"mt":"stream_end","messageId":"m1","fullText":"Hello"}`,
	}
	server := newChatServer(t, func(conn *websocket.Conn) {
		for _, f := range frames {
			conn.WriteMessage(websocket.TextMessage, []byte(f))
		}
	})

	client := NewClient(server.URL)
	session, err := client.Chat.Connect(context.Background(), &ConnectRequest{ConversationID: "conv-1"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer session.Close()

	end := waitForEvent[StreamEndEvent](t, session)
	if end.Message.Content != "Hello" {
		t.Errorf("content = %q, want Hello", end.Message.Content)
	}
}
