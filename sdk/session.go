package vakta

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/NaveenVaktaAi/vakta-go/pkg/avatar"
	"github.com/NaveenVaktaAi/vakta-go/pkg/chat/protocol"
	"github.com/NaveenVaktaAi/vakta-go/pkg/dedup"
	"github.com/NaveenVaktaAi/vakta-go/pkg/history"
	"github.com/NaveenVaktaAi/vakta-go/pkg/media"
)

// Dedup cache bounds. Large enough to cover redelivery of the current and
// recent turns, small enough to keep long sessions flat.
const (
	messageSeenCap = 50
	audioSeenCap   = 100
)

// ConnectionStatus is the channel lifecycle state.
type ConnectionStatus string

const (
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusError        ConnectionStatus = "error"
)

// SessionState is a snapshot of the session's observable state.
type SessionState struct {
	ConnectionStatus ConnectionStatus
	IsTyping         bool
	IsStreaming      bool
	ThinkingLabel    string
	ThinkingStatus   string
	ConversationID   string
}

// ConnectRequest configures a conversation session.
type ConnectRequest struct {
	ConversationID string

	// Renderer receives finished utterances over the avatar bridge. When
	// nil, audio chunks are logged and dropped.
	Renderer avatar.Sink

	// History, when set, records closed messages into the local cache.
	History *history.Store

	// OnUsageLimit is invoked on the read loop for blocking usage-limit
	// notices only; it must not call back into the session.
	OnUsageLimit func(UsageLimitNotice)
}

// ChatService opens conversation sessions. At most one session is open per
// service: connecting to a new conversation always retires the previous
// channel first. The service does not attempt channel reuse across
// conversations; the protocol has no rebinding operation.
type ChatService struct {
	client *Client

	mu     sync.Mutex
	active *Session
}

// Connect opens a websocket session for the given conversation, closing
// any session this service already holds.
func (cs *ChatService) Connect(ctx context.Context, req *ConnectRequest) (*Session, error) {
	if cs == nil || cs.client == nil {
		return nil, NewInvalidRequestError("chat service is not initialized")
	}
	if req == nil {
		return nil, NewInvalidRequestError("req must not be nil")
	}
	conversationID := strings.TrimSpace(req.ConversationID)
	if conversationID == "" {
		return nil, NewInvalidRequestError("conversation id must not be empty")
	}

	cs.mu.Lock()
	previous := cs.active
	cs.active = nil
	cs.mu.Unlock()
	if previous != nil {
		// Single-flight: the old channel is fully torn down (read loop
		// exited, no residual handlers) before the new dial.
		_ = previous.Close()
	}

	wsURL, err := cs.client.websocketEndpoint("/ws/chat/" + conversationID)
	if err != nil {
		return nil, err
	}

	session, err := cs.dial(ctx, wsURL, conversationID, req)
	if err != nil {
		return nil, err
	}

	cs.mu.Lock()
	cs.active = session
	cs.mu.Unlock()
	return session, nil
}

// Disconnect closes the active session, if any. Safe to call when nothing
// is connected.
func (cs *ChatService) Disconnect() {
	cs.mu.Lock()
	active := cs.active
	cs.active = nil
	cs.mu.Unlock()
	if active != nil {
		_ = active.Close()
	}
}

// Active returns the currently connected session, or nil.
func (cs *ChatService) Active() *Session {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.active
}

func (cs *ChatService) dial(ctx context.Context, wsURL, conversationID string, req *ConnectRequest) (*Session, error) {
	headers := make(http.Header)
	if cs.client.token != "" {
		headers.Set("Authorization", "Bearer "+cs.client.token)
	}

	dialer := websocket.DefaultDialer
	dialCtx := ctx
	var cancel context.CancelFunc
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		dialCtx, cancel = context.WithTimeout(ctx, cs.client.connectTimeout)
		defer cancel()
	}

	conn, resp, err := dialer.DialContext(dialCtx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, &TransportError{Op: "GET", URL: wsURL, Err: fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)}
		}
		return nil, &TransportError{Op: "GET", URL: wsURL, Err: err}
	}

	session, err := newSession(cs.client, conversationID, req)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	session.conn = conn
	session.setStatus(StatusConnected)
	go session.readLoop()
	return session, nil
}

// Session is a live conversation channel. All inbound frames are processed
// strictly in delivery order by the read loop; asynchronous audio fetches
// complete independently and are gated at dispatch time.
type Session struct {
	client         *Client
	conversationID string
	conn           *websocket.Conn

	renderer     avatar.Sink
	hist         *history.Store
	onUsageLimit func(UsageLimitNotice)
	resolver     *media.Resolver

	ctx    context.Context
	cancel context.CancelFunc

	events chan SessionEvent
	done   chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool

	emitMu       sync.Mutex
	eventsClosed bool

	mu           sync.Mutex
	state        SessionState
	transcript   *transcript
	seenMessages *dedup.Set
	seenAudio    *dedup.Set
	lastNotice   *UsageLimitNotice

	errMu sync.Mutex
	err   error
}

func newSession(client *Client, conversationID string, req *ConnectRequest) (*Session, error) {
	resolver, err := media.NewResolver(client.baseURL, client.httpClient, client.logger)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		client:         client,
		conversationID: conversationID,
		renderer:       req.Renderer,
		hist:           req.History,
		onUsageLimit:   req.OnUsageLimit,
		resolver:       resolver,
		ctx:            ctx,
		cancel:         cancel,
		events:         make(chan SessionEvent, 256),
		done:           make(chan struct{}),
		transcript:     newTranscript(),
		seenMessages:   dedup.NewSet(messageSeenCap),
		seenAudio:      dedup.NewSet(audioSeenCap),
		state: SessionState{
			ConnectionStatus: StatusConnecting,
			ConversationID:   conversationID,
		},
	}, nil
}

// Events yields typed session events. The channel closes when the session
// ends.
func (s *Session) Events() <-chan SessionEvent {
	if s == nil {
		return nil
	}
	return s.events
}

// State returns a snapshot of the session state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Messages returns a snapshot of the assembled transcript.
func (s *Session) Messages() []ConversationMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcript.snapshot()
}

// LastUsageLimit returns the most recent usage-limit signal, blocking or
// not, or nil.
func (s *Session) LastUsageLimit() *UsageLimitNotice {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastNotice == nil {
		return nil
	}
	notice := *s.lastNotice
	return &notice
}

// Err returns the terminal session error (if any) once the session ends.
func (s *Session) Err() error {
	if s == nil {
		return nil
	}
	<-s.done
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Session) setErr(err error) {
	if err == nil {
		return
	}
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Close tears down the channel, cancels in-flight audio work, and clears
// all pipeline caches. Idempotent.
func (s *Session) Close() error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()
		if s.conn != nil {
			s.writeMu.Lock()
			_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
			s.writeMu.Unlock()
			_ = s.conn.Close()
		} else {
			// Session never attached to a channel (possible only in tests);
			// unblock waiters directly.
			close(s.done)
		}
	})
	<-s.done

	s.mu.Lock()
	s.seenMessages.Reset()
	s.seenAudio.Reset()
	s.lastNotice = nil
	s.state.IsTyping = false
	s.state.IsStreaming = false
	s.state.ThinkingLabel = ""
	s.state.ThinkingStatus = ""
	s.state.ConnectionStatus = StatusDisconnected
	s.mu.Unlock()
	return nil
}

func (s *Session) readLoop() {
	defer close(s.done)
	defer s.closeEvents()

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.closed.Load() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.setStatus(StatusDisconnected)
				return
			}
			s.setErr(err)
			s.setStatus(StatusError)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		frame, err := protocol.DecodeServerFrame(data)
		if err != nil {
			// Malformed frames never crash the session.
			s.client.logger.Warn("dropping malformed frame", "conversation", s.conversationID, "error", err)
			continue
		}
		s.handleFrame(frame)
	}
}

// handleFrame classifies one inbound frame and routes it. It runs on the
// read loop goroutine only, so frames are handled strictly in delivery
// order.
func (s *Session) handleFrame(frame protocol.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch f := frame.(type) {
	case protocol.Connected:
		s.state.ConnectionStatus = StatusConnected
		s.emit(ConnectedEvent{ConversationID: s.conversationID})

	case protocol.TypingIndicator:
		s.state.IsTyping = true
		s.emit(TypingEvent{Active: true})

	case protocol.StopTypingIndicator:
		s.clearBusyLocked()
		s.emit(TypingEvent{Active: false})

	case protocol.ThinkingIndicator:
		s.state.IsTyping = true
		s.state.ThinkingLabel = f.Message
		s.state.ThinkingStatus = f.Status
		s.emit(ThinkingEvent{Label: f.Message, Status: f.Status})

	case protocol.LegacyStatus:
		s.state.IsTyping = true
		s.state.ThinkingLabel = f.Message
		s.state.ThinkingStatus = f.Status
		s.emit(ThinkingEvent{Label: f.Message, Status: f.Status})

	case protocol.StreamStart:
		s.handleStreamStartLocked(f)

	case protocol.StreamChunk:
		s.handleStreamChunkLocked(f)

	case protocol.StreamEnd:
		s.handleStreamEndLocked(f)

	case protocol.UserMessageReceived:
		if f.IsWarning {
			msg := s.transcript.append(ConversationMessage{ID: f.MessageID, Role: RoleSystem, Content: f.Message})
			s.emit(MessageEvent{Message: msg})
			return
		}
		s.appendEchoLocked(RoleUser, f.MessageID, f.Message)

	case protocol.LegacyUserMessage:
		s.appendEchoLocked(RoleUser, "", f.Message)

	case protocol.LegacyBotMessage:
		s.appendEchoLocked(RoleAssistant, "", f.Message)

	case protocol.RawText:
		s.appendEchoLocked(RoleAssistant, "", f.Text)

	case protocol.TokenLimitExceeded:
		s.handleTokenLimitLocked(f)

	case protocol.ErrorFrame:
		s.client.logger.Warn("service error frame", "conversation", s.conversationID, "error", f.Error)
		s.emit(ErrorEvent{Message: f.Error})

	case protocol.AudioGenerationStart:
		s.emit(AudioGenerationEvent{MessageID: f.MessageID})

	case protocol.AudioGenerationComplete:
		s.emit(AudioGenerationEvent{MessageID: f.MessageID, Complete: true})

	case protocol.AudioChunk:
		s.handleAudioChunkLocked(f)

	case protocol.Unknown:
		s.client.logger.Debug("dropping unknown frame", "conversation", s.conversationID, "kind", f.Kind)
	}
}

func (s *Session) handleStreamStartLocked(f protocol.StreamStart) {
	id := strings.TrimSpace(f.MessageID)
	if id != "" && (s.seenMessages.Seen(id) || s.transcript.hasMessage(id)) {
		// Replayed stream_start; the turn already exists.
		return
	}
	if id != "" {
		s.seenMessages.Add(id)
	}
	s.transcript.openTurn(id)
	s.state.IsStreaming = true
}

func (s *Session) handleStreamChunkLocked(f protocol.StreamChunk) {
	if !s.transcript.appendChunk(strings.TrimSpace(f.MessageID), f.Chunk) {
		return
	}
	s.state.IsStreaming = true
	open := s.transcript.open()
	messageID := ""
	if open != nil {
		messageID = open.ID
	}
	// Chunk delivery must not clear the typing/thinking indicator; busy
	// persists through silent gaps until an explicit stop or stream_end.
	s.emit(StreamChunkEvent{MessageID: messageID, Chunk: f.Chunk})
}

func (s *Session) handleStreamEndLocked(f protocol.StreamEnd) {
	closed, ok := s.transcript.closeTurn(f.FullText)
	s.clearBusyLocked()
	if !ok {
		return
	}
	s.emit(StreamEndEvent{Message: closed})
	s.recordHistory(closed)
}

func (s *Session) appendEchoLocked(role Role, messageID, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	// Duplicate-content suppression: an immediate redelivery of the last
	// message with the same role is dropped. Heuristic, not a guarantee;
	// the send path's idempotency token is the durable fix once the
	// service echoes it back.
	if last := s.transcript.lastOfRole(role); last != nil && last.Content == text {
		return
	}
	msg := s.transcript.append(ConversationMessage{ID: messageID, Role: role, Content: text})
	s.emit(MessageEvent{Message: msg})
	s.recordHistory(msg)
}

func (s *Session) handleTokenLimitLocked(f protocol.TokenLimitExceeded) {
	notice := noticeFromFrame(f)
	s.lastNotice = &notice
	if !notice.Blocking() {
		s.client.logger.Debug("usage limit signal recorded without interruption",
			"conversation", s.conversationID,
			"service", notice.Service,
			"dailyLimitExceeded", notice.DailyLimitExceeded)
		return
	}
	// The turn cannot complete; stop showing busy.
	s.clearBusyLocked()
	s.emit(UsageLimitEvent{Notice: notice})
	if s.onUsageLimit != nil {
		s.onUsageLimit(notice)
	}
}

func (s *Session) handleAudioChunkLocked(f protocol.AudioChunk) {
	id := audioChunkID(f, s.conversationID)
	if !s.seenAudio.Add(id) {
		// Redelivered chunk; already handed to the renderer once.
		return
	}
	if s.renderer == nil {
		s.client.logger.Debug("no renderer attached, dropping audio chunk", "chunk", id)
		return
	}
	if len(f.Phonemes) == 0 {
		// Speech without animation data would leave the avatar voicing
		// with a frozen face; drop the chunk instead.
		s.client.logger.Warn("dropping audio chunk without phonemes", "chunk", id)
		return
	}

	timeline := avatar.BuildTimeline(f.Phonemes)
	resolved, err := s.resolver.Resolve(f.AudioURL)
	if err != nil {
		s.client.logger.Warn("dropping audio chunk with unresolvable reference", "chunk", id, "error", err)
		return
	}

	if media.IsCompressed(f.AudioURL, f.IsCompressed) {
		// Fetch+decompress off the read loop; frame processing never
		// blocks on audio delivery.
		go s.fetchAndDispatch(id, resolved, timeline)
		return
	}
	s.dispatchAudio(id, resolved, timeline)
}

func (s *Session) fetchAndDispatch(id, resolvedURL string, timeline []avatar.Event) {
	local, err := s.resolver.FetchDecompressed(s.ctx, resolvedURL)
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		// A garbled-but-present utterance beats silence.
		s.client.logger.Warn("audio decompression failed, falling back to raw reference",
			"chunk", id, "url", resolvedURL, "error", err)
		s.dispatchAudio(id, resolvedURL, timeline)
		return
	}
	s.dispatchAudio(id, local, timeline)
}

// dispatchAudio hands one utterance to the renderer. The closed check
// keeps late decompression completions from dispatching after Close; the
// seenAudio gate upstream guarantees at most one dispatch per id.
func (s *Session) dispatchAudio(id, audioURL string, timeline []avatar.Event) {
	if s.closed.Load() {
		return
	}
	s.renderer.Dispatch(avatar.NewPlayMessage(audioURL, timeline, id))
}

func (s *Session) clearBusyLocked() {
	s.state.IsTyping = false
	s.state.IsStreaming = false
	s.state.ThinkingLabel = ""
	s.state.ThinkingStatus = ""
}

func (s *Session) setStatus(status ConnectionStatus) {
	s.mu.Lock()
	s.state.ConnectionStatus = status
	s.mu.Unlock()
}

func (s *Session) recordHistory(msg ConversationMessage) {
	if s.hist == nil {
		return
	}
	err := s.hist.Record(history.Message{
		ID:             msg.ID,
		ConversationID: s.conversationID,
		Role:           string(msg.Role),
		Content:        msg.Content,
		CreatedAt:      msg.CreatedAt,
	})
	if err != nil {
		s.client.logger.Warn("recording message to history failed", "message", msg.ID, "error", err)
	}
}

// closeEvents retires the event channel on read-loop exit. The closed flag
// is set here too, not just in Close, so that a server-initiated disconnect
// also puts the session into its terminal state: Send and dispatch gates
// check closed, and emit must never touch a closed channel.
func (s *Session) closeEvents() {
	s.closed.Store(true)
	s.emitMu.Lock()
	s.eventsClosed = true
	close(s.events)
	s.emitMu.Unlock()
}

func (s *Session) emit(event SessionEvent) {
	if event == nil || s.closed.Load() {
		return
	}
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if s.eventsClosed {
		return
	}
	select {
	case s.events <- event:
	default:
		// Avoid deadlocking the read loop if the caller stops consuming.
	}
}

// audioChunkID derives the dedup key for an audio chunk from the
// server-supplied identifiers plus the reference's filename component, so
// duplicate deliveries collide even when sequence indices do not. When the
// frame carries nothing usable, a generated identifier is used (such a
// chunk can never be recognized as a duplicate).
func audioChunkID(f protocol.AudioChunk, fallbackConversation string) string {
	conversation := strings.TrimSpace(f.ConversationID)
	if conversation == "" {
		conversation = fallbackConversation
	}
	index := ""
	if f.ChunkIndex != nil {
		index = strconv.Itoa(*f.ChunkIndex)
	}
	name := media.Filename(f.AudioURL)

	if strings.TrimSpace(f.MessageID) == "" && index == "" && strings.TrimSpace(f.AudioURL) == "" {
		return "generated:" + uuid.NewString()
	}
	return strings.Join([]string{conversation, strings.TrimSpace(f.MessageID), index, name}, ":")
}
