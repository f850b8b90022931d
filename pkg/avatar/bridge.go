package avatar

// PlayMessageType is the bridge message discriminator the renderer
// understands.
const PlayMessageType = "PLAY_TTS_WITH_PHONEMES"

// PlayPayload carries one utterance to the renderer. ID is the dedup
// identifier; the renderer must not replay an ID it has already played.
type PlayPayload struct {
	AudioURL string  `json:"audioUrl"`
	Phonemes []Event `json:"phonemes"`
	ID       string  `json:"id"`
}

// PlayMessage is the envelope posted over the renderer bridge.
type PlayMessage struct {
	Type    string      `json:"type"`
	Payload PlayPayload `json:"payload"`
}

// NewPlayMessage builds a renderer bridge message.
func NewPlayMessage(audioURL string, phonemes []Event, id string) PlayMessage {
	return PlayMessage{
		Type: PlayMessageType,
		Payload: PlayPayload{
			AudioURL: audioURL,
			Phonemes: phonemes,
			ID:       id,
		},
	}
}

// Sink is the renderer side of the bridge. Implementations own their own
// queueing; Dispatch must not block the caller for long. The session layer
// guarantees each dedup ID is dispatched at most once and never after the
// session closes.
type Sink interface {
	Dispatch(PlayMessage)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(PlayMessage)

// Dispatch implements Sink.
func (f SinkFunc) Dispatch(msg PlayMessage) { f(msg) }
