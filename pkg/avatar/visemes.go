// Package avatar converts backend phoneme timing into the renderer's
// animation-channel vocabulary and carries the message bridge used to hand
// finished utterances to the avatar renderer.
package avatar

import (
	"sort"
	"strings"
	"time"

	"github.com/NaveenVaktaAi/vakta-go/pkg/chat/protocol"
)

// Event is one timed intensity target on a renderer animation channel.
type Event struct {
	TimeMillis int64   `json:"time"`
	Channel    string  `json:"viseme"`
	Weight     float64 `json:"weight"`
}

// ChannelSilence is the zero-weight rest channel.
const ChannelSilence = "sil"

// MinChannelGap is the smallest useful spacing between two events on the
// same channel. Closer pairs are collapsed to the earlier event to avoid
// visible jitter from overlapping phoneme hints.
const MinChannelGap = 30 * time.Millisecond

// visemeByPhoneme maps backend phoneme labels (ARPABET-style, plus the
// silence markers the TTS pipeline emits) to renderer channels. Labels not
// in the table pass through unchanged so a newer backend vocabulary still
// animates something.
var visemeByPhoneme = map[string]string{
	"SIL": ChannelSilence, "SP": ChannelSilence, "PAU": ChannelSilence,

	"AA": "AA", "AH": "AA", "AO": "AA", "AW": "AA", "AY": "AA", "HH": "AA",
	"AE": "E", "EH": "E", "EY": "E",
	"IH": "IH", "IY": "IH", "Y": "IH",
	"OW": "OH", "OY": "OH",
	"UW": "OU", "UH": "OU", "W": "OU",

	"B": "PP", "P": "PP", "M": "PP",
	"F": "FF", "V": "FF",
	"TH": "TH", "DH": "TH",
	"D": "DD", "T": "DD", "L": "DD",
	"G": "KK", "K": "KK",
	"CH": "CH", "JH": "CH", "SH": "CH", "ZH": "CH",
	"S": "SS", "Z": "SS",
	"N": "NN", "NG": "NN",
	"R": "RR", "ER": "RR",
}

// defaultWeight is the per-channel intensity applied when the server does
// not supply an explicit weight. Open vowels and nasals read strongest on
// the avatar's mouth; consonant clusters sit lower so they do not snap.
var defaultWeight = map[string]float64{
	ChannelSilence: 0,
	"AA":           1.0,
	"OH":           1.0,
	"E":            0.9,
	"OU":           0.9,
	"NN":           0.85,
	"IH":           0.8,
	"PP":           0.7,
	"RR":           0.7,
	"CH":           0.65,
	"FF":           0.6,
	"TH":           0.6,
	"DD":           0.6,
	"KK":           0.55,
	"SS":           0.55,
}

const fallbackWeight = 0.75

// MapPhonemes converts raw backend phoneme records into animation events.
// Silence maps to the zero-weight rest channel; unknown labels pass
// through with the fallback weight. Explicit server weights are clamped to
// [0, 1].
func MapPhonemes(raw []protocol.RawPhoneme) []Event {
	events := make([]Event, 0, len(raw))
	for _, p := range raw {
		label := strings.ToUpper(strings.TrimSpace(p.Phoneme))
		channel, known := visemeByPhoneme[label]
		if !known {
			if label == "" {
				channel = ChannelSilence
			} else {
				channel = label
			}
		}

		weight := fallbackWeight
		if w, ok := defaultWeight[channel]; ok {
			weight = w
		}
		if p.Weight != nil {
			weight = clamp01(*p.Weight)
		}
		if channel == ChannelSilence {
			weight = 0
		}

		events = append(events, Event{
			TimeMillis: p.TimeMillis,
			Channel:    channel,
			Weight:     weight,
		})
	}
	return events
}

// SmoothTimeline orders events by time and collapses same-channel pairs
// closer together than minGap, keeping the earlier occurrence. The input
// slice is not modified.
func SmoothTimeline(events []Event, minGap time.Duration) []Event {
	if len(events) == 0 {
		return nil
	}
	sorted := append([]Event(nil), events...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].TimeMillis < sorted[j].TimeMillis
	})

	gapMillis := minGap.Milliseconds()
	lastKept := make(map[string]int64, 8)
	out := sorted[:0]
	for _, e := range sorted {
		if at, ok := lastKept[e.Channel]; ok && e.TimeMillis-at < gapMillis {
			continue
		}
		lastKept[e.Channel] = e.TimeMillis
		out = append(out, e)
	}
	return out
}

// BuildTimeline is the full pipeline step: map raw phonemes, then smooth
// with the default gap.
func BuildTimeline(raw []protocol.RawPhoneme) []Event {
	return SmoothTimeline(MapPhonemes(raw), MinChannelGap)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
