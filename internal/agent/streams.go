package agent

import (
	"time"

	"github.com/croshq/meetpoint/internal/domain"
	"github.com/croshq/meetpoint/internal/engine"
)

type TrackState string

const (
	TrackLive  TrackState = "live"
	TrackEnded TrackState = "ended"
)

// Track is the agent's view of one media track inside a remote stream.
type Track struct {
	Kind       engine.MediaKind `json:"kind"`
	Enabled    bool             `json:"enabled"`
	ReadyState TrackState       `json:"readyState"`
}

// Stream is a set of tracks received from one remote producer.
type Stream struct {
	ID     string  `json:"id"`
	Tracks []Track `json:"tracks"`
}

func (s Stream) HasLiveTrack() bool {
	for _, t := range s.Tracks {
		if t.ReadyState == TrackLive {
			return true
		}
	}
	return false
}

// StreamEntry ties a received stream to the participant it belongs to.
// Placeholder entries reserve a tile for a participant that has not produced
// media yet.
type StreamEntry struct {
	ProducerID  domain.ProducerID
	Email       string
	DisplayName string
	Stream      Stream
	AddedAt     time.Time
	Placeholder bool
}

// Deduplicate collapses duplicate entries: at most one entry per producerId,
// then at most one per email. The most recently added entry wins; on equal
// times an entry with a live track beats one without. First-seen order is
// preserved.
func Deduplicate(entries []StreamEntry) []StreamEntry {
	byProducer := collapse(entries, func(e StreamEntry) string { return string(e.ProducerID) })
	return collapse(byProducer, func(e StreamEntry) string { return e.Email })
}

func collapse(entries []StreamEntry, key func(StreamEntry) string) []StreamEntry {
	best := make(map[string]int)
	out := make([]StreamEntry, 0, len(entries))
	for _, e := range entries {
		k := key(e)
		if k == "" {
			out = append(out, e)
			continue
		}
		idx, seen := best[k]
		if !seen {
			best[k] = len(out)
			out = append(out, e)
			continue
		}
		if beats(e, out[idx]) {
			out[idx] = e
		}
	}
	return out
}

func beats(a, b StreamEntry) bool {
	if !a.AddedAt.Equal(b.AddedAt) {
		return a.AddedAt.After(b.AddedAt)
	}
	return a.Stream.HasLiveTrack() && !b.Stream.HasLiveTrack()
}
