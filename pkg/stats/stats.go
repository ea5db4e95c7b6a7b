// Package stats derives per-call statistics and exports user agent counters to Prometheus.
package stats

import (
	"time"

	"github.com/f18m/go-sipua/pkg/media"
)

// Snapshot is a point-in-time view of one call. It is recomputed on every query.
type Snapshot struct {
	DurationMs    int64  `json:"duration_ms"`
	BytesSent     uint64 `json:"bytes_sent"`
	BytesReceived uint64 `json:"bytes_received"`
	RoundTripMs   int64  `json:"round_trip_ms"`
}

// IsZero reports whether nothing has been measured yet.
func (s Snapshot) IsZero() bool { return s == Snapshot{} }

// CallView is the part of a call the statistics are computed from.
type CallView struct {
	// InviteSentAt is when the INVITE was first handed to the transport.
	InviteSentAt time.Time
	// AnsweredAt is when the 2xx to the INVITE arrived.
	AnsweredAt  time.Time
	ConnectedAt time.Time
	EndedAt     time.Time
	Media       media.Counters
}

// Compute returns the snapshot of v at now. A call that never connected has a zero snapshot.
func Compute(v CallView, now time.Time) Snapshot {
	if v.ConnectedAt.IsZero() {
		return Snapshot{}
	}
	end := now
	if !v.EndedAt.IsZero() {
		end = v.EndedAt
	}
	s := Snapshot{
		DurationMs:    max(end.Sub(v.ConnectedAt).Milliseconds(), 0),
		BytesSent:     v.Media.BytesSent,
		BytesReceived: v.Media.BytesReceived,
	}
	if !v.InviteSentAt.IsZero() && !v.AnsweredAt.IsZero() {
		s.RoundTripMs = max(v.AnsweredAt.Sub(v.InviteSentAt).Milliseconds(), 0)
	}
	return s
}
