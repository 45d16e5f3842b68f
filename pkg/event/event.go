// Package event holds the catalog records produced by the detection
// pipeline: picks, origins and the events that group them. It is a narrow
// rendition of the usual seismological event hierarchy, carrying only what
// detection management and pick refinement need.
package event

import (
	"time"

	"github.com/google/uuid"
	"github.com/tremorlab/quakescan-go/pkg/seis"
)

// ResourceID is a globally unique identifier for an event, origin or pick.
type ResourceID string

// NewResourceID returns a fresh identifier of the form
// "smi:local/<prefix>/<uuid>".
func NewResourceID(prefix string) ResourceID {
	return ResourceID("smi:local/" + prefix + "/" + uuid.NewString())
}

// String returns the identifier text.
func (r ResourceID) String() string {
	return string(r)
}

// LastSegment returns the text after the final '/', used when matching
// stored references that kept only the tail of an identifier.
func (r ResourceID) LastSegment() string {
	s := string(r)
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return s[i+1:]
		}
	}
	return s
}

// CreationInfo records who produced a record and when.
type CreationInfo struct {
	Author       string    `json:"author,omitempty"`
	AgencyID     string    `json:"agency_id,omitempty"`
	CreationTime time.Time `json:"creation_time,omitzero"`
}

// Comment is free-form text attached to a record.
type Comment struct {
	Text string `json:"text"`
}

// Pick marks a phase arrival on a single channel.
type Pick struct {
	ResourceID ResourceID     `json:"resource_id"`
	Time       time.Time      `json:"time"`
	WaveformID seis.ChannelID `json:"waveform_id"`
	PhaseHint  string         `json:"phase_hint,omitempty"`
	Comments   []Comment      `json:"comments,omitempty"`
}

// Origin is a source location and time. Estimated marks origins synthesized
// from a template rather than located from arrivals.
type Origin struct {
	ResourceID   ResourceID   `json:"resource_id"`
	Time         time.Time    `json:"time"`
	Latitude     float64      `json:"latitude"`
	Longitude    float64      `json:"longitude"`
	Depth        float64      `json:"depth"` // kilometers
	Estimated    bool         `json:"estimated,omitempty"`
	CreationInfo CreationInfo `json:"creation_info,omitzero"`
}

// Event groups the picks and origins describing one seismic source.
type Event struct {
	ResourceID   ResourceID   `json:"resource_id"`
	Picks        []Pick       `json:"picks,omitempty"`
	Origins      []Origin     `json:"origins,omitempty"`
	Comments     []Comment    `json:"comments,omitempty"`
	CreationInfo CreationInfo `json:"creation_info,omitzero"`
}

// PreferredOrigin returns the first origin, or nil when the event has none.
func (e *Event) PreferredOrigin() *Origin {
	if len(e.Origins) == 0 {
		return nil
	}
	return &e.Origins[0]
}

// Time returns the preferred origin time when present, otherwise the
// earliest pick time, otherwise the zero time.
func (e *Event) Time() time.Time {
	if o := e.PreferredOrigin(); o != nil {
		return o.Time
	}
	var earliest time.Time
	for i := range e.Picks {
		if earliest.IsZero() || e.Picks[i].Time.Before(earliest) {
			earliest = e.Picks[i].Time
		}
	}
	return earliest
}

// Copy returns a deep copy of the event.
func (e *Event) Copy() *Event {
	out := &Event{
		ResourceID:   e.ResourceID,
		CreationInfo: e.CreationInfo,
	}
	if e.Picks != nil {
		out.Picks = make([]Pick, len(e.Picks))
		for i := range e.Picks {
			out.Picks[i] = e.Picks[i]
			if e.Picks[i].Comments != nil {
				out.Picks[i].Comments = append([]Comment(nil), e.Picks[i].Comments...)
			}
		}
	}
	if e.Origins != nil {
		out.Origins = append([]Origin(nil), e.Origins...)
	}
	if e.Comments != nil {
		out.Comments = append([]Comment(nil), e.Comments...)
	}
	return out
}
