// Package seis provides the waveform domain model: uniformly sampled traces,
// streams of traces and the gap handling used across the detection pipeline.
// Gaps inside a merged trace are represented as NaN runs, and Split recovers
// the contiguous segments between them.
package seis

import (
	"fmt"
	"strings"
)

// ChannelID identifies a recording channel in SEED order:
// network, station, location and channel code. Empty fields act as
// wildcards when matching.
type ChannelID struct {
	Network  string
	Station  string
	Location string
	Channel  string
}

// String renders the identity as "NW.STA.LOC.CHN". Empty fields keep their
// separator so the form is always four dot-separated codes.
func (id ChannelID) String() string {
	return id.Network + "." + id.Station + "." + id.Location + "." + id.Channel
}

// ParseChannelID parses a "NW.STA.LOC.CHN" string.
func ParseChannelID(s string) (ChannelID, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return ChannelID{}, fmt.Errorf("invalid channel id %q: want 4 dot-separated codes, got %d", s, len(parts))
	}
	return ChannelID{
		Network:  parts[0],
		Station:  parts[1],
		Location: parts[2],
		Channel:  parts[3],
	}, nil
}

// Matches reports whether other matches this id, treating empty fields of
// the receiver as wildcards.
func (id ChannelID) Matches(other ChannelID) bool {
	if id.Network != "" && id.Network != other.Network {
		return false
	}
	if id.Station != "" && id.Station != other.Station {
		return false
	}
	if id.Location != "" && id.Location != other.Location {
		return false
	}
	if id.Channel != "" && id.Channel != other.Channel {
		return false
	}
	return true
}

// Component returns the final character of the channel code, the component
// letter used to classify picks (Z vertical, E/N/1/2 horizontal).
func (id ChannelID) Component() string {
	if id.Channel == "" {
		return ""
	}
	return id.Channel[len(id.Channel)-1:]
}

// less orders ids for deterministic sorting.
func (id ChannelID) less(other ChannelID) bool {
	if id.Network != other.Network {
		return id.Network < other.Network
	}
	if id.Station != other.Station {
		return id.Station < other.Station
	}
	if id.Location != other.Location {
		return id.Location < other.Location
	}
	return id.Channel < other.Channel
}
