package event

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// Catalog output formats.
const (
	FormatJSON  = "json"
	FormatTable = "table"
)

// Catalog is an ordered collection of events.
type Catalog struct {
	Events []*Event
}

// NewCatalog returns a catalog holding the given events.
func NewCatalog(events ...*Event) *Catalog {
	return &Catalog{Events: events}
}

// Len returns the number of events.
func (c *Catalog) Len() int {
	return len(c.Events)
}

// Append adds an event to the catalog.
func (c *Catalog) Append(ev *Event) {
	c.Events = append(c.Events, ev)
}

// Copy returns a deep copy of the catalog.
func (c *Catalog) Copy() *Catalog {
	out := NewCatalog()
	out.Events = make([]*Event, 0, len(c.Events))
	for _, ev := range c.Events {
		out.Append(ev.Copy())
	}
	return out
}

// FindByResourceID returns the first event whose resource id equals ref or
// whose last id segment equals ref. Returns nil when nothing matches.
func (c *Catalog) FindByResourceID(ref string) *Event {
	for _, ev := range c.Events {
		if string(ev.ResourceID) == ref || ev.ResourceID.LastSegment() == ref {
			return ev
		}
	}
	return nil
}

// WriteTo writes the catalog to w in the given format.
func (c *Catalog) WriteTo(w io.Writer, format string) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(c.Events); err != nil {
			return fmt.Errorf("failed to encode catalog: %w", err)
		}
		return nil
	case FormatTable:
		return c.writeTable(w)
	default:
		return fmt.Errorf("unknown catalog format %q", format)
	}
}

// writeTable writes a tab-separated event summary, one event per line.
func (c *Catalog) writeTable(w io.Writer) error {
	header := "Event\tTime\tLatitude\tLongitude\tDepth (km)\tPicks\tEstimated\n"
	if _, err := w.Write([]byte(header)); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	// Pre-declare err outside the loop to avoid re-declaration
	var err error

	for i, ev := range c.Events {
		lat, lon, depth := 0.0, 0.0, 0.0
		estimated := false
		if o := ev.PreferredOrigin(); o != nil {
			lat, lon, depth = o.Latitude, o.Longitude, o.Depth
			estimated = o.Estimated
		}

		line := fmt.Sprintf("%d\t%s\t%.4f\t%.4f\t%.1f\t%d\t%t\n",
			i+1, ev.Time().UTC().Format("2006-01-02T15:04:05.000000Z"), lat, lon, depth, len(ev.Picks), estimated)

		if _, err = w.Write([]byte(line)); err != nil {
			break
		}
	}

	if err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}

// WriteFile writes the catalog to path, inferring nothing from the
// extension. An existing file is only replaced when overwrite is set.
func (c *Catalog) WriteFile(path, format string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("file %s exists and overwrite is not set", path)
		}
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file %s: %w", path, err)
	}
	defer file.Close()

	if err := c.WriteTo(file, format); err != nil {
		return err
	}
	return file.Sync()
}

// String summarizes the catalog.
func (c *Catalog) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Catalog of %d events", len(c.Events))
	return b.String()
}
