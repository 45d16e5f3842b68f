package matchfilter

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tremorlab/quakescan-go/internal/errors"
	"github.com/tremorlab/quakescan-go/pkg/event"
	"github.com/tremorlab/quakescan-go/pkg/seis"
)

// The flat text format writes one detection per line as "key: value; "
// pairs. The schema below fixes the field order and the conversions; the
// order is part of the format, tools diff these files. Bump to a V2 table
// rather than editing this one if the format ever has to change.

// parsedDetection carries one line's worth of decoded state. The event
// field only yields a reference; resolution against a catalog happens
// after the line is complete.
type parsedDetection struct {
	det      Detection
	eventRef string
}

type schemaField struct {
	key    string
	encode func(d *Detection) string
	decode func(p *parsedDetection, value string) error
}

var detectionSchemaV1 = []schemaField{
	{
		key:    "template_name",
		encode: func(d *Detection) string { return d.TemplateName },
		decode: func(p *parsedDetection, v string) error { p.det.TemplateName = v; return nil },
	},
	{
		key:    "detect_time",
		encode: func(d *Detection) string { return d.Time.UTC().Format(seis.TimeFormat) },
		decode: func(p *parsedDetection, v string) error {
			t, err := time.Parse(seis.TimeFormat, v)
			if err != nil {
				return err
			}
			p.det.Time = t
			return nil
		},
	},
	{
		key:    "no_chans",
		encode: func(d *Detection) string { return strconv.Itoa(d.NumChans) },
		decode: func(p *parsedDetection, v string) error {
			// Legacy files carry the count as a float.
			fv, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return err
			}
			p.det.NumChans = int(fv)
			return nil
		},
	},
	{
		key:    "detect_val",
		encode: func(d *Detection) string { return formatFloatField(d.Value) },
		decode: func(p *parsedDetection, v string) error { return parseFloatField(v, &p.det.Value) },
	},
	{
		key:    "threshold",
		encode: func(d *Detection) string { return formatFloatField(d.Threshold) },
		decode: func(p *parsedDetection, v string) error { return parseFloatField(v, &p.det.Threshold) },
	},
	{
		key:    "typeofdet",
		encode: func(d *Detection) string { return string(d.Type) },
		decode: func(p *parsedDetection, v string) error {
			switch DetectionType(v) {
			case DetectCorr, DetectUnknown:
				p.det.Type = DetectionType(v)
			default:
				getLogger().Debug("unknown detection type in file, keeping as unknown", "type", v)
				p.det.Type = DetectUnknown
			}
			return nil
		},
	},
	{
		key:    "threshold_type",
		encode: func(d *Detection) string { return d.ThresholdType },
		decode: func(p *parsedDetection, v string) error { p.det.ThresholdType = v; return nil },
	},
	{
		key:    "threshold_input",
		encode: func(d *Detection) string { return formatFloatField(d.ThresholdInput) },
		decode: func(p *parsedDetection, v string) error { return parseFloatField(v, &p.det.ThresholdInput) },
	},
	{
		key:    "chans",
		encode: func(d *Detection) string { return joinChannelIDs(d.Chans) },
		decode: func(p *parsedDetection, v string) error {
			chans, err := splitChannelIDs(v)
			if err != nil {
				return err
			}
			p.det.Chans = chans
			return nil
		},
	},
	{
		key: "event",
		encode: func(d *Detection) string {
			if d.Event == nil {
				return ""
			}
			return d.Event.ResourceID.String()
		},
		decode: func(p *parsedDetection, v string) error { p.eventRef = v; return nil },
	},
	{
		key:    "id",
		encode: func(d *Detection) string { return d.ID },
		decode: func(p *parsedDetection, v string) error { p.det.ID = v; return nil },
	},
}

var schemaByKey = func() map[string]schemaField {
	m := make(map[string]schemaField, len(detectionSchemaV1))
	for _, f := range detectionSchemaV1 {
		m[f.key] = f
	}
	return m
}()

// formatFloatField renders a float with 32 decimals and trailing zeros
// stripped. The precision is deliberately past what a float64 resolves so
// values survive a round trip bit for bit.
func formatFloatField(v float64) string {
	return strings.TrimRight(strconv.FormatFloat(v, 'f', 32, 64), "0")
}

func parseFloatField(v string, dst *float64) error {
	fv, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return err
	}
	*dst = fv
	return nil
}

func joinChannelIDs(chans []seis.ChannelID) string {
	parts := make([]string, 0, len(chans))
	for _, ch := range chans {
		parts = append(parts, ch.String())
	}
	return strings.Join(parts, ",")
}

func splitChannelIDs(v string) ([]seis.ChannelID, error) {
	var out []seis.ChannelID
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		ch, err := seis.ParseChannelID(part)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, nil
}

// encodeDetection renders one line, without the trailing newline.
func encodeDetection(d *Detection) string {
	var b strings.Builder
	for _, f := range detectionSchemaV1 {
		b.WriteString(f.key)
		b.WriteString(": ")
		b.WriteString(f.encode(d))
		b.WriteString("; ")
	}
	return b.String()
}

// WriteDetections writes the detections to w in the flat text format, one
// line each. Events are written as their resource id only; keep the
// catalog alongside if you need the full events back.
func WriteDetections(w io.Writer, dets []*Detection) error {
	for _, d := range dets {
		if _, err := io.WriteString(w, encodeDetection(d)+"\n"); err != nil {
			return errors.New(err).
				Component("matchfilter").
				Category(errors.CategorySerialization).
				Build()
		}
	}
	return nil
}

// decodeDetection parses one line. Unknown keys are skipped with a debug
// log so newer files stay readable; blank values leave the zero value in
// place.
func decodeDetection(line string) (*parsedDetection, error) {
	p := &parsedDetection{}
	for _, kv := range strings.Split(line, ";") {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		key, value, found := strings.Cut(kv, ":")
		if !found {
			getLogger().Debug("skipping malformed field", "field", kv)
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		field, ok := schemaByKey[key]
		if !ok {
			getLogger().Debug("ignoring unknown detection field", "key", key)
			continue
		}
		if err := field.decode(p, value); err != nil {
			return nil, errors.Newf("field %s value %q: %w", key, value, err).
				Component("matchfilter").
				Category(errors.CategorySerialization).
				Build()
		}
	}
	return p, nil
}

// ReadDetections parses the flat text format from r. Event references are
// resolved against refCatalog when one is given; references that cannot be
// resolved, or any reference when no catalog is at hand, are replaced by
// an event synthesized from tpl with an estimated origin. With neither
// catalog nor template the detection is returned without an event.
func ReadDetections(r io.Reader, refCatalog *event.Catalog, tpl *Template, estimateOrigin bool) ([]*Detection, error) {
	var out []*Detection
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		p, err := decodeDetection(line)
		if err != nil {
			return nil, errors.Newf("line %d: %w", lineNo, err).
				Component("matchfilter").
				Category(errors.CategorySerialization).
				Build()
		}
		det, err := NewDetection(p.det)
		if err != nil {
			return nil, errors.Newf("line %d: %w", lineNo, err).
				Component("matchfilter").
				Category(errors.CategorySerialization).
				Build()
		}
		if err := resolveEvent(det, p.eventRef, refCatalog, tpl, estimateOrigin); err != nil {
			return nil, err
		}
		out = append(out, det)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.New(err).
			Component("matchfilter").
			Category(errors.CategorySerialization).
			Build()
	}
	return out, nil
}

func resolveEvent(d *Detection, ref string, refCatalog *event.Catalog, tpl *Template, estimateOrigin bool) error {
	if ref == "" {
		return nil
	}
	if refCatalog != nil && refCatalog.Len() > 0 {
		if ev := refCatalog.FindByResourceID(ref); ev != nil {
			d.Event = ev
			return nil
		}
		getLogger().Warn("event reference not in catalog, synthesizing from template",
			"detection", d.ID, "ref", ref)
	}
	if tpl == nil {
		getLogger().Warn("cannot rebuild event without a template", "detection", d.ID, "ref", ref)
		return nil
	}
	_, err := d.SynthesizeEvent(tpl, estimateOrigin, true)
	return err
}

// ReadFamily reads a flat text detection file into a family of tpl. Lines
// belonging to other templates are skipped with a warning, long runs
// append many templates into one file.
func ReadFamily(path string, refCatalog *event.Catalog, tpl *Template, estimateOrigin bool) (*Family, error) {
	if tpl == nil {
		return nil, errors.New(errors.NewStd("reading a family needs its template")).
			Component("matchfilter").
			Category(errors.CategoryValidation).
			Build()
	}
	fh, err := os.Open(path)
	if err != nil {
		return nil, errors.FileError(err, path, 0)
	}
	defer fh.Close()

	dets, err := ReadDetections(fh, refCatalog, tpl, estimateOrigin)
	if err != nil {
		return nil, errors.Newf("%s: %w", path, err).
			Component("matchfilter").
			Category(errors.CategorySerialization).
			Build()
	}
	kept := make([]*Detection, 0, len(dets))
	skipped := 0
	for _, d := range dets {
		if d.TemplateName == tpl.Name {
			kept = append(kept, d)
		} else {
			skipped++
		}
	}
	if skipped > 0 {
		getLogger().Warn("skipped detections of other templates",
			"path", path, "template", tpl.Name, "skipped", skipped)
	}
	return NewFamily(tpl, kept...)
}

// writeFamilyText appends detections to a flat text file, or replaces it
// when overwrite is set.
func writeFamilyText(path string, dets []*Detection, overwrite bool) error {
	flags := os.O_WRONLY | os.O_CREATE
	if overwrite {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_APPEND
	}
	fh, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return errors.FileError(err, path, 0)
	}
	if err := WriteDetections(fh, dets); err != nil {
		fh.Close()
		return err
	}
	if err := fh.Close(); err != nil {
		return errors.FileError(err, path, 0)
	}
	return nil
}
