package matchfilter

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/tremorlab/quakescan-go/internal/conf"
	"github.com/tremorlab/quakescan-go/internal/datastore"
	"github.com/tremorlab/quakescan-go/internal/errors"
	"github.com/tremorlab/quakescan-go/pkg/event"
	"github.com/tremorlab/quakescan-go/pkg/lagcalc"
	"github.com/tremorlab/quakescan-go/pkg/seis"
)

// Sentinel errors callers can test with errors.Is.
var (
	// ErrTemplateMismatch means a detection or family was offered to a
	// family built from a different template.
	ErrTemplateMismatch = errors.NewStd("templates do not match")
	// ErrInsufficientData means a channel covers too little of the
	// requested span to process.
	ErrInsufficientData = errors.NewStd("insufficient data coverage")
	// ErrBadData means a channel's samples are unusable, flat or not finite.
	ErrBadData = errors.NewStd("unusable channel data")
	// ErrMagnitudesDisabled means relative magnitude calculation was
	// requested but is not available in this release.
	ErrMagnitudesDisabled = errors.NewStd("relative magnitude calculation is disabled")
)

// Member is the closed set of values a family can absorb: a single
// detection or another family of the same template.
type Member interface {
	joinFamily(f *Family) error
}

// Family groups every detection a single template has produced. The
// catalog projection is memoized and rebuilt lazily after mutations, so
// repeated Catalog calls on a quiet family are free.
//
// A Family is not safe for concurrent use.
type Family struct {
	template   *Template
	detections []*Detection

	version    uint64 // bumped on every mutation
	catVersion uint64 // version the cached catalog was built at
	catalog    *event.Catalog
}

// NewFamily builds a family for the given template. Detections passed here
// are adopted as is; every one must carry the template's name.
func NewFamily(tpl *Template, dets ...*Detection) (*Family, error) {
	if tpl == nil {
		return nil, errors.New(errors.NewStd("family needs a template")).
			Component("matchfilter").
			Category(errors.CategoryValidation).
			Build()
	}
	f := &Family{template: tpl}
	for _, d := range dets {
		if d == nil {
			return nil, errors.New(errors.NewStd("family detections must not be nil")).
				Component("matchfilter").
				Category(errors.CategoryValidation).
				TemplateContext(tpl.Name).
				Build()
		}
		if d.TemplateName != tpl.Name {
			return nil, errors.Newf("detection %s belongs to template %s, not %s: %w", d.ID, d.TemplateName, tpl.Name, ErrTemplateMismatch).
				Component("matchfilter").
				Category(errors.CategoryContract).
				TemplateContext(tpl.Name).
				Build()
		}
		f.detections = append(f.detections, d)
	}
	return f, nil
}

// Template returns the family's template. The template is shared, treat it
// as read only.
func (f *Family) Template() *Template {
	return f.template
}

// Len returns the number of detections.
func (f *Family) Len() int {
	return len(f.detections)
}

// At returns the i-th detection. The pointer is shared with the family;
// mutate through family methods, not through it.
func (f *Family) At(i int) *Detection {
	return f.detections[i]
}

// Detections returns the detections in order. The slice is fresh but the
// pointers are shared.
func (f *Family) Detections() []*Detection {
	return append([]*Detection(nil), f.detections...)
}

// String matches the log formatting used throughout the pipeline.
func (f *Family) String() string {
	return fmt.Sprintf("Family of %d detections from template %s", len(f.detections), f.template.Name)
}

// joinFamily absorbs a single detection into f, copying it so the two
// families never alias.
func (d *Detection) joinFamily(f *Family) error {
	if d == nil {
		return errors.New(errors.NewStd("cannot append a nil detection")).
			Component("matchfilter").
			Category(errors.CategoryValidation).
			TemplateContext(f.template.Name).
			Build()
	}
	if d.TemplateName != f.template.Name {
		return errors.Newf("detection %s belongs to template %s, not %s: %w", d.ID, d.TemplateName, f.template.Name, ErrTemplateMismatch).
			Component("matchfilter").
			Category(errors.CategoryContract).
			TemplateContext(f.template.Name).
			Build()
	}
	f.detections = append(f.detections, d.Copy())
	f.version++
	return nil
}

// joinFamily absorbs another family into f. The templates must be fully
// equal, the same name with a different recipe would mix detections that
// are not comparable.
func (other *Family) joinFamily(f *Family) error {
	if other == nil {
		return errors.New(errors.NewStd("cannot append a nil family")).
			Component("matchfilter").
			Category(errors.CategoryValidation).
			TemplateContext(f.template.Name).
			Build()
	}
	if !f.template.Equal(other.template) {
		return errors.Newf("family of template %s cannot absorb family of template %s: %w", f.template.Name, other.template.Name, ErrTemplateMismatch).
			Component("matchfilter").
			Category(errors.CategoryContract).
			TemplateContext(f.template.Name).
			Build()
	}
	for _, d := range other.detections {
		f.detections = append(f.detections, d.Copy())
	}
	f.version++
	return nil
}

// Append absorbs a detection or another family into f. Absorbed detections
// are copied, so the member can keep being used independently.
func (f *Family) Append(m Member) error {
	if m == nil {
		return errors.New(errors.NewStd("cannot append a nil member")).
			Component("matchfilter").
			Category(errors.CategoryValidation).
			TemplateContext(f.template.Name).
			Build()
	}
	return m.joinFamily(f)
}

// Combine returns a new family holding f's detections plus the member's.
// Neither input is mutated.
func (f *Family) Combine(m Member) (*Family, error) {
	out := f.Copy()
	if err := out.Append(m); err != nil {
		return nil, err
	}
	return out, nil
}

// Copy returns a family with deep-copied detections. The template is
// shared, it is immutable by convention.
func (f *Family) Copy() *Family {
	out := &Family{template: f.template}
	out.detections = make([]*Detection, 0, len(f.detections))
	for _, d := range f.detections {
		out.detections = append(out.detections, d.Copy())
	}
	return out
}

// Sort orders detections by detect time, earliest first, with the id as a
// tie break so ordering is deterministic.
func (f *Family) Sort() {
	sort.SliceStable(f.detections, func(i, j int) bool {
		a, b := f.detections[i], f.detections[j]
		if !a.Time.Equal(b.Time) {
			return a.Time.Before(b.Time)
		}
		return a.ID < b.ID
	})
	f.version++
}

// Deduplicate drops detections that equal an earlier one, keeping the
// first of each group. Comparison is full value equality, two detections
// at the same time with different statistics both survive.
func (f *Family) Deduplicate() {
	kept := make([]*Detection, 0, len(f.detections))
	for _, d := range f.detections {
		dup := false
		for _, k := range kept {
			if k.Equal(d) {
				dup = true
				break
			}
		}
		if !dup {
			kept = append(kept, d)
		}
	}
	if len(kept) != len(f.detections) {
		getLogger().Info("removed duplicate detections",
			"template", f.template.Name,
			"before", len(f.detections),
			"after", len(kept))
	}
	f.detections = kept
	f.version++
}

// Equal reports whether two families hold the same template and the same
// detections. Detection order does not matter. Catalogs are compared by
// length only, their content is derived from the detections anyway.
func (f *Family) Equal(other *Family) bool {
	return f.equalFamily(other, false)
}

// EqualVerbose is Equal with differences logged at debug level.
func (f *Family) EqualVerbose(other *Family) bool {
	return f.equalFamily(other, true)
}

func (f *Family) equalFamily(other *Family, verbose bool) bool {
	report := func(detail string) {
		if verbose {
			getLogger().Debug("families differ", "template", f.template.Name, "detail", detail)
		}
	}
	if other == nil {
		report("other family is nil")
		return false
	}
	if !f.template.equal(other.template, verbose) {
		report("templates differ")
		return false
	}
	if len(f.detections) != len(other.detections) {
		report(fmt.Sprintf("detection count %d != %d", len(f.detections), len(other.detections)))
		return false
	}
	fs := sortedDetections(f.detections)
	os := sortedDetections(other.detections)
	for i := range fs {
		if !fs[i].equal(os[i], verbose) {
			report(fmt.Sprintf("detection %s has no equal", fs[i].ID))
			return false
		}
	}
	if f.Catalog().Len() != other.Catalog().Len() {
		report("catalog lengths differ")
		return false
	}
	return true
}

func sortedDetections(dets []*Detection) []*Detection {
	out := append([]*Detection(nil), dets...)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Time.Equal(out[j].Time) {
			return out[i].Time.Before(out[j].Time)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Catalog returns the events of all detections that have one, in detection
// order. The catalog is rebuilt only after a mutation; events are shared
// with the detections, not copied.
func (f *Family) Catalog() *event.Catalog {
	if f.catalog == nil || f.catVersion != f.version {
		cat := event.NewCatalog()
		for _, d := range f.detections {
			if d.Event != nil {
				cat.Append(d.Event)
			}
		}
		f.catalog = cat
		f.catVersion = f.version
	}
	return f.catalog
}

// ExtractStreams cuts the continuous data around every detection, keyed by
// detection id. Detections with no data in their window map to an empty
// stream.
func (f *Family) ExtractStreams(stream *seis.Stream, length, prePick time.Duration) map[string]*seis.Stream {
	out := make(map[string]*seis.Stream, len(f.detections))
	for _, d := range f.detections {
		out[d.ID] = d.ExtractStream(stream, length, prePick)
	}
	return out
}

// LagCalcOptions bundle the knobs of a pick refinement run.
type LagCalcOptions struct {
	Params  lagcalc.Params // correlation windows, thresholds and workers
	Process ProcessOptions // how to prepare the continuous data first
}

// LagCalc refines the family's detections against continuous data by
// cross correlating each template channel around its detection, and turns
// accepted correlations into phase picks. Each refined detection keeps its
// event, with the picks replaced; detections whose channels have no usable
// data are left untouched and omitted from the returned catalog. The
// template's pre-pick lead is added back exactly once, here, so the picks
// land on the phase.
//
// The returned catalog shares event pointers with the family.
func (f *Family) LagCalc(ctx context.Context, stream *seis.Stream, opts LagCalcOptions) (*event.Catalog, error) {
	if stream == nil {
		return nil, errors.New(errors.NewStd("lag calculation needs continuous data")).
			Component("matchfilter").
			Category(errors.CategoryValidation).
			TemplateContext(f.template.Name).
			Build()
	}
	if len(f.detections) == 0 {
		return event.NewCatalog(), nil
	}

	processed, err := ProcessStream(ctx, stream, f.template, opts.Process)
	if err != nil {
		return nil, err
	}

	channels := templateChannels(f.template)
	jobs := make([]lagcalc.Job, 0, len(f.detections))
	byID := make(map[string]*Detection, len(f.detections))
	for _, d := range f.detections {
		jobs = append(jobs, lagcalc.Job{
			ID:    d.ID,
			Time:  d.Time,
			MinCC: acceptThreshold(d, opts.Params),
		})
		byID[d.ID] = d
	}

	started := time.Now()
	results, err := lagcalc.Refine(ctx, channels, jobs, processed, opts.Params)
	if err != nil {
		return nil, err
	}

	out := event.NewCatalog()
	picked := 0
	for _, res := range results {
		d := byID[res.JobID]
		if d == nil {
			continue
		}
		picks := res.Picks
		for i := range picks {
			picks[i].Time = picks[i].Time.Add(f.template.PrePick)
		}
		if d.Event == nil {
			d.Event = &event.Event{
				ResourceID: event.NewResourceID("event"),
				CreationInfo: event.CreationInfo{
					Author:       creationAuthor,
					AgencyID:     creationAgency,
					CreationTime: time.Now().UTC(),
				},
				Comments: []event.Comment{{Text: "Created from detection " + d.ID}},
			}
		}
		d.Event.Picks = picks
		out.Append(d.Event)
		if len(picks) > 0 {
			picked++
		}
	}
	f.version++

	getLogger().Info("lag calculation finished",
		"template", f.template.Name,
		"detections", len(f.detections),
		"refined", out.Len(),
		"with_picks", picked,
		"duration_ms", time.Since(started).Milliseconds())
	return out, nil
}

// acceptThreshold resolves the per-detection correlation floor. With a
// mean-correlation factor the floor tracks how well the detection itself
// correlated, never exceeding the configured minimum.
func acceptThreshold(d *Detection, params lagcalc.Params) float64 {
	minCC := params.MinCC
	if params.MinCCFromMeanFactor > 0 && d.NumChans > 0 {
		fromMean := absFloat(d.Value) / float64(d.NumChans) * params.MinCCFromMeanFactor
		if fromMean < minCC {
			minCC = fromMean
		}
	}
	return minCC
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// templateChannels flattens the template waveform into the plain channel
// descriptions the refinement engine works on. Offsets are moveouts from
// the earliest trace. Duplicate channel ids keep the first trace only.
func templateChannels(tpl *Template) []lagcalc.TemplateChannel {
	base := tpl.EarliestStart()
	seen := make(map[seis.ChannelID]bool, tpl.Waveform.Len())
	out := make([]lagcalc.TemplateChannel, 0, tpl.Waveform.Len())
	for _, tr := range tpl.Waveform.Traces {
		if seen[tr.ID] {
			getLogger().Warn("template carries duplicate channel, keeping first",
				"template", tpl.Name, "channel", tr.ID.String())
			continue
		}
		seen[tr.ID] = true
		out = append(out, lagcalc.TemplateChannel{
			ID:         tr.ID,
			Offset:     tr.StartTime.Sub(base),
			SampleRate: tr.SampleRate,
			Data:       tr.Data,
		})
	}
	return out
}

// RelativeMagnitudes is not available in this release. The amplitude-ratio
// approach needs signal-to-noise screening that has not been ported yet.
func (f *Family) RelativeMagnitudes(stream *seis.Stream, preProcessed bool) error {
	getLogger().Warn("relative magnitude calculation is disabled in this release",
		"template", f.template.Name)
	return errors.New(ErrMagnitudesDisabled).
		Component("matchfilter").
		Category(errors.CategoryUnsupported).
		TemplateContext(f.template.Name).
		Build()
}

// Format selects how Write lays the family down on disk.
type Format string

const (
	// FormatTar bundles the family through the registered Archiver.
	FormatTar Format = "tar"
	// FormatCSV appends the detections to a flat text file.
	FormatCSV Format = "csv"
	// FormatDatabase saves the detections into an SQLite file.
	FormatDatabase Format = "db"
	// FormatJSON writes the family's catalog as JSON.
	FormatJSON Format = "json"
	// FormatTable writes the family's catalog as an aligned text table.
	FormatTable Format = "table"
)

// WriteOptions control Family.Write.
type WriteOptions struct {
	Format    Format
	Overwrite bool // replace existing files instead of appending or failing
}

// Write saves the family at path in the requested format. FormatCSV
// appends to an existing file unless Overwrite is set, which matches how
// long detection runs accumulate results; the other formats refuse to
// clobber without Overwrite.
func (f *Family) Write(path string, opts WriteOptions) error {
	switch opts.Format {
	case FormatTar:
		arch := currentArchiver()
		if arch == nil {
			return errors.New(errors.NewStd("no archiver registered for tar output")).
				Component("matchfilter").
				Category(errors.CategoryConfiguration).
				TemplateContext(f.template.Name).
				Build()
		}
		return arch.Archive([]*Family{f}, path, opts.Overwrite)
	case FormatCSV:
		return writeFamilyText(path, f.detections, opts.Overwrite)
	case FormatDatabase:
		return f.writeDatabase(path)
	case FormatJSON, FormatTable:
		return f.Catalog().WriteFile(path, string(opts.Format), opts.Overwrite)
	default:
		return errors.Newf("unknown family output format %q", opts.Format).
			Component("matchfilter").
			Category(errors.CategoryValidation).
			TemplateContext(f.template.Name).
			Build()
	}
}

// writeDatabase opens an SQLite store at path and saves the family in one
// transaction.
func (f *Family) writeDatabase(path string) error {
	settings := &conf.Settings{}
	settings.Output.SQLite.Enabled = true
	settings.Output.SQLite.Path = path

	store, err := datastore.New(settings, nil)
	if err != nil {
		return err
	}
	if err := store.Open(); err != nil {
		return err
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			getLogger().Error("failed to close detection store", "path", path, "error", cerr)
		}
	}()
	return store.SaveFamily(context.Background(), f.template.Name, DetectionRecords(f.detections))
}

// DetectionRecords maps detections onto their storage rows, picks included.
// Callers that hold an open store can save a family with these directly
// instead of going through Write.
func DetectionRecords(dets []*Detection) []datastore.DetectionRecord {
	out := make([]datastore.DetectionRecord, 0, len(dets))
	for _, d := range dets {
		rec := datastore.DetectionRecord{
			ID:             d.ID,
			TemplateName:   d.TemplateName,
			DetectTime:     d.Time.UTC(),
			NumChans:       d.NumChans,
			Value:          d.Value,
			Threshold:      d.Threshold,
			ThresholdType:  d.ThresholdType,
			ThresholdInput: d.ThresholdInput,
			DetectType:     string(d.Type),
			Channels:       joinChannelIDs(d.Chans),
		}
		if d.Event != nil {
			rec.EventRef = d.Event.ResourceID.String()
			for i := range d.Event.Picks {
				p := d.Event.Picks[i]
				rec.Picks = append(rec.Picks, datastore.PickRecord{
					DetectionID: d.ID,
					Channel:     p.WaveformID.String(),
					Time:        p.Time.UTC(),
					Phase:       p.PhaseHint,
				})
			}
		}
		out = append(out, rec)
	}
	return out
}
