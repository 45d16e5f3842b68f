// Package pipeline assembles the detection management core into a runnable
// survey: configuration, structured logging, metric collectors, the optional
// detection store and the prepare, refine and persist stages behind a single
// Run call.
package pipeline

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tremorlab/quakescan-go/internal/conf"
	"github.com/tremorlab/quakescan-go/internal/datastore"
	"github.com/tremorlab/quakescan-go/internal/errors"
	"github.com/tremorlab/quakescan-go/internal/logging"
	"github.com/tremorlab/quakescan-go/internal/observability"
	"github.com/tremorlab/quakescan-go/internal/observability/metrics"
	"github.com/tremorlab/quakescan-go/pkg/event"
	"github.com/tremorlab/quakescan-go/pkg/lagcalc"
	"github.com/tremorlab/quakescan-go/pkg/matchfilter"
	"github.com/tremorlab/quakescan-go/pkg/seis"
)

// Store drivers.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// StoreOptions select and configure the optional detection store.
type StoreOptions struct {
	Enabled  bool
	Driver   string // DriverSQLite or DriverMySQL
	Path     string // sqlite database file
	Username string // mysql connection settings
	Password string
	Host     string
	Port     string
	Database string
}

// ExportOptions write each refined family to a results directory.
type ExportOptions struct {
	Enabled bool
	Dir     string
	Format  string // csv, json or table
}

// Options configure a Pipeline. The zero value runs with no store, no
// export and logging through the process default handler.
type Options struct {
	NodeName string // labels this deployment in log lines
	Debug    bool   // lowers the file logger to debug level
	Process  matchfilter.ProcessOptions
	LagCalc  lagcalc.Params
	Store    StoreOptions
	Export   ExportOptions
	LogFile  string // rotating JSON log file, empty keeps the default handler
}

// LoadOptions builds Options from a YAML configuration file. An empty path
// falls back to the default search locations.
func LoadOptions(configPath string) (*Options, error) {
	settings, err := conf.LoadFrom(configPath)
	if err != nil {
		return nil, errors.New(err).
			Component("pipeline").
			Category(errors.CategoryConfiguration).
			Context("config_path", configPath).
			Build()
	}
	return OptionsFromSettings(settings), nil
}

// OptionsFromSettings maps loaded settings onto pipeline options. Slices
// are copied so later edits to the settings cannot reach a running
// pipeline.
func OptionsFromSettings(s *conf.Settings) *Options {
	opts := &Options{
		NodeName: s.Main.Name,
		Debug:    s.Debug,
		Process: matchfilter.ProcessOptions{
			IgnoreLength:  s.Processing.IgnoreLength,
			IgnoreBadData: s.Processing.IgnoreBadData,
			Workers:       s.Processing.Workers,
		},
		LagCalc: lagcalc.Params{
			ShiftLen:            time.Duration(s.LagCalc.ShiftLen * float64(time.Second)),
			MinCC:               s.LagCalc.MinCC,
			MinCCFromMeanFactor: s.LagCalc.MinCCFromMeanFactor,
			HorizontalChans:     append([]string(nil), s.LagCalc.HorizontalChans...),
			VerticalChans:       append([]string(nil), s.LagCalc.VerticalChans...),
			Interpolate:         s.LagCalc.Interpolate,
			ExportCC:            s.LagCalc.ExportCC,
			CCDir:               s.LagCalc.CCDir,
			Workers:             s.LagCalc.Workers,
		},
		Export: ExportOptions{
			Enabled: s.Output.File.Enabled,
			Dir:     s.Output.File.Path,
			Format:  s.Output.File.Type,
		},
	}

	switch {
	case s.Output.SQLite.Enabled:
		opts.Store = StoreOptions{
			Enabled: true,
			Driver:  DriverSQLite,
			Path:    s.Output.SQLite.Path,
		}
	case s.Output.MySQL.Enabled:
		opts.Store = StoreOptions{
			Enabled:  true,
			Driver:   DriverMySQL,
			Username: s.Output.MySQL.Username,
			Password: s.Output.MySQL.Password,
			Host:     s.Output.MySQL.Host,
			Port:     s.Output.MySQL.Port,
			Database: s.Output.MySQL.Database,
		}
	}

	if s.Main.Log.Enabled {
		opts.LogFile = s.Main.Log.Path
	}
	return opts
}

// Report summarizes one Run.
type Report struct {
	Detections int           // detections in the family going in
	Picked     int           // refined events that gained at least one pick
	Picks      int           // picks across all refined events
	Stored     int           // rows written to the detection store
	Elapsed    time.Duration // wall time of the whole run
}

// Pipeline runs prepare, refine and persist over families of detections.
// One Run mutates the family it is given; runs must not overlap on the
// same family.
type Pipeline struct {
	opts     Options
	log      *slog.Logger
	closeLog func() error
	metrics  *observability.Metrics
	store    datastore.Interface
	export   matchfilter.Format
}

// New wires a pipeline from options: metric collectors, the optional
// rotating file logger, the export directory and the detection store.
// Callers own the returned pipeline and must Close it.
func New(opts Options) (*Pipeline, error) {
	p := &Pipeline{opts: opts, log: getLogger()}

	m, err := observability.NewMetrics()
	if err != nil {
		return nil, errors.New(err).
			Component("pipeline").
			Category(errors.CategoryConfiguration).
			Build()
	}
	p.metrics = m

	if opts.LogFile != "" {
		level := slog.Leveler(slog.LevelInfo)
		if opts.Debug {
			level = slog.LevelDebug
		}
		fileLog, closeLog, err := logging.NewFileLogger(opts.LogFile, "pipeline", level)
		if err != nil {
			return nil, errors.New(err).
				Component("pipeline").
				Category(errors.CategoryFileIO).
				Context("log_file", opts.LogFile).
				Build()
		}
		p.log = fileLog
		p.closeLog = closeLog
	}
	if opts.NodeName != "" {
		p.log = p.log.With("node", opts.NodeName)
	}

	if opts.Export.Enabled {
		format, err := exportFormat(opts.Export.Format)
		if err != nil {
			p.shutdown()
			return nil, err
		}
		p.export = format
		if opts.Export.Dir != "" {
			if err := os.MkdirAll(opts.Export.Dir, 0o755); err != nil {
				p.shutdown()
				return nil, errors.New(err).
					Component("pipeline").
					Category(errors.CategoryFileIO).
					Context("export_dir", opts.Export.Dir).
					Build()
			}
		}
	}

	if opts.Store.Enabled {
		store, err := openStore(opts.Store, m)
		if err != nil {
			p.shutdown()
			return nil, err
		}
		p.store = store
	}

	p.log.Info("pipeline ready",
		"store", opts.Store.Enabled,
		"export", opts.Export.Enabled,
		"lagcalc_workers", opts.LagCalc.Workers,
		"process_workers", opts.Process.Workers)
	return p, nil
}

// Run prepares the continuous stream for the family's template, refines
// the family's picks against it and persists the results to whichever
// outputs are configured. The family is refined in place.
func (p *Pipeline) Run(ctx context.Context, family *matchfilter.Family, stream *seis.Stream) (*Report, error) {
	if family == nil {
		return nil, errors.Newf("nothing to run: family is nil").
			Component("pipeline").
			Category(errors.CategoryValidation).
			Build()
	}
	if stream == nil {
		return nil, errors.Newf("nothing to run: stream is nil").
			Component("pipeline").
			Category(errors.CategoryValidation).
			TemplateContext(family.Template().Name).
			Build()
	}

	started := time.Now()
	tpl := family.Template()
	log := p.log.With("template", tpl.Name, "detections", family.Len())
	log.Info("pipeline run starting", "channels", stream.Len())

	stageStart := time.Now()
	prepared, err := matchfilter.ProcessStream(ctx, stream, tpl, p.opts.Process)
	p.stageDone(metrics.OpProcess, stageStart, err)
	if err != nil {
		return nil, err
	}
	p.metrics.Pipeline.UpdateChannelsPrepared(prepared.Len())

	lcOpts := matchfilter.LagCalcOptions{
		Params:  p.opts.LagCalc,
		Process: matchfilter.ProcessOptions{PreProcessed: true},
	}
	stageStart = time.Now()
	cat, err := family.LagCalc(ctx, prepared, lcOpts)
	p.stageDone(metrics.OpLagCalc, stageStart, err)
	if err != nil {
		return nil, err
	}

	report := &Report{Detections: family.Len()}
	p.metrics.Pipeline.RecordDetectionsProcessed(family.Len())
	p.recordRefinements(family.Len(), cat, report)

	if p.store != nil {
		recs := matchfilter.DetectionRecords(family.Detections())
		stageStart = time.Now()
		err = p.store.SaveFamily(ctx, tpl.Name, recs)
		p.stageDone(metrics.OpStore, stageStart, err)
		if err != nil {
			return nil, err
		}
		report.Stored = len(recs)
		p.metrics.Pipeline.RecordDetectionsStored(len(recs))
	}

	if p.opts.Export.Enabled {
		// CSV output accumulates across runs, JSON and table snapshots
		// are replaced by the newest state.
		stageStart = time.Now()
		err = family.Write(p.exportPath(tpl.Name), matchfilter.WriteOptions{
			Format:    p.export,
			Overwrite: p.export != matchfilter.FormatCSV,
		})
		p.stageDone(metrics.OpExport, stageStart, err)
		if err != nil {
			return nil, err
		}
	}

	report.Elapsed = time.Since(started)
	log.Info("pipeline run finished",
		"picked", report.Picked,
		"picks", report.Picks,
		"stored", report.Stored,
		"elapsed", report.Elapsed)
	return report, nil
}

// Gatherer exposes the pipeline's metric collectors for scraping or tests.
func (p *Pipeline) Gatherer() prometheus.Gatherer {
	return p.metrics.Gatherer()
}

// Close releases the detection store and the log writer. The pipeline must
// not be used afterwards.
func (p *Pipeline) Close() error {
	var firstErr error
	if p.store != nil {
		if err := p.store.Close(); err != nil {
			firstErr = err
		}
		p.store = nil
	}
	if p.closeLog != nil {
		if err := p.closeLog(); err != nil && firstErr == nil {
			firstErr = err
		}
		p.closeLog = nil
	}
	return firstErr
}

// shutdown releases whatever New managed to wire before failing.
func (p *Pipeline) shutdown() {
	if err := p.Close(); err != nil {
		getLogger().Error("failed to release partially built pipeline", "error", err)
	}
}

// stageDone records one stage run in the stage collectors.
func (p *Pipeline) stageDone(stage string, started time.Time, err error) {
	status := metrics.LabelSuccess
	if err != nil {
		status = metrics.LabelError
	}
	p.metrics.Pipeline.RecordOperation(stage, status)
	p.metrics.Pipeline.RecordDuration(stage, time.Since(started).Seconds())
	if err != nil {
		p.log.Error("pipeline stage failed", "stage", stage, "error", err)
	}
}

// recordRefinements fills the pick counts of the report and feeds the
// refinement collectors. Detections the refinement left out count as
// skipped, refined events without an accepted pick as empty.
func (p *Pipeline) recordRefinements(detections int, cat *event.Catalog, report *Report) {
	lc := p.metrics.LagCalc
	for _, ev := range cat.Events {
		if len(ev.Picks) == 0 {
			lc.RecordRefinement("empty")
			continue
		}
		lc.RecordRefinement("picked")
		report.Picked++
		report.Picks += len(ev.Picks)
		for i := range ev.Picks {
			if cc, ok := pickCorrelation(&ev.Picks[i]); ok {
				lc.RecordCorrelationPeak(cc)
			}
		}
	}
	for i := cat.Len(); i < detections; i++ {
		lc.RecordRefinement("skipped")
	}
	lc.RecordPicks(report.Picks)
}

// pickCorrelation recovers the correlation value the refinement attached
// to a pick. The flat format keeps it only as a cc_max comment, so that is
// where it lives.
func pickCorrelation(pk *event.Pick) (float64, bool) {
	for _, c := range pk.Comments {
		if v, found := strings.CutPrefix(c.Text, "cc_max="); found {
			if cc, err := strconv.ParseFloat(v, 64); err == nil {
				return cc, true
			}
		}
	}
	return 0, false
}

// exportPath places one family's results file under the export directory.
func (p *Pipeline) exportPath(templateName string) string {
	var ext string
	switch p.export {
	case matchfilter.FormatJSON:
		ext = ".json"
	case matchfilter.FormatTable:
		ext = ".txt"
	default:
		ext = ".csv"
	}
	return filepath.Join(p.opts.Export.Dir, templateName+ext)
}

// exportFormat maps a configured output type onto a family write format.
func exportFormat(name string) (matchfilter.Format, error) {
	switch name {
	case "csv":
		return matchfilter.FormatCSV, nil
	case "json":
		return matchfilter.FormatJSON, nil
	case "table":
		return matchfilter.FormatTable, nil
	default:
		return "", errors.Newf("unknown export format %q, want csv, json or table", name).
			Component("pipeline").
			Category(errors.CategoryConfiguration).
			Build()
	}
}

// openStore maps store options back onto the settings shape the datastore
// consumes and opens the connection.
func openStore(so StoreOptions, m *observability.Metrics) (datastore.Interface, error) {
	settings := &conf.Settings{}
	switch so.Driver {
	case DriverSQLite:
		settings.Output.SQLite.Enabled = true
		settings.Output.SQLite.Path = so.Path
	case DriverMySQL:
		settings.Output.MySQL.Enabled = true
		settings.Output.MySQL.Username = so.Username
		settings.Output.MySQL.Password = so.Password
		settings.Output.MySQL.Host = so.Host
		settings.Output.MySQL.Port = so.Port
		settings.Output.MySQL.Database = so.Database
	default:
		return nil, errors.Newf("unknown store driver %q, want %s or %s", so.Driver, DriverSQLite, DriverMySQL).
			Component("pipeline").
			Category(errors.CategoryConfiguration).
			Build()
	}

	store, err := datastore.New(settings, m.Datastore)
	if err != nil {
		return nil, err
	}
	if err := store.Open(); err != nil {
		return nil, err
	}
	return store, nil
}
