// Package waveio moves traces in and out of WAV files: samples as 32 bit
// integer PCM counts, the channel identity and start time encoded in the
// file name. Meant for fixtures and spot exports; nothing beyond identity,
// start time and sample rate survives the trip, so it is not an archive
// format.
package waveio

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/tremorlab/quakescan-go/internal/errors"
	"github.com/tremorlab/quakescan-go/pkg/seis"
)

// fileTimeLayout renders the start time for file names. Colons are not
// portable across filesystems, so this is not the wire time format.
const fileTimeLayout = "20060102T150405.000000"

const bitDepth = 32

// TraceFileName returns the canonical file name for a trace,
// "NET.STA.LOC.CHN__20060102T150405.000000.wav".
func TraceFileName(tr *seis.Trace) string {
	return fmt.Sprintf("%s__%s.wav", tr.ID, tr.StartTime.UTC().Format(fileTimeLayout))
}

func parseTraceFileName(name string) (seis.ChannelID, time.Time, error) {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	idPart, timePart, found := strings.Cut(base, "__")
	if !found {
		return seis.ChannelID{}, time.Time{}, fmt.Errorf("file name %q has no __ separator", name)
	}
	id, err := seis.ParseChannelID(idPart)
	if err != nil {
		return seis.ChannelID{}, time.Time{}, err
	}
	start, err := time.Parse(fileTimeLayout, timePart)
	if err != nil {
		return seis.ChannelID{}, time.Time{}, err
	}
	return id, start, nil
}

// WriteTrace writes one trace to dir and returns the file path. The sample
// rate must be a whole number, WAV headers cannot hold fractional rates,
// and the data must be gap free; split streams before writing.
func WriteTrace(dir string, tr *seis.Trace) (string, error) {
	if tr == nil || tr.Npts() == 0 {
		return "", errors.New(errors.NewStd("cannot write an empty trace")).
			Component("waveio").
			Category(errors.CategoryValidation).
			Build()
	}
	if tr.SampleRate != math.Trunc(tr.SampleRate) {
		return "", errors.Newf("WAV headers hold integer sample rates, %s is at %g Hz", tr.ID, tr.SampleRate).
			Component("waveio").
			Category(errors.CategoryValidation).
			ChannelContext(tr.ID.String()).
			Build()
	}
	for i, v := range tr.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return "", errors.Newf("trace %s holds a non-finite sample at index %d, split gappy streams before writing", tr.ID, i).
				Component("waveio").
				Category(errors.CategoryValidation).
				ChannelContext(tr.ID.String()).
				Build()
		}
	}

	if dir == "" {
		dir = "."
	} else if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.FileError(err, dir, 0)
	}
	path := filepath.Join(dir, TraceFileName(tr))
	fh, err := os.Create(path)
	if err != nil {
		return "", errors.FileError(err, path, 0)
	}

	rate := int(tr.SampleRate)
	enc := wav.NewEncoder(fh, rate, bitDepth, 1, 1)
	buf := &audio.IntBuffer{
		Data:           countSamples(tr.Data),
		Format:         &audio.Format{SampleRate: rate, NumChannels: 1},
		SourceBitDepth: bitDepth,
	}
	err = enc.Write(buf)
	if cerr := enc.Close(); err == nil {
		err = cerr
	}
	if cerr := fh.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", errors.New(err).
			Component("waveio").
			Category(errors.CategoryFileIO).
			ChannelContext(tr.ID.String()).
			FileContext(path, 0).
			Build()
	}
	return path, nil
}

// countSamples rounds to whole counts, clamped to the 32 bit PCM range.
func countSamples(data []float64) []int {
	out := make([]int, len(data))
	for i, v := range data {
		r := math.Round(v)
		switch {
		case r > math.MaxInt32:
			out[i] = math.MaxInt32
		case r < math.MinInt32:
			out[i] = math.MinInt32
		default:
			out[i] = int(r)
		}
	}
	return out
}

// ReadTrace reads one trace back. Identity and start time come from the
// file name, the sample rate from the WAV header.
func ReadTrace(path string) (*seis.Trace, error) {
	id, start, err := parseTraceFileName(filepath.Base(path))
	if err != nil {
		return nil, errors.New(err).
			Component("waveio").
			Category(errors.CategoryValidation).
			FileContext(path, 0).
			Build()
	}

	fh, err := os.Open(path)
	if err != nil {
		return nil, errors.FileError(err, path, 0)
	}
	defer fh.Close()

	decoder := wav.NewDecoder(fh)
	decoder.ReadInfo()
	if !decoder.IsValidFile() {
		return nil, errors.Newf("%s is not a valid WAV file", path).
			Component("waveio").
			Category(errors.CategoryFileIO).
			FileContext(path, 0).
			Build()
	}
	if decoder.NumChans != 1 {
		return nil, errors.Newf("%s carries %d channels, traces are single channel", path, decoder.NumChans).
			Component("waveio").
			Category(errors.CategoryFileIO).
			FileContext(path, 0).
			Build()
	}

	buf := &audio.IntBuffer{
		Data:   make([]int, 32768),
		Format: &audio.Format{SampleRate: int(decoder.SampleRate), NumChannels: 1},
	}
	var data []float64
	for {
		n, err := decoder.PCMBuffer(buf)
		if err != nil {
			return nil, errors.New(err).
				Component("waveio").
				Category(errors.CategoryFileIO).
				FileContext(path, 0).
				Build()
		}
		if n == 0 {
			break
		}
		for _, s := range buf.Data[:n] {
			data = append(data, float64(s))
		}
	}

	tr, err := seis.NewTrace(id, start, float64(decoder.SampleRate), data)
	if err != nil {
		return nil, errors.New(err).
			Component("waveio").
			Category(errors.CategoryFileIO).
			FileContext(path, 0).
			Build()
	}
	return tr, nil
}

// WriteStream writes every trace of the stream to dir, one file each, and
// returns the paths in stream order.
func WriteStream(dir string, st *seis.Stream) ([]string, error) {
	if st == nil {
		return nil, nil
	}
	paths := make([]string, 0, st.Len())
	for _, tr := range st.Traces {
		path, err := WriteTrace(dir, tr)
		if err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// ReadDir reads every WAV file in dir into one sorted stream. Files whose
// names do not parse as a trace are skipped with a warning; unreadable WAV
// data is an error.
func ReadDir(dir string) (*seis.Stream, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.FileError(err, dir, 0)
	}

	out := seis.NewStream()
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".wav") {
			continue
		}
		if _, _, err := parseTraceFileName(entry.Name()); err != nil {
			getLogger().Warn("skipping WAV file without a parseable trace name",
				"dir", dir, "file", entry.Name(), "error", err)
			continue
		}
		tr, err := ReadTrace(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		out.Add(tr)
	}
	out.Sort()
	return out, nil
}
