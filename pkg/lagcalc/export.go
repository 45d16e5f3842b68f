package lagcalc

import (
	"bufio"
	"encoding/binary"
	"os"
	"path/filepath"

	"github.com/tremorlab/quakescan-go/internal/errors"
	"github.com/tremorlab/quakescan-go/pkg/seis"
)

// ccSeries is one channel's correlation series, kept for export.
type ccSeries struct {
	id seis.ChannelID
	cc []float64
}

// writeCCFile dumps the correlation series of one detection to
// "<detection id>-cc.bin". The layout is little endian: a series count,
// then per series the channel id string (uint16 length prefix), the sample
// count and the float64 samples.
func writeCCFile(dir, detectionID string, series []ccSeries) error {
	if dir == "" {
		dir = "."
	} else if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.FileError(err, dir, 0)
	}
	path := filepath.Join(dir, detectionID+"-cc.bin")
	fh, err := os.Create(path)
	if err != nil {
		return errors.FileError(err, path, 0)
	}
	w := bufio.NewWriter(fh)

	write := func(v any) error { return binary.Write(w, binary.LittleEndian, v) }
	err = write(uint32(len(series)))
	for _, s := range series {
		if err != nil {
			break
		}
		id := s.id.String()
		if err = write(uint16(len(id))); err == nil {
			if _, werr := w.WriteString(id); werr != nil {
				err = werr
			}
		}
		if err == nil {
			err = write(uint32(len(s.cc)))
		}
		if err == nil {
			err = write(s.cc)
		}
	}
	if err == nil {
		err = w.Flush()
	}
	if cerr := fh.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return errors.FileError(err, path, 0)
	}
	return nil
}
