package fitcommon

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// WriteFloatDump writes the concatenation of parts as raw little-endian float32,
// the layout of the calibration .dat captures.
func WriteFloatDump(path string, parts ...[]float32) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "dump %s", path)
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "dump %s", path)
	}
	w := bufio.NewWriter(f)
	var b [4]byte
	for _, p := range parts {
		for _, v := range p {
			binary.LittleEndian.PutUint32(b[:], math.Float32bits(v))
			if _, err := w.Write(b[:]); err != nil {
				f.Close()
				return errors.Wrapf(err, "dump %s", path)
			}
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return errors.Wrapf(err, "dump %s", path)
	}
	return errors.Wrapf(f.Close(), "dump %s", path)
}

// ReadFloatDump reads a raw little-endian float32 file. A trailing partial value
// is an error.
func ReadFloatDump(path string) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "dump %s", path)
	}
	defer f.Close()
	data, err := io.ReadAll(bufio.NewReader(f))
	if err != nil {
		return nil, errors.Wrapf(err, "dump %s", path)
	}
	if len(data)%4 != 0 {
		return nil, errors.Errorf("dump %s: %d bytes is not a whole number of floats", path, len(data))
	}
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out, nil
}
