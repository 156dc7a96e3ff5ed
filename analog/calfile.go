package analog

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/Melbourne-Instruments/nina-vst-sub000/internal/diag"
	"github.com/Melbourne-Instruments/nina-vst-sub000/internal/persist"
)

// Field counts of the calibration file lines.
const (
	ModelFileFields   = 8
	CalFileFields     = 17
	FilterModelFields = 3
)

// Sink queues file work for the background writer. Submit must not block.
type Sink interface {
	Submit(j *persist.Job) bool
}

func sinkOrInline(s Sink, log diag.Logger) Sink {
	if s == nil {
		return persist.Inline{Log: log}
	}
	return s
}

func ModelPath(dir string, voice, osc int) string {
	return filepath.Join(dir, fmt.Sprintf("voice_%d_osc_%d.model", voice, osc))
}

func CalPath(dir string, voice int) string {
	return filepath.Join(dir, fmt.Sprintf("voice_%d.cal", voice))
}

func FilterModelPath(dir string, voice int) string {
	return filepath.Join(dir, fmt.Sprintf("voice_%d_filter.model", voice))
}

func TuningTablePath(dir string, voice, osc int) string {
	return filepath.Join(dir, fmt.Sprintf("voice_%d_osc_%d.txt", voice, osc))
}

// CalRecord is the content of a voice_N.cal file.
type CalRecord struct {
	Mix       MixTrims
	MainL     float32
	MainR     float32
	Filter    FilterCal
	Blacklist bool
}

func formatFloat(v float32) string {
	return strconv.FormatFloat(float64(v), 'g', -1, 32)
}

func joinFloats(vals []float32) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = formatFloat(v)
	}
	return strings.Join(parts, " ")
}

// parseFloats reads the first n whitespace separated floats of line.
func parseFloats(line string, n int) ([]float32, error) {
	fields := strings.Fields(line)
	if len(fields) < n {
		return nil, errors.Errorf("got %d fields, want %d", len(fields), n)
	}
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		v, err := strconv.ParseFloat(fields[i], 32)
		if err != nil {
			return nil, errors.Wrapf(err, "field %d", i)
		}
		out[i] = float32(v)
	}
	return out, nil
}

func readLines(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open")
	}
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() && len(lines) < n {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "read")
	}
	if len(lines) < n {
		return nil, errors.Errorf("got %d lines, want %d", len(lines), n)
	}
	return lines, nil
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "mkdir")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(err, "write")
	}
	return errors.Wrap(os.Rename(tmp, path), "rename")
}

// ReadModelFile reads the up and down coefficient lines of a .model file. Extra
// trailing fields (the fitter may emit i and j) are ignored.
func ReadModelFile(path string) (up, down VoltageModel, err error) {
	up, down = DefaultVoltageModel(), DefaultVoltageModel()
	lines, err := readLines(path, 2)
	if err != nil {
		return up, down, errors.Wrapf(err, "model %s", path)
	}
	for i, m := range []*VoltageModel{&up, &down} {
		vals, err := parseFloats(lines[i], ModelFileFields)
		if err != nil {
			return DefaultVoltageModel(), DefaultVoltageModel(), errors.Wrapf(err, "model %s line %d", path, i+1)
		}
		var c [ModelFileFields]float32
		copy(c[:], vals)
		m.SetCoeffs(c)
	}
	return up, down, nil
}

func WriteModelFile(path string, up, down VoltageModel) error {
	cu, cd := up.Coeffs(), down.Coeffs()
	data := joinFloats(cu[:]) + "\n" + joinFloats(cd[:]) + "\n"
	return errors.Wrapf(writeFileAtomic(path, []byte(data)), "model %s", path)
}

func (r *CalRecord) fields() []float32 {
	bl := float32(0)
	if r.Blacklist {
		bl = 1
	}
	f := &r.Filter
	return []float32{
		r.Mix.Tri0, r.Mix.Sqr0, r.Mix.Tri1, r.Mix.Sqr1, r.Mix.Xor,
		r.MainL, r.MainR,
		f.FcLowClip, f.FcHighClip, f.FcGain, f.FcOffset, f.FcTempTrack,
		f.ResLowClip, f.ResHighClip, f.ResGain, f.ResZeroOffset,
		bl,
	}
}

// ReadCalFile parses a voice_N.cal line. Filter fields the line does not carry
// (A, C, BaseTemp) keep their defaults.
func ReadCalFile(path string) (CalRecord, error) {
	rec := CalRecord{Filter: DefaultFilterCal()}
	lines, err := readLines(path, 1)
	if err != nil {
		return rec, errors.Wrapf(err, "cal %s", path)
	}
	v, err := parseFloats(lines[0], CalFileFields)
	if err != nil {
		return rec, errors.Wrapf(err, "cal %s", path)
	}
	rec.Mix = MixTrims{Tri0: v[0], Sqr0: v[1], Tri1: v[2], Sqr1: v[3], Xor: v[4]}
	rec.MainL, rec.MainR = v[5], v[6]
	f := &rec.Filter
	f.FcLowClip, f.FcHighClip, f.FcGain, f.FcOffset, f.FcTempTrack = v[7], v[8], v[9], v[10], v[11]
	f.ResLowClip, f.ResHighClip, f.ResGain, f.ResZeroOffset = v[12], v[13], v[14], v[15]
	rec.Blacklist = v[16] > 0.5
	return rec, nil
}

func WriteCalFile(path string, rec CalRecord) error {
	data := joinFloats(rec.fields()) + "\n"
	return errors.Wrapf(writeFileAtomic(path, []byte(data)), "cal %s", path)
}

// ReadFilterModel returns a, c and the base temperature.
func ReadFilterModel(path string) (a, c, baseTemp float32, err error) {
	lines, err := readLines(path, 1)
	if err != nil {
		return 0, 0, 0, errors.Wrapf(err, "filter model %s", path)
	}
	v, err := parseFloats(lines[0], FilterModelFields)
	if err != nil {
		return 0, 0, 0, errors.Wrapf(err, "filter model %s", path)
	}
	return v[0], v[1], v[2], nil
}

func WriteFilterModel(path string, a, c, baseTemp float32) error {
	data := joinFloats([]float32{a, c, baseTemp}) + "\n"
	return errors.Wrapf(writeFileAtomic(path, []byte(data)), "filter model %s", path)
}

// AppendTuningTable appends one auto-tune sequence followed by a blank line.
func AppendTuningTable(path string, rows []TuneResult) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "tuning table %s", path)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "tuning table %s", path)
	}
	w := bufio.NewWriter(f)
	for _, r := range rows {
		fmt.Fprintf(w, "%s, %s, %s, %s\n", formatFloat(r.CVUp), formatFloat(r.CVDown), formatFloat(r.PeriodUp), formatFloat(r.PeriodDown))
	}
	fmt.Fprintln(w)
	if err := w.Flush(); err != nil {
		f.Close()
		return errors.Wrapf(err, "tuning table %s", path)
	}
	return errors.Wrapf(f.Close(), "tuning table %s", path)
}

// ReadTuningTable returns the sequences of an auto-tune table in file order.
func ReadTuningTable(path string) ([][]TuneResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "tuning table %s", path)
	}
	defer f.Close()

	var seqs [][]TuneResult
	var cur []TuneResult
	sc := bufio.NewScanner(f)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			if len(cur) > 0 {
				seqs = append(seqs, cur)
				cur = nil
			}
			continue
		}
		v, err := parseFloats(strings.ReplaceAll(line, ",", " "), 4)
		if err != nil {
			return nil, errors.Wrapf(err, "tuning table %s line %d", path, n)
		}
		cur = append(cur, TuneResult{CVUp: v[0], CVDown: v[1], PeriodUp: v[2], PeriodDown: v[3]})
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrapf(err, "tuning table %s", path)
	}
	if len(cur) > 0 {
		seqs = append(seqs, cur)
	}
	return seqs, nil
}
