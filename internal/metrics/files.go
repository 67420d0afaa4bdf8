package metrics

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const (
	runFile     = "run.json"
	metricsFile = "metrics.csv"
	historyFile = "history.jsonl"
)

// blockColumns are the per-block file columns after "epoch". Each maps to
// the history key "<phase>/block_<i>/<name>".
var blockColumns = []struct{ phase, name string }{
	{"train", "activation"},
	{"train", "loss"},
	{"train", "accuracy"},
	{"validate", "loss"},
	{"validate", "accuracy"},
}

// RunInfo is written once per log directory.
type RunInfo struct {
	RunID    string    `json:"run_id"`
	BlockNum int       `json:"block_num"`
	Options  []string  `json:"options"`
	Created  time.Time `json:"created"`
}

// Pipeline writes epoch summaries under a log directory. A Pipeline with
// an empty directory discards everything.
type Pipeline struct {
	logDir   string
	blockNum int
	opts     Options
	info     RunInfo
}

// SetupLogFiles prepares logDir for a run with blockNum blocks. It is
// idempotent: existing files, including the run id, are kept.
func SetupLogFiles(logDir string, blockNum int, opts Options) (*Pipeline, error) {
	p := &Pipeline{logDir: logDir, blockNum: blockNum, opts: opts}
	if logDir == "" {
		return p, nil
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("metrics: mkdir %s: %w", logDir, err)
	}
	info, err := loadOrCreateRun(filepath.Join(logDir, runFile), blockNum, opts)
	if err != nil {
		return nil, err
	}
	p.info = info
	if err := touch(filepath.Join(logDir, metricsFile)); err != nil {
		return nil, err
	}
	if opts.Has(PerBlock) {
		header := []string{"epoch"}
		for _, col := range blockColumns {
			header = append(header, col.phase+"_"+col.name)
		}
		for i := 0; i < blockNum; i++ {
			if err := ensureHeader(p.blockPath(i), header); err != nil {
				return nil, err
			}
		}
	}
	return p, nil
}

// RunID returns the identifier recorded in run.json.
func (p *Pipeline) RunID() string {
	return p.info.RunID
}

// ProcessMetrics appends one epoch to every configured file.
func (p *Pipeline) ProcessMetrics(epoch Epoch) error {
	if p.logDir == "" {
		return nil
	}
	if err := p.appendMetrics(epoch); err != nil {
		return err
	}
	if p.opts.Has(PerBlock) {
		for i := 0; i < p.blockNum; i++ {
			row := []string{strconv.Itoa(epoch.Index)}
			for _, col := range blockColumns {
				key := fmt.Sprintf("%s/block_%d/%s", col.phase, i, col.name)
				row = append(row, formatValue(epoch.Values, key))
			}
			if err := appendRow(p.blockPath(i), row); err != nil {
				return err
			}
		}
	}
	if p.opts.Has(JSONLines) {
		line, err := json.Marshal(epoch)
		if err != nil {
			return fmt.Errorf("metrics: encode epoch %d: %w", epoch.Index, err)
		}
		f, err := os.OpenFile(filepath.Join(p.logDir, historyFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("metrics: open history: %w", err)
		}
		_, werr := f.Write(append(line, '\n'))
		cerr := f.Close()
		if err := errors.Join(werr, cerr); err != nil {
			return fmt.Errorf("metrics: write history: %w", err)
		}
	}
	return nil
}

// appendMetrics writes one row to metrics.csv. The header is fixed by the
// first row ever written; keys outside it are not recorded.
func (p *Pipeline) appendMetrics(epoch Epoch) error {
	path := filepath.Join(p.logDir, metricsFile)
	header, err := readHeader(path)
	if err != nil {
		return err
	}
	if header == nil {
		header = append([]string{"epoch"}, sortedKeys(epoch.Values)...)
		if err := appendRow(path, header); err != nil {
			return err
		}
	}
	row := make([]string, len(header))
	for i, key := range header {
		if i == 0 {
			row[i] = strconv.Itoa(epoch.Index)
			continue
		}
		row[i] = formatValue(epoch.Values, key)
	}
	return appendRow(path, row)
}

func (p *Pipeline) blockPath(i int) string {
	return filepath.Join(p.logDir, fmt.Sprintf("block_%d.csv", i))
}

func loadOrCreateRun(path string, blockNum int, opts Options) (RunInfo, error) {
	var info RunInfo
	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(data, &info); err != nil {
			return info, fmt.Errorf("metrics: parse %s: %w", path, err)
		}
		return info, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return info, fmt.Errorf("metrics: read %s: %w", path, err)
	}
	info = RunInfo{RunID: uuid.NewString(), BlockNum: blockNum, Options: opts.List(), Created: time.Now().UTC()}
	data, err = json.MarshalIndent(info, "", "  ")
	if err != nil {
		return info, err
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return info, fmt.Errorf("metrics: write %s: %w", path, err)
	}
	return info, nil
}

func touch(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("metrics: create %s: %w", path, err)
	}
	return f.Close()
}

func ensureHeader(path string, header []string) error {
	existing, err := readHeader(path)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	return appendRow(path, header)
}

// readHeader returns the first CSV record of path, or nil if the file is
// absent or empty.
func readHeader(path string) ([]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("metrics: open %s: %w", path, err)
	}
	defer f.Close()
	record, err := csv.NewReader(bufio.NewReader(f)).Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("metrics: read header %s: %w", path, err)
	}
	return record, nil
}

func appendRow(path string, row []string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("metrics: open %s: %w", path, err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(row); err != nil {
		f.Close()
		return fmt.Errorf("metrics: write %s: %w", path, err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("metrics: flush %s: %w", path, err)
	}
	return f.Close()
}

func formatValue(values map[string]float64, key string) string {
	v, ok := values[key]
	if !ok {
		return ""
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
