package metrics

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

// csvOut appends rows to a CSV file, writing the header only when the file
// is new.
type csvOut struct {
	f  *os.File
	w  *csv.Writer
	mu sync.Mutex
}

func openCSV(path string, hdr []string) (*csvOut, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "csv mkdir %s", path)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "csv open %s", path)
	}
	w := csv.NewWriter(f)
	if st, _ := f.Stat(); st != nil && st.Size() == 0 {
		_ = w.Write(hdr)
		w.Flush()
	}
	return &csvOut{f: f, w: w}, nil
}

func (c *csvOut) write(row []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.w == nil {
		return errors.New("csv writer closed")
	}
	_ = c.w.Write(row)
	c.w.Flush()
	return c.w.Error()
}

func (c *csvOut) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.w == nil {
		return nil
	}
	c.w.Flush()
	err := c.f.Close()
	c.f, c.w = nil, nil
	return err
}
