package builtins

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

const utf8BOM = "\ufeff"

var leadCSVHeader = []string{"name", "phone", "unit_code", "notes", "timestamp"}

// CSVSink appends leads to a CSV file, writing the header once when the file is created.
type CSVSink struct {
	Path string

	mu sync.Mutex
}

func (s *CSVSink) SaveLead(ctx context.Context, lead Lead) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.Path == "" {
		return errors.New("csv path is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if dir := filepath.Dir(s.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create lead dir: %w", err)
		}
	}
	_, statErr := os.Stat(s.Path)
	isNew := errors.Is(statErr, fs.ErrNotExist)

	f, err := os.OpenFile(s.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open lead file: %w", err)
	}
	defer f.Close()

	if isNew {
		if _, err := f.WriteString(utf8BOM); err != nil {
			return err
		}
	}
	w := csv.NewWriter(f)
	if isNew {
		if err := w.Write(leadCSVHeader); err != nil {
			return err
		}
	}
	if err := w.Write([]string{
		lead.Name,
		lead.Phone,
		lead.UnitCode,
		lead.Notes,
		lead.CreatedAt.Format("2006-01-02 15:04:05"),
	}); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}
