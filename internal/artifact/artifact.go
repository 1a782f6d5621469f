// Package artifact manages generated report files: downloading them into a
// working directory, validating that they are real spreadsheets, exposing
// their rows, and sweeping old files.
package artifact

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	agenterrors "dpagent/internal/errors"
	"dpagent/internal/logging"
)

// Downloader streams a file URL to a writer. Satisfied by portal.Client.
type Downloader interface {
	DownloadFile(ctx context.Context, fileURL string, w io.Writer) (int64, error)
}

// Store is a directory of downloaded report files.
type Store struct {
	dir    string
	logger logging.Logger
}

// NewStore creates the download directory if needed.
func NewStore(dir string, logger logging.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}
	return &Store{dir: dir, logger: logging.OrNop(logger)}, nil
}

// Dir returns the store's directory.
func (s *Store) Dir() string { return s.dir }

// Fetch downloads fileURL into the store under name and returns the local
// path. Zero-sized downloads are rejected and cleaned up.
func (s *Store) Fetch(ctx context.Context, dl Downloader, fileURL, name string) (string, error) {
	path := filepath.Join(s.dir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", path, err)
	}
	n, err := dl.DownloadFile(ctx, fileURL, f)
	closeErr := f.Close()
	if err != nil {
		os.Remove(path)
		return "", fmt.Errorf("download %s: %w", name, err)
	}
	if closeErr != nil {
		os.Remove(path)
		return "", fmt.Errorf("flush %s: %w", name, closeErr)
	}
	if n == 0 {
		os.Remove(path)
		return "", &agenterrors.ArtifactError{Path: path, Reason: "zero-sized download"}
	}
	s.logger.Debug("downloaded %s (%d bytes)", name, n)
	return path, nil
}

// Remove deletes one downloaded file, logging rather than failing on error.
func (s *Store) Remove(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("remove %s: %v", path, err)
	}
}

// Sweep deletes files in the store older than age and returns how many went.
func (s *Store) Sweep(age time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read download dir: %w", err)
	}
	cutoff := time.Now().Add(-age)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		if err := os.Remove(path); err != nil {
			s.logger.Warn("sweep %s: %v", path, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("swept %d files older than %s from %s", removed, age, s.dir)
	}
	return removed, nil
}

// FileSize returns the size of a downloaded file, or 0 when it cannot stat.
func FileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// Workbook wraps an opened spreadsheet.
type Workbook struct {
	file *excelize.File
	path string
}

// OpenWorkbook opens path as a spreadsheet. Files that excelize cannot parse
// surface as ArtifactError so generation loops treat them as bad artifacts
// rather than code bugs.
func OpenWorkbook(path string) (*Workbook, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, &agenterrors.ArtifactError{Path: path, Reason: fmt.Sprintf("not a spreadsheet: %v", err)}
	}
	return &Workbook{file: f, path: path}, nil
}

// Close releases the underlying file.
func (w *Workbook) Close() error {
	return w.file.Close()
}

// Rows returns every row of the first sheet. Rows are ragged: trailing empty
// cells are absent, so callers index through Cell.
func (w *Workbook) Rows() ([][]string, error) {
	sheets := w.file.GetSheetList()
	if len(sheets) == 0 {
		return nil, &agenterrors.ArtifactError{Path: w.path, Reason: "no sheets"}
	}
	rows, err := w.file.GetRows(sheets[0])
	if err != nil {
		return nil, &agenterrors.ArtifactError{Path: w.path, Reason: fmt.Sprintf("read rows: %v", err)}
	}
	return rows, nil
}

// Cell returns the trimmed cell at index i, or "" past the row's end.
func Cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

// Number parses the cell at index i as a float, stripping thousands
// separators. Empty, dash and unparseable cells yield 0.
func Number(row []string, i int) float64 {
	s := Cell(row, i)
	s = strings.ReplaceAll(s, ",", "")
	if s == "" || s == "-" || s == "/" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// Int parses the cell at index i as an integer through Number.
func Int(row []string, i int) int64 {
	return int64(Number(row, i))
}

// HeaderIndex maps header text to column index for the given header row.
func HeaderIndex(header []string) map[string]int {
	idx := make(map[string]int, len(header))
	for i, cell := range header {
		cell = strings.TrimSpace(cell)
		if cell == "" {
			continue
		}
		if _, seen := idx[cell]; !seen {
			idx[cell] = i
		}
	}
	return idx
}
