// Package files manages uploaded input files: traversal-safe storage
// under the uploads directory and metadata extraction for prompt
// context.
package files

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/golem-sh/golem/pkg/log"
)

const (
	// MaxUploadBytes caps accepted uploads.
	MaxUploadBytes = 50 * 1024 * 1024
	// maxContentChars caps inline file content in prompts.
	maxContentChars = 50_000
	sampleRows      = 5
)

// Manager stores uploads in a single directory.
type Manager struct {
	uploadsDir string
}

// NewManager creates the uploads directory if needed.
func NewManager(uploadsDir string) (*Manager, error) {
	if err := os.MkdirAll(uploadsDir, 0755); err != nil {
		return nil, fmt.Errorf("create uploads dir: %w", err)
	}
	return &Manager{uploadsDir: uploadsDir}, nil
}

// Dir returns the uploads directory.
func (m *Manager) Dir() string {
	return m.uploadsDir
}

// SaveUpload writes data under a sanitized, uniquified name and
// returns the stored path. Path components in filename are stripped so
// uploads cannot traverse out of the directory.
func (m *Manager) SaveUpload(data []byte, filename string) (string, error) {
	if len(data) > MaxUploadBytes {
		return "", fmt.Errorf("file too large: %d bytes (max %d MB)", len(data), MaxUploadBytes/1024/1024)
	}

	safeName := filepath.Base(filename)
	if safeName == "" || safeName == "." || safeName == "/" || strings.HasPrefix(safeName, ".") {
		safeName = "upload" + safeName
	}

	ext := filepath.Ext(safeName)
	stem := strings.TrimSuffix(safeName, ext)
	uniqueName := fmt.Sprintf("%s_%s%s", stem, strings.ReplaceAll(uuid.New().String(), "-", "")[:8], ext)
	dest := filepath.Join(m.uploadsDir, uniqueName)

	if err := os.WriteFile(dest, data, 0644); err != nil {
		return "", fmt.Errorf("write upload: %w", err)
	}
	log.WithComponent("files").Info().
		Str("name", uniqueName).
		Int("bytes", len(data)).
		Msg("Saved upload")
	return dest, nil
}

// Content reads a file as text for prompt inclusion, truncated and
// with a binary fallback note.
func Content(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Sprintf("[Unreadable file: %s]", filepath.Base(path))
	}
	if !utf8.Valid(data) {
		return fmt.Sprintf("[Binary file: %s, %d bytes]", filepath.Base(path), len(data))
	}
	text := string(data)
	if len(text) > maxContentChars {
		return text[:maxContentChars] + fmt.Sprintf("\n... (truncated, %d total chars)", len(text))
	}
	return text
}

// Metadata summarises a data file without loading it into the prompt.
type Metadata struct {
	Name       string
	SizeBytes  int64
	SizeHuman  string
	Type       string
	Columns    []string
	RowCount   int
	SampleRows [][]string
}

// Extract reads structural metadata from CSV/TSV/JSON files. Other
// types get name and size only.
func Extract(path string) Metadata {
	meta := Metadata{
		Name: filepath.Base(path),
		Type: strings.TrimPrefix(filepath.Ext(path), "."),
	}
	info, err := os.Stat(path)
	if err != nil {
		return meta
	}
	meta.SizeBytes = info.Size()
	if meta.SizeBytes < 1_000_000 {
		meta.SizeHuman = fmt.Sprintf("%.1fKB", float64(meta.SizeBytes)/1024)
	} else {
		meta.SizeHuman = fmt.Sprintf("%.1fMB", float64(meta.SizeBytes)/1_048_576)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		extractDelimited(path, ',', &meta)
	case ".tsv":
		extractDelimited(path, '\t', &meta)
	case ".json":
		extractJSON(path, &meta)
	}
	return meta
}

func extractDelimited(path string, sep rune, meta *Metadata) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.Comma = sep
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return
	}
	meta.Columns = header

	count := 0
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		if count < sampleRows {
			meta.SampleRows = append(meta.SampleRows, row)
		}
		count++
	}
	meta.RowCount = count
}

func extractJSON(path string, meta *Metadata) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}

	var asList []map[string]json.RawMessage
	if err := json.Unmarshal(data, &asList); err == nil && len(asList) > 0 {
		for k := range asList[0] {
			meta.Columns = append(meta.Columns, k)
		}
		meta.RowCount = len(asList)
		for i, obj := range asList {
			if i >= sampleRows {
				break
			}
			var row []string
			for _, v := range obj {
				row = append(row, string(v))
			}
			meta.SampleRows = append(meta.SampleRows, row)
		}
		return
	}

	var asObj map[string]json.RawMessage
	if err := json.Unmarshal(data, &asObj); err == nil {
		for k := range asObj {
			meta.Columns = append(meta.Columns, k)
		}
	}
}

// PromptBlock formats metadata for the planner prompt. Raw data stays
// out of context; generated code processes the file locally.
func PromptBlock(path string) string {
	meta := Extract(path)

	head := fmt.Sprintf("--- File: %s (%s", meta.Name, meta.SizeHuman)
	if meta.RowCount > 0 {
		head += fmt.Sprintf(", ~%d data rows", meta.RowCount)
	}
	head += ") ---"

	parts := []string{head}
	if len(meta.Columns) > 0 {
		parts = append(parts, fmt.Sprintf("Columns: %v", meta.Columns))
	}
	if len(meta.SampleRows) > 0 {
		parts = append(parts, fmt.Sprintf("Sample (first %d rows): %v", len(meta.SampleRows), meta.SampleRows))
	}
	parts = append(parts, "DO NOT load this file into context. Write a script to process it locally.")
	return strings.Join(parts, "\n")
}
