// ============================================================================
// Falcon-Sched Telemetry Export - Atomic Aggregate Files
// ============================================================================
//
// Package: internal/telemetry
// File: export.go
// Function: Writes interval aggregates to disk atomically so the external
// metrics pipeline never reads a half-written file
//
// ============================================================================

package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
)

var (
	// ErrCorruptedExport means the aggregate file failed to parse.
	ErrCorruptedExport = errors.New("telemetry: export file corrupted")
	// ErrIncompatibleVersion means the aggregate schema version is not
	// understood by this build.
	ErrIncompatibleVersion = errors.New("telemetry: incompatible export schema version")
)

// Exporter writes the latest interval aggregate to a fixed path using
// temp-file-plus-rename so readers always see a complete document.
type Exporter struct {
	path string
	mu   sync.Mutex
}

// NewExporter creates an exporter targeting path.
func NewExporter(path string) *Exporter {
	return &Exporter{path: path}
}

// Write publishes one aggregate. The previous aggregate remains readable
// until the rename commits.
func (e *Exporter) Write(agg Aggregate) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	agg.SchemaVer = 1

	jsonBytes, err := json.MarshalIndent(agg, "", "  ")
	if err != nil {
		return fmt.Errorf("telemetry: marshal aggregate: %w", err)
	}

	tmpPath := e.path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0644); err != nil {
		return fmt.Errorf("telemetry: write temp aggregate: %w", err)
	}
	if err := os.Rename(tmpPath, e.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("telemetry: rename aggregate: %w", err)
	}
	return nil
}

// Load reads the last published aggregate. A missing file returns an empty
// aggregate, which is the first-boot state.
func (e *Exporter) Load() (Aggregate, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var agg Aggregate
	jsonBytes, err := os.ReadFile(e.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Aggregate{SchemaVer: 1}, nil
		}
		return agg, fmt.Errorf("telemetry: read aggregate: %w", err)
	}
	if err := json.Unmarshal(jsonBytes, &agg); err != nil {
		return agg, fmt.Errorf("%w: %v", ErrCorruptedExport, err)
	}
	if agg.SchemaVer != 1 {
		return agg, fmt.Errorf("%w: got %d, want 1", ErrIncompatibleVersion, agg.SchemaVer)
	}
	return agg, nil
}

// Path returns the export target path.
func (e *Exporter) Path() string { return e.path }
