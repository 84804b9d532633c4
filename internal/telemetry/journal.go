// ============================================================================
// Falcon-Sched Telemetry Journal - Durable Append-Only Sample Log
// ============================================================================
//
// Package: internal/telemetry
// File: journal.go
// Function: Persists telemetry samples as checksummed JSON lines so the
// metrics pipeline can be replayed after a restart
//
// Write path:
//   Samples accumulate in a batch buffer and flush when the buffer fills or
//   the flush interval elapses, amortizing fsync cost. Each record carries
//   a monotone sequence number and a CRC32 over the fields that survive a
//   replay, so a torn write at the tail is detected rather than replayed.
//
// ============================================================================

package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/falcon-sched/pkg/types"
)

var (
	// ErrChecksumMismatch means a journal record failed CRC verification
	// during replay. Replay stops at the first corrupt record.
	ErrChecksumMismatch = errors.New("telemetry: journal checksum mismatch")
	// ErrJournalClosed is returned for appends after Close.
	ErrJournalClosed = errors.New("telemetry: journal closed")
)

const (
	defaultBatchSize     = 256
	defaultFlushInterval = 1 * time.Second
)

// Record is one journalled sample with integrity metadata.
type Record struct {
	Seq      uint64                `json:"seq"`
	Sample   types.TelemetrySample `json:"sample"`
	Checksum uint32                `json:"checksum"`
}

// RecordHandler is called for each verified record during replay.
type RecordHandler func(Record) error

// Journal is an append-only, batch-flushed sample log.
type Journal struct {
	mu        sync.Mutex
	file      *os.File
	encoder   *json.Encoder
	path      string
	seq       uint64
	closed    bool
	lastErr   error
	batch     []Record
	batchSize int
	lastFlush time.Time
	interval  time.Duration
}

// OpenJournal creates or opens a journal at path. An existing journal is
// scanned for the last sequence number so appends continue the series.
func OpenJournal(path string) (*Journal, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("telemetry: open journal: %w", err)
	}

	j := &Journal{
		file:      file,
		encoder:   json.NewEncoder(file),
		path:      path,
		batch:     make([]Record, 0, defaultBatchSize),
		batchSize: defaultBatchSize,
		lastFlush: time.Now(),
		interval:  defaultFlushInterval,
	}

	if stat, err := file.Stat(); err == nil && stat.Size() > 0 {
		if last, err := lastSeq(path); err == nil {
			j.seq = last
		}
		// A damaged tail leaves seq at the last verifiable record; new
		// appends continue from there.
	}
	return j, nil
}

// Append buffers one sample for the next batch flush. Write errors from a
// previous flush surface here and on Flush/Close.
func (j *Journal) Append(sample types.TelemetrySample) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrJournalClosed
	}
	if j.lastErr != nil {
		return j.lastErr
	}

	j.seq++
	rec := Record{Seq: j.seq, Sample: sample}
	rec.Checksum = checksum(rec)
	j.batch = append(j.batch, rec)

	if len(j.batch) >= j.batchSize || time.Since(j.lastFlush) > j.interval {
		return j.flushLocked()
	}
	return nil
}

// Flush forces the buffered batch to disk.
func (j *Journal) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrJournalClosed
	}
	return j.flushLocked()
}

func (j *Journal) flushLocked() error {
	for _, rec := range j.batch {
		if err := j.encoder.Encode(rec); err != nil {
			j.lastErr = err
			return err
		}
	}
	j.batch = j.batch[:0]
	j.lastFlush = time.Now()
	if err := j.file.Sync(); err != nil {
		j.lastErr = err
		return err
	}
	return nil
}

// Replay reads the journal from the start, verifying each record's checksum
// before handing it to the handler. Stops at the first corrupt record or
// handler error.
func (j *Journal) Replay(handler RecordHandler) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	file, err := os.Open(j.path)
	if err != nil {
		return err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	for decoder.More() {
		var rec Record
		if err := decoder.Decode(&rec); err != nil {
			return err
		}
		if rec.Checksum != checksum(rec) {
			return fmt.Errorf("%w: seq %d", ErrChecksumMismatch, rec.Seq)
		}
		if err := handler(rec); err != nil {
			return err
		}
	}
	return nil
}

// LastSeq returns the sequence number of the most recent append.
func (j *Journal) LastSeq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Close flushes and closes the journal. The instance must not be reused.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	if err := j.flushLocked(); err != nil {
		j.file.Close()
		return err
	}
	return j.file.Close()
}

// checksum covers the fields that are stable across replay. The stored
// checksum field itself is excluded.
func checksum(rec Record) uint32 {
	data := fmt.Sprintf("%d|%d|%d|%s|%d|%d",
		rec.Seq, rec.Sample.JobID, rec.Sample.ClassID, rec.Sample.Outcome,
		rec.Sample.FinishNS, rec.Sample.JitterNS)
	return crc32.ChecksumIEEE([]byte(data))
}

// lastSeq scans an existing journal for the highest verifiable sequence
// number, ignoring a torn record at the tail.
func lastSeq(path string) (uint64, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	var seq uint64
	decoder := json.NewDecoder(file)
	for decoder.More() {
		var rec Record
		if err := decoder.Decode(&rec); err != nil {
			break
		}
		if rec.Checksum != checksum(rec) {
			break
		}
		seq = rec.Seq
	}
	return seq, nil
}
