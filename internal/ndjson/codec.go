package ndjson

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// MaxLineSize is the maximum JSONL line size (1 MiB). Agent CLIs can emit
// very large tool results on a single line.
const MaxLineSize = 1024 * 1024

// ErrLineTooLong is returned by Encode when a marshaled value does not fit
// on one line. Callers may shrink the payload and retry.
var ErrLineTooLong = errors.New("line exceeds size limit")

// Encoder writes values as newline-delimited JSON to an output stream.
type Encoder struct {
	writer *bufio.Writer
	logger *slog.Logger
}

// NewEncoder creates a new JSONL encoder.
func NewEncoder(w io.Writer, logger *slog.Logger) *Encoder {
	return &Encoder{
		writer: bufio.NewWriter(w),
		logger: logger,
	}
}

// Encode writes a value as a single JSON line and flushes immediately.
// The flush matters: the durable log must be written before the event is
// broadcast to in-process subscribers.
func (e *Encoder) Encode(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal line: %w", err)
	}

	if len(data) > MaxLineSize {
		e.logger.Error("line exceeds size limit",
			"size", len(data),
			"limit", MaxLineSize)
		return fmt.Errorf("line size %d exceeds limit %d: %w", len(data), MaxLineSize, ErrLineTooLong)
	}

	if _, err := e.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write line: %w", err)
	}
	if err := e.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	if err := e.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush output: %w", err)
	}

	return nil
}

// ScanFunc receives one raw JSON line. Returning false stops the scan.
type ScanFunc func(raw []byte) bool

// Scan reads a JSONL stream line by line and calls fn for each non-empty
// line that is valid JSON. Malformed and oversized lines are logged and
// skipped, never fatal: readers of the durable log must tolerate partial
// writes from a crashed process and lines from foreign writers.
func Scan(r io.Reader, logger *slog.Logger, fn ScanFunc) error {
	reader := bufio.NewReaderSize(r, 64*1024)

	lineNum := 0
	for {
		data, tooLong, err := readLine(reader)
		if err != nil && err != io.EOF {
			return fmt.Errorf("read error at line %d: %w", lineNum+1, err)
		}
		lineNum++

		switch {
		case tooLong:
			logger.Warn("skipping oversized log line", "line", lineNum, "limit", MaxLineSize)
		case len(data) == 0:
		case !json.Valid(data):
			logger.Warn("skipping malformed log line", "line", lineNum)
		case !fn(data):
			return nil
		}

		if err == io.EOF {
			return nil
		}
	}
}

// readLine reads one line, reporting rather than accumulating lines that
// exceed MaxLineSize. The returned error is io.EOF on the final line.
func readLine(r *bufio.Reader) ([]byte, bool, error) {
	var line []byte
	tooLong := false
	for {
		frag, err := r.ReadSlice('\n')
		if !tooLong {
			line = append(line, frag...)
			if len(line) > MaxLineSize {
				line = nil
				tooLong = true
			}
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err == nil {
			line = bytes.TrimSuffix(line, []byte("\n"))
			line = bytes.TrimSuffix(line, []byte("\r"))
		}
		return line, tooLong, err
	}
}
