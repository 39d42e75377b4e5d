package log

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"agentworld.ai/internal/sim/telemetry"
)

// JSONLZstdWriter appends JSON lines to zstd files rotated every UTC hour:
// baseDir/<prefix>-YYYY-MM-DD-HH.jsonl.zst. Each line is flushed so a crash
// loses at most the current frame.
type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	now     func() time.Time

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
	lines   uint64
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{baseDir: baseDir, prefix: prefix, now: time.Now}
}

func (w *JSONLZstdWriter) Write(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if hour := w.now().UTC().Format("2006-01-02-15"); hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}
	b = append(b, '\n')
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.Flush(); err != nil {
		return err
	}
	// Flush the zstd frame too, so readers of a live file see the line.
	if err := w.enc.Flush(); err != nil {
		return err
	}
	w.lines++
	return nil
}

// Lines is the number of lines written since construction.
func (w *JSONLZstdWriter) Lines() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lines
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	path := w.PathForHour(hour)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f, w.enc = f, enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curHour = hour
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var errs []error
	if w.w != nil {
		errs = append(errs, w.w.Flush())
		w.w = nil
	}
	if w.enc != nil {
		errs = append(errs, w.enc.Close())
		w.enc = nil
	}
	if w.f != nil {
		errs = append(errs, w.f.Close())
		w.f = nil
	}
	w.curHour = ""
	return errors.Join(errs...)
}

func (w *JSONLZstdWriter) PathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// FrameLogger writes one telemetry frame per line under dir/telemetry.
type FrameLogger struct{ w *JSONLZstdWriter }

var _ telemetry.Sink = (*FrameLogger)(nil)

func NewFrameLogger(dir string) *FrameLogger {
	return &FrameLogger{w: NewJSONLZstdWriter(filepath.Join(dir, "telemetry"), "frames")}
}

func (l *FrameLogger) WriteFrame(f telemetry.Frame) error { return l.w.Write(f) }
func (l *FrameLogger) Close() error                       { return l.w.Close() }

// ReadFrames decodes every frame in one file written by a FrameLogger.
func ReadFrames(path string) ([]telemetry.Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var out []telemetry.Frame
	jd := json.NewDecoder(dec)
	for {
		var fr telemetry.Frame
		if err := jd.Decode(&fr); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, fmt.Errorf("%s: frame %d: %w", path, len(out), err)
		}
		out = append(out, fr)
	}
}
