package snapshot

import (
	"bufio"
	"bytes"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

// Version is the only snapshot layout this package reads and writes.
const Version = 1

var (
	ErrCorrupt            = errors.New("snapshot corrupt")
	ErrUnsupportedVersion = errors.New("snapshot version unsupported")
	ErrUnknownCodec       = errors.New("snapshot codec unknown")
)

type Header struct {
	Version    int    `json:"version"`
	ScenarioID string `json:"scenario_id"`
	Tick       uint64 `json:"tick"`
	Seed       int64  `json:"seed"`
	Signature  string `json:"signature"`
}

type SnapshotV1 struct {
	Header Header `json:"header"`

	Kernel        KernelV1         `json:"kernel"`
	Collaborators []CollaboratorV1 `json:"collaborators"`
}

// KernelV1 holds everything the kernel itself owns. Handler closures are not
// here; the host re-registers them and the cadence list is checked against
// what it registered.
type KernelV1 struct {
	TicksPerTurn  uint64 `json:"ticks_per_turn"`
	TicksPerCycle uint64 `json:"ticks_per_cycle"`

	Cadences      []CadenceV1  `json:"cadences"`
	Dilations     []DilationV1 `json:"dilations,omitempty"`
	Pending       []PendingV1  `json:"pending,omitempty"`
	NextOneOffSeq uint64       `json:"next_oneoff_seq"`

	RNG RNGV1 `json:"rng"`

	MaxEvents    int               `json:"max_events"`
	Events       []EventV1         `json:"events"`
	NextEventSeq uint64            `json:"next_event_seq"`
	Evicted      map[string]uint64 `json:"evicted,omitempty"`
	Rejected     map[string]uint64 `json:"rejected,omitempty"`
}

type CadenceV1 struct {
	Name    string `json:"name"`
	Cadence uint64 `json:"cadence"`
	Phase   string `json:"phase"`
}

type DilationV1 struct {
	Key   string  `json:"key"`
	Value float64 `json:"value"`
}

type PendingV1 struct {
	Name       string `json:"name"`
	TargetTick uint64 `json:"target_tick"`
	Seq        uint64 `json:"seq"`
}

type RNGV1 struct {
	Seed     int64             `json:"seed"`
	Counters map[string]uint64 `json:"counters,omitempty"`
}

// EventV1 keeps the payload as canonical JSON so gob never sees interface values.
type EventV1 struct {
	Kind    string `json:"kind"`
	Tick    uint64 `json:"tick"`
	Seq     uint64 `json:"seq"`
	Payload []byte `json:"payload"`
}

type CollaboratorV1 struct {
	Name  string `json:"name"`
	State []byte `json:"state"`
}

// Codec is the compression wrapped around the header line and gob body.
type Codec string

const (
	CodecZstd   Codec = "zstd"
	CodecBrotli Codec = "brotli"
)

// Ext is the file extension written for c.
func (c Codec) Ext() string {
	switch c {
	case CodecBrotli:
		return ".br"
	default:
		return ".zst"
	}
}

// CodecFor picks the codec from path's extension.
func CodecFor(path string) (Codec, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".zst":
		return CodecZstd, nil
	case ".br":
		return CodecBrotli, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCodec, filepath.Ext(path))
	}
}

// ParseCodec maps a config compression name to a codec.
func ParseCodec(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "zstd":
		return CodecZstd, nil
	case "brotli", "br":
		return CodecBrotli, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

// FileName is the conventional name of the snapshot taken at tick.
func FileName(tick uint64, c Codec) string {
	return fmt.Sprintf("%d.snap%s", tick, c.Ext())
}

// Latest returns the highest-tick snapshot named by FileName in dir, or ""
// when there is none.
func Latest(dir string) string {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var best string
	var bestTick uint64
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if _, err := CodecFor(name); err != nil {
			continue
		}
		base := strings.TrimSuffix(strings.TrimSuffix(name, filepath.Ext(name)), ".snap")
		if base == strings.TrimSuffix(name, filepath.Ext(name)) {
			continue
		}
		tick, err := strconv.ParseUint(base, 10, 64)
		if err != nil {
			continue
		}
		if best == "" || tick > bestTick {
			bestTick = tick
			best = filepath.Join(dir, name)
		}
	}
	return best
}

func WriteSnapshot(path string, snap SnapshotV1) error {
	codec, err := CodecFor(path)
	if err != nil {
		return err
	}
	if snap.Header.Version == 0 {
		snap.Header.Version = Version
	}
	if snap.Header.Version != Version {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, snap.Header.Version)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := encode(f, codec, snap); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func encode(w io.Writer, codec Codec, snap SnapshotV1) error {
	var cw io.WriteCloser
	switch codec {
	case CodecZstd:
		enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return err
		}
		cw = enc
	case CodecBrotli:
		cw = brotli.NewWriterLevel(w, brotli.DefaultCompression)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCodec, codec)
	}

	bw := bufio.NewWriterSize(cw, 256*1024)
	hb, err := json.Marshal(snap.Header)
	if err != nil {
		_ = cw.Close()
		return err
	}
	if _, err := bw.Write(hb); err != nil {
		_ = cw.Close()
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		_ = cw.Close()
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		_ = cw.Close()
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		_ = cw.Close()
		return err
	}
	return cw.Close()
}

type readCloser struct {
	io.Reader
	close func()
}

func openReader(path string) (*bufio.Reader, func(), error) {
	codec, err := CodecFor(path)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	var rc readCloser
	switch codec {
	case CodecZstd:
		dec, err := zstd.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		rc = readCloser{Reader: dec, close: dec.Close}
	case CodecBrotli:
		rc = readCloser{Reader: brotli.NewReader(f), close: func() {}}
	}
	cleanup := func() {
		rc.close()
		_ = f.Close()
	}
	return bufio.NewReaderSize(rc, 256*1024), cleanup, nil
}

func readHeader(br *bufio.Reader) (Header, error) {
	var h Header
	line, err := br.ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("%w: header: %v", ErrCorrupt, err)
	}
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&h); err != nil {
		return h, fmt.Errorf("%w: header: %v", ErrCorrupt, err)
	}
	if h.Version != Version {
		return h, fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	}
	return h, nil
}

// ReadHeader decodes only the leading header line.
func ReadHeader(path string) (Header, error) {
	br, cleanup, err := openReader(path)
	if err != nil {
		return Header{}, err
	}
	defer cleanup()
	return readHeader(br)
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	br, cleanup, err := openReader(path)
	if err != nil {
		return snap, err
	}
	defer cleanup()

	h, err := readHeader(br)
	if err != nil {
		return snap, err
	}
	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("%w: gob decode: %v", ErrCorrupt, err)
	}
	if snap.Header != h {
		return snap, fmt.Errorf("%w: header line does not match body", ErrCorrupt)
	}
	return snap, nil
}
