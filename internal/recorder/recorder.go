// Package recorder writes native-messaging traffic to rotating JSONL traces.
package recorder

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	MaxRotatedFiles = 3
	TraceDir        = "traces"

	Inbound  = "in"
	Outbound = "out"
)

// Event is one envelope crossing the bridge.
type Event struct {
	Timestamp time.Time       `json:"ts"`
	Direction string          `json:"dir"`
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Recorder keeps one open trace per host session and the last few on disk.
type Recorder struct {
	mu        sync.Mutex
	file      *os.File
	writer    *bufio.Writer
	encoder   *json.Encoder
	basePath  string
	sessionID string
	now       func() time.Time
}

// NewRecorder creates the trace directory if needed.
func NewRecorder(basePath string) (*Recorder, error) {
	if basePath == "" {
		basePath = TraceDir
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create trace dir: %w", err)
	}
	return &Recorder{basePath: basePath, now: time.Now}, nil
}

// Start closes any open trace, drops old ones and opens a fresh file for sessionID.
func (r *Recorder) Start(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.closeLocked(); err != nil {
		return err
	}
	if err := r.rotate(); err != nil {
		return fmt.Errorf("rotate traces: %w", err)
	}

	name := fmt.Sprintf("bridge_%s_%d.jsonl", sessionID, r.now().UnixMilli())
	f, err := os.Create(filepath.Join(r.basePath, name))
	if err != nil {
		return err
	}

	r.file = f
	r.writer = bufio.NewWriter(f)
	r.encoder = json.NewEncoder(r.writer)
	r.sessionID = sessionID
	return nil
}

// Trace records one envelope. It is a no-op before Start and after Close.
func (r *Recorder) Trace(direction, typ, id string, payload json.RawMessage, errMsg string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.encoder == nil {
		return
	}
	_ = r.encoder.Encode(Event{
		Timestamp: r.now(),
		Direction: direction,
		Type:      typ,
		ID:        id,
		SessionID: r.sessionID,
		Payload:   payload,
		Error:     errMsg,
	})
	_ = r.writer.Flush()
}

// rotate keeps MaxRotatedFiles-1 traces so the next one fits.
func (r *Recorder) rotate() error {
	entries, err := os.ReadDir(r.basePath)
	if err != nil {
		return err
	}

	type trace struct {
		name string
		mod  time.Time
	}
	var traces []trace
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" || !strings.HasPrefix(e.Name(), "bridge_") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		traces = append(traces, trace{e.Name(), info.ModTime()})
	}

	sort.Slice(traces, func(i, j int) bool {
		if traces[i].mod.Equal(traces[j].mod) {
			return traces[i].name > traces[j].name
		}
		return traces[i].mod.After(traces[j].mod)
	})

	keep := MaxRotatedFiles - 1
	for i := keep; i < len(traces); i++ {
		_ = os.Remove(filepath.Join(r.basePath, traces[i].name))
	}
	return nil
}

// Close flushes and closes the current trace.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeLocked()
}

func (r *Recorder) closeLocked() error {
	if r.file == nil {
		return nil
	}
	flushErr := r.writer.Flush()
	err := r.file.Close()
	r.file, r.writer, r.encoder = nil, nil, nil
	if flushErr != nil {
		return flushErr
	}
	return err
}

// ReadTrace loads every event of a trace file.
func ReadTrace(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []Event
	dec := json.NewDecoder(f)
	for dec.More() {
		var ev Event
		if err := dec.Decode(&ev); err != nil {
			return events, fmt.Errorf("decode trace %s: %w", filepath.Base(path), err)
		}
		events = append(events, ev)
	}
	return events, nil
}
