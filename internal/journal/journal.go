// Package journal records the full event stream of a run as JSON lines
// and archives it with LZ4 when the run ends. The report command replays
// the archive to reconstruct stage timelines and VRAM samples.
package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Sumatoshi-tech/mapfree/internal/bus"
	"github.com/Sumatoshi-tech/mapfree/pkg/persist"
)

// Journal filenames under the workspace logs directory.
const (
	FileName    = "events.jsonl"
	ArchiveName = "events.jsonl.lz4"

	logsDirName = "logs"

	// maxLineBytes bounds one replayed journal line.
	maxLineBytes = 1024 * 1024
)

// ErrNoJournal reports that a workspace holds neither a journal archive
// nor a plain journal file.
var ErrNoJournal = errors.New("no event journal found")

// Entry is one recorded event with its envelope.
type Entry struct {
	Time    time.Time       `json:"ts"`
	RunID   string          `json:"run_id,omitempty"`
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

// Decode unmarshals the entry payload into out, which should be the bus
// payload type registered for the entry's event name.
func (e *Entry) Decode(out any) error {
	err := json.Unmarshal(e.Payload, out)
	if err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Name, err)
	}

	return nil
}

// Recorder subscribes to the full event taxonomy and appends one JSON
// line per delivery. Emit can happen from several goroutines (the run
// goroutine, the watchdog poller), so writes are serialized.
type Recorder struct {
	mu        sync.Mutex
	file      *os.File
	encoder   *json.Encoder
	subs      []*bus.Subscription
	runID     string
	path      string
	logger    *slog.Logger
	closed    bool
	warnedErr bool
}

// Attach opens the journal under workspace/logs and subscribes to every
// event. The file is appended to, so resumed runs extend one journal.
func Attach(b *bus.Bus, workspace, runID string, logger *slog.Logger) (*Recorder, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logsDir := filepath.Join(workspace, logsDirName)

	err := os.MkdirAll(logsDir, 0o755)
	if err != nil {
		return nil, fmt.Errorf("create logs dir: %w", err)
	}

	path := filepath.Join(logsDir, FileName)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	rec := &Recorder{
		file:    file,
		encoder: json.NewEncoder(file),
		runID:   runID,
		path:    path,
		logger:  logger,
	}

	for _, name := range bus.EventNames {
		rec.subs = append(rec.subs, b.Subscribe(name, rec.record))
	}

	return rec, nil
}

// Path returns the plain journal file location.
func (r *Recorder) Path() string {
	return r.path
}

// ArchivePath returns where Close places the compressed journal.
func (r *Recorder) ArchivePath() string {
	return filepath.Join(filepath.Dir(r.path), ArchiveName)
}

// record appends one event. Write failures are reported once; the run
// must not fail because its journal does.
func (r *Recorder) record(payload bus.Payload) {
	raw, err := json.Marshal(payload)
	if err != nil {
		r.warnOnce("journal payload not serializable", err)

		return
	}

	entry := Entry{
		Time:    time.Now().UTC(),
		RunID:   r.runID,
		Name:    payload.EventName(),
		Payload: raw,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}

	err = r.encoder.Encode(entry)
	if err != nil {
		r.warnOnceLocked("journal write failed", err)
	}
}

// Close detaches from the bus, archives the journal with LZ4 and removes
// the plain file. The plain file survives when archiving fails.
func (r *Recorder) Close() error {
	for _, sub := range r.subs {
		sub.Unsubscribe()
	}

	r.mu.Lock()

	if r.closed {
		r.mu.Unlock()

		return nil
	}

	r.closed = true

	closeErr := r.file.Close()

	r.mu.Unlock()

	if closeErr != nil {
		return fmt.Errorf("close journal: %w", closeErr)
	}

	archive := r.ArchivePath()

	err := persist.CompressFile(r.path, archive)
	if err != nil {
		return fmt.Errorf("archive journal: %w", err)
	}

	err = os.Remove(r.path)
	if err != nil {
		return fmt.Errorf("remove plain journal: %w", err)
	}

	return nil
}

func (r *Recorder) warnOnce(msg string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.warnOnceLocked(msg, err)
}

func (r *Recorder) warnOnceLocked(msg string, err error) {
	if r.warnedErr {
		return
	}

	r.warnedErr = true
	r.logger.Warn(msg, "error", err)
}

// Replay streams the journal entries back from path, transparently
// decompressing .lz4 archives. Malformed lines (a crash can truncate the
// last one) are skipped, not fatal.
func Replay(path string) ([]Entry, error) {
	reader, err := persist.OpenMaybeCompressed(path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer reader.Close()

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	var (
		entries []Entry
		skipped int
	)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var entry Entry

		err := json.Unmarshal(line, &entry)
		if err != nil {
			skipped++

			continue
		}

		entries = append(entries, entry)
	}

	err = scanner.Err()
	if err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}

	if skipped > 0 {
		slog.Default().Warn("skipped malformed journal lines", "path", path, "count", skipped)
	}

	return entries, nil
}

// Find locates the journal for a workspace, preferring the compressed
// archive over a plain file from an interrupted run.
func Find(workspace string) (string, error) {
	logsDir := filepath.Join(workspace, logsDirName)

	for _, name := range []string{ArchiveName, FileName} {
		candidate := filepath.Join(logsDir, name)

		_, err := os.Stat(candidate)
		if err == nil {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("%w in %s", ErrNoJournal, logsDir)
}
