// Package journal keeps an append-only audit trail of raw events received
// over HTTP, in rotating JSON Lines files that can be replayed later.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"usage_ingest/internal/metrics"
	"usage_ingest/internal/models"
	"usage_ingest/internal/utils"
)

// maxLineSize bounds a single journal line when reading back.
const maxLineSize = 16 << 20

// Entry is one journaled raw event.
type Entry struct {
	ReceivedAt time.Time       `json:"received_at"`
	RemoteAddr string          `json:"remote_addr,omitempty"`
	Partition  string          `json:"partition,omitempty"`
	Position   string          `json:"position,omitempty"`
	Event      models.RawEvent `json:"event"`
}

// Config controls file naming and rotation.
type Config struct {
	// FileTemplate must contain one %s, replaced by a timestamp,
	// e.g. "/var/lib/usage/journal/events-%s.jsonl".
	FileTemplate  string
	MaxSize       int64
	MaxFiles      int
	BufferSize    int
	FlushInterval time.Duration
}

// Journal writes entries asynchronously with rotation and periodic flush.
type Journal struct {
	cfg     Config
	metrics metrics.Recorder
	logger  *utils.Logger

	mu          sync.Mutex
	currentFile string
	file        *os.File
	writer      *bufio.Writer
	currentSize int64

	entries chan Entry
	doneCh  chan struct{}
	wg      sync.WaitGroup
	closed  bool
}

// Open creates the first journal file and starts the writer goroutine.
func Open(cfg Config, rec metrics.Recorder) (*Journal, error) {
	if strings.Count(cfg.FileTemplate, "%s") != 1 {
		return nil, fmt.Errorf("journal file template must contain exactly one %%s: %q", cfg.FileTemplate)
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 1
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if rec == nil {
		rec = metrics.Noop{}
	}

	j := &Journal{
		cfg:     cfg,
		metrics: rec,
		logger:  utils.NewLogger("journal"),
		entries: make(chan Entry, cfg.BufferSize),
		doneCh:  make(chan struct{}),
	}
	if err := j.openFile(); err != nil {
		return nil, err
	}

	j.wg.Add(1)
	go j.run()
	return j, nil
}

// newFileName applies a sortable timestamp to the template.
func (j *Journal) newFileName() string {
	timestamp := time.Now().UTC().Format("20060102T150405.000000000")
	return fmt.Sprintf(j.cfg.FileTemplate, timestamp)
}

func (j *Journal) openFile() error {
	j.currentFile = j.newFileName()
	if err := os.MkdirAll(filepath.Dir(j.currentFile), 0755); err != nil {
		return fmt.Errorf("failed to create journal directory: %w", err)
	}

	file, err := os.OpenFile(j.currentFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open journal file: %w", err)
	}
	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return err
	}
	j.currentSize = fi.Size()
	j.file = file
	j.writer = bufio.NewWriter(file)
	return nil
}

// rotateIfNeeded must be called with mu held.
func (j *Journal) rotateIfNeeded(n int) error {
	if j.cfg.MaxSize <= 0 || j.currentSize == 0 || j.currentSize+int64(n) < j.cfg.MaxSize {
		return nil
	}
	if err := j.writer.Flush(); err != nil {
		return err
	}
	if err := j.file.Close(); err != nil {
		return err
	}
	if err := j.openFile(); err != nil {
		return err
	}
	return j.cleanupOldFiles()
}

// cleanupOldFiles removes the oldest files beyond MaxFiles.
func (j *Journal) cleanupOldFiles() error {
	if j.cfg.MaxFiles <= 0 {
		return nil
	}
	matches, err := Files(j.cfg.FileTemplate)
	if err != nil {
		return err
	}
	excess := len(matches) - j.cfg.MaxFiles
	for i := 0; i < excess; i++ {
		if matches[i] == j.currentFile {
			continue
		}
		_ = os.Remove(matches[i])
	}
	return nil
}

func (j *Journal) run() {
	defer j.wg.Done()
	ticker := time.NewTicker(j.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case entry := <-j.entries:
			j.writeEntry(entry)
		case <-ticker.C:
			j.mu.Lock()
			_ = j.writer.Flush()
			j.mu.Unlock()
		case <-j.doneCh:
			for {
				select {
				case entry := <-j.entries:
					j.writeEntry(entry)
				default:
					j.mu.Lock()
					_ = j.writer.Flush()
					_ = j.file.Close()
					j.mu.Unlock()
					return
				}
			}
		}
	}
}

func (j *Journal) writeEntry(entry Entry) {
	data, err := json.Marshal(entry)
	if err != nil {
		j.logger.Error("Failed to encode journal entry", "error", err)
		return
	}
	data = append(data, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.rotateIfNeeded(len(data)); err != nil {
		j.logger.Error("Failed to rotate journal", "error", err)
	}
	n, err := j.writer.Write(data)
	j.currentSize += int64(n)
	if err != nil {
		j.logger.Error("Failed to write journal entry", "error", err)
	}
}

// Record queues an entry. It never blocks: when the buffer is full the
// entry is dropped and false is returned.
func (j *Journal) Record(entry Entry) bool {
	j.mu.Lock()
	closed := j.closed
	j.mu.Unlock()
	if closed {
		return false
	}

	select {
	case j.entries <- entry:
		return true
	default:
		j.metrics.JournalDropped()
		return false
	}
}

// CurrentFile returns the file being written
func (j *Journal) CurrentFile() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.currentFile
}

// Shutdown writes the buffered entries and closes the file.
func (j *Journal) Shutdown() {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	j.closed = true
	j.mu.Unlock()

	close(j.doneCh)
	j.wg.Wait()
}

// Files returns the journal files matching a template, oldest first.
func Files(fileTemplate string) ([]string, error) {
	matches, err := filepath.Glob(fmt.Sprintf(fileTemplate, "*"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// ReadFile calls fn for every entry of a journal file, in write order.
func ReadFile(path string, fn func(Entry) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return Read(f, fn)
}

// Read calls fn for every entry in r. Blank lines are ignored.
func Read(r io.Reader, fn func(Entry) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Bytes()
		if len(strings.TrimSpace(string(text))) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(text, &entry); err != nil {
			return fmt.Errorf("journal line %d: %w", line, err)
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
	return scanner.Err()
}
