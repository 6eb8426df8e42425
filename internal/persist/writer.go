// Package persist writes accepted log entries to disk from a
// background worker, rotating and optionally compressing files so
// ingestion never blocks on I/O.
package persist

import (
	"bufio"
	"bytes"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
)

const (
	currentFileName  = "current.log"
	sealedFilePrefix = "logcrafter-"
	recordTimeLayout = "2006-01-02 15:04:05"

	// recordHeaderLen is the length of "[<timestamp>] " in a record.
	recordHeaderLen = len(recordTimeLayout) + 3

	DefaultDir         = "./logs"
	DefaultMaxFileSize = 10 * 1024 * 1024
	DefaultMaxFiles    = 10

	queueDepth = 1024
)

// Config controls the persistence writer.
type Config struct {
	Dir         string
	MaxFileSize int64 // Rotation threshold in bytes
	MaxFiles    int   // Sealed files kept after pruning
	Compress    bool  // Seal rotated files with zstd
}

// Stats is a snapshot of the writer counters.
type Stats struct {
	Queued    uint64 // Entries accepted into the queue
	Persisted uint64 // Entries written to disk
	Failed    uint64 // Entries dropped or failed to write
	Rotations uint64
}

type record struct {
	ts   int64
	text string
}

// Writer appends timestamped records to current.log in the configured
// directory. When the file crosses the size threshold it is sealed
// under a sequential name (logcrafter-000001.log, optionally .zst) and
// a fresh current.log is started. A single background worker owns the
// file; Enqueue only hands records to a bounded queue and drops when
// the queue is full.
type Writer struct {
	cfg Config

	mu     sync.Mutex // Guards closed and the queue send
	closed bool

	queue chan record
	done  chan struct{}

	// Worker-owned state, untouched by other goroutines.
	file     *os.File
	size     int64
	seq      int
	closeErr error

	encoder *zstd.Encoder

	queued    uint64
	persisted uint64
	failed    uint64
	rotations uint64
}

// Open creates the log directory if needed, opens current.log for
// appending, and starts the background worker. Sealed file numbering
// resumes from whatever is already in the directory.
func Open(cfg Config) (*Writer, error) {
	if cfg.Dir == "" {
		cfg.Dir = DefaultDir
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
	}
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = DefaultMaxFiles
	}

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	w := &Writer{
		cfg:   cfg,
		queue: make(chan record, queueDepth),
		done:  make(chan struct{}),
	}

	if cfg.Compress {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		w.encoder = enc
	}

	seq, err := latestSeq(cfg.Dir)
	if err != nil {
		return nil, err
	}
	w.seq = seq

	if err := w.openCurrent(); err != nil {
		return nil, err
	}

	go w.run()
	return w, nil
}

// Enqueue hands an entry to the background worker. It never blocks:
// when the queue is full or the writer is closed the entry is dropped
// and counted as failed.
func (w *Writer) Enqueue(ts int64, text string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		atomic.AddUint64(&w.failed, 1)
		return
	}
	select {
	case w.queue <- record{ts: ts, text: text}:
		atomic.AddUint64(&w.queued, 1)
	default:
		atomic.AddUint64(&w.failed, 1)
	}
}

// Close stops accepting entries, drains the queue, and closes the
// current file. Safe to call more than once.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		<-w.done
		return w.closeErr
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()

	<-w.done
	return w.closeErr
}

// Stats returns a snapshot of the writer counters.
func (w *Writer) Stats() Stats {
	return Stats{
		Queued:    atomic.LoadUint64(&w.queued),
		Persisted: atomic.LoadUint64(&w.persisted),
		Failed:    atomic.LoadUint64(&w.failed),
		Rotations: atomic.LoadUint64(&w.rotations),
	}
}

// Replay reads every persisted record in oldest-to-newest order,
// sealed files first and current.log last, and calls fn for each.
// Records without a parseable timestamp header are replayed verbatim
// with the current time. Replay is meant to run at startup before
// ingestion begins; it does not synchronize with the worker.
func (w *Writer) Replay(fn func(ts int64, text string)) error {
	files, err := sealedFiles(w.cfg.Dir)
	if err != nil {
		return err
	}
	files = append(files, currentFileName)

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return err
	}
	defer dec.Close()

	for _, name := range files {
		raw, err := os.ReadFile(filepath.Join(w.cfg.Dir, name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		if strings.HasSuffix(name, ".zst") {
			raw, err = dec.DecodeAll(raw, nil)
			if err != nil {
				return fmt.Errorf("decompress %s: %w", name, err)
			}
		}

		scanner := bufio.NewScanner(bytes.NewReader(raw))
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			ts, text, ok := parseRecord(line)
			if !ok {
				ts, text = time.Now().Unix(), line
			}
			fn(ts, text)
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
	}

	return nil
}

func (w *Writer) run() {
	for rec := range w.queue {
		if err := w.writeRecord(rec); err != nil {
			atomic.AddUint64(&w.failed, 1)
			log.Printf("persist: write failed: %v", err)
			continue
		}
		atomic.AddUint64(&w.persisted, 1)
	}

	if w.file != nil {
		w.closeErr = w.file.Close()
		w.file = nil
	}
	close(w.done)
}

func (w *Writer) writeRecord(rec record) error {
	if w.file == nil {
		if err := w.openCurrent(); err != nil {
			return err
		}
	}

	line := "[" + time.Unix(rec.ts, 0).Format(recordTimeLayout) + "] " + rec.text + "\n"
	n, err := w.file.WriteString(line)
	w.size += int64(n)
	if err != nil {
		return err
	}

	if w.size >= w.cfg.MaxFileSize {
		return w.rotate()
	}
	return nil
}

func (w *Writer) openCurrent() error {
	f, err := os.OpenFile(filepath.Join(w.cfg.Dir, currentFileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	w.file = f
	w.size = info.Size()
	return nil
}

// rotate seals current.log under the next sequential name and starts
// a fresh one. Pruning failures are logged but do not stop rotation.
func (w *Writer) rotate() error {
	if err := w.file.Close(); err != nil {
		w.file = nil
		return err
	}
	w.file = nil

	w.seq++
	current := filepath.Join(w.cfg.Dir, currentFileName)
	sealed := filepath.Join(w.cfg.Dir, fmt.Sprintf("%s%06d.log", sealedFilePrefix, w.seq))

	if w.encoder != nil {
		if err := w.seal(current, sealed+".zst"); err != nil {
			return err
		}
	} else if err := os.Rename(current, sealed); err != nil {
		return err
	}
	atomic.AddUint64(&w.rotations, 1)

	if err := w.openCurrent(); err != nil {
		return err
	}

	if err := w.prune(); err != nil {
		log.Printf("persist: prune failed: %v", err)
	}
	return nil
}

// seal compresses src into dst and removes src.
func (w *Writer) seal(src, dst string) error {
	raw, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	compressed := w.encoder.EncodeAll(raw, make([]byte, 0, len(raw)))
	if err := os.WriteFile(dst, compressed, 0644); err != nil {
		return err
	}
	return os.Remove(src)
}

// prune deletes the oldest sealed files until at most MaxFiles remain.
// current.log is never pruned.
func (w *Writer) prune() error {
	sealed, err := sealedFiles(w.cfg.Dir)
	if err != nil {
		return err
	}
	for len(sealed) > w.cfg.MaxFiles {
		if err := os.Remove(filepath.Join(w.cfg.Dir, sealed[0])); err != nil {
			return err
		}
		sealed = sealed[1:]
	}
	return nil
}

// sealedFiles lists sealed log files sorted oldest first. Zero-padded
// sequence numbers make the lexical order match the numeric one.
func sealedFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if _, ok := parseSeq(e.Name()); ok {
			files = append(files, e.Name())
		}
	}
	return files, nil
}

// latestSeq returns the highest sealed sequence number in dir, so
// numbering continues across restarts.
func latestSeq(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	max := 0
	for _, e := range entries {
		if n, ok := parseSeq(e.Name()); ok && n > max {
			max = n
		}
	}
	return max, nil
}

func parseSeq(name string) (int, bool) {
	name = strings.TrimSuffix(name, ".zst")
	if !strings.HasPrefix(name, sealedFilePrefix) || !strings.HasSuffix(name, ".log") {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, sealedFilePrefix), ".log"))
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// parseRecord splits "[2006-01-02 15:04:05] text" into timestamp and
// text. ok is false when the line has no timestamp header.
func parseRecord(line string) (ts int64, text string, ok bool) {
	if len(line) < recordHeaderLen || line[0] != '[' ||
		line[recordHeaderLen-2] != ']' || line[recordHeaderLen-1] != ' ' {
		return 0, "", false
	}
	t, err := time.ParseInLocation(recordTimeLayout, line[1:recordHeaderLen-2], time.Local)
	if err != nil {
		return 0, "", false
	}
	return t.Unix(), line[recordHeaderLen:], true
}
