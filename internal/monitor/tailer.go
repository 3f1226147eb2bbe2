package monitor

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/sendonce/sendonce/internal/store/sqlite"
)

const (
	defaultPoll = 500 * time.Millisecond
	readChunk   = 32 * 1024

	// Checkpoint cadence: whichever of these comes first bounds how much
	// log the monitor re-reads (resume) or loses (no resume) on restart.
	checkpointEvents   = 256
	checkpointInterval = 5 * time.Second
)

// tailer follows the access log across rotation and truncation, emitting
// complete lines. It persists (inode, offset) checkpoints so a restart can
// resume close to where it stopped.
type tailer struct {
	path   string
	store  *sqlite.Store
	log    *slog.Logger
	resume bool
	poll   time.Duration

	file    *os.File
	inode   uint64
	offset  int64
	pending []byte
	buf     []byte
	opened  bool

	sinceCheckpoint int
	lastCheckpoint  time.Time
	warnedMissing   bool
}

func newTailer(path string, store *sqlite.Store, resume bool, logger *slog.Logger) *tailer {
	return &tailer{
		path:   path,
		store:  store,
		log:    logger,
		resume: resume,
		poll:   defaultPoll,
		buf:    make([]byte, readChunk),
	}
}

// run polls until ctx is cancelled. Every complete line is passed to emit
// without the trailing newline.
func (t *tailer) run(ctx context.Context, emit func(string)) {
	ticker := time.NewTicker(t.poll)
	defer ticker.Stop()
	defer t.close()
	t.lastCheckpoint = time.Now()

	for {
		t.step(ctx, emit)
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			t.checkpoint(flushCtx)
			cancel()
			return
		case <-ticker.C:
		}
	}
}

// step performs one poll: notice rotation or truncation, read what has been
// appended, emit complete lines, and checkpoint when due.
func (t *tailer) step(ctx context.Context, emit func(string)) {
	info, err := os.Stat(t.path)
	if err != nil {
		if !t.warnedMissing {
			t.log.Warn("access log unavailable", "path", t.path, "err", err)
			t.warnedMissing = true
		}
		t.close()
		return
	}
	t.warnedMissing = false

	ino := inodeOf(info)
	if t.file == nil || ino != t.inode {
		if !t.open(ctx, ino, info.Size()) {
			return
		}
	} else if info.Size() < t.offset {
		// Truncated in place; start over from the top.
		if _, err := t.file.Seek(0, io.SeekStart); err != nil {
			t.close()
			return
		}
		t.offset = 0
		t.pending = t.pending[:0]
	}

	for {
		n, err := t.file.Read(t.buf)
		if n > 0 {
			t.pending = append(t.pending, t.buf[:n]...)
			t.drain(emit)
		}
		if err != nil || n == 0 {
			break
		}
	}

	if t.sinceCheckpoint >= checkpointEvents ||
		(t.sinceCheckpoint > 0 && time.Since(t.lastCheckpoint) >= checkpointInterval) {
		t.checkpoint(ctx)
	}
}

// open (re)opens the log. The first open applies the startup policy: resume
// from the persisted checkpoint when requested and the inode still matches,
// otherwise seek to the end. Later opens follow a rotation and read the new
// file from the beginning.
func (t *tailer) open(ctx context.Context, ino uint64, size int64) bool {
	f, err := os.Open(t.path)
	if err != nil {
		t.log.Warn("open access log", "path", t.path, "err", err)
		return false
	}
	rotated := t.opened
	t.close()
	t.file = f
	t.inode = ino
	t.offset = 0
	t.pending = nil
	t.opened = true

	if rotated {
		t.log.Info("access log rotated", "path", t.path)
		return true
	}

	if t.resume {
		savedInode, savedOffset, ok, err := t.store.LoadTailOffset(ctx, t.path)
		if err != nil {
			t.log.Warn("load tail checkpoint", "err", err)
		} else if ok && savedInode == ino && savedOffset <= size {
			if _, err := f.Seek(savedOffset, io.SeekStart); err == nil {
				t.offset = savedOffset
				t.log.Info("resuming access log", "path", t.path, "offset", savedOffset)
				t.checkpoint(ctx)
				return true
			}
		}
	}

	end, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		t.close()
		return false
	}
	t.offset = end
	t.checkpoint(ctx)
	return true
}

// drain cuts complete lines out of the pending buffer. The offset only
// advances past consumed lines, so a checkpoint never lands mid-line.
func (t *tailer) drain(emit func(string)) {
	for {
		i := bytes.IndexByte(t.pending, '\n')
		if i < 0 {
			return
		}
		line := string(t.pending[:i])
		t.pending = t.pending[i+1:]
		t.offset += int64(i + 1)
		t.sinceCheckpoint++
		if line = trimCR(line); line != "" {
			emit(line)
		}
	}
}

func (t *tailer) checkpoint(ctx context.Context) {
	if t.file == nil {
		return
	}
	if err := t.store.SaveTailOffset(ctx, t.path, t.inode, t.offset, time.Now().UTC()); err != nil {
		t.log.Warn("save tail checkpoint", "err", err)
		return
	}
	t.sinceCheckpoint = 0
	t.lastCheckpoint = time.Now()
}

func (t *tailer) close() {
	if t.file != nil {
		_ = t.file.Close()
		t.file = nil
	}
}

func trimCR(line string) string {
	if n := len(line); n > 0 && line[n-1] == '\r' {
		return line[:n-1]
	}
	return line
}

func inodeOf(info os.FileInfo) uint64 {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return st.Ino
	}
	return 0
}
