package worker

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

// logTail follows a pane log from a fixed offset. fsnotify wakes it early;
// the poll ticker covers filesystems where notifications are unreliable.
type logTail struct {
	file    *os.File
	watcher *fsnotify.Watcher
	ticker  *time.Ticker
	partial []byte
}

func openLogTail(path string, poll time.Duration, logger *log.Logger) (*logTail, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open session log %s: %w", path, err)
	}
	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("seek session log %s: %w", path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Debug("worker: fsnotify unavailable, polling only", "path", path, "error", err)
		watcher = nil
	} else if err := watcher.Add(path); err != nil {
		logger.Debug("worker: watch session log failed, polling only", "path", path, "error", err)
		_ = watcher.Close()
		watcher = nil
	}

	return &logTail{file: file, watcher: watcher, ticker: time.NewTicker(poll)}, nil
}

// events returns the channels that signal the log may have grown.
func (t *logTail) events() (<-chan fsnotify.Event, <-chan error) {
	if t.watcher == nil {
		return nil, nil
	}
	return t.watcher.Events, t.watcher.Errors
}

// readLines returns complete lines appended since the last call.
func (t *logTail) readLines() ([]string, error) {
	buf := make([]byte, 32*1024)
	for {
		n, err := t.file.Read(buf)
		if n > 0 {
			t.partial = append(t.partial, buf[:n]...)
		}
		if errors.Is(err, io.EOF) || n == 0 {
			break
		}
		if err != nil {
			return nil, err
		}
	}

	var lines []string
	for {
		idx := bytes.IndexByte(t.partial, '\n')
		if idx < 0 {
			break
		}
		lines = append(lines, string(t.partial[:idx]))
		t.partial = t.partial[idx+1:]
	}
	return lines, nil
}

func (t *logTail) Close() error {
	t.ticker.Stop()
	var watchErr error
	if t.watcher != nil {
		watchErr = t.watcher.Close()
	}
	return errors.Join(t.file.Close(), watchErr)
}
