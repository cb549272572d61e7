// Package tail feeds the event bus from on-disk artifacts: the line-oriented
// run log and the structured sdk-output.json snapshot. Tailers poll with a
// bounded interval and use fsnotify wake-ups opportunistically; the contract
// is bounded latency, not event-driven delivery.
package tail

import (
	"bytes"
	"os"
)

// LogTailer tracks a byte offset into a newline-terminated UTF-8 log file
// and yields only unseen complete lines on each poll.
type LogTailer struct {
	path   string
	offset int64
}

// NewLogTailer creates a tailer positioned at the start of the file.
func NewLogTailer(path string) *LogTailer {
	return &LogTailer{path: path}
}

// Poll returns complete lines appended since the previous poll. A missing
// file yields nothing; a truncated file restarts from the beginning.
func (t *LogTailer) Poll() ([]string, error) {
	f, err := os.Open(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() < t.offset {
		// Truncation (new run): restart.
		t.offset = 0
	}
	if info.Size() == t.offset {
		return nil, nil
	}
	if _, err := f.Seek(t.offset, 0); err != nil {
		return nil, err
	}
	buf := make([]byte, info.Size()-t.offset)
	n, err := f.Read(buf)
	if err != nil && n == 0 {
		return nil, err
	}
	buf = buf[:n]

	// Only newline-terminated lines are consumed; a trailing partial line
	// stays for the next poll.
	last := bytes.LastIndexByte(buf, '\n')
	if last < 0 {
		return nil, nil
	}
	consumed := buf[:last+1]
	t.offset += int64(last + 1)

	raw := bytes.Split(bytes.TrimSuffix(consumed, []byte("\n")), []byte("\n"))
	lines := make([]string, 0, len(raw))
	for _, l := range raw {
		lines = append(lines, string(l))
	}
	return lines, nil
}

// Offset reports the consumed byte offset.
func (t *LogTailer) Offset() int64 { return t.offset }
