package common

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// TrafficEntry is one protocol frame seen on the link.
type TrafficEntry struct {
	Ts         time.Time `json:"ts"`
	Link       string    `json:"link"`
	Fn         string    `json:"fn"`
	Code       uint16    `json:"code"`
	Direction  string    `json:"direction"`
	Version    string    `json:"version"`
	PayloadHex string    `json:"payloadHex,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
}

// Payload decodes the hexadecimal payload.
func (e TrafficEntry) Payload() ([]byte, error) {
	if strings.TrimSpace(e.PayloadHex) == "" {
		return nil, nil
	}
	return hex.DecodeString(e.PayloadHex)
}

// TrafficLog is an append-only JSONL record of protocol traffic. The file is
// kept open between appends.
type TrafficLog struct {
	path string
	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
}

func NewTrafficLog(path string) *TrafficLog {
	return &TrafficLog{path: path}
}

func (l *TrafficLog) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Append writes entry as a single JSON line.
func (l *TrafficLog) Append(entry TrafficEntry) error {
	if l == nil {
		return errors.New("nil traffic log")
	}
	if entry.Fn == "" {
		return errors.New("traffic entry missing fn")
	}
	if entry.Ts.IsZero() {
		entry.Ts = time.Now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		dir := filepath.Dir(l.path)
		if dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
		}
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		l.f = f
		l.w = bufio.NewWriter(f)
	}
	if _, err := l.w.Write(append(data, '\n')); err != nil {
		return err
	}
	return l.w.Flush()
}

func (l *TrafficLog) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	ferr := l.w.Flush()
	cerr := l.f.Close()
	l.f, l.w = nil, nil
	if ferr != nil {
		return ferr
	}
	return cerr
}

// ReadTrafficLog loads every entry from a JSONL file.
func ReadTrafficLog(path string) ([]TrafficEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var entries []TrafficEntry
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry TrafficEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return nil, fmt.Errorf("decode traffic entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}
