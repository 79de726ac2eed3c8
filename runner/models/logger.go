package models

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"tangled.sh/tangled.sh/matrix/matrix"
)

type LogKind string

const (
	// data lines carry a step's stdout/stderr
	LogKindData LogKind = "data"
	// control lines mark step boundaries
	LogKindControl LogKind = "control"
)

type LogLine struct {
	Kind     LogKind    `json:"kind"`
	Time     time.Time  `json:"time"`
	StepIdx  int        `json:"step_idx"`
	Stream   string     `json:"stream,omitempty"`
	Content  string     `json:"content,omitempty"`
	Phase    string     `json:"phase,omitempty"`
	Command  string     `json:"command,omitempty"`
	Status   StepStatus `json:"step_status,omitempty"`
	ExitCode *int       `json:"exit_code,omitempty"`
}

type StepStatus string

const (
	StepStatusStart StepStatus = "start"
	StepStatusEnd   StepStatus = "end"
)

func NewDataLogLine(idx int, content, stream string) LogLine {
	return LogLine{
		Kind:    LogKindData,
		Time:    time.Now(),
		StepIdx: idx,
		Stream:  stream,
		Content: content,
	}
}

func NewControlLogLine(idx int, step matrix.Step, status StepStatus, exitCode *int) LogLine {
	return LogLine{
		Kind:     LogKindControl,
		Time:     time.Now(),
		StepIdx:  idx,
		Phase:    step.Phase.String(),
		Command:  step.Command,
		Status:   status,
		ExitCode: exitCode,
	}
}

// JobLogger writes a job's log as JSON lines. Writers returned by
// DataWriter may be used from several goroutines.
type JobLogger struct {
	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
	written int64
}

func NewJobLogger(baseDir string, jid JobId) (*JobLogger, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("creating log dir: %w", err)
	}

	path := LogFilePath(baseDir, jid)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("creating log file: %w", err)
	}

	l := &JobLogger{file: file}
	l.encoder = json.NewEncoder(countingWriter{l})
	return l, nil
}

func LogFilePath(baseDir string, jid JobId) string {
	return filepath.Join(baseDir, fmt.Sprintf("%s.log", jid.String()))
}

func (l *JobLogger) Close() error {
	if l == nil {
		return nil
	}
	return l.file.Close()
}

// Size is the number of bytes written so far.
func (l *JobLogger) Size() int64 {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.written
}

func (l *JobLogger) encode(line LogLine) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.encoder.Encode(line)
}

func (l *JobLogger) DataWriter(idx int, stream string) io.Writer {
	if l == nil {
		return io.Discard
	}
	return &dataWriter{
		logger: l,
		idx:    idx,
		stream: stream,
	}
}

func (l *JobLogger) StepStart(idx int, step matrix.Step) error {
	if l == nil {
		return nil
	}
	return l.encode(NewControlLogLine(idx, step, StepStatusStart, nil))
}

func (l *JobLogger) StepEnd(idx int, step matrix.Step, exitCode int) error {
	if l == nil {
		return nil
	}
	return l.encode(NewControlLogLine(idx, step, StepStatusEnd, &exitCode))
}

type countingWriter struct {
	l *JobLogger
}

// called with l.mu held
func (w countingWriter) Write(p []byte) (int, error) {
	n, err := w.l.file.Write(p)
	w.l.written += int64(n)
	return n, err
}

type dataWriter struct {
	logger *JobLogger
	idx    int
	stream string
}

func (w *dataWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\r\n"), "\n") {
		entry := NewDataLogLine(w.idx, strings.TrimRight(line, "\r"), w.stream)
		if err := w.logger.encode(entry); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}
