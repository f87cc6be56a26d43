package runner

import (
	"bytes"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"previewstudio/internal/events"
)

func TestParseProgress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		line     string
		want     int
		wantOK   bool
	}{
		{name: "plain", line: "[progress] 42", want: 42, wantOK: true},
		{name: "zero", line: "[progress] 0", want: 0, wantOK: true},
		{name: "hundred", line: "[progress] 100", want: 100, wantOK: true},
		{name: "leading whitespace", line: "  [progress] 7", want: 7, wantOK: true},
		{name: "no space", line: "[progress]55", want: 55, wantOK: true},
		{name: "over range", line: "[progress] 101", wantOK: false},
		{name: "negative", line: "[progress] -1", wantOK: false},
		{name: "not a number", line: "[progress] soon", wantOK: false},
		{name: "ordinary log line", line: "processing poster for movie 123", wantOK: false},
		{name: "empty", line: "", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := parseProgress(tt.line)
			if ok != tt.wantOK {
				t.Fatalf("parseProgress(%q) ok = %v, want %v", tt.line, ok, tt.wantOK)
			}
			if ok && got != tt.want {
				t.Errorf("parseProgress(%q) = %d, want %d", tt.line, got, tt.want)
			}
		})
	}
}

func TestSplitLines(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{name: "single line", input: "hello\n", want: []string{"hello"}},
		{name: "multiple lines", input: "a\nb\nc\n", want: []string{"a", "b", "c"}},
		{name: "crlf", input: "a\r\nb\r\n", want: []string{"a", "b"}},
		{name: "no trailing newline", input: "partial", want: []string{"partial"}},
		{name: "blank lines dropped", input: "a\n\n\nb\n", want: []string{"a", "b"}},
		{name: "empty", input: "", want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := splitLines(tt.input)
			if len(got) != len(tt.want) {
				t.Fatalf("splitLines(%q) = %v, want %v", tt.input, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("line[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

// frame builds a Docker multiplexed stream frame.
func frame(streamType byte, payload string) []byte {
	buf := make([]byte, 8+len(payload))
	buf[0] = streamType
	size := len(payload)
	buf[4] = byte(size >> 24)
	buf[5] = byte(size >> 16)
	buf[6] = byte(size >> 8)
	buf[7] = byte(size)
	copy(buf[8:], payload)
	return buf
}

func TestStreamOutputDemultiplexes(t *testing.T) {
	t.Parallel()

	var stream bytes.Buffer
	stream.Write(frame(1, "starting render\n"))
	stream.Write(frame(1, "[progress] 50\n"))
	stream.Write(frame(2, "warning: missing font fallback\n"))
	stream.Write(frame(1, "[progress] 100\ndone\n"))

	bus := events.NewBus()
	var mu sync.Mutex
	var logs []string
	var progress []int
	bus.Subscribe("job-1", func(jobID string, ev events.Event) {
		mu.Lock()
		defer mu.Unlock()
		switch ev.Type {
		case events.TypeLog:
			logs = append(logs, ev.Message)
		case events.TypeProgress:
			progress = append(progress, *ev.Data.Progress)
		}
	})

	r := &Runner{cfg: Config{}.withDefaults(), bus: bus, state: newStateRepo()}
	var logFile bytes.Buffer
	r.streamOutput("job-1", &stream, &logFile)

	mu.Lock()
	defer mu.Unlock()

	wantLogs := []string{"starting render", "warning: missing font fallback", "done"}
	if len(logs) != len(wantLogs) {
		t.Fatalf("got log events %v, want %v", logs, wantLogs)
	}
	for i := range logs {
		if logs[i] != wantLogs[i] {
			t.Errorf("log[%d] = %q, want %q", i, logs[i], wantLogs[i])
		}
	}

	wantProgress := []int{50, 100}
	if len(progress) != len(wantProgress) {
		t.Fatalf("got progress events %v, want %v", progress, wantProgress)
	}
	for i := range progress {
		if progress[i] != wantProgress[i] {
			t.Errorf("progress[%d] = %d, want %d", i, progress[i], wantProgress[i])
		}
	}

	// Every line, progress included, lands in the log file.
	written := logFile.String()
	for _, line := range []string{"starting render", "[progress] 50", "warning: missing font fallback", "[progress] 100", "done"} {
		if !strings.Contains(written, line) {
			t.Errorf("log file missing line %q", line)
		}
	}
}

func TestStreamOutputEmptyFrameSkipped(t *testing.T) {
	t.Parallel()

	var stream bytes.Buffer
	stream.Write(frame(1, ""))
	stream.Write(frame(1, "after empty\n"))

	bus := events.NewBus()
	var mu sync.Mutex
	var logs []string
	bus.Subscribe("job-1", func(jobID string, ev events.Event) {
		mu.Lock()
		defer mu.Unlock()
		if ev.Type == events.TypeLog {
			logs = append(logs, ev.Message)
		}
	})

	r := &Runner{cfg: Config{}.withDefaults(), bus: bus, state: newStateRepo()}
	var logFile bytes.Buffer
	r.streamOutput("job-1", &stream, &logFile)

	mu.Lock()
	defer mu.Unlock()
	if len(logs) != 1 || logs[0] != "after empty" {
		t.Errorf("got %v, want [after empty]", logs)
	}
}

func TestHostPathTranslation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  Config
		in   string
		want string
	}{
		{
			name: "translated",
			cfg:  Config{JobsLocalRoot: "/data/jobs", JobsHostRoot: "/srv/preview/jobs"},
			in:   "/data/jobs/abc123",
			want: "/srv/preview/jobs/abc123",
		},
		{
			name: "identical roots pass through",
			cfg:  Config{JobsLocalRoot: "/data/jobs", JobsHostRoot: "/data/jobs"},
			in:   "/data/jobs/abc123",
			want: "/data/jobs/abc123",
		},
		{
			name: "no roots configured",
			cfg:  Config{},
			in:   "/data/jobs/abc123",
			want: "/data/jobs/abc123",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := &Runner{cfg: tt.cfg.withDefaults()}
			if got := r.hostPath(tt.in); got != filepath.FromSlash(tt.want) {
				t.Errorf("hostPath(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{JobsLocalRoot: "/data/jobs"}.withDefaults()
	if cfg.StopGrace.Seconds() != 5 {
		t.Errorf("expected 5s stop grace, got %v", cfg.StopGrace)
	}
	if cfg.JobsHostRoot != "/data/jobs" {
		t.Errorf("expected host root to default to local root, got %q", cfg.JobsHostRoot)
	}
}
