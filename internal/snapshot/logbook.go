package snapshot

import (
	"fmt"
	"io"
	"slices"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

const redacted = "[REDACTED]"

// LogBook collects the user facing lines of a run. Every line is redacted,
// echoed to the console writer, mirrored to the structured logger and kept
// for the clone report.
type LogBook struct {
	mu      sync.Mutex
	out     io.Writer
	logger  *zap.Logger
	secrets []string
	lines   []string
}

// NewLogBook creates a log book. out and logger may be nil.
func NewLogBook(out io.Writer, logger *zap.Logger) *LogBook {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogBook{out: out, logger: logger}
}

// AddSecrets registers values that must never appear in output.
func (l *LogBook) AddSecrets(secrets ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, secret := range secrets {
		if strings.TrimSpace(secret) == "" || slices.Contains(l.secrets, secret) {
			continue
		}
		l.secrets = append(l.secrets, secret)
	}
	// Longest first so a secret containing another is replaced whole.
	sort.SliceStable(l.secrets, func(i, j int) bool {
		return len(l.secrets[i]) > len(l.secrets[j])
	})
}

// Redact replaces registered secrets in s.
func (l *LogBook) Redact(s string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.redactLocked(s)
}

func (l *LogBook) redactLocked(s string) string {
	for _, secret := range l.secrets {
		s = strings.ReplaceAll(s, secret, redacted)
	}
	return s
}

// Println records one line.
func (l *LogBook) Println(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	line = l.redactLocked(line)
	l.lines = append(l.lines, line)
	l.logger.Info(line)
	if l.out != nil {
		_, _ = fmt.Fprintln(l.out, line)
	}
}

// Printf records one formatted line.
func (l *LogBook) Printf(format string, args ...any) {
	l.Println(fmt.Sprintf(format, args...))
}

// Quiet records a line for the report without echoing it to the console.
func (l *LogBook) Quiet(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	line = l.redactLocked(line)
	l.lines = append(l.lines, line)
	l.logger.Debug(line)
}

// Lines returns a copy of the recorded lines.
func (l *LogBook) Lines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}
