// Package progress renders a single-line, token-substituted progress bar
// over a TTY, the way the teacher's cache package logs a humanized
// archive size via docker/go-units rather than raw byte counts.
package progress

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	units "github.com/docker/go-units"
)

const defaultWidth = 80

// Tokens is the set of named values substituted into the format string.
// Reporter suppresses a redraw when the new token map equals the
// previous one, so a part completing with no fraction change (two
// parts finishing in the same render tick) doesn't flicker the line.
type Tokens map[string]string

// Reporter renders format, substituting ":name" tokens from the map
// passed to Update, plus the special ":bar" token which expands to fill
// the remaining terminal columns proportional to the "percent" token (a
// 0-100 integer string).
type Reporter struct {
	out        io.Writer
	format     string
	enabled    bool
	width      int

	mu         sync.Mutex
	lastTokens Tokens
	lastLineLen int
}

// NewReporter builds a Reporter. Rendering is disabled when quiet is set
// or out is not a terminal (redraws to a non-interactive stream just
// produce noisy log spam).
func NewReporter(out io.Writer, format string, quiet bool) *Reporter {
	return &Reporter{
		out:     out,
		format:  format,
		enabled: !quiet && isTerminal(out),
		width:   terminalWidth(),
	}
}

// Update renders format with tokens substituted, skipping the redraw if
// tokens is identical to the last call.
func (r *Reporter) Update(tokens Tokens) {
	if !r.enabled {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if tokensEqual(r.lastTokens, tokens) {
		return
	}
	r.lastTokens = tokens

	line := r.render(tokens)
	r.clearLocked()
	fmt.Fprint(r.out, line)
	r.lastLineLen = len(line)
}

// Log clears the progress line, writes msg as its own line, then redraws
// the last rendered progress line beneath it.
func (r *Reporter) Log(msg string) {
	if !r.enabled {
		fmt.Fprintln(r.out, msg)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.clearLocked()
	fmt.Fprintln(r.out, msg)
	if r.lastTokens != nil {
		line := r.render(r.lastTokens)
		fmt.Fprint(r.out, line)
		r.lastLineLen = len(line)
	}
}

// Clear erases the current progress line, leaving the cursor at the
// start of it. The orchestrator calls this before printing a fatal
// diagnostic.
func (r *Reporter) Clear() {
	if !r.enabled {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clearLocked()
	r.lastLineLen = 0
}

func (r *Reporter) clearLocked() {
	if r.lastLineLen == 0 {
		return
	}
	fmt.Fprint(r.out, "\r"+strings.Repeat(" ", r.lastLineLen)+"\r")
}

func (r *Reporter) render(tokens Tokens) string {
	line := r.format
	for name, value := range tokens {
		line = strings.ReplaceAll(line, ":"+name, value)
	}
	if strings.Contains(line, ":bar") {
		used := len(line) - strings.Count(line, ":bar")*len(":bar")
		line = strings.ReplaceAll(line, ":bar", r.bar(tokens, used))
	}
	return line
}

// bar renders a bar filling the columns left over once used columns of
// the line are taken by the rest of the format.
func (r *Reporter) bar(tokens Tokens, used int) string {
	percent := 0
	if raw, ok := tokens["percent"]; ok {
		if parsed, err := strconv.Atoi(raw); err == nil {
			percent = parsed
		}
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	width := r.width
	if width < 10 {
		width = defaultWidth
	}
	width -= used
	if width < 0 {
		width = 0
	}
	filled := width * percent / 100
	return strings.Repeat("=", filled) + strings.Repeat(" ", width-filled)
}

func tokensEqual(a, b Tokens) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// HumanBytes renders n bytes as a humanized size in decimal units with
// three significant digits (1<<20 renders as "1.05MB"), matching
// the teacher's units.HumanSizeWithPrecision calls in cache/save.go and
// cache/restore.go.
func HumanBytes(n int64) string {
	return units.HumanSizeWithPrecision(float64(n), 3)
}

func isTerminal(out io.Writer) bool {
	f, ok := out.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

func terminalWidth() int {
	return defaultWidth
}
