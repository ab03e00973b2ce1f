package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/fatih/color"
)

const (
	prettyDefaultWidth = 100
	prettyMinWidth     = 40
	prettySep          = " "
	prettyIndent       = "    "
)

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// palette holds the colors used by prettyHandler. Each color is forced on or off
// so output does not depend on the global color.NoColor switch.
type palette struct {
	dim, bold            *color.Color
	debug, info, warn, e *color.Color
	path                 *color.Color
	ok, redirect         *color.Color
}

func newPalette(enabled bool) palette {
	p := palette{
		dim:      color.New(color.Faint),
		bold:     color.New(color.Bold),
		debug:    color.New(color.FgMagenta),
		info:     color.New(color.FgBlue),
		warn:     color.New(color.FgYellow),
		e:        color.New(color.FgRed),
		path:     color.New(color.FgCyan),
		ok:       color.New(color.FgGreen),
		redirect: color.New(color.FgCyan),
	}
	for _, c := range []*color.Color{p.dim, p.bold, p.debug, p.info, p.warn, p.e, p.path, p.ok, p.redirect} {
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

// prettyHandler renders records as key=value segments wrapped to the terminal width.
type prettyHandler struct {
	w      io.Writer
	opts   slog.HandlerOptions
	attrs  []slog.Attr
	groups []string
	pal    palette
	mu     *sync.Mutex
}

func newPrettyHandler(w io.Writer, opts *slog.HandlerOptions, enableColor bool) slog.Handler {
	h := &prettyHandler{
		w:   w,
		pal: newPalette(enableColor),
		mu:  &sync.Mutex{},
	}
	if opts != nil {
		h.opts = *opts
	}
	return h
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *prettyHandler) Handle(_ context.Context, r slog.Record) error {
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	segs := []string{
		h.pal.dim.Sprint(ts.Format("15:04:05.000")),
		h.levelTag(r.Level),
		h.pal.bold.Sprint(r.Message),
	}

	if h.opts.AddSource && r.PC != 0 {
		frames := runtime.CallersFrames([]uintptr{r.PC})
		frame, _ := frames.Next()
		if frame.File != "" {
			segs = append(segs, h.pal.dim.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line))
		}
	}

	for _, a := range h.attrs {
		segs = h.appendAttr(segs, a, "")
	}
	r.Attrs(func(a slog.Attr) bool {
		segs = h.appendAttr(segs, a, "")
		return true
	})

	lines := wrapSegments(segs, prettySep, h.terminalWidth(), prettyIndent)

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, strings.Join(lines, "\n")+"\n")
	return err
}

func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	cp.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &cp
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	if strings.TrimSpace(name) == "" {
		return h
	}
	cp := *h
	cp.groups = append(append([]string{}, h.groups...), name)
	return &cp
}

// terminalWidth prefers COURIER_LOG_WIDTH, then COLUMNS. Values narrower than
// prettyMinWidth are ignored.
func (h *prettyHandler) terminalWidth() int {
	for _, key := range []string{"COURIER_LOG_WIDTH", "COLUMNS"} {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			continue
		}
		if n, err := strconv.Atoi(v); err == nil && n >= prettyMinWidth {
			return n
		}
	}
	return prettyDefaultWidth
}

func (h *prettyHandler) appendAttr(segs []string, a slog.Attr, parent string) []string {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return segs
	}

	key := strings.TrimSpace(a.Key)
	if key == "" {
		return segs
	}

	fullKey := key
	if parent != "" {
		fullKey = parent + "." + key
	}
	if len(h.groups) > 0 && parent == "" {
		fullKey = strings.Join(h.groups, ".") + "." + fullKey
	}

	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			segs = h.appendAttr(segs, ga, fullKey)
		}
		return segs
	}

	return append(segs, h.pal.dim.Sprint(remapPrettyKey(fullKey)+"=")+h.prettyValue(fullKey, a.Value))
}

func (h *prettyHandler) prettyValue(key string, v slog.Value) string {
	switch key {
	case "method":
		return h.pal.bold.Sprint(strings.ToUpper(strings.TrimSpace(v.String())))
	case "path":
		return h.pal.path.Sprint(strings.TrimSpace(v.String()))
	case "status":
		if n, ok := valueToInt64(v); ok {
			return h.statusColor(int(n)).Sprint(n)
		}
	case "duration_ms":
		if n, ok := valueToInt64(v); ok {
			return strconv.FormatInt(n, 10) + "ms"
		}
	case "err":
		return h.pal.e.Sprint(quoteIfNeeded(valueToString(v)))
	}

	return quoteIfNeeded(valueToString(v))
}

func (h *prettyHandler) levelTag(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return h.pal.e.Sprint("[ERROR]")
	case level >= slog.LevelWarn:
		return h.pal.warn.Sprint("[WARN]")
	case level < slog.LevelInfo:
		return h.pal.debug.Sprint("[DEBUG]")
	default:
		return h.pal.info.Sprint("[INFO]")
	}
}

func (h *prettyHandler) statusColor(status int) *color.Color {
	switch {
	case status >= 500:
		return h.pal.e
	case status >= 400:
		return h.pal.warn
	case status >= 300:
		return h.pal.redirect
	default:
		return h.pal.ok
	}
}

func remapPrettyKey(k string) string {
	switch k {
	case "duration_ms":
		return "duration"
	default:
		return k
	}
}

func valueToInt64(v slog.Value) (int64, bool) {
	switch v.Kind() {
	case slog.KindInt64:
		return v.Int64(), true
	case slog.KindUint64:
		return int64(v.Uint64()), true
	case slog.KindFloat64:
		return int64(v.Float64()), true
	default:
		n, err := strconv.ParseInt(strings.TrimSpace(v.String()), 10, 64)
		return n, err == nil
	}
}

func valueToString(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return strconv.FormatInt(v.Int64(), 10)
	case slog.KindUint64:
		return strconv.FormatUint(v.Uint64(), 10)
	case slog.KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'f', -1, 64)
	case slog.KindBool:
		return strconv.FormatBool(v.Bool())
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	default:
		return fmt.Sprint(v.Any())
	}
}

func quoteIfNeeded(s string) string {
	if s == "" {
		return `""`
	}
	if strings.ContainsAny(s, " \t\r\n\"=") {
		return strconv.Quote(s)
	}
	return s
}

func stripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

// visualLen is the printed width of s, ignoring color escapes.
func visualLen(s string) int {
	return utf8.RuneCountInString(stripANSI(s))
}

// wrapSegments packs segs into lines no wider than width. Continuation lines
// start with indent; a segment that cannot fit on its own line is truncated.
func wrapSegments(segs []string, sep string, width int, indent string) []string {
	var lines []string
	cur, curLen := "", 0
	sepLen := visualLen(sep)

	for _, s := range segs {
		if s == "" {
			continue
		}
		sl := visualLen(s)

		if curLen > 0 && curLen+sepLen+sl > width {
			lines = append(lines, cur)
			cur, curLen = "", 0
		}

		if curLen == 0 {
			if len(lines) > 0 {
				cur, curLen = indent, visualLen(indent)
			}
			if room := width - curLen; sl > room {
				s = truncateVisual(s, room)
				sl = visualLen(s)
			}
			cur += s
			curLen += sl
			continue
		}

		cur += sep + s
		curLen += sepLen + sl
	}
	if curLen > 0 {
		lines = append(lines, cur)
	}
	return lines
}

func truncateVisual(s string, n int) string {
	plain := []rune(stripANSI(s))
	if len(plain) <= n {
		return s
	}
	if n <= 1 {
		return "…"
	}
	return string(plain[:n-1]) + "…"
}
