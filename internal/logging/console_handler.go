package logging

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

const consoleTimestampLayout = "2006-01-02 15:04:05"

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiYellow = "\x1b[33m"
	ansiCyan   = "\x1b[36m"
	ansiDim    = "\x1b[2m"
)

// prettyHandler renders one header line per record followed by indented
// key/value fields. Site and stage attributes are lifted into the header.
type prettyHandler struct {
	mu        *sync.Mutex
	writer    io.Writer
	level     *slog.LevelVar
	attrs     []slog.Attr
	groups    []string
	addSource bool
	colour    bool
}

func newPrettyHandler(w io.Writer, lvl *slog.LevelVar, addSource, colour bool) slog.Handler {
	return &prettyHandler{mu: &sync.Mutex{}, writer: w, level: lvl, addSource: addSource, colour: colour}
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *prettyHandler) Handle(_ context.Context, record slog.Record) error {
	if record.Level < h.level.Level() {
		return nil
	}

	timestamp := record.Time
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	var fs fieldSet
	for _, attr := range h.attrs {
		fs.add(h.groups, attr)
	}
	record.Attrs(func(attr slog.Attr) bool {
		fs.add(h.groups, attr)
		return true
	})
	component := fs.take(FieldComponent)
	siteID := fs.take(FieldSiteID)
	stage := fs.take(FieldStage)

	message := strings.TrimSpace(record.Message)
	if message == "" {
		message = "(no message)"
	}

	var buf bytes.Buffer
	buf.Grow(128 + len(fs.keys)*32)

	buf.WriteString(timestamp.In(time.Local).Format(consoleTimestampLayout))
	buf.WriteByte(' ')
	style := styleFor(record.Level)
	buf.WriteString(h.paint(style.label, style.colour))
	if component != "" {
		buf.WriteString(" [")
		buf.WriteString(component)
		buf.WriteByte(']')
	}
	if subject := composeSubject(siteID, stage); subject != "" {
		buf.WriteByte(' ')
		buf.WriteString(h.paint(subject, ansiCyan))
	}
	buf.WriteString(" – ")
	buf.WriteString(message)
	if h.addSource {
		if src := record.Source(); src != nil {
			buf.WriteByte(' ')
			buf.WriteString(h.paint(fmt.Sprintf("[%s:%d]", filepath.Base(src.File), src.Line), ansiDim))
		}
	}
	buf.WriteByte('\n')

	for _, key := range fs.keys {
		value, ok := fs.values[key]
		if !ok || key == "" {
			continue
		}
		fmt.Fprintf(&buf, "    %s: %s\n", key, quoteIfNeeded(renderValue(value)))
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.writer.Write(buf.Bytes())
	return err
}

func (h *prettyHandler) paint(text, colour string) string {
	if !h.colour || colour == "" {
		return text
	}
	return colour + text + ansiReset
}

func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := h.clone()
	clone.attrs = append(clone.attrs, attrs...)
	return clone
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	clone := h.clone()
	clone.groups = append(clone.groups, name)
	return clone
}

func (h *prettyHandler) clone() *prettyHandler {
	return &prettyHandler{
		mu:        h.mu,
		writer:    h.writer,
		level:     h.level,
		attrs:     append([]slog.Attr(nil), h.attrs...),
		groups:    append([]string(nil), h.groups...),
		addSource: h.addSource,
		colour:    h.colour,
	}
}

func composeSubject(siteID, stage string) string {
	siteID = strings.TrimSpace(siteID)
	stage = strings.TrimSpace(stage)
	switch {
	case siteID != "" && stage != "":
		return "site " + siteID + " (" + stage + ")"
	case siteID != "":
		return "site " + siteID
	default:
		return stage
	}
}

// fieldSet collects flattened attributes in first-seen order. A repeated key
// keeps its original position and takes the latest value.
type fieldSet struct {
	keys   []string
	values map[string]slog.Value
}

func (f *fieldSet) add(prefix []string, attr slog.Attr) {
	if attr.Equal(slog.Attr{}) {
		return
	}
	value := attr.Value.Resolve()
	path := prefix
	if attr.Key != "" {
		path = append(prefix[:len(prefix):len(prefix)], attr.Key)
	}
	if value.Kind() == slog.KindGroup {
		for _, member := range value.Group() {
			f.add(path, member)
		}
		return
	}
	key := strings.Join(path, ".")
	if f.values == nil {
		f.values = make(map[string]slog.Value)
	}
	if _, seen := f.values[key]; !seen {
		f.keys = append(f.keys, key)
	}
	f.values[key] = value
}

// take removes key from the set and returns its rendered value.
func (f *fieldSet) take(key string) string {
	value, ok := f.values[key]
	if !ok {
		return ""
	}
	delete(f.values, key)
	return renderValue(value)
}

// renderValue formats a resolved value without quoting.
func renderValue(v slog.Value) string {
	switch v.Kind() {
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().In(time.Local).Format(consoleTimestampLayout)
	case slog.KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'f', -1, 64)
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
		return fmt.Sprint(v.Any())
	default:
		return v.String()
	}
}

func quoteIfNeeded(s string) string {
	if s == "" || strings.ContainsFunc(s, func(r rune) bool { return r <= ' ' || r == '=' || r == '"' }) {
		return strconv.Quote(s)
	}
	return s
}

type levelStyle struct {
	label  string
	colour string
}

func styleFor(level slog.Level) levelStyle {
	switch {
	case level >= slog.LevelError:
		return levelStyle{"ERROR", ansiRed}
	case level >= slog.LevelWarn:
		return levelStyle{"WARN", ansiYellow}
	case level >= slog.LevelInfo:
		return levelStyle{"INFO", ""}
	default:
		return levelStyle{"DEBUG", ansiDim}
	}
}
