package logs

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

const pollInterval = 250 * time.Millisecond

// TailOptions selects which part of a log file Tail returns.
type TailOptions struct {
	// Offset is the byte position to read from. Negative reads the last
	// Limit entries.
	Offset int64
	Limit  int
	Follow bool
	Wait   time.Duration
	// Match keeps only entries for which it returns true. Nil keeps all.
	Match func(entry string) bool
}

// TailResult holds the returned lines and the offset to resume from.
type TailResult struct {
	Lines  []string
	Offset int64
}

// ForSite matches entries that carry the given site ID, in either the JSON
// or the console log format.
func ForSite(siteID string) func(string) bool {
	siteID = strings.TrimSpace(siteID)
	if siteID == "" {
		return nil
	}
	jsonKey := `"site_id":"` + siteID + `"`
	subject := " site " + siteID + " "
	return func(entry string) bool {
		return strings.Contains(entry, jsonKey) || strings.Contains(entry, subject)
	}
}

// Tail reads entries from path. A missing file yields an empty result at
// offset zero.
func Tail(ctx context.Context, path string, opts TailOptions) (TailResult, error) {
	result := TailResult{Offset: opts.Offset}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			result.Offset = 0
			return result, nil
		}
		return result, fmt.Errorf("stat log file: %w", err)
	}
	if info.IsDir() {
		return result, fmt.Errorf("log path %q is a directory", path)
	}
	if opts.Wait < 0 {
		opts.Wait = 0
	}

	if opts.Offset < 0 {
		lines, offset, err := readLastEntries(path, opts.Limit, opts.Match)
		if err != nil {
			return result, err
		}
		result = TailResult{Lines: lines, Offset: offset}
	} else {
		offset := opts.Offset
		if offset > info.Size() {
			// truncated or rotated underneath us
			offset = 0
		}
		lines, next, err := readForward(path, offset, opts.Match)
		if err != nil {
			return result, err
		}
		result = TailResult{Lines: lines, Offset: next}
	}

	if opts.Follow && opts.Wait > 0 && len(result.Lines) == 0 {
		return waitForEntries(ctx, path, result.Offset, opts.Wait, opts.Match)
	}
	return result, nil
}

// entryScanner groups physical lines into log entries.
type entryScanner struct {
	scanner *bufio.Scanner
	pending string
	has     bool
}

func newEntryScanner(r io.Reader) *entryScanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &entryScanner{scanner: s}
}

// next returns the following entry's lines, or nil at EOF.
func (e *entryScanner) next() ([]string, error) {
	var entry []string
	if e.has {
		entry = append(entry, e.pending)
		e.has = false
	}
	for e.scanner.Scan() {
		line := e.scanner.Text()
		if isContinuation(line) && len(entry) > 0 {
			entry = append(entry, line)
			continue
		}
		if len(entry) == 0 {
			entry = append(entry, line)
			continue
		}
		e.pending, e.has = line, true
		return entry, nil
	}
	if err := e.scanner.Err(); err != nil {
		return nil, fmt.Errorf("read log file: %w", err)
	}
	return entry, nil
}

func isContinuation(line string) bool {
	return strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")
}

func keep(entry []string, match func(string) bool) bool {
	return match == nil || match(strings.Join(entry, "\n"))
}

func readLastEntries(path string, limit int, match func(string) bool) ([]string, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()

	if limit <= 0 {
		end, err := file.Seek(0, io.SeekEnd)
		if err != nil {
			return nil, 0, fmt.Errorf("seek log file: %w", err)
		}
		return nil, end, nil
	}

	ring := make([][]string, limit)
	count, idx := 0, 0
	scanner := newEntryScanner(file)
	for {
		entry, err := scanner.next()
		if err != nil {
			return nil, 0, err
		}
		if entry == nil {
			break
		}
		if !keep(entry, match) {
			continue
		}
		ring[idx] = entry
		idx = (idx + 1) % limit
		if count < limit {
			count++
		}
	}

	offset, err := file.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, 0, fmt.Errorf("determine log offset: %w", err)
	}
	start := 0
	if count == limit {
		start = idx
	}
	var lines []string
	for i := 0; i < count; i++ {
		lines = append(lines, ring[(start+i)%limit]...)
	}
	return lines, offset, nil
}

func readForward(path string, offset int64, match func(string) bool) ([]string, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()

	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return nil, 0, fmt.Errorf("seek log file: %w", err)
	}
	var lines []string
	scanner := newEntryScanner(file)
	for {
		entry, err := scanner.next()
		if err != nil {
			return nil, 0, err
		}
		if entry == nil {
			break
		}
		if keep(entry, match) {
			lines = append(lines, entry...)
		}
	}
	next, err := file.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, 0, fmt.Errorf("determine log offset: %w", err)
	}
	return lines, next, nil
}

func waitForEntries(ctx context.Context, path string, offset int64, wait time.Duration, match func(string) bool) (TailResult, error) {
	deadline := time.Now().Add(wait)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	result := TailResult{Offset: offset}
	for {
		lines, next, err := readForward(path, result.Offset, match)
		if err != nil {
			return result, err
		}
		result.Offset = next
		if len(lines) > 0 {
			result.Lines = lines
			return result, nil
		}
		if time.Now().After(deadline) {
			return result, nil
		}
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-ticker.C:
		}
	}
}
