package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/CapulusCodeNinja/mcp-nexus/internal/errkind"
)

// CommandSeparator is the literal prefix for per-command markers within a
// composed batch submission. Concatenated with an uppercased command id to
// form SEP_<ID>_START / SEP_<ID>_END.
const CommandSeparator = "SEP_"

// BatchConfig holds the Batch Planner's tunables (subset of the engine's
// Config relevant to batching).
type BatchConfig struct {
	Enabled          bool
	MaxSize          int
	Wait             time.Duration
	ExcludedPrefixes []string
}

// Plan is an ordered list of command ids to submit together in one CDB
// round trip (length 1 for a solo submission).
type Plan struct {
	IDs     []string
	Texts   map[string]string
	IsBatch bool
}

// isBatchable reports whether text is eligible for batching: batching is
// enabled and no excluded prefix matches, case-insensitively.
func isBatchable(cfg BatchConfig, text string) bool {
	if !cfg.Enabled {
		return false
	}
	lower := strings.ToLower(strings.TrimSpace(text))
	for _, prefix := range cfg.ExcludedPrefixes {
		if strings.HasPrefix(lower, strings.ToLower(prefix)) {
			return false
		}
	}
	return true
}

// planBatch inspects head (the first Queued id/text) and the peek function
// (which yields the next queued id/text, or ok=false at the end of the
// queue) to build a plan of up to cfg.MaxSize batchable commands. peek is
// called repeatedly and must be non-blocking. A peeked entry that is not
// batchable ends the plan without joining it; the caller returns that entry
// to the queue. planBatch never blocks, and neither it nor the queue
// processor waits cfg.Wait for more arrivals.
func planBatch(cfg BatchConfig, headID, headText string, peek func() (id, text string, ok bool)) Plan {
	texts := map[string]string{headID: headText}
	plan := Plan{IDs: []string{headID}, Texts: texts}

	if !isBatchable(cfg, headText) {
		plan.IsBatch = false
		return plan
	}

	max := cfg.MaxSize
	if max < 1 {
		max = 1
	}

	for len(plan.IDs) < max {
		id, text, ok := peek()
		if !ok {
			break
		}
		if !isBatchable(cfg, text) {
			break
		}
		plan.IDs = append(plan.IDs, id)
		texts[id] = text
	}

	plan.IsBatch = len(plan.IDs) > 1
	return plan
}

// effectiveTimeout scales the per-command timeout by batch size, capped at
// ceiling.
func effectiveTimeout(per time.Duration, n int, ceiling time.Duration) time.Duration {
	scaled := per * time.Duration(n)
	if ceiling > 0 && scaled > ceiling {
		return ceiling
	}
	return scaled
}

func markerID(id string) string {
	return strings.ToUpper(id)
}

func startMarker(id string) string {
	return fmt.Sprintf("%s%s_START", CommandSeparator, markerID(id))
}

func endMarker(id string) string {
	return fmt.Sprintf("%s%s_END", CommandSeparator, markerID(id))
}

// composeBatch renders plan as a single CDB input string using per-command
// echo markers. A solo plan (one id) is rendered identically in shape, so
// solo submission is the batch-of-one special case.
func composeBatch(plan Plan) string {
	var b strings.Builder
	for i, id := range plan.IDs {
		if i > 0 {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, ".echo %s; %s; .echo %s;", startMarker(id), plan.Texts[id], endMarker(id))
	}
	return b.String()
}

// batchResult is one plan member's parsed outcome.
type batchResult struct {
	Output string
	Err    error
}

// parseBatch splits raw (the adapter's returned output region) on each
// plan member's markers and returns per-id results. Correlation is by
// label, not position, tolerating reordering by CDB.
func parseBatch(plan Plan, raw string) map[string]batchResult {
	results := make(map[string]batchResult, len(plan.IDs))
	for _, id := range plan.IDs {
		start := startMarker(id)
		end := endMarker(id)

		startIdx := indexOfLine(raw, start)
		if startIdx < 0 {
			results[id] = batchResult{Err: fmt.Errorf("%w: start marker not found for %s", errkind.ErrParseError, id)}
			continue
		}
		afterStart := startIdx + len(start)

		endIdx := indexOfLineFrom(raw, end, afterStart)
		if endIdx < 0 {
			results[id] = batchResult{Err: fmt.Errorf("%w: end marker not found for %s", errkind.ErrParseError, id)}
			continue
		}

		segment := raw[afterStart:endIdx]
		results[id] = batchResult{Output: trimMarkerLines(segment)}
	}

	for _, id := range plan.IDs {
		if _, ok := results[id]; !ok {
			results[id] = batchResult{Err: fmt.Errorf("%w: no output for command %s", errkind.ErrParseError, id)}
		}
	}
	return results
}

func indexOfLine(s, marker string) int {
	return indexOfLineFrom(s, marker, 0)
}

func indexOfLineFrom(s, marker string, from int) int {
	if from > len(s) {
		return -1
	}
	idx := strings.Index(s[from:], marker)
	if idx < 0 {
		return -1
	}
	return from + idx
}

// trimMarkerLines strips the empty lines left behind by the echoed marker
// lines at either end; whitespace inside the output is kept.
func trimMarkerLines(s string) string {
	lines := strings.Split(s, "\n")
	start, end := 0, len(lines)
	for start < end && lines[start] == "" {
		start++
	}
	for end > start && lines[end-1] == "" {
		end--
	}
	return strings.Join(lines[start:end], "\n")
}
