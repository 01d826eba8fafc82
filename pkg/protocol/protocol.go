// Package protocol decodes the line-oriented command stream emitted by a
// worker process.
//
// A worker's stdout interleaves three things:
//
//   - free-text log lines, passed through as advisory output
//   - structured commands, framed by marker lines:
//
//     <<WORKER_COMMAND>>
//     command: progress
//     percent: 40
//     message: updating &lt;handler&gt;
//     <<END_WORKER_COMMAND>>
//
//   - exactly one terminal result: a line that is a complete JSON object,
//     parsed into job.WorkerResult
//
// The decoder is streaming: callers feed it one line at a time and relay
// events as they surface. Malformed or oversized commands are dropped with
// a warning and never abort the stream.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/3leaps/foreman/pkg/job"
)

// Framing markers. Part of the stable worker contract.
const (
	CommandStart = "<<WORKER_COMMAND>>"
	CommandEnd   = "<<END_WORKER_COMMAND>>"
)

// Size limits. Oversized input is rejected or truncated rather than
// propagated so a misbehaving worker cannot exhaust the host.
const (
	MaxCommandBytes   = 16 << 10
	MaxParamBytes     = 4 << 10
	MaxTraceSteps     = 100
	MaxTraceStepBytes = 1 << 10
)

// Kind is the fixed command vocabulary.
type Kind string

const (
	KindLog        Kind = "log"
	KindProgress   Kind = "progress"
	KindCheckpoint Kind = "checkpoint"
	KindError      Kind = "error"
)

func validKind(k Kind) bool {
	switch k {
	case KindLog, KindProgress, KindCheckpoint, KindError:
		return true
	}
	return false
}

// Command is one structured command from the worker.
type Command struct {
	Kind   Kind
	Params map[string]string
}

// Param returns a named parameter, or "" when absent.
func (c *Command) Param(name string) string {
	return c.Params[name]
}

// EventKind discriminates decoder events.
type EventKind int

const (
	// EventLog is a free-text advisory line.
	EventLog EventKind = iota
	// EventCommand is a well-formed structured command.
	EventCommand
	// EventResult is the terminal structured result.
	EventResult
)

// Event is one decoded unit of worker output.
type Event struct {
	Kind    EventKind
	Text    string
	Command *Command
	Result  *job.WorkerResult
}

// WarnFunc receives a description of each dropped command.
type WarnFunc func(msg string)

// Decoder consumes worker output one line at a time.
//
// Decoder is not safe for concurrent use; the facade owns one per execution.
type Decoder struct {
	warn      WarnFunc
	inCommand bool
	lines     []string
	size      int
	oversized bool
}

// NewDecoder creates a decoder. warn may be nil.
func NewDecoder(warn WarnFunc) *Decoder {
	if warn == nil {
		warn = func(string) {}
	}
	return &Decoder{warn: warn}
}

// Feed processes one line (without its trailing newline) and returns the
// event it completes, or nil while buffering inside a command frame.
func (d *Decoder) Feed(line string) *Event {
	trimmed := strings.TrimSpace(line)

	if d.inCommand {
		if trimmed == CommandEnd {
			d.inCommand = false
			cmd := d.finishCommand()
			if cmd == nil {
				return nil
			}
			return &Event{Kind: EventCommand, Command: cmd}
		}
		d.size += len(line) + 1
		if d.size > MaxCommandBytes {
			if !d.oversized {
				d.warn(fmt.Sprintf("command exceeds %d bytes, dropping", MaxCommandBytes))
				d.oversized = true
			}
			return nil
		}
		d.lines = append(d.lines, line)
		return nil
	}

	switch {
	case trimmed == CommandStart:
		d.inCommand = true
		d.lines = d.lines[:0]
		d.size = 0
		d.oversized = false
		return nil

	case trimmed == CommandEnd:
		d.warn("command end marker without start, ignoring")
		return nil

	case strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}"):
		result := parseResult(trimmed)
		if result == nil {
			// Not a valid result object; treat as advisory logging.
			return &Event{Kind: EventLog, Text: line}
		}
		return &Event{Kind: EventResult, Result: result}

	default:
		return &Event{Kind: EventLog, Text: line}
	}
}

// InCommand reports whether the decoder is mid-frame. A stream ending inside
// a frame indicates a worker that crashed while emitting a command.
func (d *Decoder) InCommand() bool {
	return d.inCommand
}

func (d *Decoder) finishCommand() *Command {
	if d.oversized {
		return nil
	}

	params := map[string]string{}
	for _, line := range d.lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		key, value, ok := strings.Cut(trimmed, ":")
		if !ok {
			d.warn(fmt.Sprintf("command line without key, dropping command: %.60q", trimmed))
			return nil
		}
		key = strings.TrimSpace(key)
		value = DecodeEntities(strings.TrimSpace(value))
		if len(value) > MaxParamBytes {
			d.warn(fmt.Sprintf("parameter %q exceeds %d bytes, truncating", key, MaxParamBytes))
			value = value[:MaxParamBytes]
		}
		params[key] = value
	}

	name, ok := params["command"]
	if !ok {
		d.warn("command frame missing command field, dropping")
		return nil
	}
	delete(params, "command")

	kind := Kind(strings.ToLower(name))
	if !validKind(kind) {
		d.warn(fmt.Sprintf("unrecognized command %q, dropping", name))
		return nil
	}
	return &Command{Kind: kind, Params: params}
}

// parseResult parses a candidate terminal line, enforcing trace bounds.
// Returns nil when the line is not a valid result object.
func parseResult(line string) *job.WorkerResult {
	var result job.WorkerResult
	if err := json.Unmarshal([]byte(line), &result); err != nil {
		return nil
	}

	if len(result.ReasoningTrace) > MaxTraceSteps {
		result.ReasoningTrace = result.ReasoningTrace[:MaxTraceSteps]
	}
	for i := range result.ReasoningTrace {
		if len(result.ReasoningTrace[i].Text) > MaxTraceStepBytes {
			result.ReasoningTrace[i].Text = result.ReasoningTrace[i].Text[:MaxTraceStepBytes]
		}
	}
	return &result
}

var entityReplacer = strings.NewReplacer(
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", `"`,
	"&#39;", "'",
	"&amp;", "&",
)

// DecodeEntities resolves the XML entities workers use to escape parameter
// payloads.
func DecodeEntities(s string) string {
	if !strings.Contains(s, "&") {
		return s
	}
	return entityReplacer.Replace(s)
}
