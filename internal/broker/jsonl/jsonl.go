// Package jsonl implements the JSONL Parser: it turns a CLI
// subprocess's captured stdout into a typed event stream. Event schemas
// are registered at runtime (no recompilation) using
// santhosh-tekuri/jsonschema/v6, validating each parsed event's fields
// against its registered JSON Schema.
package jsonl

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Recognized event kinds and their required fields.
var requiredFields = map[string][]string{
	"result":      {"result"},
	"tool_use":    {"tool_name"},
	"tool_result": {"tool_use_id", "content"},
	"error":       {"error"},
	"status":      {"status"},
	"thinking":    {"content"},
}

// Event is one recognized NDJSON line.
type Event struct {
	Kind   string
	Fields map[string]any
}

// ParseError records a malformed JSON line.
type ParseError struct {
	LineNo int
	Prefix string
	Reason string
}

// UnknownEvent records a line with a `type` the parser doesn't recognize.
type UnknownEvent struct {
	LineNo int
	Raw    map[string]any
}

// Result is the parser's full output for one subprocess invocation.
type Result struct {
	Response       string
	SessionID      string
	Events         []Event
	Usage          map[string]any
	Errors         []ParseError
	UnknownEvents  []UnknownEvent
	FallbackRaw    bool // true if Response came from the raw-stdout fallback
}

// EventRecorder is the telemetry sink the parser increments counters on.
type EventRecorder interface {
	Record(event, agentID string, fields map[string]any)
}

// SchemaRegistry holds runtime-registered JSON Schemas keyed by event
// kind, extensible without recompilation.
type SchemaRegistry struct {
	mu       sync.RWMutex
	compiled map[string]*jsonschema.Schema
}

// NewSchemaRegistry returns an empty registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{compiled: make(map[string]*jsonschema.Schema)}
}

// Register compiles schemaJSON and associates it with kind. A later
// call with the same kind replaces the earlier schema.
func (r *SchemaRegistry) Register(kind string, schemaJSON []byte) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return fmt.Errorf("unmarshal schema for %s: %w", kind, err)
	}

	c := jsonschema.NewCompiler()
	resourceURL := "mem://" + kind
	if err := c.AddResource(resourceURL, doc); err != nil {
		return fmt.Errorf("add schema resource for %s: %w", kind, err)
	}
	schema, err := c.Compile(resourceURL)
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", kind, err)
	}

	r.mu.Lock()
	r.compiled[kind] = schema
	r.mu.Unlock()
	return nil
}

// Validate checks doc against kind's registered schema, if any. Kinds
// with no registered schema always validate.
func (r *SchemaRegistry) Validate(kind string, doc any) error {
	r.mu.RLock()
	schema, ok := r.compiled[kind]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return schema.Validate(doc)
}

// Parser turns a byte stream into a Result.
type Parser struct {
	registry  *SchemaRegistry
	strict    bool
	telemetry EventRecorder
	agentID   string
}

// New constructs a Parser. registry may be nil (no schema validation
// beyond the hardcoded required-field table); telemetry may be nil.
func New(registry *SchemaRegistry, strict bool, telemetry EventRecorder, agentID string) *Parser {
	if registry == nil {
		registry = NewSchemaRegistry()
	}
	return &Parser{registry: registry, strict: strict, telemetry: telemetry, agentID: agentID}
}

// Parse reads data line by line, classifying each as a recognized
// Event, an UnknownEvent, or a ParseError. In strict mode the first
// anomaly aborts further parsing; in lenient mode parsing continues.
func (p *Parser) Parse(data []byte) (*Result, error) {
	res := &Result{}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var obj map[string]any
		if err := json.Unmarshal(line, &obj); err != nil {
			pe := ParseError{LineNo: lineNo, Prefix: prefixOf(line), Reason: err.Error()}
			res.Errors = append(res.Errors, pe)
			if p.strict {
				break
			}
			continue
		}

		kind, _ := obj["type"].(string)
		required, known := requiredFields[kind]
		if !known {
			ue := UnknownEvent{LineNo: lineNo, Raw: obj}
			res.UnknownEvents = append(res.UnknownEvents, ue)
			p.recordEvent("UnknownEvent", map[string]any{"lineNo": lineNo, "type": kind})
			if p.strict {
				break
			}
			continue
		}

		if missing := firstMissing(obj, required); missing != "" {
			pe := ParseError{LineNo: lineNo, Prefix: prefixOf(line), Reason: fmt.Sprintf("missing required field %q for kind %q", missing, kind)}
			res.Errors = append(res.Errors, pe)
			if p.strict {
				break
			}
			continue
		}

		if err := p.registry.Validate(kind, obj); err != nil {
			pe := ParseError{LineNo: lineNo, Prefix: prefixOf(line), Reason: err.Error()}
			res.Errors = append(res.Errors, pe)
			if p.strict {
				break
			}
			continue
		}

		res.Events = append(res.Events, Event{Kind: kind, Fields: obj})

		switch kind {
		case "result":
			if s, ok := obj["result"].(string); ok {
				res.Response = s
			}
			if sid, ok := obj["session_id"].(string); ok {
				res.SessionID = sid
			}
			if usage, ok := obj["usage"].(map[string]any); ok {
				res.Usage = usage
			}
		}
	}

	if err := scanner.Err(); err != nil {
		res.Errors = append(res.Errors, ParseError{LineNo: lineNo + 1, Reason: err.Error()})
	}

	if res.Response == "" {
		res.Response = strings.TrimSpace(string(data))
		res.FallbackRaw = true
		p.recordEvent("JsonlFallbackRaw", map[string]any{"bytes": len(data)})
	}

	return res, nil
}

func firstMissing(obj map[string]any, required []string) string {
	for _, field := range required {
		if _, ok := obj[field]; !ok {
			return field
		}
	}
	return ""
}

func prefixOf(line []byte) string {
	const maxPrefix = 64
	if len(line) > maxPrefix {
		return string(line[:maxPrefix])
	}
	return string(line)
}

func (p *Parser) recordEvent(event string, fields map[string]any) {
	if p.telemetry == nil {
		return
	}
	p.telemetry.Record(event, p.agentID, fields)
}
