package rpc

import (
	"fmt"
)

// FieldType is the wire type a schema field accepts.
type FieldType string

const (
	FieldString  FieldType = "string"
	FieldInt     FieldType = "int"
	FieldBool    FieldType = "bool"
	FieldStrings FieldType = "strings" // array of strings
	FieldInts    FieldType = "ints"    // array of integers
	FieldObject  FieldType = "object"  // nested JSON object
)

// Field describes one argument of a command.
type Field struct {
	Type     FieldType
	Required bool
}

// Schema is the static argument contract of a command. Unknown keys are
// stripped before the args reach a handler, so nothing a client invents can
// travel toward the store's update paths.
type Schema map[string]Field

// InvalidInputError reports a schema violation. It carries no state change.
type InvalidInputError struct {
	Command string
	Detail  string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("%s: %s", e.Command, e.Detail)
}

// schemas is the full command catalog. A command absent here does not exist.
var schemas = map[string]Schema{
	"request": {
		"description": {Type: FieldString, Required: true},
	},
	"fix": {
		"description": {Type: FieldString, Required: true},
	},
	"status": {},
	"clarify": {
		"request_id": {Type: FieldString, Required: true},
		"answer":     {Type: FieldString, Required: true},
	},
	"log": {
		"actor": {Type: FieldString},
		"limit": {Type: FieldInt},
	},
	"triage": {
		"request_id": {Type: FieldString, Required: true},
		"tier":       {Type: FieldInt, Required: true},
	},
	"create-task": {
		"request_id":  {Type: FieldString, Required: true},
		"subject":     {Type: FieldString, Required: true},
		"description": {Type: FieldString},
		"domain":      {Type: FieldString},
		"files":       {Type: FieldStrings},
		"priority":    {Type: FieldString},
		"tier":        {Type: FieldInt},
		"depends_on":  {Type: FieldInts},
		"validation":  {Type: FieldObject},
	},
	"tier1-complete": {
		"request_id": {Type: FieldString, Required: true},
		"summary":    {Type: FieldString},
	},
	"ask-clarification": {
		"request_id": {Type: FieldString, Required: true},
		"question":   {Type: FieldString, Required: true},
	},
	"my-task": {
		"worker_id": {Type: FieldInt, Required: true},
	},
	"start-task": {
		"task_id":   {Type: FieldInt, Required: true},
		"worker_id": {Type: FieldInt, Required: true},
	},
	"heartbeat": {
		"worker_id": {Type: FieldInt, Required: true},
	},
	"complete-task": {
		"task_id":   {Type: FieldInt, Required: true},
		"worker_id": {Type: FieldInt, Required: true},
		"pr_url":    {Type: FieldString},
		"branch":    {Type: FieldString},
		"summary":   {Type: FieldString},
	},
	"fail-task": {
		"task_id":   {Type: FieldInt, Required: true},
		"worker_id": {Type: FieldInt, Required: true},
		"reason":    {Type: FieldString},
	},
	"distill": {
		"request_id": {Type: FieldString, Required: true},
	},
	"inbox": {
		"recipient": {Type: FieldString, Required: true},
	},
	"inbox-block": {
		"recipient": {Type: FieldString, Required: true},
		"timeout_s": {Type: FieldInt},
	},
	"ready-tasks": {},
	"assign-task": {
		"task_id":   {Type: FieldInt, Required: true},
		"worker_id": {Type: FieldInt, Required: true},
		"claimer":   {Type: FieldString},
	},
	"claim-worker": {
		"worker_id": {Type: FieldInt, Required: true},
		"claimer":   {Type: FieldString, Required: true},
	},
	"release-worker": {
		"worker_id": {Type: FieldInt, Required: true},
	},
	"worker-status": {
		"worker_id": {Type: FieldInt},
	},
	"check-completion": {
		"request_id": {Type: FieldString, Required: true},
	},
	"register-worker": {
		"worker_id": {Type: FieldInt, Required: true},
		"worktree":  {Type: FieldString},
		"branch":    {Type: FieldString},
		"session":   {Type: FieldString},
		"window":    {Type: FieldString},
	},
	"repair": {},
	"ping":   {},
}

// Validate checks args against the command's schema and returns a copy with
// unknown keys stripped. Numbers arrive as float64 from encoding/json; int
// fields additionally require a whole value.
func Validate(command string, args map[string]any) (map[string]any, error) {
	schema, ok := schemas[command]
	if !ok {
		return nil, &InvalidInputError{Command: command, Detail: "unknown command"}
	}

	clean := make(map[string]any, len(args))
	for name, field := range schema {
		value, present := args[name]
		if !present || value == nil {
			if field.Required {
				return nil, &InvalidInputError{Command: command, Detail: "missing required field " + name}
			}
			continue
		}
		coerced, err := coerce(value, field.Type)
		if err != nil {
			return nil, &InvalidInputError{Command: command, Detail: fmt.Sprintf("field %s: %v", name, err)}
		}
		clean[name] = coerced
	}
	return clean, nil
}

func coerce(value any, t FieldType) (any, error) {
	switch t {
	case FieldString:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", value)
		}
		return s, nil
	case FieldInt:
		f, ok := value.(float64)
		if !ok || f != float64(int64(f)) {
			return nil, fmt.Errorf("expected integer, got %v", value)
		}
		return int64(f), nil
	case FieldBool:
		b, ok := value.(bool)
		if !ok {
			return nil, fmt.Errorf("expected bool, got %T", value)
		}
		return b, nil
	case FieldStrings:
		raw, ok := value.([]any)
		if !ok {
			return nil, fmt.Errorf("expected string array, got %T", value)
		}
		out := make([]string, 0, len(raw))
		for _, item := range raw {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected string element, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	case FieldInts:
		raw, ok := value.([]any)
		if !ok {
			return nil, fmt.Errorf("expected integer array, got %T", value)
		}
		out := make([]int64, 0, len(raw))
		for _, item := range raw {
			f, ok := item.(float64)
			if !ok || f != float64(int64(f)) {
				return nil, fmt.Errorf("expected integer element, got %v", item)
			}
			out = append(out, int64(f))
		}
		return out, nil
	case FieldObject:
		obj, ok := value.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("expected object, got %T", value)
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unknown field type %s", t)
	}
}

// Helpers for handlers pulling validated values back out.

func argString(args map[string]any, name string) string {
	if s, ok := args[name].(string); ok {
		return s
	}
	return ""
}

func argInt(args map[string]any, name string) (int64, bool) {
	if n, ok := args[name].(int64); ok {
		return n, true
	}
	return 0, false
}

func argStrings(args map[string]any, name string) []string {
	if s, ok := args[name].([]string); ok {
		return s
	}
	return nil
}

func argInts(args map[string]any, name string) []int64 {
	if s, ok := args[name].([]int64); ok {
		return s
	}
	return nil
}
