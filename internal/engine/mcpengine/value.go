package mcpengine

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/storaged-project/blivet-gui-sub000/internal/engine"
	"github.com/storaged-project/blivet-gui-sub000/internal/ipc"
)

// Object is a JSON object returned by the MCP server. It stays on the
// daemon side and is reached by proxies through its attributes.
type Object struct {
	keys   []string
	fields map[string]any
}

// Attr implements engine.Attributer.
func (o *Object) Attr(name string) (any, bool) {
	v, ok := o.fields[name]
	return v, ok
}

// Index implements engine.Indexer.
func (o *Object) Index(key any) (any, error) {
	name, ok := key.(string)
	if !ok {
		return nil, fmt.Errorf("object keys are strings, got %T", key)
	}
	v, ok := o.fields[name]
	if !ok {
		return nil, &engine.KeyError{Key: name}
	}
	return v, nil
}

// Keys returns the field names in sorted order.
func (o *Object) Keys() []string {
	return append([]string(nil), o.keys...)
}

func (o *Object) String() string {
	if name, ok := o.fields["name"].(string); ok {
		return name
	}
	return fmt.Sprintf("object%v", o.keys)
}

// fromJSON converts a decoded JSON value into engine values. Objects become
// *Object, integral numbers int64 and size fields ipc.Size.
func fromJSON(v any) any {
	return fromJSONField("", v)
}

func fromJSONField(field string, v any) any {
	switch t := v.(type) {
	case map[string]any:
		o := &Object{fields: make(map[string]any, len(t))}
		for k, item := range t {
			o.keys = append(o.keys, k)
			o.fields[k] = fromJSONField(k, item)
		}
		sort.Strings(o.keys)
		return o
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = fromJSONField(field, item)
		}
		return out
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return numberField(field, n)
		}
		f, _ := t.Float64()
		return f
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<53 {
			return numberField(field, int64(t))
		}
		return t
	default:
		return t
	}
}

func numberField(field string, n int64) any {
	if n >= 0 && isSizeField(field) {
		return ipc.Size(n)
	}
	return n
}

func isSizeField(name string) bool {
	return name == "size" || name == "free_space" || strings.HasSuffix(name, "_size")
}

// toJSON converts engine arguments into JSON-encodable values. Objects
// that carry a name are passed by name.
func toJSON(v any) any {
	switch t := v.(type) {
	case *Object:
		if name, ok := t.fields["name"]; ok {
			return name
		}
		m := make(map[string]any, len(t.fields))
		for k, item := range t.fields {
			m[k] = toJSON(item)
		}
		return m
	case ipc.Size:
		return uint64(t)
	case *ipc.Bag:
		m := make(map[string]any, t.Len())
		t.Each(func(key string, value any) {
			m[key] = toJSON(value)
		})
		return m
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = toJSON(item)
		}
		return out
	case *ipc.RemoteError:
		return t.Error()
	default:
		return t
	}
}

// toolArguments builds the arguments of a tool call: positional arguments
// under "args", named arguments at the top level.
func toolArguments(args []any, kwargs *ipc.Bag) map[string]any {
	out := make(map[string]any, kwargs.Len()+1)
	kwargs.Each(func(key string, value any) {
		out[key] = toJSON(value)
	})
	if len(args) > 0 {
		out["args"] = toJSON(args)
	}
	return out
}

// unwrap extracts the answer of a tool call. Structured content wins; text
// content is parsed as JSON when possible.
func unwrap(result *mcp.CallToolResult) (any, error) {
	if result == nil {
		return nil, errors.New("empty tool result")
	}

	texts := textContent(result)
	if result.IsError {
		msg := strings.Join(texts, "\n")
		if msg == "" {
			msg = "tool call failed"
		}
		return nil, errors.New(msg)
	}

	if result.StructuredContent != nil {
		return structured(result.StructuredContent)
	}
	if len(texts) == 0 {
		return nil, nil
	}
	joined := strings.Join(texts, "\n")
	dec := json.NewDecoder(strings.NewReader(joined))
	dec.UseNumber()
	var decoded any
	if err := dec.Decode(&decoded); err != nil || dec.More() {
		return joined, nil
	}
	return fromJSON(decoded), nil
}

// structured normalizes StructuredContent, which may hold any Go value the
// transport produced, by round-tripping it through JSON.
func structured(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding structured content: %w", err)
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var decoded any
	if err := dec.Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decoding structured content: %w", err)
	}
	return fromJSON(decoded), nil
}

func textContent(result *mcp.CallToolResult) []string {
	var parts []string
	for _, content := range result.Content {
		switch c := content.(type) {
		case mcp.TextContent:
			parts = append(parts, c.Text)
		case *mcp.TextContent:
			parts = append(parts, c.Text)
		}
	}
	return parts
}
