package ipc

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"

	"github.com/fxamacker/cbor/v2"
)

// CBOR tag numbers for values that are not plain CBOR data items.
const (
	tagHandle uint64 = 27001
	tagBag    uint64 = 27002
	tagError  uint64 = 27003
	tagEnd    uint64 = 27004
	tagSize   uint64 = 27005
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("ipc: failed to create CBOR enc mode: %v", err))
	}
	encMode = em

	dm, err := cbor.DecOptions{
		MaxNestedLevels:  256,
		MaxArrayElements: 1 << 20,
		MaxMapPairs:      1 << 20,
		// Device names and models come from sysfs as raw bytes.
		UTF8: cbor.UTF8DecodeInvalid,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("ipc: failed to create CBOR dec mode: %v", err))
	}
	decMode = dm
}

// Marshal encodes v. Values outside the primitive set are replaced by
// handles minted through refs.
func Marshal(v any, refs Referencer) ([]byte, error) {
	w, err := toWire(v, refs)
	if err != nil {
		return nil, err
	}
	data, err := encMode.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("ipc: encoding payload: %w", err)
	}
	return data, nil
}

// Unmarshal decodes data. Handles are passed to resolve; with a nil
// resolver they are returned as Handle values.
func Unmarshal(data []byte, resolve Resolver) (any, error) {
	var raw any
	if err := decMode.Unmarshal(data, &raw); err != nil {
		return nil, Errorf(KindProtocol, "decoding payload: %v", err)
	}
	return fromWire(raw, resolve)
}

// Resolve replaces every Handle inside a decoded value, descending into
// lists and bags.
func Resolve(v any, resolve Resolver) (any, error) {
	switch t := v.(type) {
	case Handle:
		return resolve(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			r, err := Resolve(item, resolve)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case *Bag:
		out := &Bag{values: make(map[string]any, t.Len())}
		var firstErr error
		t.Each(func(key string, value any) {
			if firstErr != nil {
				return
			}
			r, err := Resolve(value, resolve)
			if err != nil {
				firstErr = err
				return
			}
			out.Set(key, r)
		})
		if firstErr != nil {
			return nil, firstErr
		}
		return out, nil
	default:
		return v, nil
	}
}

func toWire(v any, refs Referencer) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case Handle:
		return cbor.Tag{Number: tagHandle, Content: uint64(t)}, nil
	case Size:
		return cbor.Tag{Number: tagSize, Content: uint64(t)}, nil
	case endMarker:
		return cbor.Tag{Number: tagEnd, Content: uint64(0)}, nil
	case *RemoteError:
		if t == nil {
			return nil, nil
		}
		return errorToWire(t), nil
	case error:
		return errorToWire(AsRemoteError(t)), nil
	case *Bag:
		if t == nil {
			return nil, nil
		}
		return bagToWire(t, refs)
	case []byte:
		return t, nil
	case []any:
		return listToWire(reflect.ValueOf(t), refs)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.String:
		return rv.String(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return rv.Uint(), nil
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	case reflect.Slice:
		if rv.IsNil() {
			return []any{}, nil
		}
		return listToWire(rv, refs)
	case reflect.Array:
		return listToWire(rv, refs)
	case reflect.Map:
		if rv.Type().Key().Kind() == reflect.String {
			if rv.IsNil() {
				return nil, nil
			}
			return mapToWire(rv, refs)
		}
	case reflect.Pointer, reflect.Interface, reflect.Func, reflect.Chan:
		if rv.IsNil() {
			return nil, nil
		}
	}

	if refs == nil {
		return nil, fmt.Errorf("ipc: value of type %T cannot be sent by reference", v)
	}
	h, err := refs.Ref(v)
	if err != nil {
		return nil, err
	}
	return cbor.Tag{Number: tagHandle, Content: uint64(h)}, nil
}

func errorToWire(e *RemoteError) any {
	return cbor.Tag{Number: tagError, Content: []any{string(e.Kind), e.Message, e.Trace}}
}

func listToWire(rv reflect.Value, refs Referencer) (any, error) {
	out := make([]any, rv.Len())
	for i := range out {
		w, err := toWire(rv.Index(i).Interface(), refs)
		if err != nil {
			return nil, err
		}
		out[i] = w
	}
	return out, nil
}

func bagToWire(b *Bag, refs Referencer) (any, error) {
	pairs := make([]any, 0, b.Len())
	for _, key := range b.keys {
		w, err := toWire(b.values[key], refs)
		if err != nil {
			return nil, fmt.Errorf("bag key %q: %w", key, err)
		}
		pairs = append(pairs, []any{key, w})
	}
	return cbor.Tag{Number: tagBag, Content: pairs}, nil
}

func mapToWire(rv reflect.Value, refs Referencer) (any, error) {
	keys := make([]string, 0, rv.Len())
	for _, k := range rv.MapKeys() {
		keys = append(keys, k.String())
	}
	sort.Strings(keys)

	b := &Bag{values: make(map[string]any, len(keys))}
	for _, k := range keys {
		b.Set(k, rv.MapIndex(reflect.ValueOf(k).Convert(rv.Type().Key())).Interface())
	}
	return bagToWire(b, refs)
}

func fromWire(w any, resolve Resolver) (any, error) {
	switch t := w.(type) {
	case nil, bool, string, int64, float64:
		return t, nil
	case uint64:
		if t <= math.MaxInt64 {
			return int64(t), nil
		}
		return t, nil
	case float32:
		return float64(t), nil
	case []byte:
		return t, nil
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			v, err := fromWire(item, resolve)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case map[any]any:
		return mapFromWire(t, resolve)
	case cbor.Tag:
		return tagFromWire(t, resolve)
	default:
		return nil, Errorf(KindProtocol, "unsupported wire value of type %T", w)
	}
}

func tagFromWire(t cbor.Tag, resolve Resolver) (any, error) {
	switch t.Number {
	case tagHandle:
		n, ok := t.Content.(uint64)
		if !ok {
			return nil, Errorf(KindProtocol, "malformed handle %v", t.Content)
		}
		if resolve == nil {
			return Handle(n), nil
		}
		return resolve(Handle(n))
	case tagSize:
		n, ok := t.Content.(uint64)
		if !ok {
			return nil, Errorf(KindProtocol, "malformed size %v", t.Content)
		}
		return Size(n), nil
	case tagEnd:
		return End, nil
	case tagError:
		parts, ok := t.Content.([]any)
		if !ok || len(parts) != 3 {
			return nil, Errorf(KindProtocol, "malformed error value")
		}
		kind, _ := parts[0].(string)
		msg, _ := parts[1].(string)
		trace, _ := parts[2].(string)
		return &RemoteError{Kind: ErrorKind(kind), Message: msg, Trace: trace}, nil
	case tagBag:
		pairs, ok := t.Content.([]any)
		if !ok {
			return nil, Errorf(KindProtocol, "malformed bag")
		}
		b := &Bag{values: make(map[string]any, len(pairs))}
		for _, p := range pairs {
			pair, ok := p.([]any)
			if !ok || len(pair) != 2 {
				return nil, Errorf(KindProtocol, "malformed bag entry")
			}
			key, ok := pair[0].(string)
			if !ok {
				return nil, Errorf(KindProtocol, "bag key %v is not a string", pair[0])
			}
			v, err := fromWire(pair[1], resolve)
			if err != nil {
				return nil, err
			}
			b.Set(key, v)
		}
		return b, nil
	default:
		return nil, Errorf(KindProtocol, "unknown wire tag %d", t.Number)
	}
}

func mapFromWire(m map[any]any, resolve Resolver) (any, error) {
	keys := make([]string, 0, len(m))
	byKey := make(map[string]any, len(m))
	for k, v := range m {
		key, ok := k.(string)
		if !ok {
			return nil, Errorf(KindProtocol, "map key %v is not a string", k)
		}
		keys = append(keys, key)
		byKey[key] = v
	}
	sort.Strings(keys)

	b := &Bag{values: make(map[string]any, len(keys))}
	for _, key := range keys {
		v, err := fromWire(byKey[key], resolve)
		if err != nil {
			return nil, err
		}
		b.Set(key, v)
	}
	return b, nil
}

// IsNoSuchHandle reports whether err is an unknown-handle failure.
func IsNoSuchHandle(err error) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Kind == KindNoSuchHandle
}
