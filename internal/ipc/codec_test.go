package ipc

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"testing"
)

type fakeObject struct{ name string }

type countingRefs struct {
	next    Handle
	handles map[any]Handle
	objects map[Handle]any
}

func newCountingRefs() *countingRefs {
	return &countingRefs{handles: map[any]Handle{}, objects: map[Handle]any{}}
}

func (r *countingRefs) Ref(v any) (Handle, error) {
	if h, ok := r.handles[v]; ok {
		return h, nil
	}
	r.next++
	r.handles[v] = r.next
	r.objects[r.next] = v
	return r.next, nil
}

func (r *countingRefs) resolve(h Handle) (any, error) {
	v, ok := r.objects[h]
	if !ok {
		return nil, Errorf(KindNoSuchHandle, "no such handle %d", h)
	}
	return v, nil
}

func roundTrip(t *testing.T, v any, refs Referencer, resolve Resolver) any {
	t.Helper()
	data, err := Marshal(v, refs)
	if err != nil {
		t.Fatalf("Marshal(%#v) error = %v", v, err)
	}
	out, err := Unmarshal(data, resolve)
	if err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	return out
}

func TestPrimitiveRoundTrip(t *testing.T) {
	tests := []struct {
		in   any
		want any
	}{
		{nil, nil},
		{true, true},
		{"sda1", "sda1"},
		{"disk\xff\xfemodel", "disk\xff\xfemodel"},
		{42, int64(42)},
		{int32(-7), int64(-7)},
		{uint8(9), int64(9)},
		{uint64(math.MaxUint64), uint64(math.MaxUint64)},
		{1.5, 1.5},
		{float32(0.25), 0.25},
		{[]byte{1, 2, 3}, []byte{1, 2, 3}},
		{20 * GiB, 20 * GiB},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%T", tt.in), func(t *testing.T) {
			got := roundTrip(t, tt.in, nil, nil)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("round trip = %#v (%T), want %#v (%T)", got, got, tt.want, tt.want)
			}
		})
	}
}

func TestPrimitivesNeverBecomeHandles(t *testing.T) {
	refs := newCountingRefs()
	roundTrip(t, []any{"a", 1, true, 2.5, Size(512), nil, errors.New("boom")}, refs, refs.resolve)
	if refs.next != 0 {
		t.Fatalf("primitives minted %d handles, want 0", refs.next)
	}
}

func TestListsPreserveOrder(t *testing.T) {
	got := roundTrip(t, []string{"sdc", "sda", "sdb"}, nil, nil)
	want := []any{"sdc", "sda", "sdb"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("round trip = %#v, want %#v", got, want)
	}
}

func TestBagRoundTripKeepsOrderAndNesting(t *testing.T) {
	inner := NewBag("fs", "ext4", "label", "root")
	in := NewBag("size", 10*GiB, "format", inner, "parents", []any{"sda"}, "encrypt", false)

	got, ok := roundTrip(t, in, nil, nil).(*Bag)
	if !ok {
		t.Fatalf("round trip type = %T, want *Bag", got)
	}
	if !reflect.DeepEqual(got.Keys(), []string{"size", "format", "parents", "encrypt"}) {
		t.Fatalf("keys = %v", got.Keys())
	}
	v, _ := got.Get("format")
	nested, ok := v.(*Bag)
	if !ok || nested.String("fs") != "ext4" || nested.String("label") != "root" {
		t.Fatalf("nested bag = %#v", v)
	}
	if size, _ := got.Get("size"); size != 10*GiB {
		t.Fatalf("size = %#v, want %v", size, 10*GiB)
	}
}

func TestStringMapsBecomeSortedBags(t *testing.T) {
	got, ok := roundTrip(t, map[string]int{"b": 2, "a": 1}, nil, nil).(*Bag)
	if !ok {
		t.Fatalf("round trip type = %T, want *Bag", got)
	}
	if !reflect.DeepEqual(got.Keys(), []string{"a", "b"}) {
		t.Fatalf("keys = %v, want [a b]", got.Keys())
	}
}

func TestNonPrimitiveValuesAreProxiedOnce(t *testing.T) {
	refs := newCountingRefs()
	disk := &fakeObject{name: "sda"}

	data, err := Marshal([]any{disk, disk, NewBag("disk", disk)}, refs)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if refs.next != 1 {
		t.Fatalf("minted %d handles for one reference, want 1", refs.next)
	}

	raw, err := Unmarshal(data, nil)
	if err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	parts := raw.([]any)
	if parts[0] != Handle(1) || parts[1] != Handle(1) {
		t.Fatalf("handles = %v %v, want Handle(1) twice", parts[0], parts[1])
	}

	resolved, err := Resolve(raw, refs.resolve)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	bag := resolved.([]any)[2].(*Bag)
	if v, _ := bag.Get("disk"); v != disk {
		t.Fatalf("resolved bag value = %#v, want original object", v)
	}
}

func TestDistinctObjectsGetDistinctHandles(t *testing.T) {
	refs := newCountingRefs()
	objs := []*fakeObject{{"sda"}, {"sdb"}, {"sdc"}}
	raw := roundTrip(t, objs, refs, nil).([]any)

	seen := map[Handle]bool{}
	for _, v := range raw {
		h := v.(Handle)
		if seen[h] {
			t.Fatalf("handle %v reused for a distinct object", h)
		}
		seen[h] = true
	}
	if len(seen) != len(objs) {
		t.Fatalf("minted %d handles, want %d", len(seen), len(objs))
	}
}

func TestMarshalWithoutReferencerRejectsObjects(t *testing.T) {
	if _, err := Marshal(&fakeObject{}, nil); err == nil {
		t.Fatal("Marshal() error = nil, want error for unreferenceable value")
	}
}

func TestErrorsCopyByValue(t *testing.T) {
	in := &RemoteError{Kind: KindUnknownAttribute, Message: "no attribute \"foo\"", Trace: "trace"}
	got, ok := roundTrip(t, in, nil, nil).(*RemoteError)
	if !ok {
		t.Fatalf("round trip type = %T, want *RemoteError", got)
	}
	if *got != *in {
		t.Fatalf("round trip = %+v, want %+v", got, in)
	}

	plain, ok := roundTrip(t, errors.New("disk busy"), nil, nil).(*RemoteError)
	if !ok || plain.Kind != KindOperation || plain.Message != "disk busy" {
		t.Fatalf("plain error round trip = %#v", plain)
	}
}

func TestEndMarkerIsAValue(t *testing.T) {
	got := roundTrip(t, End, nil, nil)
	if !IsEnd(got) {
		t.Fatalf("round trip = %#v, want End", got)
	}
}

func TestResolveReportsUnknownHandle(t *testing.T) {
	refs := newCountingRefs()
	_, err := Resolve([]any{Handle(99)}, refs.resolve)
	if !IsNoSuchHandle(err) {
		t.Fatalf("Resolve() error = %v, want no-such-handle", err)
	}
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	_, err := Unmarshal([]byte{0xff, 0x00}, nil)
	var re *RemoteError
	if !errors.As(err, &re) || re.Kind != KindProtocol {
		t.Fatalf("Unmarshal(garbage) error = %v, want protocol error", err)
	}
}
