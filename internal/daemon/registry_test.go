package daemon

import (
	"errors"
	"testing"

	"github.com/storaged-project/blivet-gui-sub000/internal/ipc"
)

func TestRegistryReusesHandleForSameReference(t *testing.T) {
	r := NewRegistry()
	a := &fakeDisk{name: "sda"}
	b := &fakeDisk{name: "sda"}

	ha := r.Put(a)
	if again := r.Put(a); again != ha {
		t.Fatalf("Put(a) twice = %v, %v; want same handle", ha, again)
	}
	if hb := r.Put(b); hb == ha {
		t.Fatal("distinct objects share a handle")
	}

	got, err := r.Get(ha)
	if err != nil || got != a {
		t.Fatalf("Get(%v) = %v, %v", ha, got, err)
	}
}

func TestRegistryNonComparableValuesGetFreshHandles(t *testing.T) {
	r := NewRegistry()
	m := fakeMap{"k": "v"}

	if r.Put(m) == r.Put(m) {
		t.Fatal("non-comparable value deduplicated")
	}
	if r.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", r.Len())
	}
}

func TestRegistryHandlesAreNotReusedAfterReset(t *testing.T) {
	r := NewRegistry()
	first := r.Put(&fakeDisk{name: "sda"})
	r.Reset()

	if r.Len() != 0 {
		t.Fatalf("Len() after Reset = %d", r.Len())
	}
	if _, err := r.Get(first); !errors.Is(err, &ipc.RemoteError{Kind: ipc.KindNoSuchHandle}) {
		t.Fatalf("Get(stale) error = %v, want no-such-handle", err)
	}
	if next := r.Put(&fakeDisk{name: "sdb"}); next <= first {
		t.Fatalf("handle %v reused after reset (first %v)", next, first)
	}
}

func TestRegistryValuesWithUnhashableFieldsGetFreshHandles(t *testing.T) {
	r := NewRegistry()
	type holder struct{ V any }
	v := holder{V: []int{1}}

	h1 := r.Put(v)
	h2 := r.Put(v)
	if h1 == h2 {
		t.Fatal("struct value deduplicated")
	}
	if _, err := r.Ref(holder{V: map[string]int{"a": 1}}); err != nil {
		t.Fatalf("Ref() error = %v", err)
	}
	if r.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", r.Len())
	}
}
