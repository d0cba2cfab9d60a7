package ipc

import "testing"

func TestResultRoundTrip(t *testing.T) {
	in := Result{Success: false, Err: Errorf(KindOperation, "disk busy"), Trace: "at delete_device"}
	out := roundTrip(t, in.Message(), nil, nil)

	r, err := ParseResult(out)
	if err != nil {
		t.Fatalf("ParseResult() error = %v", err)
	}
	if r.Success {
		t.Fatal("Success = true, want false")
	}
	if r.Err == nil || r.Err.Message != "disk busy" || r.Err.Trace != "at delete_device" {
		t.Fatalf("Err = %+v", r.Err)
	}
}

func TestParseResultFillsMissingError(t *testing.T) {
	r, err := ParseResult([]any{false})
	if err != nil {
		t.Fatalf("ParseResult() error = %v", err)
	}
	if r.Err == nil {
		t.Fatal("Err = nil, want synthesized error for failed result")
	}
}

func TestParseProgress(t *testing.T) {
	p, err := ParseProgress([]any{false, "Creating partition sda1"})
	if err != nil || p.Final || p.Text != "Creating partition sda1" {
		t.Fatalf("ParseProgress(progress) = %+v, %v", p, err)
	}

	p, err = ParseProgress(roundTrip(t, Progress{Final: true, Bag: NewBag("success", true)}.Message(), nil, nil))
	if err != nil || !p.Final || !p.Bag.Bool("success") {
		t.Fatalf("ParseProgress(final) = %+v, %v", p, err)
	}

	if _, err := ParseProgress([]any{"x"}); err == nil {
		t.Fatal("ParseProgress(malformed) error = nil")
	}
}

func TestSizeParsingAndFormatting(t *testing.T) {
	s, err := ParseSize("20 GiB")
	if err != nil {
		t.Fatalf("ParseSize() error = %v", err)
	}
	if s != 20*GiB {
		t.Fatalf("ParseSize() = %d, want %d", s, 20*GiB)
	}
	if got := (512 * MiB).String(); got != "512 MiB" {
		t.Fatalf("String() = %q, want %q", got, "512 MiB")
	}
	if _, err := ParseSize("lots"); err == nil {
		t.Fatal("ParseSize(lots) error = nil")
	}
}

func TestErrorKindIsProtocol(t *testing.T) {
	for kind, want := range map[ErrorKind]bool{
		KindOperation:     false,
		KindKey:           false,
		"":                false,
		KindProtocol:      true,
		KindNoSuchHandle:  true,
		KindUnknownMethod: true,
	} {
		if got := kind.IsProtocol(); got != want {
			t.Errorf("%q.IsProtocol() = %v, want %v", kind, got, want)
		}
	}
}
