package lib

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestStreamBufferBounded(t *testing.T) {
	b := NewStreamBuffer(8)

	if n := b.Write([]byte("hello")); n != 5 {
		t.Fatalf("expected 5 bytes written, got %d", n)
	}
	if n := b.Write([]byte("world")); n != 3 {
		t.Fatalf("expected write capped at 3, got %d", n)
	}
	if b.Free() != 0 || b.Len() != 8 {
		t.Fatalf("expected full buffer, len %d free %d", b.Len(), b.Free())
	}

	p := make([]byte, 4)
	if n := b.Read(p, true); n != 4 || string(p) != "hell" {
		t.Fatalf("peek returned %d %q", n, p[:n])
	}
	if b.Len() != 8 {
		t.Fatalf("peek consumed data")
	}
	if n := b.Read(p, false); n != 4 || string(p) != "hell" {
		t.Fatalf("read returned %d %q", n, p[:n])
	}

	rest := make([]byte, 16)
	n := b.Read(rest, false)
	if diff := cmp.Diff("owor", string(rest[:n])); diff != "" {
		t.Errorf("remaining data mismatch (-want +got):\n%s", diff)
	}
	if n := b.Read(rest, false); n != 0 {
		t.Errorf("expected empty read, got %d", n)
	}
}

func TestStreamBufferInsertAt(t *testing.T) {
	b := NewStreamBuffer(10)
	b.Write([]byte("ab"))

	if n := b.InsertAt([]byte("XY"), 1, false); n != 2 {
		t.Fatalf("expected 2, got %d", n)
	}
	// position 1 keeps 'b', position 2 is new
	got := make([]byte, 10)
	n := b.Read(got, true)
	if string(got[:n]) != "abY" {
		t.Fatalf("expected %q, got %q", "abY", got[:n])
	}

	b.InsertAt([]byte("Z"), 1, true)
	n = b.Read(got, true)
	if string(got[:n]) != "aZY" {
		t.Fatalf("expected %q, got %q", "aZY", got[:n])
	}

	// gap is zero filled, data beyond capacity is cut
	if n := b.InsertAt([]byte("0123456789"), 5, false); n != 5 {
		t.Fatalf("expected 5 bytes inside capacity, got %d", n)
	}
	n = b.Read(got, false)
	want := []byte{'a', 'Z', 'Y', 0, 0, '0', '1', '2', '3', '4'}
	if diff := cmp.Diff(want, got[:n]); diff != "" {
		t.Errorf("insert mismatch (-want +got):\n%s", diff)
	}

	if n := b.InsertAt([]byte("x"), 10, false); n != 0 {
		t.Errorf("insert at capacity should be rejected, got %d", n)
	}
}

func TestStreamBufferMoveTo(t *testing.T) {
	shadow := NewStreamBuffer(16)
	stream := NewStreamBuffer(6)
	stream.Write([]byte("ab"))
	shadow.Write([]byte("cdefgh"))

	if n := shadow.MoveTo(stream); n != 4 {
		t.Fatalf("expected 4 moved, got %d", n)
	}
	if shadow.Len() != 2 {
		t.Fatalf("expected 2 left in shadow, got %d", shadow.Len())
	}
	p := make([]byte, 8)
	n := stream.Read(p, false)
	if string(p[:n]) != "abcdef" {
		t.Fatalf("expected abcdef, got %q", p[:n])
	}
	shadow.MoveTo(stream)
	n = stream.Read(p, false)
	if string(p[:n]) != "gh" {
		t.Fatalf("expected gh, got %q", p[:n])
	}
}
