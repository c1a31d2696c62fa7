package lib

import (
	"testing"
)

func TestIsGreater(t *testing.T) {
	testCases := []struct {
		seq1     uint32
		seq2     uint32
		expected bool
	}{
		{seq1: 10, seq2: 5, expected: true},                   // Direct comparison
		{seq1: 5, seq2: 10, expected: false},                  // Direct comparison
		{seq1: 5, seq2: 4294967295, expected: true},           // Inverse wrap-around case
		{seq1: 4294967295, seq2: 5, expected: false},          // Inverse wrap-around case
		{seq1: 2147483647, seq2: 2147483646, expected: true},  // Close to wrap-around boundary
		{seq1: 2147483646, seq2: 2147483647, expected: false}, // Close to wrap-around boundary
		{seq1: 0, seq2: 4294967295, expected: true},           // Full wrap-around
		{seq1: 4294967295, seq2: 0, expected: false},          // Full wrap-around
		{seq1: 7, seq2: 7, expected: false},
	}

	for _, tc := range testCases {
		result := isGreater(tc.seq1, tc.seq2)
		if result != tc.expected {
			t.Errorf("For (%d, %d), expected %t, but got %t", tc.seq1, tc.seq2, tc.expected, result)
		}
	}
}

func TestSeqOrderingHelpers(t *testing.T) {
	if !isLessOrEqual(4294967290, 3) {
		t.Errorf("expected 4294967290 <= 3 across wrap")
	}
	if !isGreaterOrEqual(9, 9) || isLess(9, 9) {
		t.Errorf("equal sequence numbers misordered")
	}
	if !seqInWindow(2, 4294967295, 4) {
		t.Errorf("expected 2 inside window starting at 4294967295 of size 4")
	}
	if seqInWindow(3, 4294967295, 4) {
		t.Errorf("expected 3 outside window starting at 4294967295 of size 4")
	}
	if SeqIncrement(4294967295) != 0 || SeqIncrementBy(4294967290, 10) != 4 {
		t.Errorf("sequence increment did not wrap")
	}
}

func TestSequenceClock(t *testing.T) {
	c := &SequenceClock{value: 100, increment: 64000}
	if got := c.Next(); got != 100 {
		t.Fatalf("expected first value 100, got %d", got)
	}
	c.Tick()
	if got := c.Next(); got != 100+2*64000 {
		t.Errorf("expected %d after one tick, got %d", 100+2*64000, got)
	}
}
