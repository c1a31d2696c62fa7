package lib

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
)

func SeqIncrement(seq uint32) uint32 {
	return seq + 1 // wraps modulo 2^32
}

func SeqIncrementBy(seq, inc uint32) uint32 {
	return seq + inc
}

// SEQ compare functions with SEQ wraparound in mind. Two sequence numbers
// are compared by the sign of their 32 bit difference.
func isGreater(seq1, seq2 uint32) bool {
	return int32(seq1-seq2) > 0
}

func isGreaterOrEqual(seq1, seq2 uint32) bool {
	return int32(seq1-seq2) >= 0
}

func isLess(seq1, seq2 uint32) bool {
	return int32(seq1-seq2) < 0
}

func isLessOrEqual(seq1, seq2 uint32) bool {
	return int32(seq1-seq2) <= 0
}

// seqInWindow reports whether start <= seq < start+size.
func seqInWindow(seq, start uint32, size uint32) bool {
	return seq-start < size
}

func GenerateISN() (uint32, error) {
	var isn uint32
	err := binary.Read(rand.Reader, binary.BigEndian, &isn)
	if err != nil {
		return 0, err
	}
	return isn, nil
}

// SequenceClock hands out initial sequence numbers. Every allocation and
// every clock tick moves it forward by a fixed increment.
type SequenceClock struct {
	mu        sync.Mutex
	value     uint32
	increment uint32
}

func NewSequenceClock(increment uint32) *SequenceClock {
	seed, err := GenerateISN()
	if err != nil {
		seed = 0
	}
	return &SequenceClock{value: seed, increment: increment}
}

func (c *SequenceClock) Next() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.value
	c.value += c.increment
	return v
}

func (c *SequenceClock) Tick() {
	c.mu.Lock()
	c.value += c.increment
	c.mu.Unlock()
}
