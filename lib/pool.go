package lib

import (
	"fmt"
	"time"

	"github.com/Clouded-Sabre/netcore/config"
	rp "github.com/Clouded-Sabre/ringpool/lib"
)

// Payload is the ring pool element type: a fixed size byte buffer holding
// one fragment or one unacknowledged segment.
type Payload struct {
	payloadBytes []byte
	length       int
}

// NewPayload is the ring pool constructor. Its only parameter is the
// buffer length.
func NewPayload(params ...interface{}) rp.DataInterface {
	if len(params) != 1 {
		return nil
	}
	bufferLength, ok := params[0].(int)
	if !ok || bufferLength <= 0 {
		return nil
	}
	return &Payload{
		payloadBytes: make([]byte, bufferLength),
	}
}

func (p *Payload) SetContent(s string) {
	p.length = copy(p.payloadBytes, s)
}

func (p *Payload) Reset() {
	clear(p.payloadBytes[:p.length])
	p.length = 0
}

func (p *Payload) PrintContent() {
	fmt.Println("Content:", string(p.payloadBytes[:p.length]))
}

func (p *Payload) Copy(src []byte) error {
	if len(src) > len(p.payloadBytes) {
		return fmt.Errorf("payload copy: source byte slice(%d) is longer than bufferLength(%d)", len(src), len(p.payloadBytes))
	}
	p.length = copy(p.payloadBytes, src)
	return nil
}

func (p *Payload) GetSlice() []byte {
	return p.payloadBytes[:p.length]
}

// BufferPool owns the ring pool. Copies larger than a pool element, or made
// while the pool is exhausted, fall back to the heap.
type BufferPool struct {
	pool         *rp.RingPool
	bufferLength int
}

func NewBufferPool(cfg config.PoolConfig) *BufferPool {
	rp.Debug = cfg.Debug
	pool := rp.NewRingPool("netcore: ", cfg.Size, NewPayload, cfg.BufferLength)
	pool.Debug = cfg.Debug
	pool.ProcessTimeThreshold = time.Duration(cfg.ProcessTimeThreshold) * time.Millisecond
	return &BufferPool{pool: pool, bufferLength: cfg.BufferLength}
}

// Buffer is a single-owner copy of some bytes. The owner must hand it back
// with Release once it is done with Bytes.
type Buffer struct {
	elem *rp.Element
	data []byte
}

func (b *Buffer) Bytes() []byte {
	return b.data
}

func (b *Buffer) Len() int {
	return len(b.data)
}

// Copy returns a Buffer holding a copy of src.
func (p *BufferPool) Copy(src []byte) *Buffer {
	if p != nil && len(src) <= p.bufferLength {
		if elem := p.pool.GetElement(); elem != nil {
			payload := elem.Data.(*Payload)
			if err := payload.Copy(src); err == nil {
				return &Buffer{elem: elem, data: payload.GetSlice()}
			}
			p.pool.ReturnElement(elem)
		}
	}
	return &Buffer{data: append([]byte(nil), src...)}
}

// Trim drops the first n bytes of b.
func (b *Buffer) Trim(n int) {
	if n >= len(b.data) {
		b.data = b.data[:0]
		return
	}
	b.data = b.data[n:]
}

func (p *BufferPool) Release(b *Buffer) {
	if b == nil {
		return
	}
	if b.elem != nil && p != nil {
		p.pool.ReturnElement(b.elem)
	}
	b.elem = nil
	b.data = nil
}
