package lib

import (
	"encoding/binary"
	"net/netip"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"
)

type fragmentKey struct {
	id  uint16
	src netip.Addr
}

type fragment struct {
	offset int
	buf    *Buffer
}

func fragmentLess(a, b fragment) bool {
	return a.offset < b.offset
}

// fragmentSet owns its fragment buffers until the datagram is rebuilt.
type fragmentSet struct {
	header    []byte
	fragments *btree.BTreeG[fragment]
	total     int // payload length once the last fragment was seen, else -1
	created   time.Time
}

// FragmentReassembler collects IPv4 fragments keyed by (id, source) and
// returns the rebuilt datagram once every byte up to the last fragment is
// present.
type FragmentReassembler struct {
	mu      sync.Mutex
	sets    map[fragmentKey]*fragmentSet
	pool    *BufferPool
	timeout time.Duration
	log     *logrus.Entry
	metrics *Metrics
}

func NewFragmentReassembler(pool *BufferPool, timeout time.Duration, log *logrus.Entry, metrics *Metrics) *FragmentReassembler {
	if log == nil {
		log = discardLogger()
	}
	if metrics == nil {
		metrics = NewMetrics("", nil)
	}
	return &FragmentReassembler{
		sets:    make(map[fragmentKey]*fragmentSet),
		pool:    pool,
		timeout: timeout,
		log:     log,
		metrics: metrics,
	}
}

func isFragment(hdr *layers.IPv4) bool {
	return hdr.FragOffset != 0 || hdr.Flags&layers.IPv4MoreFragments != 0
}

// OnDatagram accepts one inbound datagram (header included, trimmed to its
// total length). Non-fragments are returned unchanged. For fragments it
// returns done=false until the set is complete, then the reassembled
// datagram with a rewritten header.
func (r *FragmentReassembler) OnDatagram(hdr *layers.IPv4, datagram []byte) ([]byte, bool, error) {
	if !isFragment(hdr) {
		return datagram, true, nil
	}

	hdrLen := int(hdr.IHL) * 4
	dataLen := int(hdr.Length) - hdrLen
	offset := int(hdr.FragOffset) * 8
	last := hdr.Flags&layers.IPv4MoreFragments == 0

	if dataLen <= 0 || hdrLen+dataLen > len(datagram) {
		r.metrics.badPacket("ipv4", reasonMalformed)
		return nil, false, malformed("fragment data length %d", dataLen)
	}
	if hdrLen+offset+dataLen > MaxDatagramLength {
		r.metrics.badPacket("ipv4", reasonMalformed)
		return nil, false, malformed("fragment at %d+%d exceeds maximum datagram size", offset, dataLen)
	}
	if !last && dataLen%8 != 0 {
		r.metrics.badPacket("ipv4", reasonMalformed)
		return nil, false, malformed("non-final fragment length %d is not a multiple of 8", dataLen)
	}
	r.metrics.FragmentsReceived.Inc()

	src, _ := netip.AddrFromSlice(hdr.SrcIP.To4())
	key := fragmentKey{id: hdr.Id, src: src}

	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.sets[key]
	if !ok {
		set = &fragmentSet{
			header:    append([]byte(nil), datagram[:hdrLen]...),
			fragments: btree.NewG[fragment](4, fragmentLess),
			total:     -1,
			created:   time.Now(),
		}
		r.sets[key] = set
	}

	f := fragment{offset: offset, buf: r.pool.Copy(datagram[hdrLen : hdrLen+dataLen])}
	if old, replaced := set.fragments.ReplaceOrInsert(f); replaced {
		r.pool.Release(old.buf)
	}
	if last {
		set.total = offset + dataLen
	}

	if !set.complete() {
		return nil, false, nil
	}

	out := set.assemble(r.pool)
	delete(r.sets, key)
	r.metrics.DatagramsReassembled.Inc()
	r.log.Debugf("reassembled datagram id %d from %s, %d bytes", key.id, key.src, len(out))
	return out, true, nil
}

// complete reports whether the last fragment arrived and the fragments
// cover every byte before it.
func (s *fragmentSet) complete() bool {
	if s.total < 0 {
		return false
	}
	covered := 0
	s.fragments.Ascend(func(f fragment) bool {
		if f.offset > covered {
			return false
		}
		covered = max(covered, f.offset+f.buf.Len())
		return true
	})
	return covered >= s.total
}

// assemble copies the fragments in offset order behind the captured header.
// Overlapping bytes take the value of the later fragment in offset order.
func (s *fragmentSet) assemble(pool *BufferPool) []byte {
	hdrLen := len(s.header)
	out := make([]byte, hdrLen+s.total)
	s.fragments.Ascend(func(f fragment) bool {
		if f.offset < s.total {
			copy(out[hdrLen+f.offset:], f.buf.Bytes())
		}
		pool.Release(f.buf)
		return true
	})
	s.fragments.Clear(false)

	copy(out, s.header)
	binary.BigEndian.PutUint16(out[2:4], uint16(len(out)))
	flags := binary.BigEndian.Uint16(out[6:8]) >> 13
	binary.BigEndian.PutUint16(out[6:8], (flags&^ipFlagMoreFrags)<<13)
	binary.BigEndian.PutUint16(out[10:12], 0)
	binary.BigEndian.PutUint16(out[10:12], CalculateChecksum(out[:hdrLen]))
	return out
}

func (s *fragmentSet) release(pool *BufferPool) {
	s.fragments.Ascend(func(f fragment) bool {
		pool.Release(f.buf)
		return true
	})
	s.fragments.Clear(false)
}

// Pending returns the number of incomplete fragment sets.
func (r *FragmentReassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sets)
}

// Expire discards sets older than the reassembly timeout. With no timeout
// configured incomplete sets are kept.
func (r *FragmentReassembler) Expire(now time.Time) int {
	if r.timeout <= 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for key, set := range r.sets {
		if now.Sub(set.created) >= r.timeout {
			set.release(r.pool)
			delete(r.sets, key)
			n++
		}
	}
	if n > 0 {
		r.log.Debugf("discarded %d incomplete fragment sets", n)
	}
	return n
}

// Close releases every buffered fragment.
func (r *FragmentReassembler) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, set := range r.sets {
		set.release(r.pool)
		delete(r.sets, key)
	}
}
