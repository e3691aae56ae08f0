// Package frame reassembles fixed-length sonar echo packets out of a raw
// byte stream from the serial link, validating each against its XOR
// checksum and resynchronizing byte-at-a-time on mismatch.
package frame

import (
	"bytes"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fathomline/sonar-telemetry/internal/monitoring"
)

const (
	// HeaderByte marks the start of a packet.
	HeaderByte = 0xAA
	// MetadataLen is the number of opaque metadata bytes following the header.
	MetadataLen = 6
	// SampleCount is the fixed number of u16 amplitude samples per frame.
	SampleCount = 1800
	// PacketLen is the total on-wire packet length: header + metadata + samples + checksum.
	PacketLen = 1 + MetadataLen + SampleCount*2 + 1
	// payloadLen is the checksummed region: metadata + samples.
	payloadLen = MetadataLen + SampleCount*2
)

// Frame is one validated ping.
type Frame struct {
	Seq        uint64
	ReceivedAt time.Time
	Metadata   [MetadataLen]byte
	Samples    [SampleCount]uint16
}

// checksumWarnWindow rate-limits the "packet XOR mismatch" log line so a
// long run of noise does not flood the log.
const checksumWarnWindow = time.Second

// Reassembler turns a byte stream into a sequence of validated Frame
// values. It owns its byte buffer exclusively; callers hand it slices and
// never retain a reference to them. A Reassembler is safe to share across
// goroutines, but Feed calls are serialized against one another rather
// than run concurrently, matching the "one logical reader at a time"
// contract of the wire protocol.
type Reassembler struct {
	mu  sync.Mutex
	buf []byte

	nextSeq uint64
	now     func() time.Time

	checksumFailures uint64
	droppedBytes     uint64
	lastWarnAt       time.Time
}

// New creates a Reassembler using the wall clock for frame timestamps.
func New() *Reassembler {
	return NewWithClock(time.Now)
}

// NewWithClock creates a Reassembler using a caller-supplied clock,
// primarily so tests can produce deterministic timestamps.
func NewWithClock(now func() time.Time) *Reassembler {
	return &Reassembler{now: now}
}

// Feed appends chunk to the internal buffer and returns every frame that
// became decodable as a result, in arrival order. It never blocks and
// always makes forward progress: a malformed prefix is discarded one byte
// or one header at a time, never spliced in a way that could silently
// drop a subsequent valid frame.
func (r *Reassembler) Feed(chunk []byte) []Frame {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf = append(r.buf, chunk...)

	var frames []Frame
	for {
		idx := bytes.IndexByte(r.buf, HeaderByte)
		if idx < 0 {
			// No header anywhere in the buffer: nothing useful to keep.
			atomic.AddUint64(&r.droppedBytes, uint64(len(r.buf)))
			r.buf = r.buf[:0]
			return frames
		}
		if idx > 0 {
			atomic.AddUint64(&r.droppedBytes, uint64(idx))
			r.buf = r.buf[idx:]
		}
		if len(r.buf) < PacketLen {
			// Wait for more bytes before deciding anything.
			return frames
		}

		payload := r.buf[1 : 1+payloadLen]
		gotChecksum := r.buf[PacketLen-1]
		if xorChecksum(payload) == gotChecksum {
			frames = append(frames, decode(payload, r.nextSeq, r.now()))
			r.nextSeq++
			r.buf = r.buf[PacketLen:]
			continue
		}

		// Checksum mismatch: discard only the header byte and retry from
		// the next byte. Never discard a larger window speculatively —
		// a valid frame may start one byte later.
		atomic.AddUint64(&r.checksumFailures, 1)
		atomic.AddUint64(&r.droppedBytes, 1)
		if now := r.now(); now.Sub(r.lastWarnAt) >= checksumWarnWindow {
			monitoring.Logf("frame: checksum mismatch, resyncing (failures=%d)", atomic.LoadUint64(&r.checksumFailures))
			r.lastWarnAt = now
		}
		r.buf = r.buf[1:]
	}
}

// ChecksumFailures returns the total number of rejected packets seen so far.
func (r *Reassembler) ChecksumFailures() uint64 {
	return atomic.LoadUint64(&r.checksumFailures)
}

// DroppedBytes returns the total number of raw bytes discarded while
// resynchronizing on a frame boundary, cumulative since the Reassembler
// was created.
func (r *Reassembler) DroppedBytes() uint64 {
	return atomic.LoadUint64(&r.droppedBytes)
}

func xorChecksum(payload []byte) byte {
	var x byte
	for _, b := range payload {
		x ^= b
	}
	return x
}

func decode(payload []byte, seq uint64, receivedAt time.Time) Frame {
	var f Frame
	f.Seq = seq
	f.ReceivedAt = receivedAt
	copy(f.Metadata[:], payload[:MetadataLen])
	samples := payload[MetadataLen:]
	for i := 0; i < SampleCount; i++ {
		f.Samples[i] = binary.BigEndian.Uint16(samples[i*2 : i*2+2])
	}
	return f
}

// Encode serializes a frame back into its 3608-byte wire packet, used by
// tests to build synthetic byte streams and by any component that needs
// to replay a captured frame verbatim.
func Encode(metadata [MetadataLen]byte, samples [SampleCount]uint16) []byte {
	buf := make([]byte, PacketLen)
	buf[0] = HeaderByte
	copy(buf[1:1+MetadataLen], metadata[:])
	for i, s := range samples {
		binary.BigEndian.PutUint16(buf[1+MetadataLen+i*2:], s)
	}
	buf[PacketLen-1] = xorChecksum(buf[1 : 1+payloadLen])
	return buf
}
