package frame

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func samplesWithPulse(start, end int, amplitude uint16) [SampleCount]uint16 {
	var s [SampleCount]uint16
	for i := start; i < end; i++ {
		s[i] = amplitude
	}
	return s
}

func TestRoundTrip_SingleFrame(t *testing.T) {
	meta := [MetadataLen]byte{1, 2, 3, 4, 5, 6}
	samples := samplesWithPulse(400, 411, 200)
	packet := Encode(meta, samples)

	r := NewWithClock(fixedClock(time.Unix(0, 0)))
	frames := r.Feed(packet)

	require.Len(t, frames, 1)
	assert.Equal(t, meta, frames[0].Metadata)
	assert.Equal(t, samples, frames[0].Samples)
	assert.Equal(t, uint64(0), frames[0].Seq)
	assert.Equal(t, uint64(0), r.ChecksumFailures())
}

func TestRoundTrip_ConcatenatedFrames(t *testing.T) {
	var meta [MetadataLen]byte
	sA := samplesWithPulse(100, 110, 90)
	sB := samplesWithPulse(200, 210, 90)
	stream := append(Encode(meta, sA), Encode(meta, sB)...)

	r := New()
	frames := r.Feed(stream)

	require.Len(t, frames, 2)
	assert.Equal(t, sA, frames[0].Samples)
	assert.Equal(t, sB, frames[1].Samples)
	assert.Equal(t, uint64(0), frames[0].Seq)
	assert.Equal(t, uint64(1), frames[1].Seq)
}

func TestFeed_SplitAcrossChunks(t *testing.T) {
	var meta [MetadataLen]byte
	packet := Encode(meta, samplesWithPulse(50, 55, 40))

	r := New()
	mid := len(packet) / 2
	frames := r.Feed(packet[:mid])
	assert.Empty(t, frames)

	frames = r.Feed(packet[mid:])
	require.Len(t, frames, 1)
}

func TestFeed_ChecksumResync(t *testing.T) {
	var meta [MetadataLen]byte
	frameA := Encode(meta, samplesWithPulse(10, 20, 80))
	frameB := Encode(meta, samplesWithPulse(500, 510, 80))

	junk := make([]byte, 100)
	for i := range junk {
		junk[i] = byte(i)
	}
	junk[42] = HeaderByte // a stray header byte hiding in the noise

	stream := append(append(append([]byte{}, frameA...), junk...), frameB...)

	r := New()
	frames := r.Feed(stream)

	require.Len(t, frames, 2)
	assert.Equal(t, samplesWithPulse(10, 20, 80), frames[0].Samples)
	assert.Equal(t, samplesWithPulse(500, 510, 80), frames[1].Samples)
	assert.Greater(t, r.ChecksumFailures(), uint64(0))
}

func TestFeed_NoHeaderDiscardsBuffer(t *testing.T) {
	r := New()
	frames := r.Feed([]byte{1, 2, 3, 4, 5})
	assert.Empty(t, frames)

	var meta [MetadataLen]byte
	packet := Encode(meta, samplesWithPulse(0, 1, 1))
	frames = r.Feed(packet)
	require.Len(t, frames, 1)
}

func TestFeed_MismatchedHeaderInsidePayloadDoesNotLoseNextFrame(t *testing.T) {
	// A payload byte that happens to equal 0xAA must not be mistaken for
	// a new packet start while the current packet is still validating;
	// the resync only ever discards one byte at a time from the front.
	var meta [MetadataLen]byte
	samples := samplesWithPulse(0, 1, 1)
	packet := Encode(meta, samples)
	packet[10] = HeaderByte // corrupt payload so checksum will mismatch

	frameB := Encode(meta, samplesWithPulse(600, 605, 77))
	stream := append(packet, frameB...)

	r := New()
	frames := r.Feed(stream)

	require.GreaterOrEqual(t, len(frames), 1)
	last := frames[len(frames)-1]
	assert.Equal(t, samplesWithPulse(600, 605, 77), last.Samples)
}
