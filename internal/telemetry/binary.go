package telemetry

import (
	"encoding/binary"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fathomline/sonar-telemetry/internal/metrics"
	"github.com/fathomline/sonar-telemetry/internal/monitoring"
)

// EmitThreshold is the default peak amplitude a detection must exceed
// before it is pushed on the binary high-rate channel.
const EmitThreshold = 50

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// EncodeDepthRecord packs one detection into the 3-byte wire record:
// two big-endian bytes of distance in millimetres (clamped to uint16),
// one byte of peak amplitude (clamped to uint8).
func EncodeDepthRecord(distanceMM float64, peakAmplitude uint16) [3]byte {
	if distanceMM < 0 {
		distanceMM = 0
	}
	if distanceMM > 65535 {
		distanceMM = 65535
	}
	amp := peakAmplitude
	if amp > 255 {
		amp = 255
	}

	var rec [3]byte
	binary.BigEndian.PutUint16(rec[0:2], uint16(distanceMM))
	rec[2] = byte(amp)
	return rec
}

// subscriber wraps one websocket connection with a buffered,
// non-blocking write channel so a slow client never stalls the
// broadcaster.
type subscriber struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	send    chan []byte
	done    chan struct{}
}

func newSubscriber(conn *websocket.Conn) *subscriber {
	s := &subscriber{
		conn: conn,
		send: make(chan []byte, 64),
		done: make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

func (s *subscriber) writeLoop() {
	defer close(s.done)
	for packet := range s.send {
		s.writeMu.Lock()
		s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		err := s.conn.WriteMessage(websocket.BinaryMessage, packet)
		s.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

// offer attempts a non-blocking send; it reports whether the packet was
// queued (false means the subscriber's buffer was full and the packet
// was dropped for it).
func (s *subscriber) offer(packet []byte) bool {
	select {
	case s.send <- packet:
		return true
	default:
		return false
	}
}

func (s *subscriber) close() {
	close(s.send)
	<-s.done
	s.conn.Close()
}

// BinaryHub fans a stream of 3-byte depth records out to any number of
// websocket subscribers, best-effort and non-blocking per subscriber.
type BinaryHub struct {
	mu      sync.Mutex
	subs    map[*subscriber]struct{}
	metrics *metrics.Metrics
}

// NewBinaryHub returns an empty hub. m may be nil, in which case
// subscriber/drop counters are not exported.
func NewBinaryHub(m *metrics.Metrics) *BinaryHub {
	return &BinaryHub{subs: make(map[*subscriber]struct{}), metrics: m}
}

// ServeHTTP upgrades the connection and registers it as a subscriber
// until the client disconnects.
func (h *BinaryHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		monitoring.Logf("telemetry: websocket upgrade failed: %v", err)
		return
	}
	sub := newSubscriber(conn)

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	count := len(h.subs)
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.WebSocketSubscribers.Set(float64(count))
	}

	defer func() {
		h.mu.Lock()
		delete(h.subs, sub)
		count := len(h.subs)
		h.mu.Unlock()
		if h.metrics != nil {
			h.metrics.WebSocketSubscribers.Set(float64(count))
		}
		sub.close()
	}()

	// Drain and discard any client-sent frames; this is a push-only
	// channel, but we must read to notice the connection closing.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Broadcast pushes one record to every connected subscriber. A
// subscriber whose buffer is full simply misses this record.
func (h *BinaryHub) Broadcast(record [3]byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	packet := record[:]
	for sub := range h.subs {
		if !sub.offer(packet) && h.metrics != nil {
			h.metrics.WebSocketDropped.Inc()
		}
	}
}

// SubscriberCount reports how many clients are currently connected.
func (h *BinaryHub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
