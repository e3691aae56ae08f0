package sonarport

import (
	"bytes"
	"errors"
	"sync"
	"time"
)

// TestablePort implements SonarPorter with configurable behaviour for
// testing, mirroring the shape of a real serial port without any
// hardware dependency.
type TestablePort struct {
	mu sync.Mutex

	ReadBuffer  *bytes.Buffer
	WriteBuffer *bytes.Buffer

	ReadError  error
	WriteError error
	CloseError error
	Closed     bool

	BlockReads bool
	readCond   *sync.Cond
}

// NewTestablePort returns an empty TestablePort ready for reads/writes.
func NewTestablePort() *TestablePort {
	p := &TestablePort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
	}
	p.readCond = sync.NewCond(&p.mu)
	return p
}

// Read reads from the read buffer, optionally blocking until data is
// available or the port is closed.
func (p *TestablePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.Closed {
		return 0, errors.New("sonarport: port closed")
	}
	if p.ReadError != nil {
		err := p.ReadError
		p.ReadError = nil
		return 0, err
	}
	if p.BlockReads && p.ReadBuffer.Len() == 0 {
		for !p.Closed && p.ReadBuffer.Len() == 0 {
			p.readCond.Wait()
		}
		if p.Closed {
			return 0, errors.New("sonarport: port closed")
		}
	}
	return p.ReadBuffer.Read(b)
}

// Write writes to the write buffer.
func (p *TestablePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.Closed {
		return 0, errors.New("sonarport: port closed")
	}
	if p.WriteError != nil {
		err := p.WriteError
		p.WriteError = nil
		return 0, err
	}
	return p.WriteBuffer.Write(b)
}

// Close marks the port closed and wakes any blocked reader.
func (p *TestablePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Closed = true
	p.readCond.Broadcast()
	return p.CloseError
}

// AddReadData appends bytes for subsequent Read calls to return.
func (p *TestablePort) AddReadData(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ReadBuffer.Write(data)
	p.readCond.Signal()
}

// AddReadDataDelayed appends bytes after a delay, simulating a slow
// producer for tests that exercise cross-chunk reassembly.
func (p *TestablePort) AddReadDataDelayed(data []byte, delay time.Duration) {
	time.AfterFunc(delay, func() { p.AddReadData(data) })
}

// GetWrittenData returns everything written to the port so far.
func (p *TestablePort) GetWrittenData() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.WriteBuffer.Bytes()
}
