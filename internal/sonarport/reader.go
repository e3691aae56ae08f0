package sonarport

import (
	"context"
	"fmt"
	"io"

	"github.com/fathomline/sonar-telemetry/internal/frame"
	"github.com/fathomline/sonar-telemetry/internal/metrics"
	"github.com/fathomline/sonar-telemetry/internal/monitoring"
)

// readChunkSize is the buffer size for each raw Read call; it need not
// align to the frame boundary since the Reassembler handles arbitrary
// chunking.
const readChunkSize = 4096

// Monitor reads raw bytes from port and feeds them through reassembler,
// invoking onFrame synchronously for every frame produced. onFrame is
// called on the same goroutine that performs the reassembly, matching
// the requirement that the frame pipeline runs as a single atomic
// transform per frame with no suspension in the middle.
//
// The blocking Read itself runs in a helper goroutine so that context
// cancellation is observed promptly even while a Read call is still
// outstanding, the same shape used elsewhere in this pipeline for
// blocking I/O sources.
//
// m may be nil, in which case checksum/drop counters are not exported.
func Monitor(ctx context.Context, port SonarPorter, reassembler *frame.Reassembler, m *metrics.Metrics, onFrame func(frame.Frame)) error {
	chunkChan := make(chan []byte)
	errChan := make(chan error, 1)
	var lastChecksumFailures, lastDroppedBytes uint64

	go func() {
		defer close(chunkChan)
		buf := make([]byte, readChunkSize)
		for {
			n, err := port.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case chunkChan <- chunk:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if err != io.EOF {
					select {
					case errChan <- err:
					case <-ctx.Done():
					}
				}
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-errChan:
			return fmt.Errorf("sonarport: read: %w", err)

		case chunk, ok := <-chunkChan:
			if !ok {
				return nil
			}
			for _, f := range reassembler.Feed(chunk) {
				onFrame(f)
			}
			if m != nil {
				if n := reassembler.ChecksumFailures(); n > lastChecksumFailures {
					m.FrameChecksumErrors.Add(float64(n - lastChecksumFailures))
					lastChecksumFailures = n
				}
				if n := reassembler.DroppedBytes(); n > lastDroppedBytes {
					m.FrameDroppedBytes.Add(float64(n - lastDroppedBytes))
					lastDroppedBytes = n
				}
			}
		}
	}
}

// Write sends a command string to the sonar front-end, used sparingly
// (this protocol is otherwise receive-only from the host's perspective).
func Write(port SonarPorter, command string) error {
	n, err := port.Write([]byte(command))
	if err != nil {
		return fmt.Errorf("sonarport: write: %w", err)
	}
	if n != len(command) {
		monitoring.Logf("sonarport: short write: wrote %d of %d bytes", n, len(command))
	}
	return nil
}
