// Package sonarport abstracts the serial connection to the sonar
// front-end and drives raw bytes read from it through a frame
// reassembler. It generalizes the teacher's line-oriented serial
// abstraction to a fixed-length binary protocol: there is no
// bufio.Scanner-style line boundary to key reads on, so the reader here
// pushes raw chunks straight into a Reassembler instead of a channel of
// decoded lines.
package sonarport

import (
	"fmt"
	"io"
	"strings"

	"go.bug.st/serial"
)

// SonarPorter is the minimal interface needed to talk to the sonar
// front-end. This abstraction enables unit testing without real serial
// hardware.
type SonarPorter interface {
	io.ReadWriteCloser
}

// PortOptions describes the serial connection parameters used when
// opening a real serial port.
type PortOptions struct {
	BaudRate int    `json:"baud_rate"`
	DataBits int    `json:"data_bits"`
	StopBits int    `json:"stop_bits"`
	Parity   string `json:"parity"`
}

// DefaultPortOptions returns the options a TUSS4470-class sonar
// front-end expects: 250000 baud, 8 data bits, 1 stop bit, no parity.
func DefaultPortOptions() PortOptions {
	return PortOptions{BaudRate: 250000, DataBits: 8, StopBits: 1, Parity: "N"}
}

// Normalize validates the options and applies defaults for any unset
// values.
func (o PortOptions) Normalize() (PortOptions, error) {
	opts := o

	if opts.BaudRate <= 0 {
		opts.BaudRate = 250000
	}
	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, fmt.Errorf("invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}
	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}

	parity := strings.TrimSpace(strings.ToUpper(opts.Parity))
	if parity == "" {
		parity = "N"
	}
	switch parity {
	case "N", "NONE":
		parity = "N"
	case "E", "EVEN":
		parity = "E"
	case "O", "ODD":
		parity = "O"
	default:
		return opts, fmt.Errorf("unsupported parity %q: expected N, E, or O", opts.Parity)
	}
	opts.Parity = parity
	return opts, nil
}

// SerialMode converts the options into the serial.Mode structure
// required by go.bug.st/serial when opening a port.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
		StopBits: serial.StopBits(opts.StopBits),
	}
	switch opts.Parity {
	case "N":
		mode.Parity = serial.NoParity
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	default:
		return nil, fmt.Errorf("unsupported parity %q", opts.Parity)
	}
	return mode, nil
}
