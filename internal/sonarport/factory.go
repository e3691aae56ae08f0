package sonarport

import (
	"go.bug.st/serial"
)

// Open opens a real serial port at the given path using the provided
// options.
func Open(path string, opts PortOptions) (SonarPorter, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}
	return port, nil
}
