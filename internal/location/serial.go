package location

import (
	"io"

	"go.bug.st/serial"
)

// OpenSerial opens a GPS receiver's serial port for NMEA reading.
func OpenSerial(portName string, baudRate int) (io.ReadCloser, error) {
	if baudRate <= 0 {
		baudRate = 9600
	}
	port, err := serial.Open(portName, &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, err
	}
	return port, nil
}
