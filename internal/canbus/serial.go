package canbus

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/tarm/serial"

	"github.com/soldercore/nodetelem/internal/can"
	"github.com/soldercore/nodetelem/internal/metrics"
)

// SerialFD is a Bus backed by a UART-attached CAN-FD adapter, for
// boards where the FDCAN peripheral is bridged over a serial link
// rather than exposed as a native SocketCAN interface. It carries the
// same std_id and payload a SocketCANFD frame does, in its own compact
// byte layout with a preamble and checksum (see serialPreamble) instead
// of struct canfd_frame over a raw AF_CAN socket.
type SerialFD struct {
	port   serialPort
	rxCh   chan can.Frame
	closed chan struct{}
}

// serialPort abstracts tarm/serial for testability.
type serialPort interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// OpenSerialFD opens name at baud and starts the RX decode loop. It
// returns once the port is open; frames become available on Recv as
// the background reader decodes them off the wire.
func OpenSerialFD(name string, baud int, readTimeout time.Duration) (*SerialFD, error) {
	cfg := &serial.Config{Name: name, Baud: baud, ReadTimeout: readTimeout}
	sp, err := serial.OpenPort(cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	d := &SerialFD{
		port:   sp,
		rxCh:   make(chan can.Frame, 64),
		closed: make(chan struct{}),
	}
	go d.readLoop()
	return d, nil
}

// Send encodes fr as a UART frame and writes it synchronously, the
// same blocking-write contract SocketCANFD.Send makes.
func (d *SerialFD) Send(fr can.Frame) error {
	if _, err := d.port.Write(encodeSerialFrame(fr)); err != nil {
		metrics.IncError(metrics.ErrSerialWrite)
		return err
	}
	metrics.IncSerialTx()
	return nil
}

// Recv blocks until the background reader decodes a frame or the bus
// is closed.
func (d *SerialFD) Recv() (can.Frame, error) {
	select {
	case fr := <-d.rxCh:
		return fr, nil
	case <-d.closed:
		return can.Frame{}, ErrClosed
	}
}

// Close stops the reader and closes the underlying port. Safe to call
// more than once.
func (d *SerialFD) Close() error {
	select {
	case <-d.closed:
		return nil
	default:
		close(d.closed)
	}
	return d.port.Close()
}

// readLoop accumulates bytes off the port and decodes as many frames
// as are available, repeating until the bus is closed.
func (d *SerialFD) readLoop() {
	buf := make([]byte, 512)
	acc := bytes.NewBuffer(nil)
	backoff := 5 * time.Millisecond
	const backoffMax = 500 * time.Millisecond
	for {
		select {
		case <-d.closed:
			return
		default:
		}
		n, err := d.port.Read(buf)
		if n > 0 {
			acc.Write(buf[:n])
			decodeSerialStream(acc, func(fr can.Frame) {
				select {
				case d.rxCh <- fr:
				case <-d.closed:
				}
			})
			compactSerialBuffer(acc)
			backoff = 5 * time.Millisecond
		}
		if err != nil {
			select {
			case <-d.closed:
				return
			default:
			}
			var perr *os.PathError
			if errors.As(err, &perr) {
				return
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				continue
			}
			metrics.IncError(metrics.ErrSerialRead)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > backoffMax {
				backoff = backoffMax
			}
		}
	}
}

// serialPreamble marks the start of a UART-framed CAN-FD frame:
// [0x2D 0xD4, len(1), std_id_hi, std_id_lo, data[0..len), checksum].
// len is the raw CAN-FD payload length (0..64, one of the DLC table
// entries); checksum is the low byte of len+std_id_hi+std_id_lo plus
// the sum of the data bytes (the preamble is not summed).
var serialPreamble = [2]byte{0x2D, 0xD4}

func encodeSerialFrame(fr can.Frame) []byte {
	n := int(fr.Len)
	frame := make([]byte, 5+n+1)
	frame[0], frame[1] = serialPreamble[0], serialPreamble[1]
	frame[2] = byte(n)
	binary.BigEndian.PutUint16(frame[3:5], fr.StdID)
	copy(frame[5:], fr.Data[:n])

	sum := frame[2] + frame[3] + frame[4]
	for _, b := range frame[5 : 5+n] {
		sum += b
	}
	frame[5+n] = sum
	return frame
}

// decodeSerialStream drains as many complete frames as acc currently
// holds, invoking out for each and leaving any trailing partial frame
// in acc for the next read.
func decodeSerialStream(acc *bytes.Buffer, out func(can.Frame)) {
	const (
		minLen = 3 // preamble(2) + len(1)
		hdrLen = 3 + 2 // preamble + len + std_id
	)
	for {
		data := acc.Bytes()
		if len(data) < minLen {
			return
		}
		i := bytes.Index(data, serialPreamble[:])
		if i < 0 {
			if acc.Len() > 1 {
				last := data[len(data)-1]
				acc.Reset()
				_ = acc.WriteByte(last)
			}
			return
		}
		if i > 0 {
			acc.Next(i)
			continue
		}
		if len(data) < hdrLen {
			return
		}
		n := int(data[2])
		if n > 64 {
			metrics.IncMalformed()
			acc.Next(1)
			continue
		}
		req := hdrLen + n + 1 // + checksum
		if len(data) < req {
			return
		}
		sum := data[2] + data[3] + data[4]
		for _, b := range data[5 : 5+n] {
			sum += b
		}
		if sum != data[req-1] {
			metrics.IncMalformed()
			acc.Next(1)
			continue
		}
		var fr can.Frame
		fr.StdID = binary.BigEndian.Uint16(data[3:5])
		fr.Len = uint8(n)
		copy(fr.Data[:], data[5:5+n])
		out(fr)
		metrics.IncSerialRx()
		acc.Next(req)
	}
}

// compactSerialBuffer reclaims consumed prefix capacity once the
// buffer has grown large relative to what's left unread.
func compactSerialBuffer(b *bytes.Buffer) {
	data := b.Bytes()
	if len(data) < 1024 || cap(data) == 0 || len(data)*4 >= cap(data) {
		return
	}
	clone := make([]byte, len(data))
	copy(clone, data)
	b.Reset()
	_, _ = b.Write(clone)
}
