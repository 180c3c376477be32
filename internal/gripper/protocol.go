package gripper

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.bug.st/serial"
)

// Feetech protocol constants.
const (
	instPing      = 0x01
	instRead      = 0x02
	instWrite     = 0x03
	instSyncWrite = 0x83

	addrTorqueEnable    = 40
	addrGoalPosition    = 42
	addrGoalSpeed       = 46
	addrTorqueLimit     = 48
	addrPresentPosition = 56
	addrPresentLoad     = 60
	addrMoving          = 66

	pktHeader   = 0xFF
	BroadcastID = 0xFE

	DefaultBaudrate = 1000000
	DefaultTimeout  = time.Second
)

// ErrBadResponse marks a malformed or corrupted status packet.
var ErrBadResponse = errors.New("bad status packet")

// checksum is the inverted byte sum of everything after the two headers.
func checksum(packet []byte) byte {
	var sum byte
	for _, b := range packet[2:] {
		sum += b
	}
	return ^sum
}

// encodePacket builds [FF FF id len inst params... checksum].
func encodePacket(id, inst byte, params []byte) []byte {
	packet := make([]byte, 0, 6+len(params))
	packet = append(packet, pktHeader, pktHeader, id, byte(len(params)+2), inst)
	packet = append(packet, params...)
	return append(packet, checksum(packet))
}

// StatusError is the servo's error byte from a status packet.
type StatusError struct {
	ID   byte
	Code byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("servo %d reported error 0x%02x", e.ID, e.Code)
}

// BusConfig describes a serial bus.
type BusConfig struct {
	Port     string        `json:"port" yaml:"port"`
	Baudrate int           `json:"baudrate,omitempty" yaml:"baudrate"`
	Timeout  time.Duration `json:"timeout,omitempty" yaml:"timeout"`
}

func (c BusConfig) withDefaults() BusConfig {
	if c.Baudrate == 0 {
		c.Baudrate = DefaultBaudrate
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// OpenSerial opens the port described by cfg.
func OpenSerial(cfg BusConfig) (io.ReadWriteCloser, error) {
	cfg = cfg.withDefaults()
	mode := &serial.Mode{
		BaudRate: cfg.Baudrate,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(cfg.Port, mode)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open serial port %s", cfg.Port)
	}
	if err := port.SetReadTimeout(cfg.Timeout); err != nil {
		port.Close()
		return nil, errors.Wrap(err, "failed to set read timeout")
	}
	return port, nil
}

// Bus speaks the Feetech half duplex protocol over a serial connection.
// Requests are serialized.
type Bus struct {
	mu   sync.Mutex
	conn io.ReadWriteCloser
}

// NewBus wraps an open connection.
func NewBus(conn io.ReadWriteCloser) *Bus {
	return &Bus{conn: conn}
}

// Close closes the connection.
func (b *Bus) Close() error {
	return b.conn.Close()
}

// transact writes one instruction packet and, unless broadcast, reads the
// status packet and returns its parameters.
func (b *Bus) transact(id, inst byte, params []byte) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.conn.Write(encodePacket(id, inst, params)); err != nil {
		return nil, errors.Wrap(err, "failed to write packet")
	}
	if id == BroadcastID {
		return nil, nil
	}

	head := make([]byte, 4)
	if err := readFull(b.conn, head); err != nil {
		return nil, errors.Wrapf(err, "servo %d: failed to read response", id)
	}
	if head[0] != pktHeader || head[1] != pktHeader {
		return nil, fmt.Errorf("servo %d: header %x: %w", id, head[:2], ErrBadResponse)
	}
	n := int(head[3])
	if n < 2 {
		return nil, fmt.Errorf("servo %d: length %d: %w", id, n, ErrBadResponse)
	}
	body := make([]byte, n)
	if err := readFull(b.conn, body); err != nil {
		return nil, errors.Wrapf(err, "servo %d: failed to read response body", id)
	}
	if head[2] != id {
		return nil, fmt.Errorf("response from servo %d, expected %d: %w", head[2], id, ErrBadResponse)
	}
	full := append(head, body...)
	if want := checksum(full[:len(full)-1]); want != full[len(full)-1] {
		return nil, fmt.Errorf("servo %d: checksum 0x%02x, expected 0x%02x: %w", id, full[len(full)-1], want, ErrBadResponse)
	}
	if code := body[0]; code != 0 {
		return nil, &StatusError{ID: id, Code: code}
	}
	return body[1 : n-1], nil
}

// readFull is io.ReadFull for ports that report a timeout as an empty read.
func readFull(r io.Reader, buf []byte) error {
	for off := 0; off < len(buf); {
		n, err := r.Read(buf[off:])
		if err != nil {
			return err
		}
		if n == 0 {
			return errors.New("read timeout")
		}
		off += n
	}
	return nil
}

// Ping checks that servo id answers.
func (b *Bus) Ping(id int) error {
	_, err := b.transact(byte(id), instPing, nil)
	return err
}

// WriteRegister writes data starting at addr.
func (b *Bus) WriteRegister(id, addr int, data []byte) error {
	_, err := b.transact(byte(id), instWrite, append([]byte{byte(addr)}, data...))
	return err
}

// ReadRegister reads n bytes starting at addr.
func (b *Bus) ReadRegister(id, addr, n int) ([]byte, error) {
	data, err := b.transact(byte(id), instRead, []byte{byte(addr), byte(n)})
	if err != nil {
		return nil, err
	}
	if len(data) != n {
		return nil, fmt.Errorf("servo %d: read %d bytes, expected %d: %w", id, len(data), n, ErrBadResponse)
	}
	return data, nil
}

func (b *Bus) readUint16(id, addr int) (uint16, error) {
	data, err := b.ReadRegister(id, addr, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(data), nil
}

// SetTorqueEnable switches the servo's holding torque.
func (b *Bus) SetTorqueEnable(id int, enable bool) error {
	v := byte(0)
	if enable {
		v = 1
	}
	return b.WriteRegister(id, addrTorqueEnable, []byte{v})
}

// SetTorqueLimit limits the output torque, in 0.1% of the maximum.
func (b *Bus) SetTorqueLimit(id int, limit uint16) error {
	return b.WriteRegister(id, addrTorqueLimit, binary.LittleEndian.AppendUint16(nil, limit))
}

// SetGoal writes goal position and speed in one request.
func (b *Bus) SetGoal(id int, position, speed uint16) error {
	data := binary.LittleEndian.AppendUint16(nil, position)
	data = append(data, 0, 0) // goal time
	data = binary.LittleEndian.AppendUint16(data, speed)
	return b.WriteRegister(id, addrGoalPosition, data)
}

// SyncGoal moves several servos with one broadcast packet.
func (b *Bus) SyncGoal(goals map[int][2]uint16) error {
	params := []byte{addrGoalPosition, 6}
	for id, g := range goals {
		params = append(params, byte(id))
		params = binary.LittleEndian.AppendUint16(params, g[0])
		params = append(params, 0, 0)
		params = binary.LittleEndian.AppendUint16(params, g[1])
	}
	_, err := b.transact(BroadcastID, instSyncWrite, params)
	return err
}

// PresentPosition reads the raw position.
func (b *Bus) PresentPosition(id int) (int, error) {
	v, err := b.readUint16(id, addrPresentPosition)
	return int(v), err
}

// PresentLoad reads the signed load; bit 10 is the direction.
func (b *Bus) PresentLoad(id int) (int, error) {
	v, err := b.readUint16(id, addrPresentLoad)
	if err != nil {
		return 0, err
	}
	load := int(v & 0x3FF)
	if v&0x400 != 0 {
		load = -load
	}
	return load, nil
}

// Moving reports whether the servo is still travelling.
func (b *Bus) Moving(id int) (bool, error) {
	data, err := b.ReadRegister(id, addrMoving, 1)
	if err != nil {
		return false, err
	}
	return data[0] != 0, nil
}
