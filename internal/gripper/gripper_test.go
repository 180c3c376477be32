package gripper

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/logging"
)

// fakeConn records written packets and replays queued status packets.
type fakeConn struct {
	written [][]byte
	replies bytes.Buffer
	closed  int
}

func (c *fakeConn) Write(p []byte) (int, error) {
	c.written = append(c.written, append([]byte(nil), p...))
	return len(p), nil
}

func (c *fakeConn) Read(p []byte) (int, error) {
	if c.replies.Len() == 0 {
		return 0, nil
	}
	return c.replies.Read(p)
}

func (c *fakeConn) Close() error {
	c.closed++
	return nil
}

func (c *fakeConn) reply(id, code byte, params ...byte) {
	c.replies.Write(encodePacket(id, code, params))
}

func (c *fakeConn) last() []byte {
	return c.written[len(c.written)-1]
}

func TestEncodePacket(t *testing.T) {
	assert.Equal(t, []byte{0xFF, 0xFF, 0x01, 0x02, 0x01, 0xFB}, encodePacket(1, instPing, nil))

	p := encodePacket(6, instWrite, []byte{addrTorqueEnable, 1})
	assert.Equal(t, []byte{0xFF, 0xFF, 6, 4, instWrite, addrTorqueEnable, 1}, p[:len(p)-1])
	assert.Equal(t, byte(^byte(6+4+instWrite+addrTorqueEnable+1)), p[len(p)-1])
}

func TestBusTransactions(t *testing.T) {
	conn := &fakeConn{}
	bus := NewBus(conn)

	conn.reply(1, 0, 0x00, 0x08)
	pos, err := bus.PresentPosition(1)
	require.NoError(t, err)
	assert.Equal(t, 2048, pos)
	assert.Equal(t, encodePacket(1, instRead, []byte{addrPresentPosition, 2}), conn.last())

	conn.reply(1, 0, 0x10, 0x04)
	load, err := bus.PresentLoad(1)
	require.NoError(t, err)
	assert.Equal(t, -16, load)

	conn.reply(1, 0)
	require.NoError(t, bus.SetGoal(1, 0x0102, 0x0304))
	assert.Equal(t, encodePacket(1, instWrite, []byte{addrGoalPosition, 0x02, 0x01, 0, 0, 0x04, 0x03}), conn.last())

	n := len(conn.written)
	require.NoError(t, bus.SyncGoal(map[int][2]uint16{3: {1, 2}}))
	assert.Len(t, conn.written, n+1)
	assert.Equal(t, byte(BroadcastID), conn.last()[2])
}

func TestBusRejectsBadResponses(t *testing.T) {
	conn := &fakeConn{}
	bus := NewBus(conn)

	bad := encodePacket(1, 0, nil)
	bad[len(bad)-1]++
	conn.replies.Write(bad)
	assert.ErrorIs(t, bus.Ping(1), ErrBadResponse)

	conn.reply(2, 0)
	assert.ErrorIs(t, bus.Ping(1), ErrBadResponse, "answer from the wrong servo")

	conn.reply(1, 0x20)
	var se *StatusError
	require.ErrorAs(t, bus.Ping(1), &se)
	assert.Equal(t, byte(0x20), se.Code)

	assert.Error(t, bus.Ping(1), "silence is a timeout")
}

func TestMotorCalibration(t *testing.T) {
	pct := MotorCalibration{ID: 6, RangeMin: 500, RangeMax: 3500, NormMode: NormModeRange100}
	v, err := pct.Normalize(2000)
	require.NoError(t, err)
	assert.InDelta(t, 50, v, 1e-9)
	raw, err := pct.Denormalize(25)
	require.NoError(t, err)
	assert.Equal(t, 1250, raw)
	raw, err = pct.Denormalize(150)
	require.NoError(t, err)
	assert.Equal(t, 3500, raw, "clamped to the range")

	inv := pct
	inv.DriveMode = 1
	v, err = inv.Normalize(1250)
	require.NoError(t, err)
	assert.InDelta(t, 75, v, 1e-9)
	raw, err = inv.Denormalize(75)
	require.NoError(t, err)
	assert.Equal(t, 1250, raw)

	deg := MotorCalibration{ID: 1, RangeMin: 0, RangeMax: 4095, NormMode: NormModeDegrees}
	for _, want := range []float64{-90, 0, 45} {
		r, err := deg.Denormalize(want)
		require.NoError(t, err)
		got, err := deg.Normalize(r)
		require.NoError(t, err)
		assert.InDelta(t, want, got, .1)
	}

	for _, bad := range []MotorCalibration{
		{ID: 300, RangeMin: 0, RangeMax: 10},
		{ID: 1, RangeMin: 10, RangeMax: 10},
		{ID: 1, RangeMin: 0, RangeMax: 5000},
		{ID: 1, RangeMin: 0, RangeMax: 10, NormMode: 7},
	} {
		assert.Error(t, bad.Validate(), "%+v", bad)
	}
}

func TestCalibrationWidth(t *testing.T) {
	cal := DefaultCalibration
	raw, err := cal.WidthToRaw(.075)
	require.NoError(t, err)
	assert.Equal(t, 2750, raw)
	w, err := cal.RawToWidth(raw)
	require.NoError(t, err)
	assert.InDelta(t, .075, w, 1e-9)
	assert.Equal(t, uint16(4094), cal.SpeedToRaw(.2))
	assert.Equal(t, uint16(300), cal.SpeedToRaw(.01))
}

func TestCalibrationFile(t *testing.T) {
	logger := logging.NewTestLogger(t)
	path := filepath.Join(t.TempDir(), "gripper_calibration.json")
	want := Calibration{
		Servo:    MotorCalibration{ID: 7, RangeMin: 1000, RangeMax: 3000, NormMode: NormModeRange100, DriveMode: 1},
		MaxWidth: .08,
	}
	require.NoError(t, SaveCalibrationFile(path, want))

	cal, fromFile := LoadCalibration(path, logger)
	assert.True(t, fromFile)
	assert.Equal(t, want, cal)

	cal, fromFile = LoadCalibration("", logger)
	assert.False(t, fromFile)
	assert.Equal(t, DefaultCalibration, cal)

	_, fromFile = LoadCalibration("/nonexistent/path/calibration.json", logger)
	assert.False(t, fromFile)
}

func TestResolvePath(t *testing.T) {
	t.Setenv("VIAM_MODULE_DATA", "/data")
	assert.Equal(t, "/data/cal.json", ResolvePath("cal.json"))
	assert.Equal(t, "/abs/cal.json", ResolvePath("/abs/cal.json"))
	assert.Equal(t, "", ResolvePath(""))
}

type countingOpener struct {
	conns []*fakeConn
	err   error
}

func (o *countingOpener) open(BusConfig) (io.ReadWriteCloser, error) {
	if o.err != nil {
		return nil, o.err
	}
	c := &fakeConn{}
	o.conns = append(o.conns, c)
	return c, nil
}

func TestRegistryRefCount(t *testing.T) {
	opener := &countingOpener{}
	r := NewRegistry(opener.open, logging.NewTestLogger(t))
	cfg := BusConfig{Port: "/dev/ttyUSB0"}

	a, err := r.Acquire(cfg)
	require.NoError(t, err)
	b, err := r.Acquire(cfg)
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Len(t, opener.conns, 1)

	refs, open, summary := r.Status(cfg.Port)
	assert.Equal(t, int64(2), refs)
	assert.True(t, open)
	assert.Contains(t, summary, "1000000")

	_, err = r.Acquire(BusConfig{Port: cfg.Port, Baudrate: 115200})
	assert.Error(t, err, "conflicting settings")

	r.Release(cfg.Port)
	assert.Equal(t, 0, opener.conns[0].closed)
	r.Release(cfg.Port)
	assert.Equal(t, 1, opener.conns[0].closed)
	refs, open, _ = r.Status(cfg.Port)
	assert.Equal(t, int64(0), refs)
	assert.False(t, open)
}

func TestRegistryCachesOpenErrors(t *testing.T) {
	opener := &countingOpener{err: errors.New("no such device")}
	r := NewRegistry(opener.open, logging.NewTestLogger(t))
	cfg := BusConfig{Port: "COM3"}

	_, err := r.Acquire(cfg)
	require.Error(t, err)
	opener.err = nil
	_, err = r.Acquire(cfg)
	assert.ErrorContains(t, err, "cached")

	require.NoError(t, r.ForceClose(cfg.Port))
	_, err = r.Acquire(cfg)
	assert.NoError(t, err)
}

func TestFeetechGripper(t *testing.T) {
	conn := &fakeConn{}
	r := NewRegistry(func(BusConfig) (io.ReadWriteCloser, error) { return conn, nil }, logging.NewTestLogger(t))
	conn.reply(6, 0) // ping
	conn.reply(6, 0) // torque enable

	g, err := NewFeetech(FeetechConfig{BusConfig: BusConfig{Port: "/dev/ttyACM0"}}, r, logging.NewTestLogger(t))
	require.NoError(t, err)
	ctx := context.Background()

	conn.reply(6, 0) // torque limit
	conn.reply(6, 0) // goal
	require.NoError(t, g.Open(ctx, DefaultOpenWidth, DefaultOpenSpeed))
	assert.Equal(t, encodePacket(6, instWrite, []byte{addrGoalPosition, 0xBE, 0x0A, 0, 0, 0xFE, 0x0F}), conn.last())

	conn.reply(6, 0, 0xD0, 0x07) // 2000 steps, half open
	w, err := g.Position(ctx)
	require.NoError(t, err)
	assert.InDelta(t, .05, w, 1e-9)

	conn.reply(6, 0, 1)
	done, err := g.IsDone(ctx)
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, g.Release())
	assert.ErrorIs(t, g.Open(ctx, .05, .1), ErrReleased)
	assert.Equal(t, 1, conn.closed)
	assert.NoError(t, g.Release())
}

func TestFeetechConfigValidate(t *testing.T) {
	cfg := FeetechConfig{}
	assert.Error(t, cfg.Validate())

	cfg = FeetechConfig{BusConfig: BusConfig{Port: "/dev/ttyUSB0"}}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 6, cfg.ServoID)
	assert.Equal(t, DefaultBaudrate, cfg.Baudrate)
	assert.Equal(t, DefaultTimeout, cfg.Timeout)

	cfg.ServoID = 254
	assert.Error(t, cfg.Validate())
}

func TestEmulator(t *testing.T) {
	mock := clock.NewMock()
	g := NewEmulator(mock, logging.NewTestLogger(t))
	ctx := context.Background()

	w, err := g.Position(ctx)
	require.NoError(t, err)
	assert.Equal(t, EmulatorInitialWidth, w)
	done, err := g.IsDone(ctx)
	require.NoError(t, err)
	assert.True(t, done)

	require.NoError(t, g.Open(ctx, DefaultOpenWidth, DefaultOpenSpeed))
	mock.Add(100 * time.Millisecond)
	w, _ = g.Position(ctx)
	assert.InDelta(t, .04, w, 1e-9)
	done, _ = g.IsDone(ctx)
	assert.False(t, done)

	mock.Add(time.Second)
	w, _ = g.Position(ctx)
	assert.InDelta(t, DefaultOpenWidth, w, 1e-12)
	done, _ = g.IsDone(ctx)
	assert.True(t, done)

	require.NoError(t, g.CloseGrasp(ctx, "box", DefaultCloseForce, DefaultCloseWidth, DefaultCloseSpeed))
	assert.Equal(t, "box", g.Held())
	mock.Add(100 * time.Millisecond)
	w, _ = g.Position(ctx)
	assert.InDelta(t, .065, w, 1e-9)
	require.NoError(t, g.Stop(ctx))
	mock.Add(time.Second)
	w, _ = g.Position(ctx)
	assert.InDelta(t, .065, w, 1e-9)

	require.NoError(t, g.Open(ctx, 0, 0))
	assert.Empty(t, g.Held())

	require.NoError(t, g.Release())
	_, err = g.Position(ctx)
	assert.ErrorIs(t, err, ErrReleased)
}

func TestFilterCandidatePorts(t *testing.T) {
	tests := []struct {
		name     string
		ports    []string
		expected []string
	}{
		{
			name:     "Linux USB ports",
			ports:    []string{"/dev/ttyUSB0", "/dev/ttyS0", "/dev/ttyACM0", "/dev/null"},
			expected: []string{"/dev/ttyUSB0", "/dev/ttyACM0"},
		},
		{
			name:     "macOS USB ports",
			ports:    []string{"/dev/tty.usbmodem123", "/dev/tty.Bluetooth", "/dev/cu.usbserial-AB"},
			expected: []string{"/dev/tty.usbmodem123", "/dev/cu.usbserial-AB"},
		},
		{
			name:     "Windows COM ports",
			ports:    []string{"COM3", "COM10", "LPT1"},
			expected: []string{"COM3", "COM10"},
		},
		{
			name:     "No matching ports",
			ports:    []string{"/dev/null", "/dev/zero"},
			expected: []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, FilterCandidatePorts(tt.ports))
		})
	}
}

func TestPortSuffix(t *testing.T) {
	assert.Equal(t, "ttyUSB0", PortSuffix("/dev/ttyUSB0"))
	assert.Equal(t, "usbmodem123", PortSuffix("/dev/tty.usbmodem123"))
	assert.Equal(t, "usbserial-AB", PortSuffix("/dev/cu.usbserial-AB"))
	assert.Equal(t, "COM3", PortSuffix("COM3"))
}

func TestScan(t *testing.T) {
	conns := map[string]*fakeConn{"/dev/ttyUSB0": {}, "/dev/ttyUSB1": {}}
	conns["/dev/ttyUSB1"].reply(6, 0)
	r := NewRegistry(func(cfg BusConfig) (io.ReadWriteCloser, error) { return conns[cfg.Port], nil }, logging.NewTestLogger(t))
	dir := t.TempDir()
	t.Setenv("VIAM_MODULE_DATA", dir)
	require.NoError(t, SaveCalibrationFile(filepath.Join(dir, "ttyUSB1_gripper_calibration.json"), DefaultCalibration))

	found, err := Scan(context.Background(), []string{"/dev/ttyS0", "/dev/ttyUSB0", "/dev/ttyUSB1"}, 6, r, logging.NewTestLogger(t))
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "/dev/ttyUSB1", found[0].Port)
	assert.Equal(t, "ttyUSB1_gripper_calibration.json", found[0].CalibrationFile)
	assert.Equal(t, 1, conns["/dev/ttyUSB0"].closed)
}

func TestScanRetriesFailedPorts(t *testing.T) {
	conn := &fakeConn{}
	openErr := errors.New("device busy")
	r := NewRegistry(func(BusConfig) (io.ReadWriteCloser, error) {
		if openErr != nil {
			return nil, openErr
		}
		return conn, nil
	}, logging.NewTestLogger(t))
	t.Setenv("VIAM_MODULE_DATA", t.TempDir())
	ports := []string{"/dev/ttyUSB0"}

	found, err := Scan(context.Background(), ports, 6, r, logging.NewTestLogger(t))
	require.NoError(t, err)
	assert.Empty(t, found)

	// the failed open is not cached, the next scan opens the port again
	openErr = nil
	conn.reply(6, 0)
	found, err = Scan(context.Background(), ports, 6, r, logging.NewTestLogger(t))
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "/dev/ttyUSB0", found[0].Port)
}

func TestRangeRecorder(t *testing.T) {
	conn := &fakeConn{}
	rec := NewRangeRecorder(NewBus(conn), 6, logging.NewTestLogger(t))

	conn.reply(6, 0) // torque disable
	require.NoError(t, rec.Start())
	assert.Equal(t, encodePacket(6, instWrite, []byte{addrTorqueEnable, 0}), conn.last())

	_, err := rec.Calibration(.1)
	assert.Error(t, err, "nothing recorded")

	for _, raw := range []uint16{2000, 1200, 3100, 2500} {
		conn.reply(6, 0, byte(raw), byte(raw>>8))
		require.NoError(t, rec.Sample())
	}
	lo, hi, n := rec.Range()
	assert.Equal(t, 1200, lo)
	assert.Equal(t, 3100, hi)
	assert.Equal(t, 4, n)

	cal, err := rec.Calibration(.08)
	require.NoError(t, err)
	assert.Equal(t, 6, cal.Servo.ID)
	assert.Equal(t, .08, cal.MaxWidth)
	w, err := cal.RawToWidth(3100)
	require.NoError(t, err)
	assert.InDelta(t, .08, w, 1e-9)

	conn.reply(6, 0)
	require.NoError(t, rec.Start())
	conn.reply(6, 0, 0xD0, 0x07)
	require.NoError(t, rec.Sample())
	_, err = rec.Calibration(.08)
	assert.Error(t, err, "a single position is not a range")
}
