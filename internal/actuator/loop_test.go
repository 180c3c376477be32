package actuator

import (
	"bytes"
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/logging"
	"gonum.org/v1/gonum/mat"

	"botop/internal/channel"
	"botop/internal/control"
	"botop/internal/reference"
)

type channels struct {
	cmd   *channel.Var[control.Command]
	state *channel.Var[control.State]
}

func newChannels(dof int) channels {
	return channels{
		cmd:   channel.New(control.Command{}),
		state: channel.New(control.NewState(dof)),
	}
}

func newLoop(t *testing.T, d Driver, ch channels, ts TimeSource, cfg Config) *Loop {
	t.Helper()
	l, err := NewLoop(d, ch.cmd, ch.state, ts, cfg, logging.NewTestLogger(t))
	require.NoError(t, err)
	require.NoError(t, l.Connect(context.Background()))
	return l
}

func setRef(ch channels, ref reference.Feed) {
	ch.cmd.Update(func(c *control.Command) { c.Ref = ref })
}

func TestFrequencyGains(t *testing.T) {
	g, err := FrequencyGains([]float64{10, 2}, []float64{.5, 1})
	require.NoError(t, err)
	assert.Equal(t, []float64{100, 4}, g.Kp)
	assert.Equal(t, []float64{10, 4}, g.Kd)

	_, err = FrequencyGains([]float64{1}, nil)
	assert.Error(t, err)

	arm := DefaultArmGains(7)
	assert.InDelta(t, 18*18, arm.Kp[0], 1e-12)
	assert.InDelta(t, 2*.1*6, arm.Kd[6], 1e-12)
}

func TestNaturalGains(t *testing.T) {
	kp, kd := NaturalGains(.05, 1)
	freq := -math.Log(.1) / .05
	assert.InDelta(t, freq*freq, kp, 1e-9)
	assert.InDelta(t, 2*freq, kd, 1e-9)
}

func TestReferenceTorqueTerms(t *testing.T) {
	kp := diag([]float64{10, 10})
	kd := diag([]float64{1, 1})
	q := []float64{0, 0}
	qDot := []float64{1, 1}

	t.Run("absent velocity applies no damping", func(t *testing.T) {
		u := referenceTorque(reference.Triple{Pos: []float64{1, 2}}, q, qDot, kp, kd, nil)
		assert.InDeltaSlice(t, []float64{10, 20}, u, 1e-12)
	})
	t.Run("zero velocity damps", func(t *testing.T) {
		u := referenceTorque(reference.Triple{Vel: []float64{0, 0}}, q, qDot, kp, kd, nil)
		assert.InDeltaSlice(t, []float64{-1, -1}, u, 1e-12)
	})
	t.Run("acceleration is fed forward", func(t *testing.T) {
		u := referenceTorque(reference.Triple{Acc: []float64{3, 4}}, q, qDot, kp, kd, nil)
		assert.InDeltaSlice(t, []float64{3, 4}, u, 1e-12)
	})
	t.Run("projector masks the second joint", func(t *testing.T) {
		p := diag([]float64{1, 0})
		u := referenceTorque(reference.Triple{Pos: []float64{1, 2}, Vel: []float64{0, 0}}, q, qDot, kp, kd, p)
		assert.InDeltaSlice(t, []float64{9, 0}, u, 1e-12)
	})
}

func TestProjectedTorque(t *testing.T) {
	kp := diag([]float64{2, 2})
	kd := diag([]float64{1, 1})
	m := diag([]float64{3, 3})
	u := projectedTorque(reference.Triple{Acc: []float64{1, 0}}, []float64{1, 1}, []float64{0, 2}, kp, kd, m)
	assert.InDeltaSlice(t, []float64{1, -4}, u, 1e-12)
}

func TestLoopHoldsWithoutFeed(t *testing.T) {
	ch := newChannels(2)
	emu := NewEmulator([]float64{.5, -.5}, 0)
	emu.SetState([]float64{.5, -.5}, []float64{1, 0})
	l := newLoop(t, emu, ch, nil, Config{ID: "arm"})

	require.NoError(t, l.Step(context.Background()))

	_, kd := NaturalGains(emulatorDecay, 1)
	u := emu.LastCommand()
	assert.InDelta(t, -kd*1, u[0], 1e-9, "no feed holds position and damps velocity")
	assert.InDelta(t, 0, u[1], 1e-9)
	assert.Equal(t, int64(0), l.Faults())
}

func TestLoopPublishesIndexedState(t *testing.T) {
	ch := newChannels(0)
	emu := NewEmulator([]float64{1, 2}, 0)
	l := newLoop(t, emu, ch, nil, Config{ID: "right", Indices: []int{3, 1}})

	st := ch.state.Get()
	require.Len(t, st.Q, 4)
	assert.Equal(t, 2.0, st.Q[1])
	assert.Equal(t, 1.0, st.Q[3])
	assert.Equal(t, 0.0, st.Time, "connecting does not advance time")

	require.NoError(t, l.Step(context.Background()))
	assert.InDelta(t, emu.Period().Seconds(), ch.state.Get().Time, 1e-12)
	assert.Equal(t, []int{3, 1}, l.Indices())
}

func TestLoopFaultsOnDimensionMismatch(t *testing.T) {
	ch := newChannels(2)
	emu := NewEmulator([]float64{0, 0}, 0)
	l := newLoop(t, emu, ch, nil, Config{ID: "arm"})

	// a three joint reference for a two joint system
	setRef(ch, reference.NewHold([]float64{1, 1, 1}, nil))
	for i := 0; i < 3; i++ {
		err := l.Step(context.Background())
		assert.ErrorIs(t, err, control.ErrDimension)
		assert.Equal(t, []float64{0, 0}, emu.LastCommand(), "faulty ticks send a zero command")
	}
	assert.Equal(t, int64(3), l.Faults())
	assert.Equal(t, PhaseStreaming, l.Phase(), "faults never stop the loop")

	// wrong gain shape is a fault too
	setRef(ch, nil)
	ch.cmd.Update(func(c *control.Command) { c.Kp = mat.NewDense(3, 3, nil) })
	assert.ErrorIs(t, l.Step(context.Background()), control.ErrDimension)

	ch.cmd.Update(func(c *control.Command) { c.Kp = nil })
	require.NoError(t, l.Step(context.Background()))
	assert.Equal(t, int64(0), l.Faults())
	assert.Equal(t, int64(4), l.TotalFaults())
}

func TestLoopFaultsOnNonFiniteCommand(t *testing.T) {
	ch := newChannels(2)
	emu := NewEmulator([]float64{0, 0}, 0)
	l := newLoop(t, emu, ch, nil, Config{ID: "arm"})

	setRef(ch, reference.NewHold([]float64{math.NaN(), 0}, []float64{0}))
	err := l.Step(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not finite")
	assert.Equal(t, []float64{0, 0}, emu.LastCommand(), "a non finite command is replaced by zero")
	assert.Equal(t, int64(1), l.Faults())

	for _, q := range ch.state.Get().Q {
		assert.False(t, math.IsNaN(q))
	}

	setRef(ch, reference.NewHold([]float64{0, 0}, []float64{0}))
	require.NoError(t, l.Step(context.Background()))
	assert.Equal(t, int64(0), l.Faults())
}

type brokenDriver struct {
	*Emulator
	readErr error
}

func (b *brokenDriver) ReadState(ctx context.Context) ([]float64, []float64, []float64, error) {
	if b.readErr != nil {
		return nil, nil, nil, b.readErr
	}
	return b.Emulator.ReadState(ctx)
}

func TestLoopSurvivesUnreachableHardware(t *testing.T) {
	ch := newChannels(1)
	d := &brokenDriver{Emulator: NewEmulator([]float64{0}, 0)}
	l := newLoop(t, d, ch, nil, Config{ID: "arm"})

	d.readErr = errors.New("link down")
	assert.Error(t, l.Step(context.Background()))
	assert.Equal(t, int64(1), l.Faults())

	d.readErr = nil
	assert.NoError(t, l.Step(context.Background()))
}

func TestLoopProjectedAccelerationMode(t *testing.T) {
	ch := newChannels(1)
	emu := NewEmulator([]float64{1}, 0)
	l := newLoop(t, emu, ch, nil, Config{ID: "arm"})

	ch.cmd.Update(func(c *control.Command) { c.Mode = control.ModeProjectedAcc })
	assert.ErrorIs(t, l.Step(context.Background()), control.ErrDimension, "projected mode needs command gains")

	ch.cmd.Update(func(c *control.Command) {
		c.Kp = mat.NewDense(1, 1, []float64{4})
		c.Kd = mat.NewDense(1, 1, []float64{0})
	})
	require.NoError(t, l.Step(context.Background()))
	// no feed: acceleration reference is zero, u = -Kp q
	assert.InDelta(t, -4, emu.LastCommand()[0], 1e-12)
}

func TestStallFreezesLeadTime(t *testing.T) {
	ch := newChannels(2)
	lead := NewEmulator([]float64{0}, 0)
	follower := NewEmulator([]float64{0}, 0)
	ts := LeadTime{Lead: "lead"}
	leadLoop := newLoop(t, lead, ch, ts, Config{ID: "lead", Indices: []int{0}, StallThreshold: DefaultStallThreshold, StallTicks: 3})
	followLoop := newLoop(t, follower, ch, ts, Config{ID: "follower", Indices: []int{1}})
	dt := lead.Period().Seconds()
	ctx := context.Background()

	tick := func() float64 {
		require.NoError(t, leadLoop.Step(ctx))
		require.NoError(t, followLoop.Step(ctx))
		return ch.state.Get().Time
	}

	assert.InDelta(t, dt, tick(), 1e-12)

	// push the lead's reference far away for exactly one tick
	setRef(ch, reference.NewHold([]float64{5, 0}, []float64{0}))
	assert.InDelta(t, 2*dt, tick(), 1e-12)
	assert.Equal(t, 3, ch.state.Get().Stall)
	setRef(ch, nil)

	for i := 0; i < 3; i++ {
		assert.InDelta(t, 2*dt, tick(), 1e-12, "time frozen on tick %d after the stall", i+1)
	}
	assert.InDelta(t, 3*dt, tick(), 1e-12, "time resumes")
	assert.InDelta(t, 4*dt, tick(), 1e-12)
}

func TestFollowerStallFreezesLead(t *testing.T) {
	ch := newChannels(2)
	ts := LeadTime{Lead: "lead"}
	leadLoop := newLoop(t, NewEmulator([]float64{0}, 0), ch, ts, Config{ID: "lead", Indices: []int{0}})
	followLoop := newLoop(t, NewEmulator([]float64{0}, 0), ch, ts, Config{ID: "follower", Indices: []int{1}, StallThreshold: 1})
	ctx := context.Background()

	setRef(ch, reference.NewHold([]float64{0, 3}, nil))
	require.NoError(t, leadLoop.Step(ctx))
	require.NoError(t, followLoop.Step(ctx))
	setRef(ch, nil)
	before := ch.state.Get().Time

	require.NoError(t, leadLoop.Step(ctx))
	require.NoError(t, leadLoop.Step(ctx))
	assert.Equal(t, before, ch.state.Get().Time)
	require.NoError(t, leadLoop.Step(ctx))
	assert.Greater(t, ch.state.Get().Time, before)
}

func TestOmnibaseJacobianInverse(t *testing.T) {
	for _, phi := range []float64{0, .7, -2} {
		j := OmnibaseJacobian(phi)
		jInv, err := pseudoInverse(j, jacobianTol)
		require.NoError(t, err)
		var prod mat.Dense
		prod.Mul(j, jInv)
		assert.True(t, mat.EqualApprox(&prod, identity(3), 1e-9), "J J+ = I at phi=%v", phi)
	}

	// pure rotation of the wheels turns the base in place
	var dq mat.VecDense
	dq.MulVec(OmnibaseJacobian(0), mat.NewVecDense(3, []float64{1, 1, 1}))
	assert.InDelta(t, 0, dq.AtVec(0), 1e-12)
	assert.InDelta(t, 0, dq.AtVec(1), 1e-12)
	assert.Greater(t, dq.AtVec(2), 0.0)
}

func TestOmnibaseLoopReachesTarget(t *testing.T) {
	ch := newChannels(3)
	base := NewOmnibase(0, 0, 0)
	l := newLoop(t, base, ch, nil, Config{ID: "base"})

	setRef(ch, reference.NewHold([]float64{.3, -.2, .4}, []float64{0}))
	for i := 0; i < 300; i++ {
		require.NoError(t, l.Step(context.Background()))
	}
	pose := base.Pose()
	assert.InDelta(t, .3, pose.X, 1e-2)
	assert.InDelta(t, -.2, pose.Y, 1e-2)
	assert.InDelta(t, .4, pose.Z, 1e-2)
	assert.Equal(t, int64(0), l.TotalFaults())
}

func TestOmnibaseStallsOnLargeError(t *testing.T) {
	ch := newChannels(3)
	l := newLoop(t, NewOmnibase(0, 0, 0), ch, nil, Config{ID: "base"})

	setRef(ch, reference.NewHold([]float64{2, 0, 0}, nil))
	require.NoError(t, l.Step(context.Background()))
	assert.Equal(t, DefaultStallTicks, ch.state.Get().Stall)
}

func TestLoopRunsOnClock(t *testing.T) {
	ch := newChannels(1)
	mock := clock.NewMock()
	emu := NewEmulator([]float64{0}, 0)
	l, err := NewLoop(emu, ch.cmd, ch.state, nil, Config{ID: "arm", Clock: mock}, logging.NewTestLogger(t))
	require.NoError(t, err)

	require.NoError(t, l.Start(context.Background()))
	assert.Equal(t, PhaseStreaming, l.Phase())
	assert.Error(t, l.Start(context.Background()), "a loop runs once")

	assert.Eventually(t, func() bool {
		mock.Add(emu.Period())
		return l.Ticks() >= 3
	}, 2*time.Second, time.Millisecond)

	require.NoError(t, l.Stop())
	assert.Equal(t, PhaseClosed, l.Phase())
	assert.ErrorIs(t, l.Step(context.Background()), ErrClosed)
	assert.NoError(t, l.Stop())
}

func TestDataLogRows(t *testing.T) {
	var buf bytes.Buffer
	ch := newChannels(1)
	emu := NewEmulator([]float64{0}, 0)
	dl := NewDataLog(&buf, 2)
	l := newLoop(t, emu, ch, nil, Config{ID: "arm", DataLog: dl})

	setRef(ch, reference.NewHold(nil, nil))
	require.NoError(t, l.Step(context.Background()))
	require.NoError(t, l.Stop())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	fields := strings.Fields(lines[0])
	// time, q, qRef, qDot, qDotRef, u
	require.Len(t, fields, 6)
	assert.Equal(t, "0.01", fields[0])
	assert.Equal(t, "NaN", fields[2], "absent reference is written as NaN")
}

func TestReadDataLog(t *testing.T) {
	var buf bytes.Buffer
	dl := NewDataLog(&buf, 2)
	require.NoError(t, dl.Row(.01, []float64{1, 2}, []float64{1.5, math.NaN()}, []float64{0, 0}, nil, []float64{3, 4}))
	require.NoError(t, dl.Row(.02, []float64{1.1, 2.1}, nil, nil, nil, nil))
	require.NoError(t, dl.Close())

	rows, err := ReadDataLog(&buf, 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, .01, rows[0].Time)
	assert.Equal(t, []float64{1, 2}, rows[0].Q)
	assert.Equal(t, 1.5, rows[0].QRef[0])
	assert.True(t, math.IsNaN(rows[0].QRef[1]))
	assert.True(t, math.IsNaN(rows[1].QRef[0]))

	_, err = ReadDataLog(strings.NewReader("0.1 1 2\n"), 2)
	assert.Error(t, err)
	_, err = ReadDataLog(strings.NewReader("0.1 x 2 3 4\n"), 2)
	assert.Error(t, err)
}
