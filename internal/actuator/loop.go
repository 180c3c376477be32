package actuator

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"
	"gonum.org/v1/gonum/mat"

	"botop/internal/channel"
	"botop/internal/control"
	"botop/internal/reference"
)

const (
	// DefaultStallThreshold is the joint space error that stalls control time.
	DefaultStallThreshold = 1.05
	// DefaultStallTicks is how many lead ticks a stall freezes control time for.
	DefaultStallTicks = 2

	// consecutive faults after which a loop escalates to an error log
	faultEscalation = 100
	jacobianTol     = 1e-6
)

// Phase is the lifecycle stage of a loop.
type Phase int32

// Loop phases.
const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseStreaming
	PhaseStopping
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnecting:
		return "connecting"
	case PhaseStreaming:
		return "streaming"
	case PhaseStopping:
		return "stopping"
	case PhaseClosed:
		return "closed"
	default:
		return fmt.Sprintf("phase(%d)", int32(p))
	}
}

// ErrClosed is returned when stepping a loop that has been stopped.
var ErrClosed = errors.New("loop closed")

// Config describes one loop.
type Config struct {
	// ID names the loop. The time source compares it against its lead.
	ID string
	// Indices maps driver joint i onto system joint Indices[i]. Empty means
	// the identity map.
	Indices []int
	// Gains overrides the driver's default gains.
	Gains *Gains
	// StallThreshold enables stall detection when positive. Kinematic drivers
	// default to DefaultStallThreshold; a negative value disables it.
	StallThreshold float64
	StallTicks     int
	Safety         SafetyConfig
	DataLog        *DataLog
	// Clock drives Run. Defaults to the wall clock.
	Clock clock.Clock
}

// Loop is the real-time control loop of one driver. All communication with
// the rest of the system goes through the command and state channels.
type Loop struct {
	id             string
	driver         Driver
	indices        []int
	maxIdx         int
	gains          Gains
	stallThreshold float64
	stallTicks     int
	safety         SafetyConfig
	dataLog        *DataLog
	clock          clock.Clock
	kinematic      Kinematic
	dynamic        Dynamic

	cmd    *channel.Var[control.Command]
	state  *channel.Var[control.State]
	time   TimeSource
	logger logging.Logger

	phase       atomic.Int32
	faults      atomic.Int64
	totalFaults atomic.Int64
	ticks       atomic.Int64

	mu      sync.Mutex
	workers *utils.StoppableWorkers
}

// NewLoop validates cfg against the driver and returns an idle loop.
func NewLoop(
	driver Driver,
	cmd *channel.Var[control.Command],
	state *channel.Var[control.State],
	ts TimeSource,
	cfg Config,
	logger logging.Logger,
) (*Loop, error) {
	dof := driver.DOF()
	indices := cfg.Indices
	if len(indices) == 0 {
		indices = make([]int, dof)
		for i := range indices {
			indices[i] = i
		}
	}
	if len(indices) != dof {
		return nil, fmt.Errorf("loop %s: %d indices for a %d joint driver", cfg.ID, len(indices), dof)
	}
	maxIdx := 0
	for _, idx := range indices {
		if idx < 0 {
			return nil, fmt.Errorf("loop %s: negative joint index %d", cfg.ID, idx)
		}
		maxIdx = max(maxIdx, idx)
	}

	var gains Gains
	switch {
	case cfg.Gains != nil:
		gains = *cfg.Gains
	default:
		if dg, ok := driver.(DefaultGainer); ok {
			gains = dg.DefaultGains()
		} else {
			gains = DefaultArmGains(dof)
		}
	}
	if err := gains.Validate(dof); err != nil {
		return nil, errors.Wrapf(err, "loop %s", cfg.ID)
	}

	l := &Loop{
		id:             cfg.ID,
		driver:         driver,
		indices:        indices,
		maxIdx:         maxIdx,
		gains:          gains,
		stallThreshold: cfg.StallThreshold,
		stallTicks:     cfg.StallTicks,
		safety:         cfg.Safety,
		dataLog:        cfg.DataLog,
		clock:          cfg.Clock,
		cmd:            cmd,
		state:          state,
		time:           ts,
		logger:         logger,
	}
	if k, ok := driver.(Kinematic); ok {
		l.kinematic = k
		if l.stallThreshold == 0 {
			l.stallThreshold = DefaultStallThreshold
		}
	}
	if d, ok := driver.(Dynamic); ok {
		l.dynamic = d
	}
	if l.stallTicks == 0 {
		l.stallTicks = DefaultStallTicks
	}
	if l.clock == nil {
		l.clock = clock.New()
	}
	if l.time == nil {
		l.time = LeadTime{Lead: cfg.ID}
	}
	return l, nil
}

// ID returns the loop name.
func (l *Loop) ID() string { return l.id }

// Indices returns the system joints this loop drives.
func (l *Loop) Indices() []int { return append([]int(nil), l.indices...) }

// Phase returns the current lifecycle stage.
func (l *Loop) Phase() Phase { return Phase(l.phase.Load()) }

// Faults returns the number of consecutive faulty ticks.
func (l *Loop) Faults() int64 { return l.faults.Load() }

// TotalFaults returns the number of faulty ticks since the loop was created.
func (l *Loop) TotalFaults() int64 { return l.totalFaults.Load() }

// Ticks returns the number of completed ticks.
func (l *Loop) Ticks() int64 { return l.ticks.Load() }

// Connect opens the driver, applies the safety configuration and publishes
// the first state without advancing control time.
func (l *Loop) Connect(ctx context.Context) error {
	l.phase.Store(int32(PhaseConnecting))
	if err := l.driver.Connect(ctx); err != nil {
		return errors.Wrapf(err, "loop %s failed to connect", l.id)
	}
	if sc, ok := l.driver.(SafetyConfigurer); ok {
		if err := sc.ApplySafety(l.safety); err != nil {
			return errors.Wrapf(err, "loop %s failed to apply safety config", l.id)
		}
	}
	q, qDot, tauExt, err := l.driver.ReadState(ctx)
	if err != nil {
		return errors.Wrapf(err, "loop %s failed to read initial state", l.id)
	}
	l.state.Update(func(st *control.State) { l.publish(st, q, qDot, tauExt) })
	l.phase.Store(int32(PhaseStreaming))
	l.logger.Infof("loop %s streaming %d joints at %v", l.id, len(l.indices), l.driver.Period())
	return nil
}

// Start connects if needed and runs the loop in the background until Stop.
func (l *Loop) Start(ctx context.Context) error {
	if l.Phase() == PhaseIdle {
		if err := l.Connect(ctx); err != nil {
			return err
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.workers != nil {
		return fmt.Errorf("loop %s already running", l.id)
	}
	l.workers = utils.NewBackgroundStoppableWorkers(l.run)
	return nil
}

func (l *Loop) run(ctx context.Context) {
	ticker := l.clock.Ticker(l.driver.Period())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		// a started tick always completes
		if err := l.Step(context.WithoutCancel(ctx)); err != nil && errors.Is(err, ErrClosed) {
			return
		}
	}
}

// Stop lets the current tick finish, then closes the driver.
func (l *Loop) Stop() error {
	if l.Phase() == PhaseClosed {
		return nil
	}
	l.phase.Store(int32(PhaseStopping))
	l.mu.Lock()
	if l.workers != nil {
		l.workers.Stop()
		l.workers = nil
	}
	l.mu.Unlock()

	err := l.driver.Close()
	if l.dataLog != nil {
		err = multierr.Combine(err, l.dataLog.Close())
	}
	l.phase.Store(int32(PhaseClosed))
	l.logger.Infof("loop %s closed after %d ticks", l.id, l.Ticks())
	return err
}

func (l *Loop) publish(st *control.State, q, qDot, tauExt []float64) {
	st.Ensure(l.maxIdx)
	for i, idx := range l.indices {
		st.Q[idx] = q[i]
		if i < len(qDot) {
			st.QDot[idx] = qDot[i]
		}
		if i < len(tauExt) {
			st.TauExternal[idx] = tauExt[i]
		}
	}
}

// Step runs one tick: read the hardware, publish state and advance time,
// sample the reference, compute and send the command.
func (l *Loop) Step(ctx context.Context) error {
	switch l.Phase() {
	case PhaseClosed, PhaseStopping:
		return ErrClosed
	}
	defer l.ticks.Add(1)

	q, qDot, tauExt, err := l.driver.ReadState(ctx)
	if err == nil && len(q) != len(l.indices) {
		err = fmt.Errorf("driver returned %d positions, expected %d: %w", len(q), len(l.indices), control.ErrDimension)
	}
	if err != nil {
		return l.fault(ctx, errors.Wrap(err, "read state"))
	}

	var (
		now           float64
		sysQ, sysQDot []float64
	)
	acc := l.state.Set()
	l.time.Advance(l.id, &acc.Value, l.driver.Period().Seconds())
	l.publish(&acc.Value, q, qDot, tauExt)
	now = acc.Value.Time
	sysQ = append([]float64(nil), acc.Value.Q...)
	sysQDot = append([]float64(nil), acc.Value.QDot...)
	acc.Release()

	cmd := l.cmd.Get()
	ref, u, err := l.command(cmd, now, sysQ, sysQDot, q, qDot)
	if err != nil {
		return l.fault(ctx, err)
	}

	if err := l.driver.SendTorque(ctx, u); err != nil {
		return l.fault(ctx, errors.Wrap(err, "send torque"))
	}
	if n := l.faults.Swap(0); n > 0 {
		l.logger.Infof("loop %s recovered after %d faulty ticks", l.id, n)
	}
	if l.dataLog != nil {
		if err := l.dataLog.Row(now, q, ref.Pos, qDot, ref.Vel, u); err != nil {
			l.logger.Debugf("loop %s data log: %v", l.id, err)
		}
	}
	return nil
}

// command samples the reference and computes the driver command.
func (l *Loop) command(cmd control.Command, now float64, sysQ, sysQDot, q, qDot []float64) (reference.Triple, []float64, error) {
	sysDOF := len(sysQ)
	if err := cmd.Validate(sysDOF); err != nil {
		return reference.Triple{}, nil, err
	}

	var ref reference.Triple
	if cmd.Ref == nil {
		// no feed: hold where we are and damp
		ref = reference.Triple{
			Pos: append([]float64(nil), q...),
			Vel: make([]float64, len(q)),
			Acc: make([]float64, len(q)),
		}
	} else {
		full, err := cmd.Ref.Reference(now, sysQ, sysQDot)
		if err != nil {
			return reference.Triple{}, nil, errors.Wrap(err, "reference feed")
		}
		if ref, err = selectRef(full, l.indices, sysDOF); err != nil {
			return reference.Triple{}, nil, err
		}
	}

	var p *mat.Dense
	if cmd.P != nil {
		p = subMatrix(cmd.P, l.indices)
	}
	kp, kd := l.gains.matrices()
	if cmd.Kp != nil {
		kp = subMatrix(cmd.Kp, l.indices)
	}
	if cmd.Kd != nil {
		kd = subMatrix(cmd.Kd, l.indices)
	}

	if l.stallThreshold > 0 && ref.HasPos() {
		if e := trackingError(ref.Pos, q, p); e > l.stallThreshold {
			l.state.Update(func(st *control.State) { st.Stall = l.stallTicks })
			l.logger.Warnf("loop %s stalling at t=%.3f, tracking error %.3f", l.id, now, e)
		}
	}

	var u []float64
	switch {
	case l.kinematic != nil:
		jInv, err := pseudoInverse(l.kinematic.Jacobian(), jacobianTol)
		if err != nil {
			return ref, nil, err
		}
		u = kinematicTorque(ref, q, qDot, kp, kd, p, jInv, l.kinematic.MotorLimit())
	case cmd.Mode == control.ModeProjectedAcc:
		if cmd.Kp == nil || cmd.Kd == nil {
			return ref, nil, fmt.Errorf("projected acceleration mode needs mass weighted Kp and Kd: %w", control.ErrDimension)
		}
		m := identity(len(q))
		if l.dynamic != nil {
			m = l.dynamic.MassMatrix(q)
		}
		u = projectedTorque(ref, q, qDot, kp, kd, m)
	default:
		u = referenceTorque(ref, q, qDot, kp, kd, p)
	}
	for i, x := range u {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return ref, nil, fmt.Errorf("command %d of loop %s is not finite (%v)", i, l.id, x)
		}
	}
	return ref, u, nil
}

// fault sends a zero command, counts the fault and logs it without stopping
// the loop.
func (l *Loop) fault(ctx context.Context, err error) error {
	n := l.faults.Add(1)
	l.totalFaults.Add(1)
	switch {
	case n == 1:
		l.logger.Warnf("loop %s tick fault, sending zero command: %v", l.id, err)
	case n%faultEscalation == 0:
		l.logger.Errorf("loop %s has faulted %d ticks in a row: %v", l.id, n, err)
	default:
		l.logger.Debugf("loop %s tick fault: %v", l.id, err)
	}
	if sendErr := l.driver.SendTorque(ctx, make([]float64, len(l.indices))); sendErr != nil {
		l.logger.Debugf("loop %s failed to send zero command: %v", l.id, sendErr)
	}
	return err
}
