// Package orchestrator runs a set of actuator loops behind one command and one
// state channel and offers move, hold and home primitives on top of them.
package orchestrator

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/operation"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"botop/internal/actuator"
	"botop/internal/channel"
	"botop/internal/control"
	"botop/internal/gripper"
	"botop/internal/planner"
	"botop/internal/reference"
)

// DefaultPollInterval is how often Wait checks for the end of a motion.
const DefaultPollInterval = 10 * time.Millisecond

// ErrNotSpline is returned by operations that need the spline feed active.
var ErrNotSpline = errors.New("active reference is not a spline")

// Actuator pairs a driver with its loop configuration.
type Actuator struct {
	Driver actuator.Driver
	Config actuator.Config
}

// Options configure a Bot.
type Options struct {
	Actuators []Actuator
	// Lead names the loop that advances control time. Defaults to the first
	// actuator.
	Lead string
	// Home is the home posture. Defaults to the state after connecting.
	Home    []float64
	Gripper gripper.Gripper
	// Window and Optimizer configure receding horizon cycles.
	Window       planner.WindowConfig
	Optimizer    planner.Optimizer
	PollInterval time.Duration
}

// Bot owns the loops, the gripper and the active reference feed.
type Bot struct {
	cmd     *channel.Var[control.Command]
	state   *channel.Var[control.State]
	loops   []*actuator.Loop
	gripper gripper.Gripper
	home    []float64
	dof     int

	window       planner.WindowConfig
	optimizer    planner.Optimizer
	pollInterval time.Duration

	opMgr  operation.SingleOperationManager
	logger logging.Logger

	// serializes feed switches and writes
	mu sync.Mutex
}

// New builds and connects every loop, then holds the connected posture. The
// loops only run after Start; until then Step drives them.
func New(ctx context.Context, opts Options, logger logging.Logger) (*Bot, error) {
	if len(opts.Actuators) == 0 {
		return nil, errors.New("bot needs at least one actuator")
	}

	// default index maps place actuators one after another
	offset, dof := 0, 0
	cfgs := make([]actuator.Config, len(opts.Actuators))
	for i, a := range opts.Actuators {
		if a.Driver == nil {
			return nil, fmt.Errorf("actuator %d has no driver", i)
		}
		cfg := a.Config
		if cfg.ID == "" {
			cfg.ID = fmt.Sprintf("loop%d", i)
		}
		if len(cfg.Indices) == 0 {
			cfg.Indices = make([]int, a.Driver.DOF())
			for j := range cfg.Indices {
				cfg.Indices[j] = offset + j
			}
		}
		offset += a.Driver.DOF()
		for _, idx := range cfg.Indices {
			dof = max(dof, idx+1)
		}
		cfgs[i] = cfg
	}
	lead := opts.Lead
	if lead == "" {
		lead = cfgs[0].ID
	}

	b := &Bot{
		cmd:          channel.New(control.Command{}),
		state:        channel.New(control.NewState(dof)),
		gripper:      opts.Gripper,
		dof:          dof,
		window:       opts.Window,
		optimizer:    opts.Optimizer,
		pollInterval: opts.PollInterval,
		logger:       logger,
	}
	if b.pollInterval <= 0 {
		b.pollInterval = DefaultPollInterval
	}

	ts := actuator.LeadTime{Lead: lead}
	for i, a := range opts.Actuators {
		l, err := actuator.NewLoop(a.Driver, b.cmd, b.state, ts, cfgs[i], logger.Sublogger(cfgs[i].ID))
		if err != nil {
			return nil, multierr.Combine(err, b.stopLoops())
		}
		if err := l.Connect(ctx); err != nil {
			return nil, multierr.Combine(err, l.Stop(), b.stopLoops())
		}
		b.loops = append(b.loops, l)
	}

	b.home = append([]float64(nil), opts.Home...)
	if len(b.home) == 0 {
		b.home = b.Q()
	}
	if len(b.home) != dof {
		err := fmt.Errorf("home has %d joints, system has %d: %w", len(b.home), dof, control.ErrDimension)
		return nil, multierr.Combine(err, b.stopLoops())
	}
	b.Hold(false, true)
	logger.Infof("bot connected %d loops, %d joints, lead %s", len(b.loops), dof, lead)
	return b, nil
}

// Start runs every loop in the background.
func (b *Bot) Start(ctx context.Context) error {
	for _, l := range b.loops {
		if err := l.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Step advances every loop by one tick, lead first. It is for callers that
// drive the loops themselves instead of calling Start.
func (b *Bot) Step(ctx context.Context) error {
	var err error
	for _, l := range b.loops {
		err = multierr.Combine(err, l.Step(ctx))
	}
	return err
}

// Close cancels a running wait, stops the loops and releases the gripper.
func (b *Bot) Close(ctx context.Context) error {
	b.opMgr.CancelRunning(ctx)
	err := b.stopLoops()
	if b.gripper != nil {
		err = multierr.Combine(err, b.gripper.Release())
	}
	return err
}

func (b *Bot) stopLoops() error {
	var err error
	for _, l := range b.loops {
		err = multierr.Combine(err, l.Stop())
	}
	return err
}

// DOF returns the number of system joints.
func (b *Bot) DOF() int { return b.dof }

// HomePosition returns the home posture.
func (b *Bot) HomePosition() []float64 { return append([]float64(nil), b.home...) }

// Gripper returns the gripper, nil when the bot has none.
func (b *Bot) Gripper() gripper.Gripper { return b.gripper }

// Faults returns the consecutive fault count of every loop that is faulting.
func (b *Bot) Faults() map[string]int64 {
	out := map[string]int64{}
	for _, l := range b.loops {
		if n := l.Faults(); n > 0 {
			out[l.ID()] = n
		}
	}
	return out
}

// State returns a snapshot of the system state.
func (b *Bot) State() control.State { return b.state.Get() }

// Q returns the joint positions.
func (b *Bot) Q() []float64 { return b.state.Get().Q }

// QDot returns the joint velocities.
func (b *Bot) QDot() []float64 { return b.state.Get().QDot }

// Time returns the control time.
func (b *Bot) Time() float64 { return b.state.Get().Time }

// Command returns a snapshot of the command.
func (b *Bot) Command() control.Command { return b.cmd.Get() }

// SetCompliance installs projector P. nil removes it.
func (b *Bot) SetCompliance(p *mat.Dense) error {
	if p != nil {
		if err := control.CheckSquare(p, b.dof); err != nil {
			return errors.Wrap(err, "compliance")
		}
		p = mat.DenseCopyOf(p)
	}
	b.cmd.Update(func(c *control.Command) { c.P = p })
	return nil
}

// SetGains overrides the loops' default gains. nil matrices restore them.
func (b *Bot) SetGains(kp, kd *mat.Dense) error {
	next := control.Command{Kp: kp, Kd: kd}
	if err := next.Validate(b.dof); err != nil {
		return err
	}
	next = next.Clone()
	b.cmd.Update(func(c *control.Command) { c.Kp, c.Kd = next.Kp, next.Kd })
	return nil
}

// SetMode switches the control mode.
func (b *Bot) SetMode(mode control.Mode) error {
	switch mode {
	case control.ModeReference, control.ModeProjectedAcc:
	default:
		return fmt.Errorf("unknown control mode %v", mode)
	}
	b.cmd.Update(func(c *control.Command) { c.Mode = mode })
	return nil
}

func (b *Bot) setFeed(f reference.Feed) {
	b.cmd.Update(func(c *control.Command) { c.Ref = f })
}

// spline returns the active spline, or a fresh one resting at the current
// state that the caller installs once its first write succeeded.
func (b *Bot) spline(ctrlTime float64) (sp *reference.Spline, fresh bool) {
	if sp, ok := b.cmd.Get().Ref.(*reference.Spline); ok {
		return sp, false
	}
	return reference.NewSpline(b.Q(), ctrlTime), true
}

// Hold switches to a hold feed. Floating drops the position term; damping
// then keeps a velocity term towards rest. Without floating the current
// posture is held with damping.
func (b *Bot) Hold(floating, damping bool) {
	var pos, vel []float64
	switch {
	case floating && damping:
		vel = []float64{0}
	case floating:
	default:
		pos = b.Q()
		vel = []float64{0}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if h, ok := b.cmd.Get().Ref.(*reference.Hold); ok {
		h.Set(pos, vel)
		return
	}
	b.setFeed(reference.NewHold(pos, vel))
}

// Move appends path to the spline feed, or overrides it from the current
// control time. It returns the current control time plus the last entry of
// times. For an override that is the end of the motion; an appended path is
// timed from the end of the running one and ends later.
func (b *Bot) Move(path, vels [][]float64, times []float64, override bool) (float64, error) {
	if len(path) == 0 {
		return 0, errors.Wrap(reference.ErrInvalidPath, "empty path")
	}
	if len(vels) != len(path) || len(times) != len(path) {
		return 0, errors.Wrapf(reference.ErrInvalidPath, "path has %d waypoints, %d velocities, %d times", len(path), len(vels), len(times))
	}
	for i := range path {
		if len(path[i]) != b.dof || len(vels[i]) != b.dof {
			return 0, fmt.Errorf("waypoint %d has %d/%d joints, system has %d: %w", i, len(path[i]), len(vels[i]), b.dof, control.ErrDimension)
		}
	}
	if err := checkFinite(path, times); err != nil {
		return 0, err
	}
	if err := checkFinite(vels, nil); err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	ctrlTime := b.Time()
	sp, fresh := b.spline(ctrlTime)
	var err error
	if override {
		err = sp.Override(path, vels, times, ctrlTime)
	} else {
		err = sp.Append(path, vels, times, ctrlTime)
	}
	if err != nil {
		return 0, err
	}
	if fresh {
		b.setFeed(sp)
	}
	return ctrlTime + times[len(times)-1], nil
}

// MoveTimed moves through path choosing velocities, and durations when
// times is empty, with the timing optimizer. A single time with several
// waypoints is spread uniformly. A single waypoint is reached at rest.
func (b *Bot) MoveTimed(path [][]float64, times []float64, override bool) (float64, error) {
	n := len(path)
	if n == 0 {
		return 0, errors.Wrap(reference.ErrInvalidPath, "empty path")
	}
	ts := append([]float64(nil), times...)
	if len(ts) == 1 && n > 1 {
		ts = spreadUniform(ts[0], n)
	}
	if len(ts) > 0 && len(ts) != n {
		return 0, errors.Wrapf(reference.ErrInvalidPath, "%d times for %d waypoints", len(ts), n)
	}
	for i := range path {
		if len(path[i]) != b.dof {
			return 0, fmt.Errorf("waypoint %d has %d joints, system has %d: %w", i, len(path[i]), b.dof, control.ErrDimension)
		}
	}
	if err := checkFinite(path, ts); err != nil {
		return 0, err
	}

	if n == 1 {
		if len(ts) == 0 {
			return 0, errors.Wrap(reference.ErrInvalidPath, "a single waypoint needs a duration")
		}
		return b.Move(path, [][]float64{make([]float64, b.dof)}, ts, override)
	}

	q0, v0 := b.motionStart(override)
	problem := planner.TimingProblem{
		Waypoints: path,
		Q0:        q0,
		V0:        v0,
		TimeCost:  planner.DefaultTimeCost,
	}
	if len(ts) > 0 {
		problem.Durations = durations(ts)
	}
	timing, err := planner.SolveTiming(problem)
	if err != nil {
		return 0, errors.Wrap(err, "timing")
	}
	if len(ts) == 0 {
		ts = timing.Times()
	}
	return b.Move(path, timing.Vels, ts, override)
}

// checkFinite rejects NaN or infinite waypoints and times.
func checkFinite(path [][]float64, times []float64) error {
	for i, w := range path {
		if floats.HasNaN(w) || hasInf(w) {
			return errors.Wrapf(reference.ErrInvalidPath, "waypoint %d is not finite: %v", i, w)
		}
	}
	if floats.HasNaN(times) || hasInf(times) {
		return errors.Wrapf(reference.ErrInvalidPath, "times are not finite: %v", times)
	}
	return nil
}

func hasInf(v []float64) bool {
	for _, x := range v {
		if math.IsInf(x, 0) {
			return true
		}
	}
	return false
}

// motionStart is where a new segment begins: the spline at the current
// control time for an override, its end for an append.
func (b *Bot) motionStart(override bool) (q, qDot []float64) {
	sp, ok := b.cmd.Get().Ref.(*reference.Spline)
	if !ok {
		return b.Q(), make([]float64, b.dof)
	}
	t := b.Time()
	if !override {
		t = max(t, sp.EndTime())
	}
	q, qDot, _ = sp.Eval(t)
	return q, qDot
}

// MinAutoTimedWaypoints is the shortest path MoveAutoTimed accepts.
const MinAutoTimedWaypoints = 16

// MoveAutoTimed appends a densely sampled path with uniform timing, as fast
// as the velocity and acceleration limits allow.
func (b *Bot) MoveAutoTimed(path [][]float64, maxVel, maxAcc float64) (float64, error) {
	if len(path) < MinAutoTimedWaypoints {
		return 0, errors.Wrapf(reference.ErrInvalidPath, "auto timing needs at least %d waypoints, got %d", MinAutoTimedWaypoints, len(path))
	}
	if maxVel <= 0 || maxAcc <= 0 {
		return 0, fmt.Errorf("velocity and acceleration limits must be positive, got %v and %v", maxVel, maxAcc)
	}
	d := MinDuration(path, maxVel, maxAcc)
	return b.MoveTimed(path, spreadUniform(d, len(path)), false)
}

// MoveLeap overrides the current motion with a direct move to target. The
// duration trades acceleration against timeCost, taking the current
// velocity towards the target into account.
func (b *Bot) MoveLeap(target []float64, timeCost float64) (float64, error) {
	if len(target) != b.dof {
		return 0, fmt.Errorf("target has %d joints, system has %d: %w", len(target), b.dof, control.ErrDimension)
	}
	if !(timeCost > 0) || math.IsInf(timeCost, 1) {
		return 0, fmt.Errorf("time cost must be positive and finite, got %v", timeCost)
	}
	if err := checkFinite([][]float64{target}, nil); err != nil {
		return 0, err
	}
	st := b.State()
	return b.MoveTimed([][]float64{target}, []float64{LeapDuration(st.Q, st.QDot, target, timeCost)}, true)
}

// Home leaps back to the home posture and waits for it, or refreshes the
// home hold when already there.
func (b *Bot) Home(ctx context.Context) error {
	if maxAbsDiff(b.Q(), b.home) > 1e-3 {
		if _, err := b.MoveLeap(b.home, 1); err != nil {
			return err
		}
		return b.Wait(ctx)
	}
	_, err := b.MoveTimed([][]float64{b.home}, []float64{.1}, false)
	return err
}

// timeToEnd reports the remaining time of the spline feed.
func (b *Bot) timeToEnd() (float64, bool) {
	sp, ok := b.cmd.Get().Ref.(*reference.Spline)
	if !ok {
		return 0, false
	}
	return sp.EndTime() - b.Time(), true
}

// TimeToEnd returns the control time left in the active motion. Zero or less
// means done. Without a spline feed it logs and returns zero.
func (b *Bot) TimeToEnd() float64 {
	t, ok := b.timeToEnd()
	if !ok {
		b.logger.Warnf("can't get time to end: %v", ErrNotSpline)
	}
	return t
}

// Wait blocks until the active motion is done or ctx ends. A later Wait, Stop
// or Close cancels it.
func (b *Bot) Wait(ctx context.Context) error {
	return b.opMgr.WaitForSuccess(ctx, b.pollInterval, func(context.Context) (bool, error) {
		t, ok := b.timeToEnd()
		return !ok || t <= 0, nil
	})
}

// Stop cancels a running wait and holds the current posture.
func (b *Bot) Stop(ctx context.Context) error {
	b.opMgr.CancelRunning(ctx)
	b.Hold(false, true)
	if b.gripper != nil {
		return b.gripper.Stop(ctx)
	}
	return nil
}

// Receding returns a receding horizon cycle over the whole system that pushes
// its segments into this bot. The window starts at the current posture.
func (b *Bot) Receding(goal []float64) (*planner.Cycle, error) {
	w, err := planner.NewWindow(b.Q(), b.window, b.optimizer, b.logger.Sublogger("planner"))
	if err != nil {
		return nil, err
	}
	if err := w.SetGoal(goal); err != nil {
		return nil, err
	}
	return planner.NewCycle(w, b, b, nil, b.logger.Sublogger("receding")), nil
}
