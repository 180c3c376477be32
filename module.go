package botop

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/components/generic"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"gonum.org/v1/gonum/mat"

	"botop/internal/control"
	"botop/internal/gripper"
	"botop/internal/orchestrator"
	"botop/internal/planner"
)

// BotModel is the generic component exposing the bot through DoCommand.
var BotModel = resource.NewModel("devrel", "botop", "bot")

func init() {
	resource.RegisterComponent(
		generic.API,
		BotModel,
		resource.Registration[resource.Resource, *Config]{
			Constructor: newBotComponent,
		},
	)
}

type botComponent struct {
	resource.Named
	resource.AlwaysRebuild

	logger logging.Logger
	bot    *orchestrator.Bot

	mu    sync.Mutex
	cycle *planner.Cycle
}

func newBotComponent(ctx context.Context, deps resource.Dependencies, conf resource.Config, logger logging.Logger) (resource.Resource, error) {
	cfg, err := resource.NativeConfig[*Config](conf)
	if err != nil {
		return nil, err
	}
	return newBot(ctx, conf.ResourceName(), cfg, logger)
}

func newBot(ctx context.Context, name resource.Name, cfg *Config, logger logging.Logger) (*botComponent, error) {
	bot, err := Build(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := bot.Start(ctx); err != nil {
		return nil, multierr.Combine(err, bot.Close(ctx))
	}
	return &botComponent{Named: name.AsNamed(), logger: logger, bot: bot}, nil
}

// DoCommand maps commands onto bot operations.
func (c *botComponent) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	switch cmd["command"] {
	case "state":
		st := c.bot.State()
		return map[string]interface{}{
			"q":     toAny(st.Q),
			"q_dot": toAny(st.QDot),
			"time":  st.Time,
			"stall": st.Stall,
		}, nil

	case "move":
		path, err := floatMatrix(cmd["path"])
		if err != nil {
			return nil, errors.Wrap(err, "path")
		}
		vels, err := floatMatrix(cmd["vels"])
		if err != nil {
			return nil, errors.Wrap(err, "vels")
		}
		times, err := floatSlice(cmd["times"])
		if err != nil {
			return nil, errors.Wrap(err, "times")
		}
		override, _ := cmd["override"].(bool)
		end, err := c.bot.Move(path, vels, times, override)
		return endResult(end, err)

	case "move_timed":
		path, err := floatMatrix(cmd["path"])
		if err != nil {
			return nil, errors.Wrap(err, "path")
		}
		times, err := floatSlice(cmd["times"])
		if err != nil {
			return nil, errors.Wrap(err, "times")
		}
		override, _ := cmd["override"].(bool)
		end, err := c.bot.MoveTimed(path, times, override)
		return endResult(end, err)

	case "move_auto_timed":
		path, err := floatMatrix(cmd["path"])
		if err != nil {
			return nil, errors.Wrap(err, "path")
		}
		maxVel, _ := cmd["max_vel"].(float64)
		maxAcc, _ := cmd["max_acc"].(float64)
		end, err := c.bot.MoveAutoTimed(path, maxVel, maxAcc)
		return endResult(end, err)

	case "move_leap":
		target, err := floatSlice(cmd["target"])
		if err != nil {
			return nil, errors.Wrap(err, "target")
		}
		timeCost := 1.
		if v, ok := cmd["time_cost"].(float64); ok {
			timeCost = v
		}
		end, err := c.bot.MoveLeap(target, timeCost)
		return endResult(end, err)

	case "hold":
		floating, _ := cmd["floating"].(bool)
		damping, _ := cmd["damping"].(bool)
		c.bot.Hold(floating, damping)
		return map[string]interface{}{"success": true}, nil

	case "home":
		err := c.bot.Home(ctx)
		return map[string]interface{}{"success": err == nil}, err

	case "wait":
		err := c.bot.Wait(ctx)
		return map[string]interface{}{"success": err == nil}, err

	case "time_to_end":
		return map[string]interface{}{"time_to_end": c.bot.TimeToEnd()}, nil

	case "set_mode":
		s, _ := cmd["mode"].(string)
		mode, err := control.ParseMode(s)
		if err != nil {
			return nil, err
		}
		err = c.bot.SetMode(mode)
		return map[string]interface{}{"success": err == nil, "mode": mode.String()}, err

	case "set_compliance":
		var p *mat.Dense
		if raw, ok := cmd["projector"]; ok && raw != nil {
			rows, err := floatMatrix(raw)
			if err != nil {
				return nil, errors.Wrap(err, "projector")
			}
			p = denseFromRows(rows)
		}
		err := c.bot.SetCompliance(p)
		return map[string]interface{}{"success": err == nil}, err

	case "receding_step":
		return c.recedingStep(ctx, cmd)

	case "faults":
		out := map[string]interface{}{}
		for id, n := range c.bot.Faults() {
			out[id] = n
		}
		return out, nil

	case "gripper_open", "gripper_close", "gripper_grasp", "gripper_position":
		return c.gripperCommand(ctx, cmd)

	default:
		return nil, fmt.Errorf("unknown command %v", cmd["command"])
	}
}

// recedingStep runs one receding horizon cycle. A goal starts a new cycle.
func (c *botComponent) recedingStep(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if raw, ok := cmd["goal"]; ok {
		goal, err := floatSlice(raw)
		if err != nil {
			return nil, errors.Wrap(err, "goal")
		}
		if c.cycle, err = c.bot.Receding(goal); err != nil {
			return nil, err
		}
	}
	if c.cycle == nil {
		return nil, errors.New("receding_step needs a goal first")
	}
	ttc, ok := cmd["time_to_constraint"].(float64)
	if !ok {
		return nil, errors.New("receding_step needs time_to_constraint")
	}
	verdict, err := c.cycle.Step(ctx, ttc)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"feasible":         verdict.Feasible,
		"sos":              verdict.SOS,
		"ineq":             verdict.Ineq,
		"eq":               verdict.Eq,
		"constraint_slice": verdict.ConstraintSlice,
		"failures":         c.cycle.Failures(),
	}, nil
}

func (c *botComponent) gripperCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	g := c.bot.Gripper()
	if g == nil {
		return nil, errors.New("bot has no gripper")
	}
	arg := func(key string, def float64) float64 {
		if v, ok := cmd[key].(float64); ok {
			return v
		}
		return def
	}
	var err error
	switch cmd["command"] {
	case "gripper_open":
		err = g.Open(ctx, arg("width", gripper.DefaultOpenWidth), arg("speed", gripper.DefaultOpenSpeed))
	case "gripper_close":
		err = g.Close(ctx, arg("force", gripper.DefaultCloseForce), arg("width", gripper.DefaultCloseWidth), arg("speed", gripper.DefaultCloseSpeed))
	case "gripper_grasp":
		object, _ := cmd["object"].(string)
		err = g.CloseGrasp(ctx, object, arg("force", gripper.DefaultCloseForce), arg("width", gripper.DefaultCloseWidth), arg("speed", gripper.DefaultCloseSpeed))
	case "gripper_position":
		width, err := g.Position(ctx)
		if err != nil {
			return nil, err
		}
		done, err := g.IsDone(ctx)
		return map[string]interface{}{"width": width, "done": done}, err
	}
	return map[string]interface{}{"success": err == nil}, err
}

func (c *botComponent) Close(ctx context.Context) error {
	return c.bot.Close(ctx)
}

func endResult(end float64, err error) (map[string]interface{}, error) {
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"end_time": end}, nil
}

func toAny(v []float64) []interface{} {
	out := make([]interface{}, len(v))
	for i, x := range v {
		out[i] = x
	}
	return out
}

func floatSlice(v interface{}) ([]float64, error) {
	switch v := v.(type) {
	case nil:
		return nil, nil
	case []float64:
		return v, nil
	case []interface{}:
		out := make([]float64, len(v))
		for i, x := range v {
			f, ok := x.(float64)
			if !ok {
				return nil, fmt.Errorf("element %d is %T, not a number", i, x)
			}
			out[i] = f
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected a list of numbers, got %T", v)
	}
}

func floatMatrix(v interface{}) ([][]float64, error) {
	switch v := v.(type) {
	case nil:
		return nil, nil
	case [][]float64:
		return v, nil
	case []interface{}:
		out := make([][]float64, len(v))
		for i, row := range v {
			r, err := floatSlice(row)
			if err != nil {
				return nil, errors.Wrapf(err, "row %d", i)
			}
			out[i] = r
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected a list of lists of numbers, got %T", v)
	}
}

// denseFromRows builds a matrix. Ragged rows yield a matrix whose shape the
// bot rejects.
func denseFromRows(rows [][]float64) *mat.Dense {
	if len(rows) == 0 {
		return nil
	}
	cols := len(rows[0])
	for _, r := range rows {
		if len(r) != cols || cols == 0 {
			return mat.NewDense(1, 1, nil)
		}
	}
	m := mat.NewDense(len(rows), cols, nil)
	for i, r := range rows {
		m.SetRow(i, r)
	}
	return m
}
