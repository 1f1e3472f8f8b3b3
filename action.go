package panda_ctl

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"
)

// DefaultActionTimeout bounds how long a goal may take before it is reported
// as not completed.
const DefaultActionTimeout = 10 * time.Second

// goalSettleDelay is how old a goal topic's advertisement must be before a
// goal is published on it. The action server needs that long to connect,
// otherwise ROS drops the goal.
var goalSettleDelay = 250 * time.Millisecond

// GoalStatus mirrors actionlib_msgs/GoalStatus.
type GoalStatus int

const (
	GoalPending GoalStatus = iota
	GoalActive
	GoalPreempted
	GoalSucceeded
	GoalAborted
	GoalRejected
	GoalPreempting
	GoalRecalling
	GoalRecalled
	GoalLost
)

var goalStatusNames = []string{
	"PENDING", "ACTIVE", "PREEMPTED", "SUCCEEDED", "ABORTED",
	"REJECTED", "PREEMPTING", "RECALLING", "RECALLED", "LOST",
}

func (s GoalStatus) String() string {
	if s >= 0 && int(s) < len(goalStatusNames) {
		return goalStatusNames[s]
	}
	return fmt.Sprintf("GoalStatus(%d)", int(s))
}

type rosTime struct {
	Secs  int64 `json:"secs"`
	Nsecs int64 `json:"nsecs"`
}

func rosTimeFrom(t time.Time) rosTime {
	return rosTime{Secs: t.Unix(), Nsecs: int64(t.Nanosecond())}
}

type rosHeader struct {
	Seq     uint32  `json:"seq"`
	Stamp   rosTime `json:"stamp"`
	FrameID string  `json:"frame_id"`
}

type goalID struct {
	Stamp rosTime `json:"stamp"`
	ID    string  `json:"id"`
}

type actionGoalMsg struct {
	Header rosHeader   `json:"header"`
	GoalID goalID      `json:"goal_id"`
	Goal   interface{} `json:"goal"`
}

type goalStatusMsg struct {
	GoalID goalID     `json:"goal_id"`
	Status GoalStatus `json:"status"`
	Text   string     `json:"text"`
}

type actionResultMsg struct {
	Header rosHeader       `json:"header"`
	Status goalStatusMsg   `json:"status"`
	Result json.RawMessage `json:"result"`
}

// ActionOutcome is what came back for one goal. Completed is false when no
// result arrived before the deadline.
type ActionOutcome struct {
	Completed bool
	Status    GoalStatus
	Text      string
	Result    json.RawMessage
}

type topicBus interface {
	WaitForPublisher(ctx context.Context, topic string) error
	Advertise(topic, msgType string) (time.Time, error)
	Publish(topic string, msg interface{}) error
	Subscribe(topic, msgType string, handler func(json.RawMessage)) (func(), error)
}

// ActionClient sends goals to one actionlib server and waits for the result,
// the way a SimpleActionClient with a wait_for_result timeout does.
type ActionClient struct {
	bus        topicBus
	name       string
	actionType string
	timeout    time.Duration
	logger     logging.Logger
}

// NewActionClient creates a client for the action server at name, e.g.
// "/franka_gripper/grasp" with actionType "franka_gripper/Grasp".
func NewActionClient(bus topicBus, name, actionType string, timeout time.Duration, logger logging.Logger) *ActionClient {
	if timeout <= 0 {
		timeout = DefaultActionTimeout
	}
	return &ActionClient{
		bus:        bus,
		name:       name,
		actionType: actionType,
		timeout:    timeout,
		logger:     logger,
	}
}

func (a *ActionClient) Name() string {
	return a.name
}

// Execute waits for the server, sends goal and waits up to the client's
// timeout for the result. Running out of time is not an error.
func (a *ActionClient) Execute(ctx context.Context, goal interface{}) (ActionOutcome, error) {
	if goal == nil {
		goal = struct{}{}
	}

	if err := a.bus.WaitForPublisher(ctx, a.name+"/status"); err != nil {
		return ActionOutcome{}, err
	}

	id := fmt.Sprintf("%s-%s", a.name, uuid.NewString())
	results := make(chan actionResultMsg, 1)
	unsubscribe, err := a.bus.Subscribe(a.name+"/result", a.actionType+"ActionResult", func(raw json.RawMessage) {
		var res actionResultMsg
		if err := json.Unmarshal(raw, &res); err != nil {
			a.logger.Debugf("Malformed result on %s/result: %v", a.name, err)
			return
		}
		if res.Status.GoalID.ID != id {
			return
		}
		select {
		case results <- res:
		default:
		}
	})
	if err != nil {
		return ActionOutcome{}, errors.Wrapf(err, "subscribe to %s/result", a.name)
	}
	defer unsubscribe()

	advertisedAt, err := a.bus.Advertise(a.name+"/goal", a.actionType+"ActionGoal")
	if err != nil {
		return ActionOutcome{}, errors.Wrapf(err, "advertise %s/goal", a.name)
	}
	if wait := goalSettleDelay - time.Since(advertisedAt); wait > 0 {
		if !utils.SelectContextOrWait(ctx, wait) {
			return ActionOutcome{}, errors.Wrapf(ErrServiceCallFailed, "%s: %v", a.name, ctx.Err())
		}
	}

	now := time.Now()
	msg := actionGoalMsg{
		Header: rosHeader{Stamp: rosTimeFrom(now)},
		GoalID: goalID{Stamp: rosTimeFrom(now), ID: id},
		Goal:   goal,
	}
	if err := a.bus.Publish(a.name+"/goal", msg); err != nil {
		return ActionOutcome{}, errors.Wrapf(err, "send goal to %s", a.name)
	}

	timer := time.NewTimer(a.timeout)
	defer timer.Stop()

	select {
	case res := <-results:
		a.logger.Debugf("%s finished with %s", a.name, res.Status.Status)
		return ActionOutcome{
			Completed: true,
			Status:    res.Status.Status,
			Text:      res.Status.Text,
			Result:    res.Result,
		}, nil
	case <-timer.C:
		a.logger.Warnf("%s did not finish within %s", a.name, a.timeout)
		return ActionOutcome{}, nil
	case <-ctx.Done():
		return ActionOutcome{}, errors.Wrapf(ErrServiceCallFailed, "%s: %v", a.name, ctx.Err())
	}
}
