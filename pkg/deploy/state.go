package deploy

import (
	"time"

	"github.com/primaryrutabaga/umpire/pkg/resource"
)

// State is a step of the deploy state machine.
type State string

const (
	StateIdle        State = "idle"
	StateValidating  State = "validating"
	StateDeploying   State = "deploying"
	StateActive      State = "active"
	StateRollingBack State = "rolling_back"
	StateRolledBack  State = "rolled_back"
	StateStopped     State = "stopped"
)

// States lists every state in machine order.
var States = []State{
	StateIdle, StateValidating, StateDeploying, StateActive,
	StateRollingBack, StateRolledBack, StateStopped,
}

// Outcome summarizes how a deploy ended.
type Outcome string

const (
	OutcomeSuccess    Outcome = "success"
	OutcomeInvalid    Outcome = "invalid"
	OutcomeRolledBack Outcome = "rolled_back"
	OutcomeFatal      Outcome = "fatal"
)

// Transition records the deployer entering a state.
type Transition struct {
	DeployID    string
	State       State
	Previous    State
	ConfigKey   resource.Key
	OriginalKey resource.Key
	Outcome     Outcome // set only on the final transition of a deploy
	Err         error
	Started     time.Time
	At          time.Time
}

// Terminal reports whether this is the last transition of a deploy.
func (t Transition) Terminal() bool { return t.Outcome != "" }

// Duration is the time from the start of the deploy to this transition.
func (t Transition) Duration() time.Duration { return t.At.Sub(t.Started) }

// ErrorText returns the error message, or "" when the transition has no error.
func (t Transition) ErrorText() string {
	if t.Err == nil {
		return ""
	}
	return t.Err.Error()
}

// Observer is notified of every transition. Observers run synchronously on
// the deploying goroutine and must not block.
type Observer interface {
	ObserveDeploy(Transition)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Transition)

func (f ObserverFunc) ObserveDeploy(t Transition) { f(t) }
