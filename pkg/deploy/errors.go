package deploy

import (
	"errors"
	"fmt"

	"github.com/primaryrutabaga/umpire/pkg/resource"
)

var (
	// ErrDeployInProgress is returned when another deploy is running.
	ErrDeployInProgress = errors.New("deploy in progress")
	// ErrStopped is returned once a failed rollback has stopped the daemon.
	ErrStopped = errors.New("deployer stopped after failed rollback")
)

// DeployError reports a failed deploy. When RolledBack is set the original
// config was restored and is serving again.
type DeployError struct {
	Err        error
	RolledBack bool
	Config     resource.Key
}

func (e *DeployError) Error() string {
	if e.RolledBack {
		original := string(e.Config)
		if original == "" {
			original = "<none>"
		}
		return fmt.Sprintf("deploy failed, rolled back to config %s: %v", original, e.Err)
	}
	return "deploy failed: " + e.Err.Error()
}

func (e *DeployError) Unwrap() error { return e.Err }

// RollbackError reports a deploy whose rollback also failed. The daemon has
// been stopped.
type RollbackError struct {
	DeployErr   error
	RollbackErr error
	Config      resource.Key
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("rollback to config %s failed: %v (deploy error: %v); umpire daemon stopped",
		e.Config, e.RollbackErr, e.DeployErr)
}

func (e *RollbackError) Unwrap() []error { return []error{e.DeployErr, e.RollbackErr} }
