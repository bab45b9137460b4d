package agent

import (
	"github.com/cuemby/conductor/pkg/cerrors"
	"github.com/cuemby/conductor/pkg/types"
)

// Op identifies which stepped operation a driver_internal_info transient
// key family belongs to.
type Op string

const (
	OpClean  Op = "clean"
	OpDeploy Op = "deploy"
)

const keyStepsValidated = "steps_validated"

func (op Op) stepIndexKey() string       { return string(op) + "_step_index" }
func (op Op) stepsKey() string           { return string(op) + "_steps" }
func (op Op) rebootKey() string          { return string(op) + "ing_reboot" }
func (op Op) pollingKey() string         { return string(op) + "ing_polling" }
func (op Op) skipCurrentStepKey() string { return "skip_current_" + string(op) + "_step" }

// transientKeys are the six per-step keys wiped at operation end (§4.7).
func (op Op) transientKeys() []string {
	return []string{
		op.stepIndexKey(),
		op.stepsKey(),
		op.rebootKey(),
		op.pollingKey(),
		op.skipCurrentStepKey(),
		keyStepsValidated,
	}
}

// NextStepIndex implements §4.8's next_step_index. skipCurrent defaults to
// true in the spec; callers pass it explicitly here for clarity.
func NextStepIndex(node *types.Node, op Op, skipCurrent bool) (*int, error) {
	if op != OpClean && op != OpDeploy {
		return nil, cerrors.NewInvalidParameterValue("unknown step operation %q", op)
	}

	var currentStep map[string]any
	switch op {
	case OpClean:
		currentStep = node.CleanStep
	case OpDeploy:
		currentStep = node.DeployStep
	}
	if len(currentStep) == 0 {
		zero := 0
		return &zero, nil
	}

	if node.DriverInternalInfo == nil {
		return nil, nil
	}
	raw, ok := node.DriverInternalInfo[op.stepIndexKey()]
	if !ok {
		return nil, nil
	}
	i, ok := toInt(raw)
	if !ok {
		return nil, nil
	}

	if skipCurrent {
		i++
	}

	steps, _ := node.DriverInternalInfo[op.stepsKey()].([]any)
	if i >= len(steps) {
		return nil, nil
	}
	return &i, nil
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

// WipeDeployInternalInfo clears deploy_steps and the deploy transient
// keys, then wipes the token/URL unless fastTrackAble (preserving the
// token across a fast-track handoff, §4.7).
func WipeDeployInternalInfo(node *types.Node, fastTrackAble bool) {
	wipeOpInternalInfo(node, OpDeploy, fastTrackAble)
}

// WipeCleaningInternalInfo is WipeDeployInternalInfo's clean-operation
// counterpart.
func WipeCleaningInternalInfo(node *types.Node, fastTrackAble bool) {
	wipeOpInternalInfo(node, OpClean, fastTrackAble)
}

func wipeOpInternalInfo(node *types.Node, op Op, fastTrackAble bool) {
	ensureDriverInternalInfo(node)
	node.DriverInternalInfo[op.stepsKey()] = nil
	for _, k := range op.transientKeys() {
		delete(node.DriverInternalInfo, k)
	}
	if !fastTrackAble {
		WipeTokenAndURL(node)
	}
}
