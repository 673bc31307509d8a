// Package models provides data structures and lifecycle rules for wheel cycles.
package models

import (
	"fmt"
	"time"
)

// Stage represents where an underlying sits in the wheel.
type Stage string

const (
	// StageIdle is the phase of an underlying with no active cycle. It is never
	// persisted on a cycle; a cycle that returns to idle is stored as closed.
	StageIdle     Stage = "idle"
	StagePutOpen  Stage = "put_open"  // Short put working or open
	StageAssigned Stage = "assigned"  // Shares held, no short call
	StageCallOpen Stage = "call_open" // Shares held with a short call
	StageClosed   Stage = "closed"    // Terminal
)

// Transition conditions. Every condition names the broker fact that justifies it.
const (
	ConditionPutSold           = "put_sold"
	ConditionPutExpired        = "put_expired"
	ConditionPutBoughtBack     = "put_bought_back"
	ConditionOrderUnfilled     = "order_unfilled"
	ConditionPutAssigned       = "put_assigned"
	ConditionCallSold          = "call_sold"
	ConditionCallExpired       = "call_expired"
	ConditionCallBoughtBack    = "call_bought_back"
	ConditionCallAssigned      = "call_assigned"
	ConditionSharesLiquidated  = "shares_liquidated"
	ConditionRecoveredPosition = "recovered_position"
)

// StateTransition defines one legal edge of the cycle graph.
type StateTransition struct {
	From        Stage
	To          Stage
	Condition   string
	Description string
}

// ValidTransitions is the complete wheel lifecycle. Edges into StageClosed from
// StagePutOpen return the underlying to idle.
var ValidTransitions = []StateTransition{
	{StageIdle, StagePutOpen, ConditionPutSold, "Cash-secured put sold on an idle underlying"},
	{StagePutOpen, StagePutOpen, ConditionPutSold, "Additional put sold within the put phase"},
	{StagePutOpen, StageClosed, ConditionPutExpired, "Put expired worthless, underlying idle"},
	{StagePutOpen, StageClosed, ConditionPutBoughtBack, "Put bought to close, underlying idle"},
	{StagePutOpen, StageClosed, ConditionOrderUnfilled, "Opening put order never filled"},
	{StagePutOpen, StageAssigned, ConditionPutAssigned, "Put exercised, shares delivered"},

	{StageAssigned, StageCallOpen, ConditionCallSold, "Covered call sold against assigned shares"},
	{StageCallOpen, StageCallOpen, ConditionCallSold, "Additional covered call sold"},
	{StageCallOpen, StageAssigned, ConditionCallExpired, "Call expired worthless, re-enter call selling"},
	{StageCallOpen, StageAssigned, ConditionCallBoughtBack, "Call bought to close, re-enter call selling"},
	{StageCallOpen, StageAssigned, ConditionOrderUnfilled, "Call order never filled"},
	{StageCallOpen, StageClosed, ConditionCallAssigned, "Shares called away"},
	{StageAssigned, StageClosed, ConditionSharesLiquidated, "Shares left the account without a call assignment"},
	{StageCallOpen, StageClosed, ConditionSharesLiquidated, "Shares left the account without a call assignment"},

	{StageIdle, StagePutOpen, ConditionRecoveredPosition, "Broker short put found without a cycle"},
	{StageIdle, StageAssigned, ConditionRecoveredPosition, "Broker shares found without a cycle"},
	{StageIdle, StageCallOpen, ConditionRecoveredPosition, "Broker covered call found without a cycle"},
}

// StateMachine validates and applies cycle stage transitions.
type StateMachine struct {
	transitionTime  time.Time
	transitionCount map[Stage]int
	currentStage    Stage
	previousStage   Stage
}

// NewStateMachine creates a machine positioned at idle.
func NewStateMachine() *StateMachine {
	return NewStateMachineAt(StageIdle)
}

// NewStateMachineAt rebuilds a machine from a persisted stage.
func NewStateMachineAt(stage Stage) *StateMachine {
	if stage == "" {
		stage = StageIdle
	}
	return &StateMachine{
		currentStage:    stage,
		previousStage:   stage,
		transitionTime:  time.Now().UTC(),
		transitionCount: make(map[Stage]int),
	}
}

// GetCurrentStage returns the current stage
func (sm *StateMachine) GetCurrentStage() Stage {
	return sm.currentStage
}

// GetPreviousStage returns the previous stage
func (sm *StateMachine) GetPreviousStage() Stage {
	return sm.previousStage
}

// GetTransitionTime returns when the last transition happened
func (sm *StateMachine) GetTransitionTime() time.Time {
	return sm.transitionTime
}

// GetTransitionCount returns how many times the machine entered a stage
func (sm *StateMachine) GetTransitionCount(stage Stage) int {
	return sm.transitionCount[stage]
}

// IsValidTransition checks the transition table. A condition is always required.
func (sm *StateMachine) IsValidTransition(to Stage, condition string) error {
	if condition == "" {
		return fmt.Errorf("transition from %s to %s requires a condition", sm.currentStage, to)
	}
	for _, tr := range ValidTransitions {
		if tr.From == sm.currentStage && tr.To == to && tr.Condition == condition {
			return nil
		}
	}
	return fmt.Errorf("invalid transition from %s to %s with condition '%s'",
		sm.currentStage, to, condition)
}

// Transition moves to a new stage
func (sm *StateMachine) Transition(to Stage, condition string) error {
	if err := sm.IsValidTransition(to, condition); err != nil {
		return err
	}
	sm.previousStage = sm.currentStage
	sm.currentStage = to
	sm.transitionTime = time.Now().UTC()
	sm.transitionCount[to]++
	return nil
}

// IsActive reports whether the stage holds an open commitment.
func (s Stage) IsActive() bool {
	switch s {
	case StagePutOpen, StageAssigned, StageCallOpen:
		return true
	default:
		return false
	}
}

// AllowsSide reports whether new sales of the given option type are eligible in this phase.
func (s Stage) AllowsSide(side OptionType) bool {
	switch side {
	case OptionTypePut:
		return s == StageIdle || s == StagePutOpen
	case OptionTypeCall:
		return s == StageAssigned || s == StageCallOpen
	default:
		return false
	}
}

// GetStageDescription returns a human-readable description of a stage
func GetStageDescription(s Stage) string {
	switch s {
	case StageIdle:
		return "No active cycle, eligible for cash-secured puts"
	case StagePutOpen:
		return "Short put open, waiting for expiration or assignment"
	case StageAssigned:
		return "Holding assigned shares, eligible for covered calls"
	case StageCallOpen:
		return "Covered call open against held shares"
	case StageClosed:
		return "Cycle complete"
	default:
		return "Unknown stage"
	}
}
