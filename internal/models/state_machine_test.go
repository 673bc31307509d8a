package models

import (
	"testing"
)

func TestStateMachine_BasicTransitions(t *testing.T) {
	sm := NewStateMachine()

	if sm.GetCurrentStage() != StageIdle {
		t.Errorf("Initial stage should be StageIdle, got %s", sm.GetCurrentStage())
	}

	if err := sm.Transition(StagePutOpen, ConditionPutSold); err != nil {
		t.Errorf("Valid transition failed: %v", err)
	}
	if sm.GetCurrentStage() != StagePutOpen {
		t.Errorf("Stage should be StagePutOpen, got %s", sm.GetCurrentStage())
	}
	if sm.GetPreviousStage() != StageIdle {
		t.Errorf("Previous stage should be StageIdle, got %s", sm.GetPreviousStage())
	}
}

func TestStateMachine_InvalidTransitions(t *testing.T) {
	tests := []struct {
		name      string
		from      Stage
		to        Stage
		condition string
	}{
		{"idle cannot sell calls", StageIdle, StageCallOpen, ConditionCallSold},
		{"put phase cannot jump to call phase", StagePutOpen, StageCallOpen, ConditionCallSold},
		{"closed is terminal", StageClosed, StagePutOpen, ConditionPutSold},
		{"assigned put cannot expire", StageAssigned, StageClosed, ConditionPutExpired},
		{"condition required", StagePutOpen, StageAssigned, ""},
		{"wrong condition", StagePutOpen, StageAssigned, ConditionCallAssigned},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm := NewStateMachineAt(tt.from)
			if err := sm.Transition(tt.to, tt.condition); err == nil {
				t.Errorf("Transition %s -> %s (%q) should fail", tt.from, tt.to, tt.condition)
			}
			if sm.GetCurrentStage() != tt.from {
				t.Errorf("Stage should remain %s after failed transition, got %s", tt.from, sm.GetCurrentStage())
			}
		})
	}
}

func TestStateMachine_FullWheel(t *testing.T) {
	sm := NewStateMachine()

	steps := []struct {
		to        Stage
		condition string
	}{
		{StagePutOpen, ConditionPutSold},
		{StagePutOpen, ConditionPutSold},
		{StageAssigned, ConditionPutAssigned},
		{StageCallOpen, ConditionCallSold},
		{StageAssigned, ConditionCallExpired},
		{StageCallOpen, ConditionCallSold},
		{StageClosed, ConditionCallAssigned},
	}

	for _, step := range steps {
		if err := sm.Transition(step.to, step.condition); err != nil {
			t.Fatalf("Transition to %s failed: %v", step.to, err)
		}
	}

	if got := sm.GetTransitionCount(StageCallOpen); got != 2 {
		t.Errorf("Expected 2 entries into call_open, got %d", got)
	}
	if got := sm.GetTransitionCount(StagePutOpen); got != 2 {
		t.Errorf("Expected 2 entries into put_open, got %d", got)
	}
}

func TestStateMachine_PutPhaseReturnsIdle(t *testing.T) {
	for _, cond := range []string{ConditionPutExpired, ConditionPutBoughtBack, ConditionOrderUnfilled} {
		t.Run(cond, func(t *testing.T) {
			sm := NewStateMachineAt(StagePutOpen)
			if err := sm.Transition(StageClosed, cond); err != nil {
				t.Fatalf("put phase should close on %s: %v", cond, err)
			}
		})
	}
}

func TestStateMachine_RecoveryTransitions(t *testing.T) {
	for _, to := range []Stage{StagePutOpen, StageAssigned, StageCallOpen} {
		sm := NewStateMachine()
		if err := sm.Transition(to, ConditionRecoveredPosition); err != nil {
			t.Errorf("recovery into %s failed: %v", to, err)
		}
	}
	sm := NewStateMachineAt(StageAssigned)
	if err := sm.Transition(StageCallOpen, ConditionRecoveredPosition); err == nil {
		t.Error("recovery must only start from idle")
	}
}

func TestStage_AllowsSide(t *testing.T) {
	tests := []struct {
		stage Stage
		put   bool
		call  bool
	}{
		{StageIdle, true, false},
		{StagePutOpen, true, false},
		{StageAssigned, false, true},
		{StageCallOpen, false, true},
		{StageClosed, false, false},
	}
	for _, tt := range tests {
		if got := tt.stage.AllowsSide(OptionTypePut); got != tt.put {
			t.Errorf("%s allows put = %v, want %v", tt.stage, got, tt.put)
		}
		if got := tt.stage.AllowsSide(OptionTypeCall); got != tt.call {
			t.Errorf("%s allows call = %v, want %v", tt.stage, got, tt.call)
		}
	}
}

func TestGetStageDescription(t *testing.T) {
	for _, s := range []Stage{StageIdle, StagePutOpen, StageAssigned, StageCallOpen, StageClosed} {
		if d := GetStageDescription(s); d == "" || d == "Unknown stage" {
			t.Errorf("missing description for %s", s)
		}
	}
	if GetStageDescription("bogus") != "Unknown stage" {
		t.Error("unknown stages should be reported as such")
	}
}
