package events

import (
	"time"
)

// Event is implemented by every engine event.
type Event interface {
	EventType() string
	StageIndex() int
}

// Topics.
const (
	TopicStage      = "stage"
	TopicTask       = "task"
	TopicPolicy     = "policy"
	TopicDeploy     = "deploy"
	TopicBreaker    = "breaker"
	TopicEscalation = "escalation"
	TopicRollback   = "rollback"
)

// Event types.
const (
	EventStageGenerated    = "stage.generated"
	EventStagePolicyOK     = "stage.policy-checked"
	EventStageDeployed     = "stage.deployed"
	EventStageFailed       = "stage.failed"
	EventTaskFailed        = "task.failed"
	EventPolicyViolation   = "policy.violation"
	EventBreakerState      = "breaker.state"
	EventEscalationRaised  = "escalation.raised"
	EventEscalationLeveled = "escalation.leveled"
	EventRollbackDone      = "rollback.done"
)

// StageEvent reports a stage status transition.
type StageEvent struct {
	Type      string
	Stage     int
	Name      string
	Detail    string
	Timestamp time.Time
}

func (e StageEvent) EventType() string { return e.Type }
func (e StageEvent) StageIndex() int   { return e.Stage }

// TaskFailedEvent reports one absorbed task failure within a stage.
type TaskFailedEvent struct {
	Stage     int
	TaskID    string
	Role      string
	Err       string
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTaskFailed }
func (e TaskFailedEvent) StageIndex() int   { return e.Stage }

// PolicyViolationEvent reports a rule violation found during a policy check.
type PolicyViolationEvent struct {
	Stage     int
	RuleID    string
	Severity  string
	Message   string
	Timestamp time.Time
}

func (e PolicyViolationEvent) EventType() string { return EventPolicyViolation }
func (e PolicyViolationEvent) StageIndex() int   { return e.Stage }

// BreakerStateEvent reports a circuit breaker state transition.
type BreakerStateEvent struct {
	Provider  string
	From      string
	To        string
	Timestamp time.Time
}

func (e BreakerStateEvent) EventType() string { return EventBreakerState }
func (e BreakerStateEvent) StageIndex() int   { return 0 }

// EscalationEvent reports an escalation being opened or advanced.
type EscalationEvent struct {
	Type      string
	Stage     int
	IssueID   string
	Level     int
	Summary   string
	Timestamp time.Time
}

func (e EscalationEvent) EventType() string { return e.Type }
func (e EscalationEvent) StageIndex() int   { return e.Stage }

// RollbackEvent reports one completed stage rollback.
type RollbackEvent struct {
	Stage     int
	Name      string
	Timestamp time.Time
}

func (e RollbackEvent) EventType() string { return EventRollbackDone }
func (e RollbackEvent) StageIndex() int   { return e.Stage }
