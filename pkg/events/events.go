// Package events defines the notifications emitted while lesson workflows progress.
package events

import (
	"time"

	"github.com/dukex/lessonflow/pkg/models"
	"github.com/google/uuid"
)

type EventType string

// Kafka topics.
const Topic = "lessonflow.workflows" // Topic for instance and step events
const JobTopic = "lessonflow.jobs"   // Topic for job status events, keyed by resource id
const LessonTopic = "lessonflow.lessons"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	InstanceStatusChangedEvent EventType = "workflow.instance.status_changed"
	StepStatusChangedEvent     EventType = "workflow.step.status_changed"
	JobStatusChangedEvent      EventType = "job.status_changed"
	FlashcardsDeployedEvent    EventType = "lesson.flashcards_deployed"
)

// TopicFor returns the topic an event type is published on.
func TopicFor(eventType EventType) string {
	switch eventType {
	case JobStatusChangedEvent:
		return JobTopic
	case FlashcardsDeployedEvent:
		return LessonTopic
	default:
		return Topic
	}
}

type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(eventType EventType) BaseEvent {
	return BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Metadata:  make(map[string]any),
	}
}

// InstanceStatusChanged is emitted whenever the aggregate status or progress of an instance moves.
type InstanceStatusChanged struct {
	BaseEvent

	InstanceID         string                `json:"instance_id"`
	ResourceID         string                `json:"resource_id"`
	WorkflowType       string                `json:"workflow_type"`
	PreviousStatus     models.WorkflowStatus `json:"previous_status"`
	Status             models.WorkflowStatus `json:"status"`
	ProgressPercentage int                   `json:"progress_percentage"`
	TotalCostCents     int64                 `json:"total_cost_cents"`
}

func (e InstanceStatusChanged) GetType() EventType {
	return InstanceStatusChangedEvent
}

// StepStatusChanged is emitted when a step changes status or progress.
type StepStatusChanged struct {
	BaseEvent

	InstanceID         string            `json:"instance_id"`
	ResourceID         string            `json:"resource_id"`
	StepID             string            `json:"step_id"`
	StepName           string            `json:"step_name"`
	PreviousStatus     models.StepStatus `json:"previous_status"`
	Status             models.StepStatus `json:"status"`
	ProgressPercentage int               `json:"progress_percentage"`
	JobID              string            `json:"job_id,omitempty"`
	ErrorMessage       string            `json:"error_message,omitempty"`
}

func (e StepStatusChanged) GetType() EventType {
	return StepStatusChangedEvent
}

// JobStatusChanged carries a full job snapshot written by a processor.
type JobStatusChanged struct {
	BaseEvent

	Job models.Job `json:"job"`
}

func (e JobStatusChanged) GetType() EventType {
	return JobStatusChangedEvent
}

// FlashcardsDeployed announces the approved flashcards of a lesson to downstream consumers.
type FlashcardsDeployed struct {
	BaseEvent

	ResourceID string           `json:"resource_id"`
	JobID      string           `json:"job_id"`
	Flashcards []map[string]any `json:"flashcards"`
}

func (e FlashcardsDeployed) GetType() EventType {
	return FlashcardsDeployedEvent
}
