// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fleuve

import "time"

// System event type tags. This is a closed set: the framework evolve
// wrapper switches on these before ever reaching a workflow type's own
// _evolve, so no user event may reuse one of these tags.
const (
	SysPause               TypeTag = "sys.pause"
	SysResume              TypeTag = "sys.resume"
	SysCancel              TypeTag = "sys.cancel"
	SysSubscriptionAdded   TypeTag = "sys.subscription_added"
	SysSubscriptionRemoved TypeTag = "sys.subscription_removed"
	SysScheduleAdded       TypeTag = "sys.schedule_added"
	SysScheduleRemoved     TypeTag = "sys.schedule_removed"
	SysDelay               TypeTag = "sys.delay"
	SysDelayComplete       TypeTag = "sys.delay_complete"
)

// PauseEvent suspends a workflow instance: non-system commands are
// rejected until a matching ResumeEvent is folded.
type PauseEvent struct {
	Reason string `json:"reason,omitempty"`
}

// TypeTag implements Serializable.
func (PauseEvent) TypeTag() TypeTag { return SysPause }

// ResumeEvent lifts a prior PauseEvent.
type ResumeEvent struct{}

// TypeTag implements Serializable.
func (ResumeEvent) TypeTag() TypeTag { return SysResume }

// CancelEvent terminates a workflow instance. Cancellation rejects all
// further commands, system or not, except observation.
type CancelEvent struct {
	Reason string `json:"reason,omitempty"`
}

// TypeTag implements Serializable.
func (CancelEvent) TypeTag() TypeTag { return SysCancel }

// SubscriptionAddedEvent registers interest in events of EventType from
// SourceWorkflow ("*" for any source) flowing through this workflow's
// reader partition.
type SubscriptionAddedEvent struct {
	EventType      string `json:"event_type"`
	SourceWorkflow string `json:"source_workflow"`
}

// TypeTag implements Serializable.
func (SubscriptionAddedEvent) TypeTag() TypeTag { return SysSubscriptionAdded }

// SubscriptionRemovedEvent retracts a prior SubscriptionAddedEvent.
type SubscriptionRemovedEvent struct {
	EventType      string `json:"event_type"`
	SourceWorkflow string `json:"source_workflow"`
}

// TypeTag implements Serializable.
func (SubscriptionRemovedEvent) TypeTag() TypeTag { return SysSubscriptionRemoved }

// ScheduleAddedEvent is folded by the framework's evolve wrapper into a
// DelaySchedule row; it is what a workflow type emits (via DelayEvent, see
// below) to ask the Delay Scheduler to fire NextCommand at DelayUntil.
type ScheduleAddedEvent struct {
	ScheduleID     string    `json:"schedule_id"`
	DelayUntil     time.Time `json:"delay_until"`
	NextCommand    Command   `json:"-"`
	CronExpression string    `json:"cron_expression,omitempty"`
	Timezone       string    `json:"timezone,omitempty"`
}

// TypeTag implements Serializable.
func (ScheduleAddedEvent) TypeTag() TypeTag { return SysScheduleAdded }

// ScheduleRemovedEvent cancels a pending DelaySchedule before it fires.
type ScheduleRemovedEvent struct {
	ScheduleID string `json:"schedule_id"`
}

// TypeTag implements Serializable.
func (ScheduleRemovedEvent) TypeTag() TypeTag { return SysScheduleRemoved }

// DelayEvent is emitted by a workflow's decide() to request a one-shot or
// cron timer; the evolve wrapper turns it into a DelaySchedule row with no
// further domain event needed.
type DelayEvent struct {
	ScheduleID     string    `json:"schedule_id"`
	DelayUntil     time.Time `json:"delay_until"`
	NextCommand    Command   `json:"-"`
	CronExpression string    `json:"cron_expression,omitempty"`
	Timezone       string    `json:"timezone,omitempty"`
}

// TypeTag implements Serializable.
func (DelayEvent) TypeTag() TypeTag { return SysDelay }

// DelayCompleteEvent is appended by the Delay Scheduler when a schedule
// fires, immediately before it applies NextCommand via the Repository.
type DelayCompleteEvent struct {
	ScheduleID string `json:"schedule_id"`
}

// TypeTag implements Serializable.
func (DelayCompleteEvent) TypeTag() TypeTag { return SysDelayComplete }

// IsSystemEventType reports whether t names one of the reserved system
// event tags.
func IsSystemEventType(t TypeTag) bool {
	switch t {
	case SysPause, SysResume, SysCancel,
		SysSubscriptionAdded, SysSubscriptionRemoved,
		SysScheduleAdded, SysScheduleRemoved,
		SysDelay, SysDelayComplete:
		return true
	default:
		return false
	}
}
