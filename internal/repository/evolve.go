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

package repository

import (
	"time"

	"github.com/doomervibe/fleuve/pkg/fleuve"
)

// foldedState is the Repository's in-memory representation of one workflow
// instance: the framework's own lifecycle and subscription bookkeeping
// alongside the workflow type's domain state.
type foldedState struct {
	Lifecycle     fleuve.Lifecycle
	Subscriptions []fleuve.Subscription
	State         fleuve.State
}

// subscriptionDelta is what fold derives from a subscription system event,
// for the caller persisting new events to fold into its AppendRequest.
type subscriptionDelta struct {
	add    *fleuve.Subscription
	remove *fleuve.Subscription
}

// scheduleEffect is what fold derives from a delay or schedule system
// event, for the caller persisting new events to fold into its
// AppendRequest.
type scheduleEffect struct {
	upsert *fleuve.DelaySchedule
	delete string
}

// fold applies one event to fs. It handles the closed set of system events
// itself, mutating lifecycle and subscriptions directly, and falls through
// to the workflow type's own Evolve for everything else. workflowID and
// eventVersion are only used to stamp a derived DelaySchedule row; now is
// the clock used for DelaySchedule.CreatedAt.
//
// Callers replaying history only need the returned foldedState. Callers
// persisting new events also collect the subscription and schedule deltas
// to apply atomically alongside the event itself.
func fold(wt fleuve.WorkflowType, fs foldedState, event fleuve.DomainEvent, workflowID string, eventVersion int64, now func() time.Time) (foldedState, *subscriptionDelta, *scheduleEffect) {
	switch event.TypeTag() {
	case fleuve.SysPause:
		fs.Lifecycle = fleuve.LifecyclePaused
		return fs, nil, nil

	case fleuve.SysResume:
		if fs.Lifecycle != fleuve.LifecycleCancelled {
			fs.Lifecycle = fleuve.LifecycleActive
		}
		return fs, nil, nil

	case fleuve.SysCancel:
		fs.Lifecycle = fleuve.LifecycleCancelled
		return fs, nil, nil

	case fleuve.SysSubscriptionAdded:
		ev := event.(fleuve.SubscriptionAddedEvent)
		sub := fleuve.Subscription{EventType: ev.EventType, SourceWorkflow: ev.SourceWorkflow}
		if !hasSubscription(fs.Subscriptions, sub) {
			fs.Subscriptions = append(fs.Subscriptions, sub)
		}
		return fs, &subscriptionDelta{add: &sub}, nil

	case fleuve.SysSubscriptionRemoved:
		ev := event.(fleuve.SubscriptionRemovedEvent)
		sub := fleuve.Subscription{EventType: ev.EventType, SourceWorkflow: ev.SourceWorkflow}
		fs.Subscriptions = removeSubscription(fs.Subscriptions, sub)
		return fs, &subscriptionDelta{remove: &sub}, nil

	case fleuve.SysDelay:
		ev := event.(fleuve.DelayEvent)
		return fs, nil, &scheduleEffect{upsert: &fleuve.DelaySchedule{
			WorkflowID:     workflowID,
			WorkflowType:   wt.Name(),
			ScheduleID:     ev.ScheduleID,
			EventVersion:   eventVersion,
			DelayUntil:     ev.DelayUntil,
			NextCommand:    ev.NextCommand,
			CronExpression: ev.CronExpression,
			Timezone:       ev.Timezone,
			CreatedAt:      now(),
		}}

	case fleuve.SysScheduleAdded:
		ev := event.(fleuve.ScheduleAddedEvent)
		return fs, nil, &scheduleEffect{upsert: &fleuve.DelaySchedule{
			WorkflowID:     workflowID,
			WorkflowType:   wt.Name(),
			ScheduleID:     ev.ScheduleID,
			EventVersion:   eventVersion,
			DelayUntil:     ev.DelayUntil,
			NextCommand:    ev.NextCommand,
			CronExpression: ev.CronExpression,
			Timezone:       ev.Timezone,
			CreatedAt:      now(),
		}}

	case fleuve.SysScheduleRemoved:
		ev := event.(fleuve.ScheduleRemovedEvent)
		return fs, nil, &scheduleEffect{delete: ev.ScheduleID}

	case fleuve.SysDelayComplete:
		return fs, nil, nil

	default:
		fs.State = wt.Evolve(fs.State, event)
		return fs, nil, nil
	}
}

func hasSubscription(subs []fleuve.Subscription, target fleuve.Subscription) bool {
	for _, s := range subs {
		if s == target {
			return true
		}
	}
	return false
}

func removeSubscription(subs []fleuve.Subscription, target fleuve.Subscription) []fleuve.Subscription {
	out := subs[:0]
	for _, s := range subs {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}
