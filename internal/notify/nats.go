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

// Package notify wires the optional NATS-backed reader wakeup channel: the
// Repository publishes a subject-only notification after a successful
// append, and a Stream Reader's idle sleep additionally selects on a
// subscription to the same subject so it wakes as soon as new events
// might exist instead of waiting out the rest of its poll interval. The
// notification carries no payload and is never required for correctness
// — a reader that never receives one still makes progress on its next
// poll tick.
package notify

import (
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// Subject names the wakeup channel for one workflow type.
func Subject(workflowType string) string {
	return fmt.Sprintf("fleuve.wakeup.%s", workflowType)
}

// Connect opens a NATS connection for wakeup notifications, reconnecting
// automatically on transient disconnects so a Publisher or Subscriber
// built on it survives a NATS server restart.
func Connect(url string, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return nats.Connect(url,
		nats.Name("fleuve"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(*nats.Conn) {
			logger.Info("nats reconnected")
		}),
	)
}

// Publisher publishes wakeup notifications. A nil *Publisher is safe to
// call Publish on; it is a no-op, matching how internal/repository.Config
// treats an absent Notifier.
type Publisher struct {
	conn *nats.Conn
}

// NewPublisher wraps an established connection.
func NewPublisher(conn *nats.Conn) *Publisher {
	return &Publisher{conn: conn}
}

// Publish fires a wakeup notification for workflowType. Publish errors are
// not propagated to the caller's own operation — the notification is an
// optimization, not a durability guarantee.
func (p *Publisher) Publish(workflowType string) error {
	if p == nil || p.conn == nil {
		return nil
	}
	return p.conn.Publish(Subject(workflowType), nil)
}

// Subscribe returns a channel that receives a value each time a wakeup
// notification for workflowType arrives, and a func to tear the
// subscription down. The channel is buffered by one and never blocks the
// NATS dispatch goroutine: a pending, unconsumed wakeup collapses with
// the next one, since either is equally good reason to poll early.
func Subscribe(conn *nats.Conn, workflowType string) (<-chan struct{}, func(), error) {
	ch := make(chan struct{}, 1)
	sub, err := conn.Subscribe(Subject(workflowType), func(*nats.Msg) {
		select {
		case ch <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return nil, nil, err
	}
	return ch, func() { _ = sub.Unsubscribe() }, nil
}
