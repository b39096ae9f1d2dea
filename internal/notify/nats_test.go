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

package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubject_NamesOneChannelPerWorkflowType(t *testing.T) {
	assert.Equal(t, "fleuve.wakeup.order", Subject("order"))
	assert.NotEqual(t, Subject("order"), Subject("invoice"))
}

func TestPublisher_NilReceiverIsANoop(t *testing.T) {
	var p *Publisher
	assert.NoError(t, p.Publish("order"))
}

func TestPublisher_NilConnIsANoop(t *testing.T) {
	p := NewPublisher(nil)
	assert.NoError(t, p.Publish("order"))
}
