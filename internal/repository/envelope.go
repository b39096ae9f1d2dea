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
	"encoding/json"
	"fmt"

	"github.com/doomervibe/fleuve/pkg/fleuve"
)

// envelopeTypeTag marks State Cache entries and snapshots that hold a full
// stateEnvelope rather than a bare domain state body. It is a framework
// constant, never looked up in a workflow type's TypeRegistry.
const envelopeTypeTag fleuve.TypeTag = "fleuve.internal.folded_state"

// stateEnvelope is the wire shape the Repository caches and snapshots: the
// framework's lifecycle and subscription bookkeeping plus the workflow
// type's own state, marshaled through its Codec and carried as a nested
// raw body. Always marshaled with encoding/json regardless of which Codec
// a workflow type plugs in, since this is an internal framework format, not
// a user-facing wire contract.
type stateEnvelope struct {
	Lifecycle     fleuve.Lifecycle      `json:"lifecycle"`
	Subscriptions []fleuve.Subscription `json:"subscriptions,omitempty"`
	StateType     fleuve.TypeTag        `json:"state_type,omitempty"`
	StateBody     json.RawMessage       `json:"state_body,omitempty"`
}

func encodeFolded(codec fleuve.Codec, fs foldedState) ([]byte, error) {
	env := stateEnvelope{
		Lifecycle:     fs.Lifecycle,
		Subscriptions: fs.Subscriptions,
	}
	if fs.State != nil {
		body, err := codec.Marshal(fs.State)
		if err != nil {
			return nil, fmt.Errorf("marshal state: %w", err)
		}
		env.StateType = fs.State.TypeTag()
		env.StateBody = body
	}
	return json.Marshal(env)
}

func decodeFolded(codec fleuve.Codec, data []byte) (foldedState, error) {
	var env stateEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return foldedState{}, fmt.Errorf("unmarshal state envelope: %w", err)
	}
	fs := foldedState{Lifecycle: env.Lifecycle, Subscriptions: env.Subscriptions}
	if len(env.StateBody) > 0 && env.StateType != "" {
		state, err := codec.Unmarshal(env.StateBody, env.StateType)
		if err != nil {
			return foldedState{}, fmt.Errorf("unmarshal state: %w", err)
		}
		fs.State = state
	}
	return fs, nil
}
