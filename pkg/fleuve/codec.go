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

import (
	"encoding/json"
	"fmt"
)

// JSONCodec is the default Codec: it marshals bodies with encoding/json
// and unmarshals them into the Go type a TypeRegistry maps a TypeTag to.
type JSONCodec struct {
	registry *TypeRegistry
}

// NewJSONCodec returns a Codec backed by registry for type-tag resolution.
func NewJSONCodec(registry *TypeRegistry) *JSONCodec {
	return &JSONCodec{registry: registry}
}

// Marshal implements Codec.
func (c *JSONCodec) Marshal(v Serializable) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal implements Codec.
func (c *JSONCodec) Unmarshal(data []byte, typeTag TypeTag) (Serializable, error) {
	zero, ok := c.registry.New(typeTag)
	if !ok {
		return nil, fmt.Errorf("fleuve: no type registered for tag %q", typeTag)
	}
	if err := json.Unmarshal(data, zero); err != nil {
		return nil, fmt.Errorf("fleuve: unmarshal %q: %w", typeTag, err)
	}
	v, ok := zero.(Serializable)
	if !ok {
		return nil, fmt.Errorf("fleuve: registered type for %q does not implement Serializable", typeTag)
	}
	return v, nil
}

// TypeRegistry maps TypeTags to zero-value factory functions, letting a
// Codec construct the right concrete Go type before unmarshaling into it.
type TypeRegistry struct {
	factories map[TypeTag]func() any
}

// NewTypeRegistry returns an empty registry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{factories: make(map[TypeTag]func() any)}
}

// Register associates tag with a factory returning a pointer to a fresh
// zero value of the concrete type, e.g. Register(OrderPlaced, func() any {
// return &OrderPlacedEvent{} }).
func (r *TypeRegistry) Register(tag TypeTag, factory func() any) {
	r.factories[tag] = factory
}

// New constructs a fresh zero value for tag, or (nil, false) if unregistered.
func (r *TypeRegistry) New(tag TypeTag) (any, bool) {
	factory, ok := r.factories[tag]
	if !ok {
		return nil, false
	}
	return factory(), true
}
