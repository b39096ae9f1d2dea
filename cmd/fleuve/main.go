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

// Command fleuve is the engine's own CLI surface: tooling around the
// engine, not the engine itself. It exposes a ui subcommand that starts
// the read-only monitoring server and a version subcommand that prints
// build information; an embedding application wires
// the Repository, Stream Reader, Runner, Activity Executor, and Delay
// Scheduler into its own process.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fleuve:", err)
		os.Exit(1)
	}
}
