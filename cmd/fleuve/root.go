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

package main

import (
	"github.com/spf13/cobra"
)

// version information, injected via ldflags at build time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// newRootCommand builds the fleuve root command. It exposes exactly two
// subcommands, ui and version; everything else (the HTTP/JSON command
// gateway, the browser UI, workflow authoring tools) lives outside this
// binary.
func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fleuve",
		Short: "fleuve - durable, event-sourced workflow engine",
		Long: `fleuve is a durable, event-sourced workflow engine: commands are
validated against folded state and turned into events, events are folded
back into state, and a background runtime re-injects events as commands
for subscribing workflows, runs side-effecting activities, and fires due
delays.

Run 'fleuve ui' to start the read-only monitoring server.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newUICommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}
