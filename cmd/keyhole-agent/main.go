// Copyright (c) Edgeless Systems GmbH
// SPDX-License-Identifier: GPL-3.0-only

// main package of the keyhole agent-side launcher.
package main

import (
	"os"

	"github.com/darrylhansen/agent-keyhole-sub000/cmd/keyhole-agent/cmd"
)

func main() {
	root := cmd.New()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
