// Copyright (c) Edgeless Systems GmbH
// SPDX-License-Identifier: GPL-3.0-only

// package cmd defines the keyhole agent-side launcher's root command: the parent half of the
// two-process architecture (§2, §4.8, §7). It spawns and supervises a keyhole-sidecar child,
// installs the Interceptor onto its own process-wide HTTP transport, and exposes the placeholder
// environment (§6) for the agent code it launches to merge in.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/darrylhansen/agent-keyhole-sub000/internal/bootstrap"
	"github.com/darrylhansen/agent-keyhole-sub000/internal/config"
	"github.com/darrylhansen/agent-keyhole-sub000/internal/constants"
	"github.com/darrylhansen/agent-keyhole-sub000/internal/envmap"
	"github.com/darrylhansen/agent-keyhole-sub000/internal/interceptor"
	"github.com/darrylhansen/agent-keyhole-sub000/internal/ipc"
	"github.com/darrylhansen/agent-keyhole-sub000/internal/logging"
	"github.com/darrylhansen/agent-keyhole-sub000/internal/ott"
	"github.com/darrylhansen/agent-keyhole-sub000/internal/process"
	"github.com/darrylhansen/agent-keyhole-sub000/internal/supervisor"
)

var (
	configPath  string
	sidecarPath string
	agentName   string
	autoRestart bool
	logLevel    string
)

// New returns the root command of the keyhole agent-side launcher binary.
func New() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "keyhole-agent",
		Short:   "keyhole-agent spawns a keyhole-sidecar child, installs the credential-firewall transport, and exposes the placeholder environment to the agent process it runs within.",
		Args:    cobra.NoArgs,
		Version: constants.Version(),
		RunE:    runAgent,
	}

	cmd.Flags().StringVar(&configPath, "config", "keyhole.yaml", "Path to the service configuration file.")
	cmd.Flags().StringVar(&sidecarPath, "sidecar-path", "keyhole-sidecar", "Path to the keyhole-sidecar binary to spawn.")
	cmd.Flags().StringVar(&agentName, "agent", "", "Default agent name attributed to requests that omit one.")
	cmd.Flags().BoolVar(&autoRestart, "auto-restart", false, "Respawn the sidecar child if it exits unexpectedly (§7).")
	cmd.Flags().StringVarP(&logLevel, logging.Flag, logging.FlagShorthand, logging.DefaultFlagValue, logging.FlagInfo)

	return cmd
}

func runAgent(cmd *cobra.Command, _ []string) error {
	log := logging.NewLogger(logLevel)

	cfg, warnings, err := config.Load(afero.NewOsFs(), configPath)
	if err != nil {
		return fmt.Errorf("loading config %s: %w", configPath, err)
	}
	for _, w := range warnings {
		log.Warn(w)
	}

	var agentPtr *string
	if agentName != "" {
		agentPtr = &agentName
	}

	ctx, stopSignals := process.SignalContext(cmd.Context(), os.Interrupt)
	defer stopSignals()

	resolver := interceptor.NewResolver(bootstrap.DeriveDomainMap(cfg))
	var client *ipc.Client

	// onReady fires once after the initial Start and again after every supervised restart (§7): the
	// first call dials and installs the Interceptor, later calls just repoint the existing Client at
	// the respawned child's socket + token via UpdateConnection.
	onReady := func(socketPath string, token ott.Token) {
		if client == nil {
			dialed, err := ipc.Dial(socketPath, token)
			if err != nil {
				log.Error("Dialing sidecar IPC socket", "error", err)
				return
			}
			client = dialed
			if err := interceptor.Install(resolver, client); err != nil {
				log.Error("Installing interceptor", "error", err)
			}
			log.Info("Sidecar ready", "socket", socketPath)
			return
		}
		log.Warn("Sidecar restarted", "socket", socketPath)
		if err := client.UpdateConnection(socketPath, token); err != nil {
			log.Error("Reconnecting IPC client after restart", "error", err)
		}
	}

	sup := supervisor.New(supervisor.Options{
		SidecarPath: sidecarPath,
		Config:      cfg,
		Agent:       agentPtr,
		AutoRestart: autoRestart,
		OnReady:     onReady,
	})
	defer interceptor.Uninstall()

	for key, value := range envmap.GetSafeEnv(cfg) {
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("setting placeholder env %s: %w", key, err)
		}
	}

	done := make(chan error, 1)
	go func() { done <- sup.Supervise(ctx) }()

	select {
	case <-ctx.Done():
		return sup.Shutdown()
	case err := <-done:
		return err
	}
}
