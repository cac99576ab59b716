// Command meshnode boots a single mesh peer using the libp2p transport,
// wiring every subsystem through the Orchestrator. Grounded on the
// teacher's cmd/inos-node/main.go boot sequence and
// internal/network/mesh.go's libp2p host usage, replaced entirely since
// the teacher dispatches WASM execution packets over protobuf while this
// node dispatches signed compute-task frames over the mesh's own
// canonical encoding.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/fx"

	"github.com/hadronlabs/meshfabric/internal/meshtypes"
	"github.com/hadronlabs/meshfabric/internal/orchestrator"
	"github.com/hadronlabs/meshfabric/internal/transport/libp2ptransport"
)

// staticTelemetry is a placeholder telemetry source until the embedding
// application wires in a real on-device capability collector.
type staticTelemetry struct {
	snapshot meshtypes.CapabilitySnapshot
}

func (s staticTelemetry) LocalCapabilities(ctx context.Context) (meshtypes.CapabilitySnapshot, error) {
	return s.snapshot, nil
}

// alwaysAccept is a placeholder AcceptDecider that accepts every inbound
// task assignment.
type alwaysAccept struct{}

func (alwaysAccept) ShouldAccept(ctx context.Context, req meshtypes.TaskRequest) bool { return true }

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil)).With("component", "meshnode")

	tr, err := libp2ptransport.New(nil, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "mesh transport:", err)
		os.Exit(1)
	}

	node := orchestrator.New(orchestrator.Deps{
		Config: meshtypes.DefaultConfig(),
		Logger: logger,
		Transport: tr,
		Telemetry: staticTelemetry{snapshot: meshtypes.CapabilitySnapshot{
			Tier:     meshtypes.TierMedium,
			CPUCores: 4,
			RAMGB:    8,
		}},
		Accept: alwaysAccept{},
	})

	app := fx.New(
		fx.NopLogger,
		orchestrator.FXModule(node),
	)

	startCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	logger.Info("mesh node running", "node_id", tr.LocalID().String())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	stopCtx, stopCancel := context.WithCancel(context.Background())
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
		os.Exit(1)
	}
}
