// Command writecoordd hosts the write-consistency core as a standalone
// process: it wires config, the Shared Store, the Event Subscriber, the
// Membership Client, the Deployment Router and the Write Coordinator
// together and keeps them running until told to shut down. It exposes no
// RPC surface of its own — a real deployment embeds internal/coordinator
// directly into whatever serverless request path invokes writes; this
// binary exists so the core can be smoke-tested and operated standalone.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hopswrite/writecoord/internal/ackstore"
	"github.com/hopswrite/writecoord/internal/config"
	"github.com/hopswrite/writecoord/internal/coordinator"
	"github.com/hopswrite/writecoord/internal/deployment"
	"github.com/hopswrite/writecoord/internal/eventsub"
	"github.com/hopswrite/writecoord/internal/membership"
	"github.com/hopswrite/writecoord/internal/node"
	"github.com/hopswrite/writecoord/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	envConfigPath             = "WRITECOORD_CONFIG_PATH"
	defaultConfigPath         = "./config.yaml"
	defaultShutdownTimeout    = 30 * time.Second
	membershipConnectDeadline = 30 * time.Second
)

var logger = telemetry.NewLogger("writecoordd")

func main() {
	if err := run(); err != nil {
		logger.Error(err, "application run failed")
		os.Exit(1)
	}
	logger.Info("application shutdown complete")
}

// services bundles every long-lived handle run needs to tear down in
// reverse startup order.
type services struct {
	nodeCtx   node.Context
	store     *ackstore.Store
	subs      *eventsub.Subscriber
	mc        *membership.Client
	coord     *coordinator.Coordinator
	identity  node.Identity
	groupName string
}

func run() error {
	configPath, ok := os.LookupEnv(envConfigPath)
	if !ok {
		configPath = defaultConfigPath
	}
	logger.Info("loading configuration", "path", configPath)
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	svc, err := startServices(context.Background(), cfg)
	if err != nil {
		return fmt.Errorf("failed to start services: %w", err)
	}
	logRuntimeInfo(cfg, svc)

	reason := waitForShutdown()
	logger.Info("shutdown initiated", "reason", reason)
	shutdownServices(svc)
	return nil
}

// startServices brings up the Shared Store, ES, MC, DR and WC in the
// order their constructors depend on each other.
func startServices(ctx context.Context, cfg *config.Config) (*services, error) {
	identity, err := node.NewIdentity(cfg.Node.FunctionName, cfg.LocalDeployment, cfg.Node.NodeIDBits)
	if err != nil {
		return nil, fmt.Errorf("node identity: %w", err)
	}
	nodeCtx := node.NewContext(ctx, identity)
	log := logger.WithValues("node", identity.String())

	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)

	log.Info("opening shared store", "dsn", cfg.SharedStoreDSN)
	store, err := ackstore.Open("sqlite", cfg.SharedStoreDSN)
	if err != nil {
		return nil, fmt.Errorf("shared store open: %w", err)
	}
	if err := store.EnsureSchema(nodeCtx, cfg.LocalDeployment); err != nil {
		store.Close()
		return nil, fmt.Errorf("shared store schema: %w", err)
	}

	subs := eventsub.New(store, log, metrics, eventsub.WithRetryPolicy(cfg.EventRetryBackoff(), cfg.EventRetryMax))

	dr, err := deployment.New(cfg.NumDeployments, cfg.LocalDeployment)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("deployment router: %w", err)
	}

	log.Info("connecting to membership service", "hosts", cfg.MembershipHosts)
	mc := membership.New(cfg.MembershipHosts, log)
	connectCtx, cancel := context.WithTimeout(nodeCtx, membershipConnectDeadline)
	defer cancel()
	if err := mc.Connect(connectCtx); err != nil {
		store.Close()
		return nil, fmt.Errorf("membership connect: %w", err)
	}
	if err := mc.CreateGroup(cfg.Node.FunctionName); err != nil {
		mc.Close()
		store.Close()
		return nil, fmt.Errorf("membership create group: %w", err)
	}

	coord := coordinator.New(identity, dr, store, subs, mc, log, metrics)

	// Session loss must both mark every future protocol run doomed
	// (InvalidateSessionCache) and unblock any run already parked in
	// WAIT_ACKS (nodeCtx.Cancel) — see coordinator.go's doc comment on
	// InvalidateSessionCache.
	onSessionLoss := func() {
		coord.InvalidateSessionCache()
		nodeCtx.Cancel()
	}
	if err := mc.JoinGroup(nodeCtx, cfg.Node.FunctionName, identity.ID, onSessionLoss); err != nil {
		mc.Close()
		store.Close()
		return nil, fmt.Errorf("membership join group: %w", err)
	}

	return &services{
		nodeCtx:   nodeCtx,
		store:     store,
		subs:      subs,
		mc:        mc,
		coord:     coord,
		identity:  identity,
		groupName: cfg.Node.FunctionName,
	}, nil
}

func logRuntimeInfo(cfg *config.Config, svc *services) {
	members, err := svc.mc.ListMembers(svc.nodeCtx, svc.groupName)
	if err != nil {
		logger.Error(err, "failed to list members for startup log")
		return
	}
	logger.Info("writecoordd is running",
		"node", svc.identity.String(),
		"groupSize", len(members),
		"numDeployments", cfg.NumDeployments,
		"localDeployment", cfg.LocalDeployment)
}

func waitForShutdown() string {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	logger.Info("all services started, waiting for shutdown signal")
	sig := <-sigCh
	return fmt.Sprintf("received signal: %s", sig)
}

// shutdownServices tears down components in reverse dependency order:
// leave the membership group before closing the client that holds the
// session, and close the store last since AS underlies everything else.
func shutdownServices(svc *services) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	logger.Info("leaving membership group")
	if err := svc.mc.LeaveGroup(shutdownCtx, svc.groupName, svc.identity.ID); err != nil {
		logger.Error(err, "leave group failed")
	}
	if err := svc.mc.Close(); err != nil {
		logger.Error(err, "membership client close failed")
	}

	svc.nodeCtx.Cancel()

	if err := svc.store.Close(); err != nil {
		logger.Error(err, "shared store close failed")
	}
	logger.Info("writecoordd shutdown sequence finished", "node", svc.identity.String())
}
