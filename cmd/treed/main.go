// Command treed runs a single tree node: router, coordinator, health
// monitor and etcd registration, with HTTP endpoints for health, info,
// stats and metrics.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fractree/fractree/internal/telemetry"
	"github.com/fractree/fractree/pkg/chaos"
	"github.com/fractree/fractree/pkg/coord"
	"github.com/fractree/fractree/pkg/health"
	"github.com/fractree/fractree/pkg/message"
	"github.com/fractree/fractree/pkg/registry"
	"github.com/fractree/fractree/pkg/routing"
	"github.com/fractree/fractree/pkg/tree"
)

var (
	version = "dev"
	gitSHA  = "unknown"
)

type serveOptions struct {
	nodeID      string
	parentID    string
	listen      string
	etcd        []string
	heartbeat   time.Duration
	maxQueue    int
	maxInflight int
	chaosMode   bool
	seed        int64
	dev         bool
}

func main() {
	root := &cobra.Command{
		Use:          "treed",
		Short:        "fractree node daemon",
		SilenceUsage: true,
	}
	root.AddCommand(newServeCommand(), newVersionCommand())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "treed %s (%s)\n", version, gitSHA)
		},
	}
}

func newServeCommand() *cobra.Command {
	opts := serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a tree node",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runServe(opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.nodeID, "id", "", "node id (generated when empty)")
	f.StringVar(&opts.parentID, "parent", "", "parent node id (empty for root)")
	f.StringVar(&opts.listen, "listen", ":8080", "HTTP listen address")
	f.StringSliceVar(&opts.etcd, "etcd", nil, "etcd endpoints (registration disabled when empty)")
	f.DurationVar(&opts.heartbeat, "heartbeat-interval", 30*time.Second, "coordination heartbeat interval")
	f.IntVar(&opts.maxQueue, "max-queue", 1000, "per-priority outbound queue bound")
	f.IntVar(&opts.maxInflight, "max-inflight", 100, "reliable delivery inflight cap")
	f.BoolVar(&opts.chaosMode, "chaos", false, "enable chaos failure injection")
	f.Int64Var(&opts.seed, "seed", 0, "randomness seed (0 uses current time)")
	f.BoolVar(&opts.dev, "dev", false, "development logging")
	return cmd
}

func runServe(opts serveOptions) error {
	log, err := buildLogger(opts.dev)
	if err != nil {
		return err
	}
	defer log.Sync()

	if opts.nodeID == "" {
		opts.nodeID = uuid.NewString()
	}
	if opts.seed == 0 {
		opts.seed = time.Now().UnixNano()
	}

	node, err := tree.New(opts.nodeID)
	if err != nil {
		return err
	}

	metrics := telemetry.New()
	metrics.SetBuildInfo(version, gitSHA)

	var injector *chaos.Injector
	if opts.chaosMode {
		injector = chaos.New(log, nil, rand.New(rand.NewSource(opts.seed)))
		injector.ChaosMode()
		injector.SetObserver(func(ft chaos.FailureType) {
			metrics.ChaosInjected(opts.nodeID, string(ft))
		})
		injector.Enable()
	}

	network := routing.NewNetwork(log)
	router, err := routing.NewReliableRouter(node, routing.ReliableConfig{
		Router: routing.Config{
			MaxQueueSize: opts.maxQueue,
			Transport:    network,
			Injector:     injector,
			Logger:       log,
			Metrics:      metrics,
		},
		MaxInflight: opts.maxInflight,
		OnOutcome: func(outcome string) {
			metrics.DeliveryOutcome(opts.nodeID, outcome)
		},
	})
	if err != nil {
		return err
	}
	network.Register(node.ID(), router)

	coordinator := coord.New(node, router, coord.Config{
		HeartbeatInterval: opts.heartbeat,
		Logger:            log,
	})
	coordinator.OnCommand(func(command string, params map[string]any) error {
		log.Info("coordination command received",
			zap.String("node", node.ID()),
			zap.String("command", command),
			zap.Any("params", params))
		return nil
	})
	router.RegisterHandler(message.Request, coordinator.HandleCoordinationMessage)
	router.RegisterHandler(message.Command, coordinator.HandleCoordinationMessage)

	monitor := health.NewMonitor(node, router, health.Config{
		HeartbeatInterval: opts.heartbeat,
		Logger:            log,
	})
	router.RegisterHandler(message.Ping, monitor.HandleHeartbeat)

	backpressure := coord.NewBackpressureMonitor(coord.BackpressureConfig{Logger: log})
	backpressure.RegisterQueue("router", router)
	backpressure.OnPause(func() {
		log.Warn("backpressure pause", zap.String("node", node.ID()))
	})
	backpressure.OnResume(func() {
		log.Info("backpressure resume", zap.String("node", node.ID()))
	})

	router.Start()
	coordinator.Start()
	monitor.Start()
	backpressure.Start()
	defer func() {
		backpressure.Stop()
		monitor.Stop()
		coordinator.Stop()
		router.Stop()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if len(opts.etcd) > 0 {
		cli, err := registry.NewClient(opts.etcd)
		if err != nil {
			return fmt.Errorf("etcd dial: %w", err)
		}
		defer cli.Close()

		reg := registry.New(cli, log)
		if err := reg.Register(ctx, node.ID(), opts.parentID); err != nil {
			return err
		}
		defer func() {
			shCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			reg.Deregister(shCtx)
		}()

		// Attach known and future children under this node so routing
		// decisions see the subtree.
		peers, err := reg.Peers(ctx)
		if err != nil {
			return err
		}
		for _, p := range peers {
			attachPeer(node, p, true, log)
		}
		reg.WatchPeers(ctx, func(p registry.Peer, added bool) {
			attachPeer(node, p, added, log)
		})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if monitor.Status() == health.Unhealthy {
			http.Error(w, string(health.Unhealthy), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/info", metrics.Instrument("info", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		children := node.Children()
		ids := make([]string, 0, len(children))
		for _, c := range children {
			ids = append(ids, c.ID())
		}
		writeJSON(w, map[string]any{
			"pid":      os.Getpid(),
			"now":      time.Now(),
			"node_id":  node.ID(),
			"parent":   opts.parentID,
			"children": ids,
			"version":  version,
		})
	})))
	mux.Handle("/stats", metrics.Instrument("stats", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{
			"router":       router.Statistics(),
			"reliability":  router.ReliabilityStatistics(),
			"coordination": coordinator.Statistics(),
			"health":       monitor.Statistics(),
			"backpressure": backpressure.Statistics(),
		})
	})))
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{Addr: opts.listen, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		log.Info("node listening",
			zap.String("node", node.ID()), zap.String("addr", opts.listen))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func attachPeer(node *tree.Node, p registry.Peer, added bool, log *zap.Logger) {
	if p.ParentID != node.ID() {
		return
	}
	if !added {
		node.RemoveChild(p.NodeID)
		log.Info("child left", zap.String("child", p.NodeID))
		return
	}
	if node.HasChild(p.NodeID) {
		return
	}
	child, err := tree.New(p.NodeID)
	if err != nil {
		log.Warn("invalid peer id", zap.String("peer", p.NodeID), zap.Error(err))
		return
	}
	if err := node.AddChild(child); err != nil {
		log.Warn("cannot attach child", zap.String("child", p.NodeID), zap.Error(err))
		return
	}
	log.Info("child joined", zap.String("child", p.NodeID))
}

func buildLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
