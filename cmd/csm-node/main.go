package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/raft"
	"github.com/ironvault/containerraft/pkg/config"
	"github.com/ironvault/containerraft/pkg/csm"
	"github.com/ironvault/containerraft/pkg/dispatcher"
	"github.com/ironvault/containerraft/pkg/log"
	"github.com/ironvault/containerraft/pkg/metrics"
	"github.com/ironvault/containerraft/pkg/raftadapter"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "csm-node",
	Short:   "Single-node demo host for the replicated container state machine",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("csm-node version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start a node hosting one replication group",
	Long: `Start a node hosting exactly one replication group: a dispatcher
writing chunk/container state to local disk, a state machine enforcing
the ordering and caching rules on top of it, and a real hashicorp/raft
cluster driving both. With --bootstrap this node forms a brand-new
single-member cluster; omit it to rejoin a data directory that already
holds persisted raft state.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("node-id", "node-1", "Raft server ID for this node")
	serveCmd.Flags().String("bind-addr", "127.0.0.1:7000", "Raft transport bind address")
	serveCmd.Flags().String("data-dir", "./data", "Data directory for raft state, the dispatcher and snapshots")
	serveCmd.Flags().String("config", "", "Optional YAML config file")
	serveCmd.Flags().Bool("bootstrap", false, "Bootstrap a new single-node cluster instead of rejoining one")
	serveCmd.Flags().Bool("demo-propose", false, "Periodically propose a demo command once this node becomes leader")
	serveCmd.Flags().String("http-addr", "127.0.0.1:7001", "Address to serve /health, /ready, /live and /metrics on")
}

func runServe(cmd *cobra.Command, args []string) error {
	nodeID, _ := cmd.Flags().GetString("node-id")
	bindAddr, _ := cmd.Flags().GetString("bind-addr")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	configPath, _ := cmd.Flags().GetString("config")
	bootstrap, _ := cmd.Flags().GetBool("bootstrap")
	demoPropose, _ := cmd.Flags().GetBool("demo-propose")
	httpAddr, _ := cmd.Flags().GetString("http-addr")

	logger := log.WithComponent("csm-node")

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	if cfg.NodeID == "" {
		cfg.NodeID = nodeID
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = bindAddr
	}
	if cfg.DataDir == "" {
		cfg.DataDir = dataDir
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	disp, err := dispatcher.New(dispatcher.Config{DataDir: filepath.Join(cfg.DataDir, "dispatcher")})
	if err != nil {
		return fmt.Errorf("open dispatcher: %w", err)
	}
	defer disp.Close()

	gid := uuid.New()
	server := newLogOnlyServer(cfg.NodeID)
	sm := csm.New(gid, disp, server, cfg.CSMConfig())
	server.NotifyGroupAdd(gid)

	fsm := raftadapter.NewFSM(sm)

	r, err := newRaft(cfg.NodeID, cfg.BindAddr, cfg.DataDir, fsm)
	if err != nil {
		return fmt.Errorf("start raft: %w", err)
	}

	if bootstrap {
		if err := bootstrapSingleNode(r, cfg.NodeID, cfg.BindAddr); err != nil {
			return fmt.Errorf("bootstrap cluster: %w", err)
		}
		logger.Info().Str("node_id", cfg.NodeID).Str("bind_addr", cfg.BindAddr).Msg("bootstrapped single-node cluster")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if demoPropose {
		go runDemoProposer(ctx, r, sm, gid, logger)
	}

	httpServer := newHealthServer(httpAddr)
	go runHealthReporter(ctx, r, sm)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("health/metrics server exited")
		}
	}()
	defer httpServer.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutdown signal received")
	sm.NotifyServerShutdown(server)
	shutdownErr := r.Shutdown().Error()
	sm.Close()
	return shutdownErr
}

// newHealthServer builds the /health, /ready, /live and /metrics endpoints
// this node exposes for operators and orchestrators to probe.
func newHealthServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	mux.Handle("/metrics", metrics.Handler())
	return &http.Server{Addr: addr, Handler: mux}
}

// runHealthReporter keeps the "raft" and "csm" health components current
// for the /health and /ready endpoints, polling rather than hooking every
// call site that could change either condition.
func runHealthReporter(ctx context.Context, r *raft.Raft, sm *csm.StateMachine) {
	metrics.SetVersion(Version)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.UpdateComponent("raft", r.State() != raft.Shutdown, r.State().String())
			if sm.Healthy() {
				metrics.UpdateComponent("csm", true, "")
			} else {
				metrics.UpdateComponent("csm", false, "state machine unhealthy")
			}
		}
	}
}

// runDemoProposer periodically proposes an echo command once this node is
// leader, enough to exercise the full leader -> pipeline -> raft -> FSM ->
// apply path against a real raft cluster without a separate client binary.
func runDemoProposer(ctx context.Context, r *raft.Raft, sm *csm.StateMachine, gid csm.Gid, logger zerolog.Logger) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	var counter int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.State() != raft.Leader {
				continue
			}
			counter++
			req := csm.Command{Kind: csm.KindEcho, ContainerID: 0, PipelineID: gid}
			resp, err := raftadapter.Propose(ctx, r, sm, req, 2*time.Second)
			if err != nil {
				logger.Warn().Err(err).Msg("demo propose failed")
				continue
			}
			logger.Info().Int64("n", counter).Interface("result", resp.Result).Msg("demo propose applied")
		}
	}
}
