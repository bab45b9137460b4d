// Command conductord is the conductor core's CLI entrypoint: it wires
// together the store, task manager, power engine and lifecycle handlers
// built in pkg/, mounts the metrics endpoint, and exposes a handful of
// operator subcommands. The HTTP/REST surface, RPC transport and driver
// protocols themselves stay out of scope (see pkg/*'s doc comments) — this
// binary only proves the core wires up the way a real daemon would.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cuemby/conductor/pkg/agent"
	"github.com/cuemby/conductor/pkg/cerrors"
	"github.com/cuemby/conductor/pkg/clock"
	"github.com/cuemby/conductor/pkg/config"
	"github.com/cuemby/conductor/pkg/lifecycle"
	"github.com/cuemby/conductor/pkg/log"
	"github.com/cuemby/conductor/pkg/metrics"
	"github.com/cuemby/conductor/pkg/notify"
	"github.com/cuemby/conductor/pkg/power"
	"github.com/cuemby/conductor/pkg/rpcdispatch"
	"github.com/cuemby/conductor/pkg/store"
	"github.com/cuemby/conductor/pkg/task"
	"github.com/cuemby/conductor/pkg/types"
)

var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "conductord",
	Short:   "Bare-metal provisioning conductor core",
	Version: fmt.Sprintf("%s (commit %s, built %s)", version, commit, buildTime),
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func main() {
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", true, "emit structured JSON logs")
	rootCmd.PersistentFlags().String("data-dir", "./data", "bbolt data directory")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd, nodeCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// unimplementedDriverBag is the seam where a real IPMI/Redfish/iLO driver
// plugin attaches. Power calls and every management call except Validate
// fail with UnsupportedDriverExtension; Validate and the deploy, storage,
// network and rescue calls succeed without doing anything. It lets the
// daemon boot and serve read-only/CLI operations without any hardware
// behind it.
type unimplementedDriverBag struct{}

func (unimplementedDriverBag) ResolveDrivers(node *types.Node) types.DriverBag {
	return types.DriverBag{
		Power:      unimplementedPower{},
		Management: unimplementedManagement{},
		Deploy:     unimplementedDeploy{},
		Storage:    unimplementedStorage{},
		Network:    unimplementedNetwork{},
		Rescue:     unimplementedRescue{},
	}
}

type unimplementedPower struct{}

func (unimplementedPower) GetPowerState(context.Context, *types.Node) (types.PowerState, error) {
	return types.PowerNoState, cerrors.NewUnsupportedDriverExtension("no power driver registered")
}
func (unimplementedPower) SetPowerState(context.Context, *types.Node, types.PowerState, int) error {
	return cerrors.NewUnsupportedDriverExtension("no power driver registered")
}
func (unimplementedPower) Reboot(context.Context, *types.Node, int) error {
	return cerrors.NewUnsupportedDriverExtension("no power driver registered")
}

type unimplementedManagement struct{}

func (unimplementedManagement) Validate(context.Context, *types.Node) error { return nil }
func (unimplementedManagement) SetBootDevice(context.Context, *types.Node, string, bool) error {
	return cerrors.NewUnsupportedDriverExtension("no management driver registered")
}
func (unimplementedManagement) GetBootMode(context.Context, *types.Node) (string, error) {
	return "", cerrors.NewUnsupportedDriverExtension("no management driver registered")
}
func (unimplementedManagement) GetSupportedBootModes(context.Context, *types.Node) ([]string, error) {
	return nil, cerrors.NewUnsupportedDriverExtension("no management driver registered")
}
func (unimplementedManagement) SetBootMode(context.Context, *types.Node, string) error {
	return cerrors.NewUnsupportedDriverExtension("no management driver registered")
}
func (unimplementedManagement) DetectVendor(context.Context, *types.Node) (string, error) {
	return "", cerrors.NewUnsupportedDriverExtension("no management driver registered")
}

type unimplementedDeploy struct{}

func (unimplementedDeploy) CleanUp(context.Context, *types.Node) error           { return nil }
func (unimplementedDeploy) TearDownCleaning(context.Context, *types.Node) error { return nil }

type unimplementedStorage struct{}

func (unimplementedStorage) AttachVolumes(context.Context, *types.Node) error { return nil }
func (unimplementedStorage) DetachVolumes(context.Context, *types.Node) error { return nil }
func (unimplementedStorage) ShouldWriteImage(context.Context, *types.Node) (bool, error) {
	return false, nil
}

type unimplementedNetwork struct{}

func (unimplementedNetwork) NeedPowerOn(context.Context, *types.Node) (bool, error) {
	return false, nil
}

type unimplementedRescue struct{}

func (unimplementedRescue) CleanUp(context.Context, *types.Node) error { return nil }

// daemon bundles every collaborator serve and the node subcommands share.
type daemon struct {
	cfg        *config.Config
	st         store.Store
	taskMgr    *task.TaskManager
	powerEng   *power.Engine
	handlers   *lifecycle.Handlers
	dispatcher rpcdispatch.Dispatcher
}

func newDaemon(dataDir string) (*daemon, func(), error) {
	cfg := config.Default()

	st, err := store.NewBoltStore(dataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("opening store: %w", err)
	}

	emitter := notify.LoggingEmitter{}
	taskMgr := task.New(st, unimplementedDriverBag{})
	powerEng := power.NewEngine(clock.Real{}, emitter, cfg.Conductor.PowerStateChangeTimeout)

	d := &daemon{
		cfg:      cfg,
		st:       st,
		taskMgr:  taskMgr,
		powerEng: powerEng,
		handlers: &lifecycle.Handlers{Emitter: emitter, Power: powerEng},
		dispatcher: rpcdispatch.NoOp{},
	}
	return d, func() { st.Close() }, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the conductor daemon (metrics endpoint + wait-state sweeper)",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		sweepInterval, _ := cmd.Flags().GetDuration("sweep-interval")

		if dataDir == "" {
			dataDir, _ = rootCmd.PersistentFlags().GetString("data-dir")
		}

		d, closeFn, err := newDaemon(dataDir)
		if err != nil {
			return err
		}
		defer closeFn()

		logger := log.WithComponent("conductord")

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		server := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			logger.Info().Str("addr", metricsAddr).Msg("metrics endpoint listening")
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("metrics server error")
			}
		}()

		sweepCtx, cancelSweep := context.WithCancel(context.Background())
		go d.sweepWaitStates(sweepCtx, sweepInterval, logger)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		logger.Info().Msg("shutting down")
		cancelSweep()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	},
}

// sweepWaitStates periodically walks every node and fires the timeout
// cleanup handlers on whichever *WAIT states have overstayed — standing
// in for the out-of-scope scheduler that would otherwise drive these
// transitions off a per-node deadline.
func (d *daemon) sweepWaitStates(ctx context.Context, interval time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			nodes, err := d.st.ListNodes(ctx)
			if err != nil {
				logger.Error().Err(err).Msg("listing nodes for wait-state sweep")
				continue
			}
			for _, n := range nodes {
				d.sweepOne(ctx, n, logger)
			}
		}
	}
}

func (d *daemon) sweepOne(ctx context.Context, n *types.Node, logger zerolog.Logger) {
	var purpose string
	switch n.ProvisionState {
	case types.StateCleanWait:
		purpose = "cleanwait-timeout"
	case types.StateRescueWait:
		purpose = "rescuewait-timeout"
	case types.StateDeployWait:
		purpose = "deploywait-timeout"
	default:
		return
	}

	t, err := d.taskMgr.Acquire(ctx, n.UUID, true, purpose)
	if err != nil {
		logger.Debug().Str("node_id", n.UUID).Err(err).Msg("skipping wait-state sweep, acquire failed")
		return
	}
	defer t.Release()

	switch n.ProvisionState {
	case types.StateCleanWait:
		err = d.handlers.CleanupCleanwaitTimeout(ctx, t)
	case types.StateRescueWait:
		err = d.handlers.CleanupRescuewaitTimeout(ctx, t)
	case types.StateDeployWait:
		err = d.handlers.CleanupAfterTimeout(ctx, t)
	}
	if err != nil {
		logger.Warn().Str("node_id", n.UUID).Err(err).Msg("wait-state timeout cleanup failed")
	}
}

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Inspect and drive nodes",
}

var nodeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known nodes",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := rootCmd.PersistentFlags().GetString("data-dir")
		d, closeFn, err := newDaemon(dataDir)
		if err != nil {
			return err
		}
		defer closeFn()

		nodes, err := d.st.ListNodes(context.Background())
		if err != nil {
			return err
		}
		for _, n := range nodes {
			fmt.Printf("%s\t%-12s\t%-12s\t%s\n", n.UUID, n.ProvisionState, n.PowerState, n.Name)
		}
		return nil
	},
}

var nodePowerCmd = &cobra.Command{
	Use:   "power [on|off] [node-uuid]",
	Short: "Request a power state change on a node",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		action, nodeID := args[0], args[1]
		var target types.PowerState
		switch action {
		case "on":
			target = types.PowerOn
		case "off":
			target = types.PowerOff
		default:
			return fmt.Errorf("unknown power action %q, want on or off", action)
		}

		dataDir, _ := rootCmd.PersistentFlags().GetString("data-dir")
		d, closeFn, err := newDaemon(dataDir)
		if err != nil {
			return err
		}
		defer closeFn()

		t, err := d.taskMgr.Acquire(context.Background(), nodeID, true, "cli-power-action")
		if err != nil {
			return err
		}
		defer t.Release()

		if err := d.powerEng.PowerAction(context.Background(), t, target, 0); err != nil {
			return err
		}
		fmt.Printf("node %s power state now %s\n", nodeID, t.Node.PowerState)
		return nil
	},
}

var nodeTokenCmd = &cobra.Command{
	Use:   "agent-token [node-uuid]",
	Short: "Generate and store a fresh agent token for a node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeID := args[0]
		pregenerated, _ := cmd.Flags().GetBool("pregenerated")

		dataDir, _ := rootCmd.PersistentFlags().GetString("data-dir")
		d, closeFn, err := newDaemon(dataDir)
		if err != nil {
			return err
		}
		defer closeFn()

		t, err := d.taskMgr.Acquire(context.Background(), nodeID, true, "cli-agent-token")
		if err != nil {
			return err
		}
		defer t.Release()

		if err := agent.AddSecretToken(t.Node, pregenerated); err != nil {
			return err
		}
		if err := t.Save(context.Background()); err != nil {
			return err
		}
		fmt.Printf("node %s agent token refreshed (pregenerated=%v)\n", nodeID, pregenerated)
		return nil
	},
}

func init() {
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "address for the /metrics endpoint")
	serveCmd.Flags().Duration("sweep-interval", 30*time.Second, "interval between wait-state timeout sweeps")
	serveCmd.Flags().String("data-dir", "", "bbolt data directory (defaults to --data-dir)")

	nodeTokenCmd.Flags().Bool("pregenerated", false, "mark the token as operator-pregenerated")

	nodeCmd.AddCommand(nodeListCmd, nodePowerCmd, nodeTokenCmd)
}
