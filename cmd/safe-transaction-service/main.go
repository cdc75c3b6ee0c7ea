package main

import (
	"fmt"
	"golang.org/x/exp/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	logLevelFlag = &cli.StringFlag{
		Name:  "log.level",
		Usage: "Log level (trace|debug|info|warn|error)",
		Value: "info",
	}
	logFileFlag = &cli.StringFlag{
		Name:  "log.file",
		Usage: "Write logs to a rotating file instead of stderr",
	}
	logMaxSizeFlag = &cli.IntFlag{
		Name:  "log.maxsize",
		Usage: "Maximum size in MB of the log file before rotation",
		Value: 100,
	}
	metricsAddrFlag = &cli.StringFlag{
		Name:  "metrics.addr",
		Usage: "Expose prometheus metrics on this address (e.g. :9090)",
	}
	addressFlag = &cli.StringFlag{
		Name:  "address",
		Usage: "Contract address",
	}
	blockFlag = &cli.Int64Flag{
		Name:  "block",
		Usage: "Deployment block number, where indexing starts",
	}
)

var app = &cli.App{
	Name:  "safe-transaction-service",
	Usage: "Index Safe contract activity and reconstruct Safe state from chain traces",
	Flags: []cli.Flag{
		logLevelFlag,
		logFileFlag,
		logMaxSizeFlag,
		metricsAddrFlag,
	},
	Before: setupLogging,
	Commands: []*cli.Command{
		{
			Name:   "migrate",
			Usage:  "Create or update the database schema",
			Action: runMigrate,
		},
		{
			Name:   "add-master-copy",
			Usage:  "Register a Safe master copy to monitor",
			Flags:  []cli.Flag{addressFlag, blockFlag},
			Action: runAddMasterCopy,
		},
		{
			Name:   "add-proxy-factory",
			Usage:  "Register a proxy factory to monitor",
			Flags:  []cli.Flag{addressFlag, blockFlag},
			Action: runAddProxyFactory,
		},
		{
			Name:   "index-internal-txs",
			Usage:  "Run the internal tx indexers (master copies and proxy factories)",
			Action: runWorkers(taskMasterCopies, taskProxyFactories),
		},
		{
			Name:   "index-erc20",
			Usage:  "Run the token transfer event indexer",
			Action: runWorkers(taskSafeContracts),
		},
		{
			Name:   "process",
			Usage:  "Run the tx processor over the pending decoded queue",
			Action: runWorkers(taskProcessor),
		},
		{
			Name:   "check-reorgs",
			Usage:  "Run the reorg checker",
			Action: runWorkers(taskReorg),
		},
		{
			Name:  "run",
			Usage: "Run the whole pipeline",
			Action: runWorkers(taskMasterCopies, taskProxyFactories, taskSafeContracts,
				taskProcessor, taskReorg),
		},
	},
}

func setupLogging(c *cli.Context) error {
	level, err := parseLogLevel(c.String(logLevelFlag.Name))
	if err != nil {
		return err
	}
	if file := c.String(logFileFlag.Name); file != "" {
		writer := &lumberjack.Logger{
			Filename: file,
			MaxSize:  c.Int(logMaxSizeFlag.Name),
		}
		log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(writer, level, false)))
		return nil
	}
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, level, true)))
	return nil
}

func parseLogLevel(name string) (slog.Level, error) {
	switch name {
	case "trace":
		return log.LevelTrace, nil
	case "debug":
		return log.LevelDebug, nil
	case "info":
		return log.LevelInfo, nil
	case "warn":
		return log.LevelWarn, nil
	case "error":
		return log.LevelError, nil
	default:
		return log.LevelInfo, fmt.Errorf("unknown log level %q", name)
	}
}

func runMigrate(c *cli.Context) error {
	svc, err := newService(c.Context)
	if err != nil {
		return err
	}
	defer svc.Close()
	return svc.store.Migrate(c.Context)
}

func runAddMasterCopy(c *cli.Context) error {
	address, block, err := addressAndBlock(c)
	if err != nil {
		return err
	}
	svc, err := newService(c.Context)
	if err != nil {
		return err
	}
	defer svc.Close()
	return svc.store.AddSafeMasterCopy(c.Context, address, block)
}

func runAddProxyFactory(c *cli.Context) error {
	address, block, err := addressAndBlock(c)
	if err != nil {
		return err
	}
	svc, err := newService(c.Context)
	if err != nil {
		return err
	}
	defer svc.Close()
	return svc.store.AddProxyFactory(c.Context, address, block)
}

func addressAndBlock(c *cli.Context) (common.Address, int64, error) {
	raw := c.String(addressFlag.Name)
	if !common.IsHexAddress(raw) {
		return common.Address{}, 0, fmt.Errorf("invalid address %q", raw)
	}
	return common.HexToAddress(raw), c.Int64(blockFlag.Name), nil
}

// runWorkers builds an action running the named pipeline tasks until
// interrupted. Exit code 0 on clean shutdown, non-zero on unhandled error.
func runWorkers(names ...taskName) cli.ActionFunc {
	return func(c *cli.Context) error {
		ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		svc, err := newService(ctx)
		if err != nil {
			return err
		}
		defer svc.Close()

		if addr := c.String(metricsAddrFlag.Name); addr != "" {
			go serveMetrics(addr, svc.registry)
		}
		return svc.Run(ctx, names...)
	}
}

func serveMetrics(addr string, registry *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("metrics server stopped", "err", err)
	}
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
