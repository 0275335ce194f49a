package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/gleandb/glean/config"
	"github.com/gleandb/glean/engine"
	"github.com/gleandb/glean/flags"
)

var (
	gleanCmd = &cobra.Command{
		Use:   "glean",
		Short: "An embedded main-memory transactional storage engine",
		Long: "Glean is an embedded main-memory OLTP storage engine with serializable\n" +
			"transactions, durable redo logging, and asynchronous snapshots.",
		PersistentPreRunE: gleanPreRun,
		PersistentPostRun: gleanPostRun,
	}

	logFile   = "glean.log"
	logLevel  = "info"
	logStderr = false
	logWriter io.WriteCloser

	configFile = "glean.hcl"
	noConfig   = false

	cfg  = config.NewConfig()
	flgs flags.Flags

	nodes          = 1
	threadsPerNode = 4
	poolPages      = uint32(1 << 14)
	logFolder      = "glean_logs"
	snapshotFolder = ""
	paramSettings  []string
)

func init() {
	log.SetFormatter(&log.TextFormatter{
		DisableLevelTruncation: true,
	})

	fs := gleanCmd.PersistentFlags()

	fs.StringVar(&logFile, "log-file", logFile, "`file` to use for logging")
	fs.StringVar(&logLevel, "log-level", logLevel,
		"log level: trace, debug, info, warn, error, fatal, or panic")
	fs.BoolVarP(&logStderr, "log-stderr", "s", logStderr, "log to standard error")
	fs.StringVar(&configFile, "config-file", configFile, "`file` to load config from")
	fs.BoolVar(&noConfig, "no-config", noConfig, "don't load config file")
	fs.StringSliceVar(&paramSettings, "param", nil, "set `param=value`; multiple allowed")

	fs.IntVar(&nodes, "nodes", nodes, "`number` of NUMA nodes to partition across")
	fs.IntVar(&threadsPerNode, "threads-per-node", threadsPerNode,
		"execution `contexts` per node")
	fs.StringVar(&logFolder, "log-folder", logFolder,
		"`directory` holding the per-node redo logs")
	fs.StringVar(&snapshotFolder, "snapshot-folder", snapshotFolder,
		"snapshot folder `pattern`; $NODE$ is replaced per node")

	cfg.Var(&nodes, "nodes")
	cfg.Var(&threadsPerNode, "threads_per_node")
	cfg.Var(&poolPages, "pool_pages_per_node")
	cfg.Var(&logFolder, "log_folder")
	cfg.Var(&snapshotFolder, "snapshot_folder")
	flgs = flags.Config(cfg)
}

func Execute() error {
	return gleanCmd.Execute()
}

func gleanPreRun(cmd *cobra.Command, args []string) error {
	// Flags win over the config file: mark any explicitly set flag that
	// shadows a config param as flag-set before the file loads.
	cmd.Flags().Visit(func(flg *pflag.Flag) {
		name := strings.ReplaceAll(flg.Name, "-", "_")
		cfg.Set(name, flg.Value.String())
	})

	for _, setting := range paramSettings {
		ss := strings.SplitN(setting, "=", 2)
		if len(ss) != 2 {
			return fmt.Errorf("glean: expected name=value; got %s", setting)
		}
		err := cfg.Set(ss[0], ss[1])
		if err != nil {
			return err
		}
	}

	if configFile != "" && !noConfig {
		err := cfg.LoadFile(configFile)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("glean: %s", err)
		}
	}

	if !logStderr && logFile != "" {
		var err error
		logWriter, err = os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
		if err != nil {
			return fmt.Errorf("glean: %s", err)
		}
		log.SetOutput(logWriter)
	}

	ll, err := log.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("glean: %s", err)
	}
	log.SetLevel(ll)
	return nil
}

func gleanPostRun(cmd *cobra.Command, args []string) {
	if logWriter != nil {
		logWriter.Close()
		logWriter = nil
	}
}

// engineOptions builds engine options from the config registry.
func engineOptions() engine.Options {
	opts := engine.DefaultOptions()
	opts.Nodes = nodes
	opts.ThreadsPerNode = threadsPerNode
	opts.PoolPagesPerNode = poolPages
	opts.LogFolder = logFolder
	opts.Flags = flgs
	if snapshotFolder != "" {
		opts.Snapshot.FolderPathPattern = snapshotFolder
	}
	return opts
}
