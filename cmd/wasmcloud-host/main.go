// Command wasmcloud-host runs one lattice host: parse flags, load and
// override configuration, construct the host core, run it to
// completion, map the outcome to an exit code.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	jsoniter "github.com/json-iterator/go"

	"github.com/wasmcloud/host/cmn/config"
	"github.com/wasmcloud/host/host"
	"github.com/wasmcloud/host/log"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var version = "dev"
var buildTime = "unknown"

type cliFlags struct {
	configPath   string
	lattice      string
	hostSeed     string
	rpcNATSURL   string
	ctlNATSURL   string
	statePath    string
	labels       string
	confCustom   string
	metricsAddr  string
	cacheDir     string
	remoteCache  string
	allowFile    bool
	printVersion bool
}

var cli cliFlags

func init() {
	flag.StringVar(&cli.configPath, "config", "", "path to a JSON host config file; flags below override its values")
	flag.StringVar(&cli.lattice, "lattice", "default", "lattice name this host joins")
	flag.StringVar(&cli.hostSeed, "host_seed", "", "deterministic ed25519 seed for this host's identity; random if empty")
	flag.StringVar(&cli.rpcNATSURL, "rpc_nats_url", "nats://127.0.0.1:4222", "NATS URL for the RPC plane")
	flag.StringVar(&cli.ctlNATSURL, "ctl_nats_url", "", "NATS URL for the control plane; defaults to rpc_nats_url")
	flag.StringVar(&cli.statePath, "state_path", "", "embedded buntdb path for lattice state; empty uses JetStream KV over the ctl bus")
	flag.StringVar(&cli.labels, "labels", "", "\"key1=value1,key2=value2\" scheduling labels advertised in auctions")
	flag.StringVar(&cli.confCustom, "config_custom", "", "\"key1=value1,key2=value2\" formatted string to override selected entries in config")
	flag.StringVar(&cli.metricsAddr, "metrics_addr", "", "bind address for the Prometheus endpoint; empty disables it")
	flag.StringVar(&cli.cacheDir, "artifact_cache_dir", "", "directory fetched artifacts are cached in")
	flag.StringVar(&cli.remoteCache, "artifact_remote_cache", "", "fleet-shared artifact cache (gs://, s3://, or azblob:// URL); empty disables it")
	flag.BoolVar(&cli.allowFile, "allow_file_load", false, "permit file:// artifact references (local dev only)")
	flag.BoolVar(&cli.printVersion, "version", false, "print version and exit")
}

func main() {
	os.Exit(run())
}

// run builds and executes the host, mapping the result to a process
// exit code. Kept separate from main so tests can exercise flag
// handling without calling os.Exit.
func run() int {
	flag.Parse()
	if cli.printVersion {
		fmt.Printf("wasmcloud-host %s (%s)\n", version, buildTime)
		return 0
	}

	cfg, err := buildConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "wasmcloud-host: %v\n", err)
		return 1
	}

	core, err := host.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wasmcloud-host: startup failed: %v\n", err)
		return 1
	}

	logger := log.New(log.F("component", "main"))
	logger.Infof("version %s (%s), host %s, lattice %s", version, buildTime, core.Identity().ID, core.Identity().LatticeName)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Infof("received signal %v, stopping", sig)
		cancel()
	}()

	if err := core.Run(ctx); err != nil {
		logger.Errorf("terminated with error: %v", err)
		log.Flush()
		return 1
	}
	logger.Infof("terminated OK")
	log.Flush()
	return 0
}

// buildConfig assembles a HostConfig by layering: defaults, then an
// optional file, then flag overrides, then the free-form config_custom
// overlay.
func buildConfig() (*config.HostConfig, error) {
	cfg := config.Default()
	if cli.configPath != "" {
		loaded, err := loadConfigFile(cli.configPath)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", cli.configPath, err)
		}
		cfg = loaded
	}

	cfg.Lattice.Name = cli.lattice
	if cli.hostSeed != "" {
		cfg.Lattice.HostSeed = cli.hostSeed
	}
	if cli.statePath != "" {
		cfg.Lattice.StatePath = cli.statePath
	}
	if cli.allowFile {
		cfg.Lattice.AllowFile = true
	}
	if cli.labels != "" {
		cfg.Lattice.Labels = parseLabels(cli.labels)
	}
	if cli.rpcNATSURL != "" {
		cfg.Net.RPCNATSURL = cli.rpcNATSURL
	}
	if cli.ctlNATSURL != "" {
		cfg.Net.CtlNATSURL = cli.ctlNATSURL
	}
	if cli.metricsAddr != "" {
		cfg.Metrics.BindAddr = cli.metricsAddr
	}
	if cli.cacheDir != "" {
		cfg.ArtifactCacheDir = cli.cacheDir
	}
	if cli.remoteCache != "" {
		cfg.ArtifactRemoteCacheURL = cli.remoteCache
	}

	if cli.confCustom != "" {
		var toUpdate config.ToUpdate
		if err := toUpdate.FillFromKVS(strings.Split(cli.confCustom, ",")); err != nil {
			return nil, fmt.Errorf("config_custom: %w", err)
		}
		if err := cfg.Apply(toUpdate); err != nil {
			return nil, fmt.Errorf("apply config_custom: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadConfigFile(path string) (*config.HostConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := config.Default()
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseLabels(s string) map[string]string {
	out := make(map[string]string)
	for _, kv := range strings.Split(s, ",") {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		out[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return out
}
