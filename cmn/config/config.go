// Package config provides the host's resolved configuration
// (HostConfig) and a global, atomically-swapped owner for it: a single
// struct loaded once at startup, a pointer-field "ToUpdate" overlay
// for selective overrides, and a mutex-guarded Begin/Commit/
// DiscardUpdate cycle so hot-path readers never block behind a config
// reload.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// HostConfig is the fully-resolved configuration for one host process.
// Field groups mirror the host's recognized startup options.
type HostConfig struct {
	Lattice LatticeConf `json:"lattice"`
	Net     NetConf     `json:"net"`
	Limits  LimitsConf  `json:"limits"`
	OCI     OCIConf     `json:"oci"`
	Policy  PolicyConf  `json:"policy"`
	Secrets SecretsConf `json:"secrets"`
	Timing  TimingConf  `json:"timing"`
	Log     LogConf     `json:"log"`
	Metrics MetricsConf `json:"metrics"`
	Claims  ClaimsConf  `json:"claims"`

	// ArtifactCacheDir is where fetched artifacts are cached by digest.
	ArtifactCacheDir string `json:"artifact_cache_dir"`

	// ArtifactRemoteCacheURL optionally points the fetcher at a fleet-shared
	// object-store cache tier ("gs://bucket", "s3://bucket",
	// "azblob://account.blob.core.windows.net/container"); empty
	// disables the tier.
	ArtifactRemoteCacheURL string `json:"artifact_remote_cache_url,omitempty"`
}

type LatticeConf struct {
	Name      string            `json:"lattice"`
	HostSeed  string            `json:"host_seed,omitempty"`
	Labels    map[string]string `json:"labels"`
	JSDomain  string            `json:"js_domain,omitempty"`
	AllowFile bool              `json:"allow_file_load"`

	// StatePath selects the state-store backend: empty uses JetStream
	// KV over the ctl bus, any
	// other value (including ":memory:") opens an embedded buntdb at
	// that path instead, for single-node deployments without a
	// JetStream-enabled NATS server.
	StatePath string `json:"state_path,omitempty"`
}

type NetConf struct {
	CtlNATSURL string `json:"ctl_nats_url"`
	RPCNATSURL string `json:"rpc_nats_url"`
}

type LimitsConf struct {
	MaxComponents               int           `json:"max_components"`
	MaxComponentInstances       int           `json:"max_component_instances"`
	MaxLinearMemoryBytes        int64         `json:"max_linear_memory"`
	MaxExecutionTime            time.Duration `json:"max_execution_time"`
	MaxCoreInstancesPerComponent int          `json:"max_core_instances_per_component"`
}

type OCIConf struct {
	AllowInsecure bool `json:"oci_allowed_insecure"`
	AllowLatest   bool `json:"oci_allow_latest"`

	// Registries maps a registry authority (hostname[:port]) to static
	// credentials, consulted before the cloud-specific probes.
	Registries map[string]RegistryAuth `json:"registries,omitempty"`

	// ExtraCACertFile appends a PEM bundle to the system roots for
	// registry TLS, for lattices pulling from internally-signed
	// registries.
	ExtraCACertFile string `json:"extra_ca_cert_file,omitempty"`
}

type RegistryAuth struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type PolicyConf struct {
	Subject string        `json:"policy_service_subject,omitempty"`
	Timeout time.Duration `json:"policy_timeout"`
}

type SecretsConf struct {
	Topic string `json:"secrets_topic,omitempty"`
}

// ClaimsConf configures the claims check.
type ClaimsConf struct {
	AllowUnsigned bool `json:"allow_unsigned"`
	// IssuerKeys maps an issuer subject to its hex-encoded ed25519
	// public key, the lattice's account/issuer directory.
	IssuerKeys map[string]string `json:"issuer_keys,omitempty"`
}

type TimingConf struct {
	HeartbeatInterval   time.Duration `json:"heartbeat_interval"`
	HostShutdownTimeout time.Duration `json:"host_shutdown_timeout"`
}

type LogConf struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// MetricsConf configures the Prometheus exposition endpoint.
type MetricsConf struct {
	BindAddr string `json:"bind_addr,omitempty"`
}

// Default returns the stock resource ceilings and timings.
func Default() *HostConfig {
	return &HostConfig{
		Limits: LimitsConf{
			MaxComponents:                10000,
			MaxLinearMemoryBytes:         256 << 20,
			MaxExecutionTime:             10 * time.Second,
			MaxCoreInstancesPerComponent: 1,
		},
		Timing: TimingConf{
			HeartbeatInterval:   30 * time.Second,
			HostShutdownTimeout: 5 * time.Second,
		},
		Log:              LogConf{Level: "info", Format: "text"},
		Metrics:          MetricsConf{BindAddr: "127.0.0.1:9090"},
		Claims:           ClaimsConf{AllowUnsigned: true},
		ArtifactCacheDir: "/var/lib/wasmcloud-host/cache",
	}
}

// Validate enforces the resource-ceiling consistency invariants.
func (c *HostConfig) Validate() error {
	if c.Lattice.Name == "" {
		return errors.New("lattice name must not be empty")
	}
	if c.Limits.MaxComponents <= 0 {
		return errors.New("max_components must be positive")
	}
	if c.Limits.MaxComponentInstances < 0 {
		return errors.New("max_component_instances must not be negative")
	}
	if c.Limits.MaxComponentInstances > 0 && c.Limits.MaxComponentInstances > c.Limits.MaxComponents {
		return errors.New("max_component_instances must not exceed max_components")
	}
	if c.Net.RPCNATSURL == "" {
		return errors.New("rpc_nats_url must be set")
	}
	if c.Net.CtlNATSURL == "" {
		c.Net.CtlNATSURL = c.Net.RPCNATSURL
	}
	return nil
}

// ToUpdate is a pointer-field overlay applied over a HostConfig clone,
// parsed from "-config_custom key1=value1,key2=value2".
type ToUpdate struct {
	MaxComponents         *int    `json:"max_components,omitempty"`
	MaxComponentInstances *int    `json:"max_component_instances,omitempty"`
	MaxLinearMemory       *int64  `json:"max_linear_memory,omitempty"`
	HeartbeatInterval     *string `json:"heartbeat_interval,omitempty"`
	LogLevel              *string `json:"log_level,omitempty"`
}

// FillFromKVS parses ["key1=value1","key2=value2"] into the sparse
// overlay.
func (u *ToUpdate) FillFromKVS(kvs []string) error {
	for _, kv := range kvs {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid key=value pair: %q", kv)
		}
		key, val := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
		switch key {
		case "max_components":
			n, err := strconv.Atoi(val)
			if err != nil {
				return err
			}
			u.MaxComponents = &n
		case "max_component_instances":
			n, err := strconv.Atoi(val)
			if err != nil {
				return err
			}
			u.MaxComponentInstances = &n
		case "max_linear_memory":
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return err
			}
			u.MaxLinearMemory = &n
		case "heartbeat_interval":
			u.HeartbeatInterval = &val
		case "log_level":
			u.LogLevel = &val
		default:
			return fmt.Errorf("unknown config key: %q", key)
		}
	}
	return nil
}

func (c *HostConfig) Apply(u ToUpdate) error {
	if u.MaxComponents != nil {
		c.Limits.MaxComponents = *u.MaxComponents
	}
	if u.MaxComponentInstances != nil {
		c.Limits.MaxComponentInstances = *u.MaxComponentInstances
	}
	if u.MaxLinearMemory != nil {
		c.Limits.MaxLinearMemoryBytes = *u.MaxLinearMemory
	}
	if u.HeartbeatInterval != nil {
		d, err := time.ParseDuration(*u.HeartbeatInterval)
		if err != nil {
			return err
		}
		c.Timing.HeartbeatInterval = d
	}
	if u.LogLevel != nil {
		c.Log.Level = *u.LogLevel
	}
	return c.Validate()
}

// Owner is the global config owner (GCO): an atomically-swapped pointer
// plus a mutex-guarded Begin/Commit cycle for coordinated updates.
type Owner struct {
	mtx sync.Mutex
	cur atomic.Value // holds *HostConfig
}

func NewOwner() *Owner { return &Owner{} }

func (o *Owner) Get() *HostConfig {
	v := o.cur.Load()
	if v == nil {
		return nil
	}
	return v.(*HostConfig)
}

func (o *Owner) Put(c *HostConfig) { o.cur.Store(c) }

func (o *Owner) Clone() *HostConfig {
	cp := *o.Get()
	return &cp
}

// BeginUpdate must be followed by CommitUpdate or DiscardUpdate.
func (o *Owner) BeginUpdate() *HostConfig {
	o.mtx.Lock()
	return o.Clone()
}

func (o *Owner) CommitUpdate(c *HostConfig) {
	o.cur.Store(c)
	o.mtx.Unlock()
}

func (o *Owner) DiscardUpdate() { o.mtx.Unlock() }
