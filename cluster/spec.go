package cluster

import "time"

// ComponentSpecification is the persisted, source-of-record shape for a
// component: its artifact reference and the links for which it is
// source. Persisted under key COMPONENT_<id>.
type ComponentSpecification struct {
	ID    string           `json:"-"`
	URL   string           `json:"url"`
	Links []LinkDefinition `json:"links"`
}

// LinkDefinition is the edge of the call graph.
type LinkDefinition struct {
	SourceID   string   `json:"source_id"`
	Target     string   `json:"target"`
	WITNS      string   `json:"wit_namespace"`
	WITPkg     string   `json:"wit_package"`
	Interfaces []string `json:"interfaces"`
	Name       string   `json:"name"`

	SourceConfig  []string `json:"source_config,omitempty"`
	TargetConfig  []string `json:"target_config,omitempty"`
	SourceSecrets []string `json:"source_secrets,omitempty"`
	TargetSecrets []string `json:"target_secrets,omitempty"`

	// seq is the monotonic establishment order, used by the router's
	// tie-break rule: earliest established wins.
	seq uint64
}

// LinkKey is a link's primary key: (source_id, wit_namespace,
// wit_package, name).
type LinkKey struct {
	SourceID string
	WITNS    string
	WITPkg   string
	Name     string
}

func (l *LinkDefinition) Key() LinkKey {
	name := l.Name
	if name == "" {
		name = "default"
	}
	return LinkKey{SourceID: l.SourceID, WITNS: l.WITNS, WITPkg: l.WITPkg, Name: name}
}

func (l *LinkDefinition) Seq() uint64     { return l.seq }
func (l *LinkDefinition) SetSeq(n uint64) { l.seq = n }

// ImportKey groups links by the WIT interface triple a component
// imports on, irrespective of link name -- the grouping the router
// consults on the hot path..
type ImportKey struct {
	WITNS  string
	WITPkg string
	Iface  string
}

// NamedConfig is a plain string->string config blob. Names
// beginning with store.SecretPrefix denote secret descriptors
// instead and are resolved through the secrets package.
type NamedConfig struct {
	Name   string            `json:"-"`
	Values map[string]string `json:"values"`
}

// SecretDescriptor is the stored payload for a CONFIG_<name> key
// whose name carries the reserved secret prefix.
type SecretDescriptor struct {
	Backend string `json:"backend"`
	Key     string `json:"key"`
	Version string `json:"version,omitempty"`
}

// ComponentInstance is a runtime handle owned by the component
// supervisor; anonymous within its pool.
type ComponentInstance struct {
	ComponentID string
	Annotations map[string]string
	Claims      *VerifiedClaims // nil if unsigned and host allows it
}

// VerifiedClaims is a decoded, signature-verified claims token.
type VerifiedClaims struct {
	Subject   string
	Issuer    string
	NotBefore time.Time
	Expiry    time.Time
	Caps      []string
}

// ProviderHandle is the runtime record for a running provider
// process.
type ProviderHandle struct {
	ID          string
	URL         string
	ArchivePath string
	PID         int
	StartedAt   time.Time
	LastHealth  time.Time
	Healthy     bool
	Claims      *VerifiedClaims
}
