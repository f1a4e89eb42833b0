package ctl

import "github.com/wasmcloud/host/cluster"

// CtlResponse is the envelope every control command returns.
type CtlResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func ok(data interface{}) CtlResponse { return CtlResponse{Success: true, Data: data} }
func okMsg(msg string) CtlResponse    { return CtlResponse{Success: true, Message: msg} }
func fail(err error) CtlResponse      { return CtlResponse{Success: false, Message: err.Error()} }
func failMsg(msg string) CtlResponse  { return CtlResponse{Success: false, Message: msg} }

// AuctionRequest is the wire shape of both component.auction and
// provider.auction.
type AuctionRequest struct {
	ComponentID             string            `json:"component_id,omitempty"`
	ProviderID              string            `json:"provider_id,omitempty"`
	ArtifactRef             string            `json:"artifact_ref,omitempty"`
	Constraints             map[string]string `json:"constraints,omitempty"`
	RequestedInstances      int               `json:"requested_instances,omitempty"`
	RequestedMaxMemoryBytes int64             `json:"requested_max_memory_bytes,omitempty"`
}

// AuctionReply is only ever published by a host willing to host the
// work; silence is the negative answer.
type AuctionReply struct {
	HostID      string `json:"host_id"`
	ComponentID string `json:"component_id,omitempty"`
	ProviderID  string `json:"provider_id,omitempty"`
}

// ScaleCommand is the body of component.scale.<host_id>.
type ScaleCommand struct {
	ComponentID   string            `json:"component_id"`
	ArtifactRef   string            `json:"artifact_ref"`
	Instances     int               `json:"instances"`
	Annotations   map[string]string `json:"annotations,omitempty"`
	Config        []string          `json:"config,omitempty"`
	Secrets       []string          `json:"secrets,omitempty"`
	AllowedClaims []string          `json:"allowed_claims,omitempty"`
}

// UpdateCommand is the body of component.update.<host_id>: swap the
// artifact, preserve the scale.
type UpdateCommand struct {
	ComponentID string `json:"component_id"`
	ArtifactRef string `json:"artifact_ref"`
}

// ProviderStartCommand is the body of provider.start.<host_id>.
type ProviderStartCommand struct {
	ProviderID    string   `json:"provider_id"`
	ArtifactRef   string   `json:"artifact_ref"`
	Config        []string `json:"config,omitempty"`
	Secrets       []string `json:"secrets,omitempty"`
	AllowedClaims []string `json:"allowed_claims,omitempty"`
}

// ProviderStopCommand is the body of provider.stop.<host_id>.
type ProviderStopCommand struct {
	ProviderID string `json:"provider_id"`
}

// LinkDelCommand identifies the link to remove by its primary key.
type LinkDelCommand struct {
	SourceID string `json:"source_id"`
	WITNS    string `json:"wit_namespace"`
	WITPkg   string `json:"wit_package"`
	Name     string `json:"name"`
}

// ConfigPutCommand is the body of config.put. A
// name carrying the reserved secret prefix instead populates Backend/
// Key/Version rather than Values.
type ConfigPutCommand struct {
	Name    string            `json:"name"`
	Values  map[string]string `json:"values,omitempty"`
	Backend string            `json:"backend,omitempty"`
	Key     string            `json:"key,omitempty"`
	Version string            `json:"version,omitempty"`
}

// ConfigDelCommand is the body of config.del.
type ConfigDelCommand struct {
	Name string `json:"name"`
}

// HostStopCommand is the body of host.stop.<host_id>.
type HostStopCommand struct {
	TimeoutSeconds int64 `json:"timeout_seconds,omitempty"`
}

// HostInfo is what hosts.get replies with; host.ping replies with the
// inventory instead.
type HostInfo struct {
	HostID       string            `json:"host_id"`
	FriendlyName string            `json:"friendly_name"`
	Lattice      string            `json:"lattice"`
	Labels       []cluster.LabelKV `json:"labels"`
	UptimeSecs   int64             `json:"uptime_seconds"`
}

// ClaimsInfo summarizes one running entity's verified claims for
// claims.get.
type ClaimsInfo struct {
	EntityID string   `json:"entity_id"`
	Kind     string   `json:"kind"` // "component" or "provider"
	Subject  string   `json:"subject,omitempty"`
	Issuer   string   `json:"issuer,omitempty"`
	Caps     []string `json:"caps,omitempty"`
}
