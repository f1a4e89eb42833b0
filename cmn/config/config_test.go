package config

import (
	"testing"
	"time"
)

func validConfig() *HostConfig {
	cfg := Default()
	cfg.Lattice.Name = "default"
	cfg.Net.RPCNATSURL = "nats://127.0.0.1:4222"
	return cfg
}

func TestValidateDefaultsCtlToRPCURL(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Net.CtlNATSURL != cfg.Net.RPCNATSURL {
		t.Fatalf("ctl url not defaulted: %q", cfg.Net.CtlNATSURL)
	}
}

func TestValidateRejectsInconsistentLimits(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*HostConfig)
	}{
		{"empty lattice", func(c *HostConfig) { c.Lattice.Name = "" }},
		{"zero max_components", func(c *HostConfig) { c.Limits.MaxComponents = 0 }},
		{"negative max_component_instances", func(c *HostConfig) { c.Limits.MaxComponentInstances = -1 }},
		{"instances exceed components", func(c *HostConfig) {
			c.Limits.MaxComponents = 10
			c.Limits.MaxComponentInstances = 11
		}},
		{"missing rpc url", func(c *HostConfig) { c.Net.RPCNATSURL = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestFillFromKVSAndApply(t *testing.T) {
	var u ToUpdate
	err := u.FillFromKVS([]string{
		"max_components=500",
		"max_linear_memory=134217728",
		"heartbeat_interval=45s",
	})
	if err != nil {
		t.Fatalf("fill: %v", err)
	}
	cfg := validConfig()
	if err := cfg.Apply(u); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if cfg.Limits.MaxComponents != 500 {
		t.Fatalf("max_components = %d", cfg.Limits.MaxComponents)
	}
	if cfg.Limits.MaxLinearMemoryBytes != 128<<20 {
		t.Fatalf("max_linear_memory = %d", cfg.Limits.MaxLinearMemoryBytes)
	}
	if cfg.Timing.HeartbeatInterval != 45*time.Second {
		t.Fatalf("heartbeat = %s", cfg.Timing.HeartbeatInterval)
	}
}

func TestFillFromKVSRejectsGarbage(t *testing.T) {
	var u ToUpdate
	if err := u.FillFromKVS([]string{"not-a-pair"}); err == nil {
		t.Fatal("missing '=' must fail")
	}
	if err := u.FillFromKVS([]string{"unknown_key=1"}); err == nil {
		t.Fatal("unknown key must fail")
	}
	if err := u.FillFromKVS([]string{"max_components=abc"}); err == nil {
		t.Fatal("non-numeric value must fail")
	}
}

func TestApplyRevalidates(t *testing.T) {
	zero := 0
	cfg := validConfig()
	if err := cfg.Apply(ToUpdate{MaxComponents: &zero}); err == nil {
		t.Fatal("apply that breaks invariants must fail")
	}
}

func TestOwnerSwapCycle(t *testing.T) {
	o := NewOwner()
	first := validConfig()
	o.Put(first)
	if o.Get() != first {
		t.Fatal("get did not return stored config")
	}

	clone := o.BeginUpdate()
	if clone == first {
		t.Fatal("BeginUpdate must clone, not alias")
	}
	clone.Limits.MaxComponents = 7
	o.CommitUpdate(clone)
	if o.Get().Limits.MaxComponents != 7 {
		t.Fatal("committed update not visible")
	}
	if first.Limits.MaxComponents == 7 {
		t.Fatal("commit mutated the previous snapshot")
	}

	_ = o.BeginUpdate()
	o.DiscardUpdate()
	if o.Get().Limits.MaxComponents != 7 {
		t.Fatal("discard must leave the committed config in place")
	}
}
