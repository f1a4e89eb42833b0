// Package metrics holds the host's Prometheus counters/gauges for
// scale, RPC traffic, pool saturation, provider health, and
// heartbeats, served on a loopback bind address.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

type Registry struct {
	reg *prometheus.Registry

	ComponentInstances *prometheus.GaugeVec
	RPCInvocations     *prometheus.CounterVec
	RPCPoolSaturated   *prometheus.CounterVec
	ProviderHealth     *prometheus.GaugeVec
	HeartbeatInterval  prometheus.Gauge
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		ComponentInstances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wasmcloud_component_instances",
			Help: "Current instance pool size for a component.",
		}, []string{"component_id"}),
		RPCInvocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wasmcloud_rpc_invocations_total",
			Help: "RPC invocations by direction and result.",
		}, []string{"direction", "result"}),
		RPCPoolSaturated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wasmcloud_rpc_pool_saturated_total",
			Help: "Count of invocations that found no idle instance available.",
		}, []string{"component_id"}),
		ProviderHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wasmcloud_provider_health",
			Help: "1 if the provider's last health check passed, 0 otherwise.",
		}, []string{"provider_id"}),
		HeartbeatInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wasmcloud_heartbeat_interval_seconds",
			Help: "Configured heartbeat interval in seconds.",
		}),
	}
	reg.MustRegister(r.ComponentInstances, r.RPCInvocations, r.RPCPoolSaturated, r.ProviderHealth, r.HeartbeatInterval)
	return r
}

// ListenAndServe serves the Prometheus text exposition format on
// addr, expected to be loopback-bound; scraping is the orchestrator's
// concern.
func (r *Registry) ListenAndServe(addr string) error {
	handler := fasthttpadaptor.NewFastHTTPHandler(promHandler(r.reg))
	return fasthttp.ListenAndServe(addr, func(ctx *fasthttp.RequestCtx) {
		if string(ctx.Path()) != "/metrics" {
			ctx.SetStatusCode(fasthttp.StatusNotFound)
			return
		}
		handler(ctx)
	})
}
