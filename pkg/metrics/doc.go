/*
Package metrics exposes Nimbus's Prometheus instrumentation: fleet gauges
(nodes, groups, servers by state), tick/reconciliation histograms, plugin
call latency, dispatcher queue depth, and RPC counters. Handler() serves the
standard /metrics exposition format; HealthHandler/ReadyHandler/LivenessHandler
back the host binary's HTTP probes.
*/
package metrics
