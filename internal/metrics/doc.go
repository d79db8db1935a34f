// Package metrics exposes Prometheus instruments for the dispatcher.
//
// A Metrics value owns its own registry so tests and multiple gateways in
// one process never collide on the default registerer. Every recording
// method is safe to call on a nil *Metrics, which lets components take an
// optional metrics dependency without branching at each call site.
//
//	m := metrics.New("coven_dispatch")
//	mux.Handle("/metrics", m.Handler())
//	m.MissionTransition("running", "completed")
package metrics
