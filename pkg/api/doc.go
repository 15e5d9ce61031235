/*
Package api is the admin HTTP surface of the broker and worker
daemons. It deliberately carries no workflow operations: registering,
starting, watching, and cancelling executions all go through the
store, so the only HTTP a daemon speaks is operational.

	GET /live      process is up
	GET /health    aggregated component health
	GET /ready     store reachable and critical components ready
	GET /metrics   Prometheus exposition

Readiness is fed by a periodic store probe; a daemon that loses its
database flips /ready to 503 while /live stays 200, which is the
signal an orchestrator needs to restart traffic but not the process.
*/
package api
