// Package api exposes the HTTP boundary of the pipeline: the chat and confirm
// endpoints, the execution ledger for support triage, settlement lookups,
// health and Prometheus metrics.
package api
