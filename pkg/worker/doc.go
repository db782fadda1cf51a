// Package worker implements the worker runtime: registration,
// heartbeats, a claim-dispatch loop feeding a bounded pool of handler
// slots, and per-job-type handlers for scans and follow-up enrichment.
package worker
