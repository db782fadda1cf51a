// Package log wraps zerolog with a process-global logger and helpers for
// attaching the fields used across the engine (component, worker_id,
// job_uuid, target). Call Init once at startup; use WithComponent for
// long-lived subsystem loggers.
package log
