// Package scheduler turns a worker's free capacity into leased jobs. One
// dispatch cycle claims at most one primary scan plus a batch of
// ancillary follow-ups, so long-running scans never starve the cheap
// per-discovery work.
package scheduler
