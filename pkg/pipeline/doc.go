// Package pipeline runs masscan scans and turns their output into
// durable discoveries. Stdout is consumed line by line while the scan is
// still running; each discovery line upserts the host and port and fans
// out follow-up jobs in one transaction.
package pipeline
