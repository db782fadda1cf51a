// Package sweeper reclaims jobs from crashed workers. A worker that
// stops heartbeating is marked offline and its queued and running jobs
// go back to pending, so no job stays leased to a dead process forever.
package sweeper
