// Package manager implements the control plane: creating, inspecting
// and cancelling jobs, queue and worker reporting, and retention
// cleanup. It performs request validation and delegates persistence to
// the store.
package manager
