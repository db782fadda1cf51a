/*
Package types defines the core data structures used throughout Fauxdan.

This package contains the domain model of the reconnaissance engine:
queues, primary and ancillary jobs, workers, scans, and the discovered
artifacts (hosts, ports, domains, SSL certificates). All other packages
build on these types for persistence, scheduling, and job execution.

# Job model

A PrimaryJob is a top-level scan request (masscan today; nmap and custom
are reserved extension points). Executing a primary job produces
discoveries, and each discovery fans out AncillaryJobs: banner grabs,
SSL certificate retrievals, domain enumerations, and geolocations.

Both job kinds share one status machine:

	pending → queued → running → (completed | failed | cancelled)
	                                  failed → retrying → pending

A job is terminal once completed, failed, or cancelled; terminal jobs
carry a completed_at timestamp and are eligible for cleanup.

# Discovery artifacts

Hosts are unique by IP. Ports are unique by (host, number, proto);
re-observing a port refreshes its timestamps rather than inserting a
duplicate. Domains are unique by (name, host) and carry the source they
were observed from. SSL certificates are unique by fingerprint; the
host/port fields always point at the most recent observation.

# Workers

A Worker row represents a registered worker process. Workers heartbeat
every 30 seconds; a worker whose heartbeat is older than the stale
threshold is presumed crashed, and the sweeper reverts its leases.

All types serialize to JSON for storage in BoltDB.
*/
package types
