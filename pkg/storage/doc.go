/*
Package storage provides the persistence layer for the engine using BoltDB.

The Store interface is the single coordination point between the CLI, the
workers, and the sweeper. Claim methods run inside BoltDB write
transactions, which BoltDB serializes, so a pending job can only ever be
leased to one worker and queue concurrency caps hold under concurrent
claimers.

Storage layout (one bucket per entity, JSON values):

	queues/       queue name      -> Queue
	jobs/         job UUID        -> PrimaryJob
	ancillary/    job UUID        -> AncillaryJob
	workers/      worker ID       -> Worker
	scans/        scan UUID       -> Scan
	hosts/        IP              -> Host
	ports/        ip/number/proto -> Port
	domains/      name|ip         -> Domain
	certificates/ fingerprint     -> SSLCertificate

RecordDiscovery is the write path for masscan output: one transaction
upserts the host and port and enqueues the follow-up jobs, so a crash
between discovery and fan-out cannot lose follow-ups.
*/
package storage
