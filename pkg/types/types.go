package types

import (
	"fmt"
	"time"
)

// JobStatus represents the lifecycle state of a primary or ancillary job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
	JobStatusRetrying  JobStatus = "retrying"
)

// Terminal reports whether the status is final: no worker will touch the
// job again and completed_at must be set.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// InFlight reports whether the job is leased to a worker.
func (s JobStatus) InFlight() bool {
	return s == JobStatusQueued || s == JobStatusRunning
}

// PrimaryJobType defines the kind of scan a primary job performs.
type PrimaryJobType string

const (
	PrimaryTypeMasscan PrimaryJobType = "masscan"
	PrimaryTypeNmap    PrimaryJobType = "nmap"
	PrimaryTypeCustom  PrimaryJobType = "custom"
)

// AncillaryJobType defines the kind of follow-up work queued per discovery.
type AncillaryJobType string

const (
	AncillaryTypeBannerGrab        AncillaryJobType = "banner_grab"
	AncillaryTypeDomainEnum        AncillaryJobType = "domain_enum"
	AncillaryTypeSSLCert           AncillaryJobType = "ssl_cert"
	AncillaryTypeGeolocation       AncillaryJobType = "geolocation"
	AncillaryTypeServiceDetection  AncillaryJobType = "service_detection"
	AncillaryTypeVulnerabilityScan AncillaryJobType = "vulnerability_scan"
)

// Queue is a named bucket of primary jobs with a priority and a
// concurrency cap. Queues are long-lived configuration.
type Queue struct {
	Name          string
	Description   string
	MaxConcurrent int
	Priority      int
	Enabled       bool
	CreatedAt     time.Time
}

// ScanOptions carries the per-job knobs for the discovery subprocess.
type ScanOptions struct {
	SYN            bool `yaml:"syn"`
	TCP            bool `yaml:"tcp"`
	UDP            bool `yaml:"udp"`
	UseProxychains bool `yaml:"proxychains"`
	Resume         bool `yaml:"resume"`
	AllPorts       bool `yaml:"allPorts"`
	Rate           int  `yaml:"rate"`
	TimeoutSeconds int  `yaml:"timeout"`
}

// Timeout returns the wall-clock bound for the scan subprocess.
func (o ScanOptions) Timeout() time.Duration {
	if o.TimeoutSeconds <= 0 {
		return time.Hour
	}
	return time.Duration(o.TimeoutSeconds) * time.Second
}

// PrimaryJob is a top-level scan request that may produce discoveries.
type PrimaryJob struct {
	UUID           string
	Type           PrimaryJobType
	Status         JobStatus
	Priority       int
	Target         string
	Ports          []int
	Options        ScanOptions
	Queue          string
	AssignedWorker string
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	ScheduledFor   *time.Time
	RetryCount     int
	MaxRetries     int
	Error          string
	Progress       int // 0..100
	ScanID         string
	User           string
}

// Eligible reports whether the job may be claimed at the given instant:
// it must be pending and not scheduled for the future.
func (j *PrimaryJob) Eligible(now time.Time) bool {
	if j.Status != JobStatusPending {
		return false
	}
	return j.ScheduledFor == nil || !j.ScheduledFor.After(now)
}

// AncillaryJob is a per-discovery follow-up (banner grab, SSL cert,
// domain enumeration, geolocation). It holds only back-references to the
// host and port it concerns.
type AncillaryJob struct {
	UUID           string
	Type           AncillaryJobType
	Status         JobStatus
	Priority       int
	HostIP         string
	PortNumber     int // 0 for host-level jobs (domain_enum, geolocation)
	Protocol       string
	PortKey        string // back-reference to Port, "" for host-level jobs
	ParentJob      string // primary job UUID, "" when queued directly
	AssignedWorker string
	Result         map[string]any
	Error          string
	RetryCount     int
	MaxRetries     int
	Metadata       map[string]string
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

// WorkerStatus represents the advertised state of a worker process.
type WorkerStatus string

const (
	WorkerStatusActive  WorkerStatus = "active"
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusBusy    WorkerStatus = "busy"
	WorkerStatusOffline WorkerStatus = "offline"
	WorkerStatusError   WorkerStatus = "error"
)

// Worker is a registered worker process that heartbeats and leases jobs.
type Worker struct {
	WorkerID       string
	Status         WorkerStatus
	Hostname       string
	PID            int
	SupportedTypes []string
	MaxConcurrent  int
	CurrentCount   int
	LastHeartbeat  time.Time
	Version        string
	Metadata       map[string]string
	CreatedAt      time.Time
}

// IsAvailable reports whether the worker can accept another job.
func (w *Worker) IsAvailable() bool {
	if w.Status != WorkerStatusActive && w.Status != WorkerStatusIdle {
		return false
	}
	return w.CurrentCount < w.MaxConcurrent
}

// IsStale reports whether the worker's heartbeat is older than the
// threshold, i.e. the worker is presumed crashed.
func (w *Worker) IsStale(threshold time.Duration, now time.Time) bool {
	return now.Sub(w.LastHeartbeat) > threshold
}

// Supports reports whether the worker advertises the given job type.
func (w *Worker) Supports(jobType string) bool {
	for _, t := range w.SupportedTypes {
		if t == jobType {
			return true
		}
	}
	return false
}

// Scan records one executed discovery run. Discovered ports reference it.
type Scan struct {
	UUID      string
	Command   string
	StartTime time.Time
	EndTime   *time.Time
	Status    string
	Type      string
	User      string
}

// Host is a discovered IP address together with its geolocation data.
type Host struct {
	IP          string
	FirstSeen   time.Time
	LastSeen    *time.Time
	Country     string
	CountryCode string
	Region      string
	City        string
	Latitude    float64
	Longitude   float64
	Timezone    string
	ISP         string
	Org         string
	ASN         string
	GeoUpdated  *time.Time
}

// NeedsGeoUpdate reports whether the host has never been geolocated or
// its geolocation data is older than maxAge.
func (h *Host) NeedsGeoUpdate(maxAge time.Duration, now time.Time) bool {
	return h.GeoUpdated == nil || now.Sub(*h.GeoUpdated) > maxAge
}

// Port is an observed open port on a host, unique per (host, number, proto).
type Port struct {
	HostIP   string
	Number   int
	Proto    string
	Status   string
	LastSeen *time.Time
	Banner   string
	ScanID   string
}

// Key returns the unique storage key for the port.
func (p *Port) Key() string {
	return PortKey(p.HostIP, p.Number, p.Proto)
}

// PortKey builds the unique (host, port, proto) key.
func PortKey(hostIP string, number int, proto string) string {
	return fmt.Sprintf("%s/%d/%s", hostIP, number, proto)
}

// DomainSource records where a domain name was observed.
type DomainSource string

const (
	DomainSourceReverseDNS DomainSource = "reverse_dns"
	DomainSourceSSLCN      DomainSource = "ssl_cn"
	DomainSourceSSLSAN     DomainSource = "ssl_san"
	DomainSourceHTTPHeader DomainSource = "http_header"
)

// Domain is a name associated with a host, unique per (name, host).
type Domain struct {
	Name      string
	Source    DomainSource
	HostIP    string
	CreatedAt time.Time
}

// Key returns the unique storage key for the domain.
func (d *Domain) Key() string {
	return DomainKey(d.Name, d.HostIP)
}

// DomainKey builds the unique (name, host) key.
func DomainKey(name, hostIP string) string {
	return name + "|" + hostIP
}

// SSLCertificate is an observed X.509 certificate, identified by its
// SHA-256 fingerprint (SHA-1 when SHA-256 is unavailable).
type SSLCertificate struct {
	Fingerprint        string // uppercase hex SHA-256
	FingerprintSHA1    string // uppercase hex SHA-1
	PEM                string
	SubjectCN          string
	IssuerCN           string
	Subject            map[string]string
	Issuer             map[string]string
	SerialNumber       string
	SignatureAlgorithm string
	ValidFrom          time.Time
	ValidUntil         time.Time
	Extensions         map[string]string
	Domains            []string
	HostIP             string
	Port               int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}
