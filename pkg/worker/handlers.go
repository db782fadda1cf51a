package worker

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/icarostangent/Fauxdan/pkg/banner"
	"github.com/icarostangent/Fauxdan/pkg/geo"
	"github.com/icarostangent/Fauxdan/pkg/metrics"
	"github.com/icarostangent/Fauxdan/pkg/storage"
	"github.com/icarostangent/Fauxdan/pkg/types"
)

// handlePrimary runs one leased primary job to a terminal state. A
// cancellation raced in by the control plane surfaces as ErrConflict on
// the mark calls; the handler drops its work in that case.
func (w *Worker) handlePrimary(job *types.PrimaryJob) {
	logger := w.logger.With().Str("uuid", job.UUID).Str("type", string(job.Type)).Logger()

	if err := w.store.MarkPrimaryStarted(job.UUID, time.Now().UTC()); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			logger.Debug().Msg("Job cancelled before start")
		} else {
			logger.Error().Err(err).Msg("Failed to start job")
		}
		return
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.JobDuration, "primary")

	switch job.Type {
	case types.PrimaryTypeMasscan:
		res, err := w.runner.Run(w.ctx, job)
		if res != nil {
			metrics.DiscoveriesTotal.Add(float64(res.Discoveries))
		}
		if err != nil {
			if w.ctx.Err() != nil {
				// Shutdown drain owns the lease now.
				return
			}
			w.failPrimary(logger, job.UUID, err.Error())
			return
		}
		if err := w.store.MarkPrimaryCompleted(job.UUID, time.Now().UTC()); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				logger.Debug().Msg("Job cancelled before completion")
				metrics.JobsCompletedTotal.WithLabelValues("primary", "cancelled").Inc()
			} else {
				logger.Error().Err(err).Msg("Failed to complete job")
			}
			return
		}
		metrics.JobsCompletedTotal.WithLabelValues("primary", "completed").Inc()
		logger.Info().
			Int("discoveries", res.Discoveries).
			Int("followups", res.Followups).
			Msg("Scan completed")

	default:
		w.failPrimary(logger, job.UUID, fmt.Sprintf("unsupported job type %q", job.Type))
	}
}

func (w *Worker) failPrimary(logger zerolog.Logger, jobUUID, msg string) {
	if err := w.store.MarkPrimaryFailed(jobUUID, msg, time.Now().UTC()); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			logger.Debug().Msg("Job cancelled before failure recorded")
			metrics.JobsCompletedTotal.WithLabelValues("primary", "cancelled").Inc()
		} else {
			logger.Error().Err(err).Msg("Failed to record job failure")
		}
		return
	}
	metrics.JobsCompletedTotal.WithLabelValues("primary", "failed").Inc()
	logger.Warn().Str("error", msg).Msg("Scan failed")
}

// handleAncillary runs one leased follow-up job. Enrichment is
// best-effort: per-target I/O failures still complete the job, just
// with an empty result.
func (w *Worker) handleAncillary(job *types.AncillaryJob) {
	logger := w.logger.With().Str("uuid", job.UUID).Str("type", string(job.Type)).
		Str("host", job.HostIP).Logger()

	if err := w.store.MarkAncillaryStarted(job.UUID, time.Now().UTC()); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			logger.Debug().Msg("Job cancelled before start")
		} else {
			logger.Error().Err(err).Msg("Failed to start job")
		}
		return
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.JobDuration, "ancillary")

	var result map[string]any
	switch job.Type {
	case types.AncillaryTypeBannerGrab:
		result = w.runBannerGrab(logger, job)
	case types.AncillaryTypeSSLCert:
		result = w.runSSLCert(logger, job)
	case types.AncillaryTypeDomainEnum:
		result = w.runDomainEnum(logger, job)
	case types.AncillaryTypeGeolocation:
		result = w.runGeolocation(logger, job)
	default:
		if err := w.store.MarkAncillaryFailed(job.UUID, fmt.Sprintf("unsupported job type %q", job.Type), time.Now().UTC()); err != nil && !errors.Is(err, storage.ErrConflict) {
			logger.Error().Err(err).Msg("Failed to record job failure")
		}
		metrics.JobsCompletedTotal.WithLabelValues("ancillary", "failed").Inc()
		return
	}

	if w.ctx.Err() != nil {
		// Shutdown drain owns the lease now.
		return
	}
	if err := w.store.MarkAncillaryCompleted(job.UUID, result, time.Now().UTC()); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			logger.Debug().Msg("Job cancelled before completion")
			metrics.JobsCompletedTotal.WithLabelValues("ancillary", "cancelled").Inc()
		} else {
			logger.Error().Err(err).Msg("Failed to complete job")
		}
		return
	}
	metrics.JobsCompletedTotal.WithLabelValues("ancillary", "completed").Inc()
}

// runBannerGrab grabs and classifies a service banner, persists it on
// the port row and queues the classifier-driven follow-ups.
func (w *Worker) runBannerGrab(logger zerolog.Logger, job *types.AncillaryJob) map[string]any {
	proto := job.Protocol
	if proto == "" {
		proto = "tcp"
	}

	grabbed := w.banners.Grab(w.ctx, job.HostIP, job.PortNumber, proto)
	if grabbed != "" && job.PortKey != "" {
		if err := w.store.SavePortBanner(job.PortKey, grabbed); err != nil {
			logger.Error().Err(err).Msg("Failed to save banner")
		}
	}

	detections := banner.Analyze(grabbed, job.PortNumber)
	services := make([]map[string]any, 0, len(detections))
	for _, d := range detections {
		services = append(services, map[string]any{
			"service":    string(d.Service),
			"confidence": d.Confidence,
			"version":    d.Version,
		})
	}

	priority := banner.FollowupPriority(detections)
	now := time.Now().UTC()
	if banner.ShouldQueueSSLCert(detections) {
		w.enqueueFollowup(logger, &types.AncillaryJob{
			UUID:       uuid.NewString(),
			Type:       types.AncillaryTypeSSLCert,
			Status:     types.JobStatusPending,
			Priority:   priority,
			HostIP:     job.HostIP,
			PortNumber: job.PortNumber,
			Protocol:   proto,
			PortKey:    job.PortKey,
			ParentJob:  job.ParentJob,
			MaxRetries: 3,
			CreatedAt:  now,
		})
	}
	if banner.ShouldQueueDomainEnum(detections) {
		w.enqueueFollowup(logger, &types.AncillaryJob{
			UUID:       uuid.NewString(),
			Type:       types.AncillaryTypeDomainEnum,
			Status:     types.JobStatusPending,
			Priority:   priority,
			HostIP:     job.HostIP,
			ParentJob:  job.ParentJob,
			MaxRetries: 3,
			CreatedAt:  now,
		})
	}

	return map[string]any{
		"banner":   grabbed,
		"services": services,
	}
}

func (w *Worker) enqueueFollowup(logger zerolog.Logger, job *types.AncillaryJob) {
	inserted, err := w.store.EnqueueAncillaryDedup(job)
	if err != nil {
		logger.Error().Err(err).Str("followup", string(job.Type)).Msg("Failed to queue follow-up")
		return
	}
	if inserted {
		logger.Debug().Str("followup", string(job.Type)).Int("priority", job.Priority).Msg("Follow-up queued")
	}
}

// runSSLCert fetches and stores the certificate presented on the port,
// recording its names as domains for the host.
func (w *Worker) runSSLCert(logger zerolog.Logger, job *types.AncillaryJob) map[string]any {
	cert, err := w.certs.Grab(w.ctx, job.HostIP, job.PortNumber)
	if err != nil {
		logger.Debug().Err(err).Int("port", job.PortNumber).Msg("Certificate grab failed")
		return map[string]any{}
	}

	if _, err := w.store.UpsertCertificate(cert); err != nil {
		logger.Error().Err(err).Msg("Failed to store certificate")
	}

	now := time.Now().UTC()
	for _, name := range cert.Domains {
		source := types.DomainSourceSSLSAN
		if name == cert.SubjectCN {
			source = types.DomainSourceSSLCN
		}
		if _, err := w.store.UpsertDomain(&types.Domain{
			Name:      name,
			Source:    source,
			HostIP:    job.HostIP,
			CreatedAt: now,
		}); err != nil {
			logger.Error().Err(err).Str("domain", name).Msg("Failed to store domain")
		}
	}

	return map[string]any{
		"fingerprint": cert.Fingerprint,
		"subject_cn":  cert.SubjectCN,
		"issuer_cn":   cert.IssuerCN,
		"valid_until": cert.ValidUntil,
		"domains":     cert.Domains,
	}
}

// runDomainEnum enumerates names for the host and stores each with its
// source.
func (w *Worker) runDomainEnum(logger zerolog.Logger, job *types.AncillaryJob) map[string]any {
	findings := w.enum.Enumerate(w.ctx, job.HostIP)

	now := time.Now().UTC()
	names := make([]string, 0, len(findings))
	for _, f := range findings {
		names = append(names, f.Name)
		if _, err := w.store.UpsertDomain(&types.Domain{
			Name:      f.Name,
			Source:    f.Source,
			HostIP:    job.HostIP,
			CreatedAt: now,
		}); err != nil {
			logger.Error().Err(err).Str("domain", f.Name).Msg("Failed to store domain")
		}
	}

	return map[string]any{"domains": names}
}

// runGeolocation resolves the host's location. GeoUpdated is bumped on
// every outcome so unresolvable hosts are not retried on each scan.
func (w *Worker) runGeolocation(logger zerolog.Logger, job *types.AncillaryJob) map[string]any {
	now := time.Now().UTC()

	loc, err := w.geo.Lookup(w.ctx, job.HostIP)
	if errors.Is(err, geo.ErrPrivateIP) {
		metrics.GeoLookupsTotal.WithLabelValues("private").Inc()
		w.bumpGeo(logger, job.HostIP, now)
		return map[string]any{"reason": "private_ip"}
	}
	if err != nil {
		metrics.GeoLookupsTotal.WithLabelValues("failed").Inc()
		logger.Debug().Err(err).Msg("Geolocation failed")
		w.bumpGeo(logger, job.HostIP, now)
		return map[string]any{}
	}
	metrics.GeoLookupsTotal.WithLabelValues("ok").Inc()

	host, err := w.store.GetHost(job.HostIP)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load host for geolocation update")
	} else {
		host.Country = loc.Country
		host.CountryCode = loc.CountryCode
		host.Region = loc.Region
		host.City = loc.City
		host.Latitude = loc.Latitude
		host.Longitude = loc.Longitude
		host.Timezone = loc.Timezone
		host.ISP = loc.ISP
		host.Org = loc.Org
		host.ASN = loc.ASN
		host.GeoUpdated = &now
		if err := w.store.UpdateHost(host); err != nil {
			logger.Error().Err(err).Msg("Failed to update host geolocation")
		}
	}

	return map[string]any{
		"country":      loc.Country,
		"country_code": loc.CountryCode,
		"region":       loc.Region,
		"city":         loc.City,
		"lat":          loc.Latitude,
		"lon":          loc.Longitude,
		"timezone":     loc.Timezone,
		"isp":          loc.ISP,
		"org":          loc.Org,
		"asn":          loc.ASN,
		"provider":     loc.Provider,
	}
}

func (w *Worker) bumpGeo(logger zerolog.Logger, hostIP string, now time.Time) {
	if err := w.store.BumpHostGeoUpdated(hostIP, now); err != nil && !errors.Is(err, storage.ErrNotFound) {
		logger.Error().Err(err).Msg("Failed to bump geolocation timestamp")
	}
}
