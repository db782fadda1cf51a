package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/icarostangent/Fauxdan/pkg/log"
	"github.com/icarostangent/Fauxdan/pkg/storage"
	"github.com/icarostangent/Fauxdan/pkg/types"
)

// termGrace is how long a timed-out scan gets between SIGTERM and
// SIGKILL.
const termGrace = 5 * time.Second

// discoveredRe matches masscan's discovery lines on stdout.
var discoveredRe = regexp.MustCompile(`Discovered open port (\d+)/(tcp|udp) on (\d+\.\d+\.\d+\.\d+)`)

// Result summarizes one finished scan.
type Result struct {
	ScanID      string
	Discoveries int
	Followups   int
}

// Runner executes masscan jobs: it launches the subprocess, streams its
// stdout, and records every discovery (with follow-up fan-out) as it
// arrives, so a scan killed halfway still keeps everything it found.
type Runner struct {
	store  storage.Store
	logger zerolog.Logger

	// MasscanPath overrides the masscan binary location.
	MasscanPath string
}

// NewRunner creates a runner backed by the given store.
func NewRunner(store storage.Store) *Runner {
	return &Runner{
		store:  store,
		logger: log.WithComponent("pipeline"),
	}
}

// Run executes the job's scan to completion. The job must already be
// marked running by the caller; Run records the Scan row, streams
// discoveries into the store, and closes the Scan row. A deadline
// overrun returns an error of the form "timed out after N seconds".
func (r *Runner) Run(ctx context.Context, job *types.PrimaryJob) (*Result, error) {
	command := CommandForJob(job)
	if r.MasscanPath != "" {
		command.Path = r.MasscanPath
	}

	scan := &types.Scan{
		UUID:      uuid.NewString(),
		Command:   command.String(),
		StartTime: time.Now().UTC(),
		Status:    "running",
		Type:      string(job.Type),
		User:      job.User,
	}
	if err := r.store.CreateScan(scan); err != nil {
		return nil, fmt.Errorf("failed to create scan record: %w", err)
	}
	job.ScanID = scan.UUID
	if err := r.store.UpdatePrimaryJob(job); err != nil {
		return nil, fmt.Errorf("failed to link scan to job: %w", err)
	}

	timeout := job.Options.Timeout()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res := &Result{ScanID: scan.UUID}
	runErr := r.stream(ctx, command, job, scan.UUID, res)

	end := time.Now().UTC()
	scan.EndTime = &end
	if runErr != nil {
		scan.Status = "failed"
	} else {
		scan.Status = "completed"
	}
	if err := r.store.UpdateScan(scan); err != nil {
		r.logger.Error().Err(err).Str("scan", scan.UUID).Msg("Failed to close scan record")
	}

	if errors.Is(runErr, context.DeadlineExceeded) || (runErr != nil && ctx.Err() == context.DeadlineExceeded) {
		return res, fmt.Errorf("timed out after %d seconds", int(timeout.Seconds()))
	}
	return res, runErr
}

func (r *Runner) stream(ctx context.Context, command *Command, job *types.PrimaryJob, scanID string, res *Result) error {
	name, args := command.Argv()
	cmd := exec.CommandContext(ctx, name, args...)

	// Run masscan in its own process group so a timeout can terminate
	// it together with any children, SIGTERM first, SIGKILL after the
	// grace period.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = termGrace

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout pipe: %w", err)
	}

	r.logger.Info().
		Str("job_uuid", job.UUID).
		Str("scan", scanID).
		Str("command", command.String()).
		Msg("Starting scan")

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", name, err)
	}

	// Frame stdout into lines from fixed-size reads; masscan flushes
	// discovery lines as it goes.
	buf := make([]byte, 1024)
	var pending []byte
	for {
		n, readErr := stdout.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			for {
				idx := bytes.IndexByte(pending, '\n')
				if idx < 0 {
					break
				}
				line := strings.TrimSpace(string(pending[:idx]))
				pending = pending[idx+1:]
				r.handleLine(line, job, scanID, res)
			}
		}
		if readErr != nil {
			break
		}
	}
	if line := strings.TrimSpace(string(pending)); line != "" {
		r.handleLine(line, job, scanID, res)
	}

	waitErr := cmd.Wait()
	if ctx.Err() == context.DeadlineExceeded {
		return context.DeadlineExceeded
	}
	if waitErr != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return fmt.Errorf("%s failed: %w: %s", name, waitErr, lastLine(msg))
		}
		return fmt.Errorf("%s failed: %w", name, waitErr)
	}

	r.logger.Info().
		Str("job_uuid", job.UUID).
		Str("scan", scanID).
		Int("discoveries", res.Discoveries).
		Int("followups", res.Followups).
		Msg("Scan completed")
	return nil
}

func (r *Runner) handleLine(line string, job *types.PrimaryJob, scanID string, res *Result) {
	m := discoveredRe.FindStringSubmatch(line)
	if m == nil {
		return
	}
	port, err := strconv.Atoi(m[1])
	if err != nil {
		return
	}
	proto, hostIP := m[2], m[3]

	disc, err := r.store.RecordDiscovery(job.UUID, scanID, hostIP, port, proto, time.Now().UTC())
	if err != nil {
		r.logger.Error().Err(err).
			Str("host", hostIP).
			Int("port", port).
			Msg("Failed to record discovery")
		return
	}
	res.Discoveries++
	res.Followups += len(disc.Enqueued)

	r.logger.Debug().
		Str("host", hostIP).
		Int("port", port).
		Str("proto", proto).
		Bool("new_host", disc.HostCreated).
		Int("followups", len(disc.Enqueued)).
		Msg("Discovered open port")
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
