package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/icarostangent/Fauxdan/pkg/log"
	"github.com/icarostangent/Fauxdan/pkg/manager"
	"github.com/icarostangent/Fauxdan/pkg/metrics"
	"github.com/icarostangent/Fauxdan/pkg/storage"
	"github.com/icarostangent/Fauxdan/pkg/sweeper"
	"github.com/icarostangent/Fauxdan/pkg/types"
	"github.com/icarostangent/Fauxdan/pkg/worker"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, manager.ErrUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fauxdan",
	Short: "Fauxdan - distributed network reconnaissance engine",
	Long: `Fauxdan runs masscan-based port discovery across a fleet of workers
and enriches every open port with banners, TLS certificates, domain
names and geolocation, all coordinated through a durable job store.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level, _ := cmd.Flags().GetString("log-level")
		jsonOut, _ := cmd.Flags().GetBool("log-json")
		log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Fauxdan version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	// Flag parse failures exit with the usage code.
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%w: %s", manager.ErrUsage, err)
	})

	rootCmd.PersistentFlags().String("data-dir", "./fauxdan-data", "Data directory for the job store")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Log as JSON instead of console output")

	rootCmd.AddCommand(createJobCmd)
	rootCmd.AddCommand(listJobsCmd)
	rootCmd.AddCommand(jobStatusCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(workersCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(runWorkerCmd)
}

// exactArgs is cobra.ExactArgs with the mismatch reported as a usage
// error.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return fmt.Errorf("%w: expected %d argument(s), got %d", manager.ErrUsage, n, len(args))
		}
		return nil
	}
}

// openStore opens the bbolt store under the configured data directory.
func openStore(cmd *cobra.Command) (*storage.BoltStore, error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return storage.NewBoltStore(filepath.Join(dataDir, "fauxdan.db"))
}

var createJobCmd = &cobra.Command{
	Use:   "create-job",
	Short: "Create a new scan job",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		jobType, _ := cmd.Flags().GetString("type")
		target, _ := cmd.Flags().GetString("target")
		portSpec, _ := cmd.Flags().GetString("ports")
		queue, _ := cmd.Flags().GetString("queue")
		priority, _ := cmd.Flags().GetInt("priority")
		schedule, _ := cmd.Flags().GetString("schedule")
		syn, _ := cmd.Flags().GetBool("syn")
		tcp, _ := cmd.Flags().GetBool("tcp")
		udp, _ := cmd.Flags().GetBool("udp")
		allPorts, _ := cmd.Flags().GetBool("all-ports")
		rate, _ := cmd.Flags().GetInt("rate")
		timeout, _ := cmd.Flags().GetInt("timeout")
		proxychains, _ := cmd.Flags().GetBool("proxychains")
		resume, _ := cmd.Flags().GetBool("resume")

		ports, err := manager.ParsePorts(portSpec)
		if err != nil {
			return err
		}

		job, err := manager.New(store).CreateJob(manager.CreateJobRequest{
			Type:         jobType,
			Target:       target,
			Ports:        ports,
			Queue:        queue,
			Priority:     priority,
			ScheduledFor: schedule,
			Options: types.ScanOptions{
				SYN:            syn,
				TCP:            tcp,
				UDP:            udp,
				AllPorts:       allPorts,
				Rate:           rate,
				TimeoutSeconds: timeout,
				UseProxychains: proxychains,
				Resume:         resume,
			},
		})
		if err != nil {
			return err
		}

		fmt.Printf("✓ Job created: %s\n", job.UUID)
		fmt.Printf("  Type: %s\n", job.Type)
		fmt.Printf("  Target: %s\n", job.Target)
		fmt.Printf("  Queue: %s\n", job.Queue)
		if job.ScheduledFor != nil {
			fmt.Printf("  Scheduled: %s\n", job.ScheduledFor.Format(time.RFC3339))
		}
		return nil
	},
}

func init() {
	createJobCmd.Flags().String("type", "masscan", "Job type (masscan, nmap, custom)")
	createJobCmd.Flags().String("target", "", "Target IP, CIDR or IP range (required)")
	createJobCmd.Flags().String("ports", "", "Comma-separated ports (default: curated list)")
	createJobCmd.Flags().String("queue", "default", "Queue name")
	createJobCmd.Flags().Int("priority", 0, "Job priority (higher runs first)")
	createJobCmd.Flags().String("schedule", "", "Earliest start time (RFC 3339)")
	createJobCmd.Flags().Bool("syn", false, "SYN scan (default when no scan mode given)")
	createJobCmd.Flags().Bool("tcp", false, "TCP connect scan")
	createJobCmd.Flags().Bool("udp", false, "UDP scan")
	createJobCmd.Flags().Bool("all-ports", false, "Scan every port 1-65535")
	createJobCmd.Flags().Int("rate", 0, "Packet rate (pps)")
	createJobCmd.Flags().Int("timeout", 0, "Scan timeout in seconds")
	createJobCmd.Flags().Bool("proxychains", false, "Run the scanner through proxychains")
	createJobCmd.Flags().Bool("resume", false, "Resume a previously interrupted scan")
}

var listJobsCmd = &cobra.Command{
	Use:   "list-jobs",
	Short: "List scan jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		status, _ := cmd.Flags().GetString("status")
		queue, _ := cmd.Flags().GetString("queue")
		limit, _ := cmd.Flags().GetInt("limit")

		jobs, err := manager.New(store).ListJobs(status, queue, limit)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Println("No jobs found")
			return nil
		}

		fmt.Printf("%-36s  %-8s  %-10s  %-20s  %s\n", "UUID", "TYPE", "STATUS", "TARGET", "QUEUE")
		for _, job := range jobs {
			fmt.Printf("%-36s  %-8s  %-10s  %-20s  %s\n",
				job.UUID, job.Type, job.Status, job.Target, job.Queue)
		}
		return nil
	},
}

func init() {
	listJobsCmd.Flags().String("status", "", "Filter by status")
	listJobsCmd.Flags().String("queue", "", "Filter by queue")
	listJobsCmd.Flags().Int("limit", 50, "Maximum jobs to list (0 = all)")
}

var jobStatusCmd = &cobra.Command{
	Use:   "job-status UUID",
	Short: "Show the status of one job",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		job, err := manager.New(store).GetJob(args[0])
		if err != nil {
			return err
		}

		fmt.Printf("UUID:     %s\n", job.UUID)
		fmt.Printf("Type:     %s\n", job.Type)
		fmt.Printf("Status:   %s\n", job.Status)
		fmt.Printf("Target:   %s\n", job.Target)
		fmt.Printf("Queue:    %s\n", job.Queue)
		fmt.Printf("Progress: %d%%\n", job.Progress)
		fmt.Printf("Retries:  %d/%d\n", job.RetryCount, job.MaxRetries)
		if job.AssignedWorker != "" {
			fmt.Printf("Worker:   %s\n", job.AssignedWorker)
		}
		fmt.Printf("Created:  %s\n", job.CreatedAt.Format(time.RFC3339))
		if job.StartedAt != nil {
			fmt.Printf("Started:  %s\n", job.StartedAt.Format(time.RFC3339))
		}
		if job.CompletedAt != nil {
			fmt.Printf("Finished: %s\n", job.CompletedAt.Format(time.RFC3339))
		}
		if job.Error != "" {
			fmt.Printf("Error:    %s\n", job.Error)
		}
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel UUID",
	Short: "Cancel a job",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		ok, err := manager.New(store).CancelJob(args[0])
		if err != nil {
			return err
		}
		if !ok {
			fmt.Printf("Job %s is already finished\n", args[0])
			return nil
		}
		fmt.Printf("✓ Job cancelled: %s\n", args[0])
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		queue, _ := cmd.Flags().GetString("queue")
		stats, err := manager.New(store).QueueStats(queue)
		if err != nil {
			return err
		}
		if len(stats) == 0 {
			fmt.Println("No queues found")
			return nil
		}

		fmt.Printf("%-16s  %-8s  %8s  %8s  %10s  %8s\n",
			"QUEUE", "ENABLED", "PENDING", "RUNNING", "COMPLETED", "FAILED")
		for name, s := range stats {
			fmt.Printf("%-16s  %-8v  %8d  %8d  %10d  %8d\n",
				name, s.Enabled, s.Pending, s.Running, s.Completed, s.Failed)
		}
		return nil
	},
}

func init() {
	statsCmd.Flags().String("queue", "", "Show a single queue")
}

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "List registered workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		workers, err := manager.New(store).ListWorkers()
		if err != nil {
			return err
		}
		if len(workers) == 0 {
			fmt.Println("No workers registered")
			return nil
		}

		fmt.Printf("%-28s  %-8s  %-16s  %-24s  %s\n",
			"WORKER", "STATUS", "HOSTNAME", "JOB TYPES", "LAST HEARTBEAT")
		for _, w := range workers {
			fmt.Printf("%-28s  %-8s  %-16s  %-24s  %s\n",
				w.WorkerID, w.Status, w.Hostname,
				strings.Join(w.SupportedTypes, ","),
				w.LastHeartbeat.Format(time.RFC3339))
		}
		return nil
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove old finished jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		days, _ := cmd.Flags().GetInt("days")
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		n, err := manager.New(store).Cleanup(days, dryRun)
		if err != nil {
			return err
		}
		if dryRun {
			fmt.Printf("Would remove %d jobs older than %d days\n", n, days)
		} else {
			fmt.Printf("✓ Removed %d jobs older than %d days\n", n, days)
		}
		return nil
	},
}

func init() {
	cleanupCmd.Flags().Int("days", 30, "Remove terminal jobs older than this many days")
	cleanupCmd.Flags().Bool("dry-run", false, "Only count, do not delete")
}

var runWorkerCmd = &cobra.Command{
	Use:   "run-worker",
	Short: "Run a worker process",
	Long: `Run a worker that leases jobs from the store and executes them.

The worker also runs the stale-lease sweeper and, with --metrics-addr,
serves Prometheus metrics and health endpoints.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		jobTypes, _ := cmd.Flags().GetStringSlice("job-types")
		maxConcurrent, _ := cmd.Flags().GetInt("max-concurrent")
		workerID, _ := cmd.Flags().GetString("worker-id")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		metrics.SetVersion(Version)
		metrics.RegisterComponent("store", true, "")

		w := worker.New(store, worker.Config{
			WorkerID:       workerID,
			SupportedTypes: jobTypes,
			MaxConcurrent:  maxConcurrent,
			Version:        Version,
		})
		if err := w.Start(); err != nil {
			return err
		}
		metrics.RegisterComponent("worker", true, "")

		sw := sweeper.New(store, sweeper.Config{})
		sw.Start()

		collector := metrics.NewCollector(store, 0)
		collector.Start(metricsAddr)

		fmt.Printf("Worker %s is running. Press Ctrl+C to stop.\n", w.ID())

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		fmt.Println("\nShutting down...")

		collector.Stop()
		sw.Stop()
		w.Stop()

		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

func init() {
	runWorkerCmd.Flags().StringSlice("job-types", nil, "Job types to handle (default: all)")
	runWorkerCmd.Flags().Int("max-concurrent", worker.DefaultMaxConcurrent, "Concurrent handler slots")
	runWorkerCmd.Flags().String("worker-id", "", "Worker ID (default: <hostname>-<random>)")
	runWorkerCmd.Flags().String("metrics-addr", "", "Address for metrics and health endpoints (e.g. :9090)")
}
