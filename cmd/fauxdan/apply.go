package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/icarostangent/Fauxdan/pkg/manager"
	"github.com/icarostangent/Fauxdan/pkg/storage"
	"github.com/icarostangent/Fauxdan/pkg/types"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply resources from a YAML file",
	Long: `Apply job and queue definitions from a YAML file. Multiple
documents per file are supported.

Examples:
  # Queue a batch of scan jobs
  fauxdan apply -f scans.yaml`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML file to apply (required)")
	_ = applyCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(applyCmd)
}

// Resource is one YAML document in an apply file.
type Resource struct {
	Kind string       `yaml:"kind"`
	Spec ResourceSpec `yaml:"spec"`
}

// ResourceSpec covers both Job and Queue documents; kind selects which
// fields apply.
type ResourceSpec struct {
	// Job fields
	Type         string            `yaml:"type"`
	Target       string            `yaml:"target"`
	Ports        []int             `yaml:"ports"`
	Queue        string            `yaml:"queue"`
	Priority     int               `yaml:"priority"`
	ScheduledFor string            `yaml:"scheduledFor"`
	Options      types.ScanOptions `yaml:"options"`

	// Queue fields
	Name          string `yaml:"name"`
	Description   string `yaml:"description"`
	MaxConcurrent int    `yaml:"maxConcurrent"`
	Enabled       *bool  `yaml:"enabled"`
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")

	f, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	defer f.Close()

	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()
	mgr := manager.New(store)

	dec := yaml.NewDecoder(f)
	for {
		var resource Resource
		if err := dec.Decode(&resource); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("%w: failed to parse YAML: %v", manager.ErrUsage, err)
		}

		switch resource.Kind {
		case "Job":
			if err := applyJob(mgr, &resource.Spec); err != nil {
				return err
			}
		case "Queue":
			if err := applyQueue(store, &resource.Spec); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: unsupported resource kind %q", manager.ErrUsage, resource.Kind)
		}
	}
}

func applyJob(mgr *manager.Manager, spec *ResourceSpec) error {
	job, err := mgr.CreateJob(manager.CreateJobRequest{
		Type:         spec.Type,
		Target:       spec.Target,
		Ports:        spec.Ports,
		Queue:        spec.Queue,
		Priority:     spec.Priority,
		ScheduledFor: spec.ScheduledFor,
		Options:      spec.Options,
	})
	if err != nil {
		return err
	}
	fmt.Printf("✓ Job created: %s (%s %s)\n", job.UUID, job.Type, job.Target)
	return nil
}

func applyQueue(store storage.Store, spec *ResourceSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("%w: queue name is required", manager.ErrUsage)
	}

	queue, err := store.GetQueue(spec.Name)
	if errors.Is(err, storage.ErrNotFound) {
		queue = &types.Queue{
			Name:          spec.Name,
			MaxConcurrent: 5,
			Enabled:       true,
			CreatedAt:     time.Now().UTC(),
		}
		if err := store.CreateQueue(queue); err != nil {
			return fmt.Errorf("failed to create queue: %w", err)
		}
	} else if err != nil {
		return err
	}

	if spec.Description != "" {
		queue.Description = spec.Description
	}
	if spec.MaxConcurrent > 0 {
		queue.MaxConcurrent = spec.MaxConcurrent
	}
	queue.Priority = spec.Priority
	if spec.Enabled != nil {
		queue.Enabled = *spec.Enabled
	}
	if err := store.UpdateQueue(queue); err != nil {
		return fmt.Errorf("failed to update queue: %w", err)
	}

	fmt.Printf("✓ Queue applied: %s (max_concurrent=%d, enabled=%v)\n",
		queue.Name, queue.MaxConcurrent, queue.Enabled)
	return nil
}
