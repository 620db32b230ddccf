package cron

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/myrmex-ai/myrmex/pkg/models"
)

type jobsFile struct {
	Jobs []jobSpec `yaml:"jobs"`
}

type jobSpec struct {
	ID          string `yaml:"id"`
	Schedule    string `yaml:"schedule"`
	AgentID     string `yaml:"agent_id"`
	Enabled     *bool  `yaml:"enabled"`
	PayloadType string `yaml:"payload_type"`
	Payload     string `yaml:"payload"`
	SessionMode string `yaml:"session_mode"`
	MaxDuration int    `yaml:"max_duration_seconds"`
	RetryCount  int    `yaml:"retry_count"`
}

// MigrateYAML seeds the job table from a YAML file. The upsert keys on job
// id, so repeated migrations of the same file are idempotent. A missing
// file is not an error. Returns the number of jobs written.
func (s *Scheduler) MigrateYAML(ctx context.Context, path string) (int, error) {
	if path == "" {
		return 0, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read jobs file: %w", err)
	}

	var file jobsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return 0, fmt.Errorf("parse jobs file: %w", err)
	}

	written := 0
	for i, spec := range file.Jobs {
		if spec.ID == "" {
			return written, fmt.Errorf("job %d: id is required", i)
		}
		if _, err := ParseSchedule(spec.Schedule); err != nil {
			return written, fmt.Errorf("job %q: %w", spec.ID, err)
		}
		enabled := true
		if spec.Enabled != nil {
			enabled = *spec.Enabled
		}
		job := &models.CronJob{
			ID:          spec.ID,
			Schedule:    spec.Schedule,
			AgentID:     spec.AgentID,
			Enabled:     enabled,
			PayloadType: spec.PayloadType,
			Payload:     spec.Payload,
			SessionMode: models.SessionMode(spec.SessionMode),
			MaxDuration: spec.MaxDuration,
			RetryCount:  spec.RetryCount,
		}
		if err := s.store.UpsertCronJob(ctx, job); err != nil {
			return written, err
		}
		written++
	}
	s.logger.Info("jobs migrated from file", "path", path, "count", written)
	return written, nil
}
