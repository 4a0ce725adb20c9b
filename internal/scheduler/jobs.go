// internal/scheduler/jobs.go
package scheduler

import (
	"fmt"
	"os"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/droidprowl/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// jobFileEntry mirrors JobSpec with the time budget in a human-friendly
// duration string.
type jobFileEntry struct {
	ID             string `json:"id"`
	AppPackage     string `json:"app_package"`
	EntryActivity  string `json:"entry_activity"`
	DeviceSelector string `json:"device_selector"`
	StepBudget     int    `json:"step_budget"`
	TimeBudget     string `json:"time_budget"`
}

// LoadJobs reads one job file: a JSON array of job entries. Malformed entries
// are reported and skipped rather than failing the whole file; a file with no
// usable entries is an error. The skipped count feeds the run summary.
func LoadJobs(path string, logger *zap.Logger) ([]schemas.JobSpec, int, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read job file %s: %w", path, err)
	}

	var raw []jsoniter.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, 0, fmt.Errorf("job file %s is not a JSON array: %w", path, err)
	}

	var jobs []schemas.JobSpec
	skipped := 0
	for i, msg := range raw {
		var entry jobFileEntry
		if err := json.Unmarshal(msg, &entry); err != nil {
			logger.Warn("Skipping malformed job entry",
				zap.String("file", path), zap.Int("index", i), zap.Error(err))
			skipped++
			continue
		}
		job, err := entry.toSpec(i)
		if err != nil {
			logger.Warn("Skipping invalid job entry",
				zap.String("file", path), zap.Int("index", i), zap.Error(err))
			skipped++
			continue
		}
		jobs = append(jobs, job)
	}

	if len(jobs) == 0 {
		return nil, skipped, fmt.Errorf("job file %s contains no usable jobs", path)
	}
	return jobs, skipped, nil
}

func (e jobFileEntry) toSpec(index int) (schemas.JobSpec, error) {
	if e.AppPackage == "" {
		return schemas.JobSpec{}, fmt.Errorf("app_package is required")
	}
	job := schemas.JobSpec{
		ID:             e.ID,
		AppPackage:     e.AppPackage,
		EntryActivity:  e.EntryActivity,
		DeviceSelector: e.DeviceSelector,
		StepBudget:     e.StepBudget,
	}
	if job.ID == "" {
		job.ID = fmt.Sprintf("job-%d-%s", index, e.AppPackage)
	}
	if e.TimeBudget != "" {
		d, err := time.ParseDuration(e.TimeBudget)
		if err != nil {
			return schemas.JobSpec{}, fmt.Errorf("invalid time_budget %q: %w", e.TimeBudget, err)
		}
		job.TimeBudget = d
	}
	return job, nil
}
