// Package schedule keeps recurring jobs (the owner's daily brief) in a JSON
// job file and computes their next run times from cron expressions.
package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron"

	"github.com/berth-dev/trivium/internal/cq"
)

// ManagedTag marks jobs this package owns.
const ManagedTag = "managed-by=trivium;kind=daily-brief"

const fileVersion = 1

// Job is one recurring job.
type Job struct {
	ID          string    `json:"id"`
	Owner       string    `json:"owner"`
	Expression  string    `json:"expression"`
	Timezone    string    `json:"timezone"`
	ChannelID   string    `json:"channel_id"`
	Description string    `json:"description"`
	Enabled     bool      `json:"enabled"`
	NextRunAt   time.Time `json:"next_run_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type jobFile struct {
	Version int   `json:"version"`
	Jobs    []Job `json:"jobs"`
}

// Store is a file-backed job list. It satisfies cq.Scheduler.
type Store struct {
	path string
	now  func() time.Time
	mu   sync.Mutex
}

var _ cq.Scheduler = (*Store)(nil)

// NewStore returns a Store backed by the JSON file at path.
func NewStore(path string) *Store {
	return &Store{path: path, now: time.Now}
}

// JobID returns the daily brief job id for an owner.
func JobID(owner string) string {
	return "trivium-daily-brief-" + owner
}

// DailyExpression converts "HH:MM" into a five-field cron expression.
func DailyExpression(hhmm string) (string, error) {
	hourStr, minStr, ok := strings.Cut(strings.TrimSpace(hhmm), ":")
	if !ok {
		return "", fmt.Errorf("invalid time %q: want HH:MM", hhmm)
	}
	hour, err := strconv.Atoi(hourStr)
	if err != nil || hour < 0 || hour > 23 {
		return "", fmt.Errorf("invalid hour in %q", hhmm)
	}
	minute, err := strconv.Atoi(minStr)
	if err != nil || minute < 0 || minute > 59 {
		return "", fmt.Errorf("invalid minute in %q", hhmm)
	}
	return fmt.Sprintf("%d %d * * *", minute, hour), nil
}

// NextRun returns the first activation of expr after from, evaluated in tz.
func NextRun(expr, tz string, from time.Time) (time.Time, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Time{}, fmt.Errorf("loading time zone %q: %w", tz, err)
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing cron expression %q: %w", expr, err)
	}
	return sched.Next(from.In(loc)), nil
}

// UpsertRecurringJob creates or updates the owner's daily brief job.
func (s *Store) UpsertRecurringJob(_ context.Context, cfg cq.JobConfig) (string, string, error) {
	if cfg.Owner == "" {
		return "", "", errors.New("job owner is required")
	}
	tz := cfg.Timezone
	if tz == "" {
		tz = "UTC"
	}
	expr, err := DailyExpression(cfg.Time)
	if err != nil {
		return "", "", err
	}
	now := s.now()
	next, err := NextRun(expr, tz, now)
	if err != nil {
		return "", "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, err := s.load()
	if err != nil {
		return "", "", err
	}
	id := JobID(cfg.Owner)
	job := Job{
		ID:          id,
		Owner:       cfg.Owner,
		Expression:  expr,
		Timezone:    tz,
		ChannelID:   cfg.ChannelID,
		Description: ManagedTag,
		Enabled:     true,
		NextRunAt:   next.UTC(),
		CreatedAt:   now.UTC(),
		UpdatedAt:   now.UTC(),
	}

	action := "created"
	replaced := false
	for i := range jobs {
		if jobs[i].ID == id {
			job.CreatedAt = jobs[i].CreatedAt
			jobs[i] = job
			action = "updated"
			replaced = true
			break
		}
	}
	if !replaced {
		jobs = append(jobs, job)
	}
	if err := s.save(jobs); err != nil {
		return "", "", err
	}
	return action, id, nil
}

// List returns every stored job.
func (s *Store) List() ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// load reads the job file. A missing or unreadable-JSON file is an empty list.
func (s *Store) load() ([]Job, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading job file: %w", err)
	}
	var f jobFile
	if err := json.Unmarshal(data, &f); err != nil || f.Version != fileVersion {
		return nil, nil
	}
	return f.Jobs, nil
}

func (s *Store) save(jobs []Job) error {
	data, err := json.MarshalIndent(jobFile{Version: fileVersion, Jobs: jobs}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling jobs: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("creating job directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("writing job file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replacing job file: %w", err)
	}
	return nil
}
