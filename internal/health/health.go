// Package health inspects Running execution records and classifies anomalies:
// missing pids, dead processes, stale heartbeats, and runaway runtimes.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mpataki/foreman/internal/models"
	"github.com/mpataki/foreman/internal/proc"
	"github.com/mpataki/foreman/internal/storage"
)

type Category string

const (
	Healthy     Category = "healthy"
	NoPid       Category = "no_pid"
	DeadProcess Category = "dead_process"
	NoHeartbeat Category = "no_heartbeat"
	LongRunning Category = "long_running"
)

type Config struct {
	PidGrace         time.Duration
	HeartbeatTimeout time.Duration
	MaxRuntime       time.Duration
	KillGrace        time.Duration
}

type Classifier struct {
	store *storage.Store
	cfg   Config
	log   *slog.Logger

	// alive and terminate are swappable so tests can simulate dead
	// processes without signalling anything real.
	alive     func(pid int) bool
	terminate func(pid int, grace time.Duration)
}

func New(store *storage.Store, cfg Config, log *slog.Logger) *Classifier {
	return &Classifier{
		store:     store,
		cfg:       cfg,
		log:       log,
		alive:     proc.Alive,
		terminate: proc.TerminateGroup,
	}
}

// Classify evaluates one Running record against the anomaly rules, first
// match wins. It reads nothing but the record and the process table, so it is
// idempotent on an unchanged record.
func (c *Classifier) Classify(rec *models.ExecutionRecord, now time.Time) Category {
	if rec.Status != models.StatusRunning {
		return Healthy
	}

	if rec.PID == nil {
		if now.Sub(rec.CreatedAt) > c.cfg.PidGrace {
			return NoPid
		}
		return Healthy
	}

	if !c.alive(*rec.PID) {
		return DeadProcess
	}

	if rec.LastHeartbeat != nil && now.Sub(*rec.LastHeartbeat) > c.cfg.HeartbeatTimeout {
		return NoHeartbeat
	}

	if rec.StartedAt != nil && now.Sub(*rec.StartedAt) > c.cfg.MaxRuntime {
		return LongRunning
	}

	return Healthy
}

// SweepResult reports one forced transition.
type SweepResult struct {
	RecordID string
	Category Category
	Status   models.Status
}

// Sweep classifies every Running record and forces anomalous ones terminal:
// Killed when a live process had to be terminated first, Failed otherwise.
// Healthy records are never touched. No subprocess outlives its supervising
// record unnoticed.
func (c *Classifier) Sweep(ctx context.Context) ([]SweepResult, error) {
	running, err := c.store.ListRecords(storage.ListFilter{Status: models.StatusRunning})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var results []SweepResult
	for _, rec := range running {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		category := c.Classify(rec, now)
		if category == Healthy {
			continue
		}

		status := models.StatusFailed
		if rec.PID != nil && c.alive(*rec.PID) {
			// Live but unresponsive: terminate before recording the state.
			c.terminate(*rec.PID, c.cfg.KillGrace)
			status = models.StatusKilled
		}

		ended := time.Now()
		rec.Status = status
		rec.EndedAt = &ended
		rec.Reason = string(category)
		if err := c.store.UpsertRecord(rec); err != nil {
			// The runner or a kill finalized it between list and write.
			if errors.Is(err, storage.ErrStaleWrite) || errors.Is(err, storage.ErrTerminal) {
				c.log.Info("sweep superseded by concurrent transition", "record", rec.ID)
				continue
			}
			return results, fmt.Errorf("failed to force %s terminal: %w", rec.ID, err)
		}

		c.log.Warn("swept anomalous record",
			"record", rec.ID, "category", category, "status", status)
		results = append(results, SweepResult{RecordID: rec.ID, Category: category, Status: status})
	}

	return results, nil
}
