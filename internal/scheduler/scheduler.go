// Package scheduler owns the periodic drivers: the scoring sweep that decays
// idle profiles and the decision sweep that drains due candidates. No
// decision logic lives here — the jobs only define when the engine runs and
// with what deadline.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/signalworks/nudge/internal/config"
	"github.com/signalworks/nudge/internal/engine"
	"github.com/sirupsen/logrus"
)

type Scheduler struct {
	cron   *cron.Cron
	engine *engine.Engine
	cfg    config.SweepConfig
	log    *logrus.Logger
}

func New(eng *engine.Engine, cfg config.SweepConfig, log *logrus.Logger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(),
		engine: eng,
		cfg:    cfg,
		log:    log,
	}
}

// Start registers the cron jobs and starts the scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.cfg.ScoringSpec, s.runScoringSweep); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(s.cfg.DecisionSpec, s.runDecisionSweep); err != nil {
		return err
	}
	s.cron.Start()
	s.log.WithFields(logrus.Fields{
		"scoring":  s.cfg.ScoringSpec,
		"decision": s.cfg.DecisionSpec,
	}).Info("scheduler started")
	return nil
}

// Stop stops the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) runScoringSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	updated, err := s.engine.RunScoringSweep(ctx, s.cfg.BatchSize)
	if err != nil {
		s.log.WithError(err).Error("scoring sweep failed")
		return
	}
	s.log.WithField("profiles", updated).Debug("scoring sweep complete")
}

func (s *Scheduler) runDecisionSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	resolved, err := s.engine.ProcessDueCandidates(ctx, s.cfg.BatchSize)
	if err != nil {
		s.log.WithError(err).Error("decision sweep failed")
		return
	}
	s.log.WithField("candidates", resolved).Debug("decision sweep complete")
}
