// Package scheduler fires automation triggers on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/internal/automation"
	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/internal/config"
	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/internal/metrics"
	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/internal/models"
	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/internal/payload"
	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/pkg/utils"
)

// Parser accepts standard five-field expressions and descriptors like "@hourly".
var Parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Runner executes one invocation.
type Runner interface {
	Execute(ctx context.Context, inv automation.Invocation) (*models.ExecuteResponse, error)
}

type job struct {
	config  config.ScheduleConfig
	payload payload.Document
	entryID cron.EntryID
}

// Scheduler owns a cron runner and the jobs registered on it.
type Scheduler struct {
	cron    *cron.Cron
	runner  Runner
	metrics *metrics.PrometheusMetrics
	logger  *logrus.Entry
	timeout time.Duration

	mu   sync.Mutex
	jobs map[string]*job
	ctx  context.Context
}

// New creates a scheduler. metrics may be nil.
func New(runner Runner, m *metrics.PrometheusMetrics, logger *logrus.Logger) *Scheduler {
	log := utils.ComponentLogger(logger, "scheduler")
	cronLogger := cron.PrintfLogger(log)

	return &Scheduler{
		cron: cron.New(
			cron.WithParser(Parser),
			cron.WithChain(
				cron.SkipIfStillRunning(cronLogger),
				cron.Recover(cronLogger),
			),
		),
		runner:  runner,
		metrics: m,
		logger:  log,
		timeout: 5 * time.Minute,
		jobs:    make(map[string]*job),
		ctx:     context.Background(),
	}
}

// Add registers a schedule. Names must be unique.
func (s *Scheduler) Add(sc config.ScheduleConfig) error {
	if sc.Name == "" || sc.Trigger == "" {
		return utils.NewAppError(utils.ErrCodeConfiguration, "Schedule needs a name and a trigger", sc.Name)
	}

	doc, err := payload.New(sc.Payload)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeConfiguration, "Invalid schedule payload", err.Error())
	}

	schedule, err := Parser.Parse(sc.Cron)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeConfiguration,
			fmt.Sprintf("Invalid cron expression for schedule %s", sc.Name), err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[sc.Name]; exists {
		return utils.NewAppError(utils.ErrCodeConfiguration, "Duplicate schedule name", sc.Name)
	}

	j := &job{config: sc, payload: doc}
	j.entryID = s.cron.Schedule(schedule, cron.FuncJob(func() { s.fire(j) }))
	s.jobs[sc.Name] = j

	s.logger.WithFields(logrus.Fields{
		"schedule": sc.Name,
		"cron":     sc.Cron,
		"trigger":  sc.Trigger,
	}).Info("Schedule registered")
	return nil
}

// Start begins firing schedules. Invocations run under ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.cron.Start()
	s.logger.WithField("schedules", len(s.Names())).Info("Scheduler started")
}

// Stop stops the cron runner and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("Scheduler stopped")
}

// Names lists registered schedules, sorted.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Next returns the next fire time of a schedule.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(j.entryID).Next, true
}

// RunNow fires a schedule immediately, outside the cron loop.
func (s *Scheduler) RunNow(ctx context.Context, name string) (*models.ExecuteResponse, error) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return nil, utils.NewAppError(utils.ErrCodeNotFound, "Schedule not found", name)
	}
	return s.run(ctx, j)
}

func (s *Scheduler) fire(j *job) {
	s.mu.Lock()
	parent := s.ctx
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()

	s.run(ctx, j)
}

func (s *Scheduler) run(ctx context.Context, j *job) (*models.ExecuteResponse, error) {
	log := s.logger.WithFields(logrus.Fields{
		"schedule": j.config.Name,
		"trigger":  j.config.Trigger,
	})

	resp, err := s.runner.Execute(ctx, automation.Invocation{
		Event:   j.config.Trigger,
		Payload: j.payload,
		DryRun:  j.config.DryRun,
	})
	if err != nil {
		s.record(j.config.Name, "error")
		log.WithError(err).Error("Scheduled run failed")
		return nil, err
	}

	s.record(j.config.Name, "success")
	log.WithField("rules", resp.Count).Info("Scheduled run completed")
	return resp, nil
}

func (s *Scheduler) record(name, status string) {
	if s.metrics != nil {
		s.metrics.RecordScheduledRun(name, status)
	}
}
