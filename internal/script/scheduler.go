package script

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field expressions, an optional leading
// seconds field, and descriptors such as @hourly or @every 5m.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidCron reports whether expr would be accepted by Schedule.
func ValidCron(expr string) bool {
	_, err := cronParser.Parse(expr)
	return err == nil
}

// scheduledRunner executes one scheduled callback through the container's
// scheduled-run path and returns the table to merge, if any.
type scheduledRunner func(kind Trigger, cb ScheduledFunc, sub map[string]any) (map[string]any, bool)

// scheduler owns at most one interval timer and one cron job for a unit,
// each with its own sub-context.
//
// Every start bumps a generation counter. A firing that completes after its
// job was replaced or ended does not merge into the new sub-context.
type scheduler struct {
	unit   string
	cron   *cron.Cron
	run    scheduledRunner
	logger Logger

	mu          sync.Mutex
	intervalGen uint64
	intervalStp chan struct{}
	intervalCtx map[string]any
	cronGen     uint64
	cronID      cron.EntryID
	cronActive  bool
	cronCtx     map[string]any
}

func newScheduler(unit string, c *cron.Cron, run scheduledRunner, logger Logger) *scheduler {
	return &scheduler{
		unit:   unit,
		cron:   c,
		run:    run,
		logger: logger,
	}
}

// StartInterval starts a repeating timer unless one is already active.
func (s *scheduler) StartInterval(cb ScheduledFunc, period time.Duration) {
	if period <= 0 {
		s.logger.Warn("interval period must be positive, ignoring", "unit", s.unit, "period", period)
		return
	}

	s.mu.Lock()
	if s.intervalStp != nil {
		s.mu.Unlock()
		s.logger.Warn("interval already active, ignoring", "unit", s.unit)
		return
	}
	s.intervalGen++
	gen := s.intervalGen
	stop := make(chan struct{})
	s.intervalStp = stop
	s.intervalCtx = make(map[string]any)
	s.mu.Unlock()

	go s.loopInterval(stop, gen, cb, period)

	s.logger.Debug("interval started", "unit", s.unit, "period", period)
}

func (s *scheduler) loopInterval(stop <-chan struct{}, gen uint64, cb ScheduledFunc, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.fire(TriggerInterval, gen, cb)
		}
	}
}

// EndInterval stops the timer and clears its sub-context. It never waits
// for an in-flight callback, so a callback may clear its own interval.
func (s *scheduler) EndInterval() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.intervalStp == nil {
		return
	}
	close(s.intervalStp)
	s.intervalStp = nil
	s.intervalCtx = nil
	s.intervalGen++
}

// StartSchedule replaces the cron job. Invalid expressions leave the unit
// without a cron job and are not reported as errors.
func (s *scheduler) StartSchedule(expr string, cb ScheduledFunc) {
	s.EndSchedule()

	sched, err := cronParser.Parse(expr)
	if err != nil {
		s.logger.Debug("ignoring invalid cron expression", "unit", s.unit, "expr", expr, "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.cronGen++
	gen := s.cronGen
	s.cronCtx = make(map[string]any)
	s.cronID = s.cron.Schedule(sched, cron.FuncJob(func() {
		s.fire(TriggerSchedule, gen, cb)
	}))
	s.cronActive = true

	s.logger.Debug("schedule started", "unit", s.unit, "expr", expr)
}

// EndSchedule removes the cron job, if any.
func (s *scheduler) EndSchedule() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.cronActive {
		return
	}
	s.cron.Remove(s.cronID)
	s.cronActive = false
	s.cronID = 0
	s.cronCtx = nil
	s.cronGen++
}

// EndAll cancels both the interval and the cron job.
func (s *scheduler) EndAll() {
	s.EndInterval()
	s.EndSchedule()
}

// Active reports which schedule kinds are running.
func (s *scheduler) Active() (interval, schedule bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intervalStp != nil, s.cronActive
}

// SubContext returns a copy of a schedule kind's sub-context, or nil when
// that kind is not active.
func (s *scheduler) SubContext(kind Trigger) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch kind {
	case TriggerInterval:
		if s.intervalStp == nil {
			return nil
		}
		return copyContext(s.intervalCtx)
	case TriggerSchedule:
		if !s.cronActive {
			return nil
		}
		return copyContext(s.cronCtx)
	}
	return nil
}

// fire runs one callback with a copy of the sub-context and merges the
// result back if the job is still the same generation.
func (s *scheduler) fire(kind Trigger, gen uint64, cb ScheduledFunc) {
	s.mu.Lock()
	sub, ok := s.currentLocked(kind, gen)
	s.mu.Unlock()
	if !ok {
		return
	}

	result, ok := s.run(kind, cb, copyContext(sub))
	if !ok || len(result) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, still := s.currentLocked(kind, gen); !still {
		return
	}
	switch kind {
	case TriggerInterval:
		s.intervalCtx = mergeContext(s.intervalCtx, result)
	case TriggerSchedule:
		s.cronCtx = mergeContext(s.cronCtx, result)
	}
}

func (s *scheduler) currentLocked(kind Trigger, gen uint64) (map[string]any, bool) {
	switch kind {
	case TriggerInterval:
		if s.intervalStp == nil || s.intervalGen != gen {
			return nil, false
		}
		return s.intervalCtx, true
	case TriggerSchedule:
		if !s.cronActive || s.cronGen != gen {
			return nil, false
		}
		return s.cronCtx, true
	}
	return nil, false
}
