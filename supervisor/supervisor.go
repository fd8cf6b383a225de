// Package supervisor keeps a fixed set of worker processes alive: it spawns
// them, restarts the ones that crash and stops them all on shutdown.
package supervisor

import (
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"listing-scraper/config"
)

type worker struct {
	id       int
	state    State
	proc     Process
	exited   chan struct{}
	restart  *time.Timer
	restarts int
}

// Supervisor manages worker processes.
type Supervisor struct {
	spawner      Spawner
	logger       logrus.FieldLogger
	restartDelay time.Duration
	killTimeout  time.Duration

	mu           sync.Mutex
	workers      map[int]*worker
	shuttingDown bool

	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

// New creates a Supervisor using cfg's restart delay and kill timeout.
func New(spawner Spawner, cfg config.SupervisorConfig, logger logrus.FieldLogger) *Supervisor {
	return &Supervisor{
		spawner:      spawner,
		logger:       logger,
		restartDelay: cfg.RestartDelay,
		killTimeout:  cfg.KillTimeout,
		workers:      make(map[int]*worker),
	}
}

// Start spawns n workers with identities 1..n. n is clamped to
// config.MaxWorkers. Identities already managed are left alone, so a second
// call only adds the missing workers. A worker that fails to spawn is retried
// like a crash.
func (s *Supervisor) Start(n int) error {
	if n < 1 {
		return fmt.Errorf("supervisor: worker count must be at least 1, got %d", n)
	}
	if n > config.MaxWorkers {
		s.logger.Warnf("[supervisor] Requested %d workers, capping at %d", n, config.MaxWorkers)
		n = config.MaxWorkers
	}

	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: already shut down")
	}
	var added []int
	for id := 1; id <= n; id++ {
		if _, ok := s.workers[id]; ok {
			continue
		}
		s.workers[id] = &worker{id: id, state: StateStarting}
		s.wg.Add(1)
		added = append(added, id)
	}
	s.mu.Unlock()

	for _, id := range added {
		s.spawn(id)
	}
	s.logger.Infof("[supervisor] Started %d workers (%d already managed)", len(added), n-len(added))
	return nil
}

// spawn starts worker id. The caller must have added to s.wg.
func (s *Supervisor) spawn(id int) {
	defer s.wg.Done()
	defer s.recoverPanic("spawn")

	s.mu.Lock()
	w := s.workers[id]
	if s.shuttingDown {
		w.state = StateStopped
		s.mu.Unlock()
		return
	}
	w.state = StateStarting
	w.restart = nil
	s.mu.Unlock()

	proc, err := s.spawner.Spawn(id)

	s.mu.Lock()
	if err != nil {
		s.logger.WithField("worker_id", id).Errorf("[supervisor] Spawn failed: %v", err)
		s.crashedLocked(w)
		s.mu.Unlock()
		return
	}

	exited := make(chan struct{})
	w.proc = proc
	w.exited = exited
	w.state = StateRunning
	late := s.shuttingDown
	if late {
		w.state = StateStopping
	}
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{"worker_id": id, "pid": proc.Pid()}).Info("[supervisor] Worker running")
	go s.monitor(w, proc, exited)

	if late {
		s.stop(w.id, proc, exited)
	}
}

// monitor waits for proc to exit and decides what happens next.
func (s *Supervisor) monitor(w *worker, proc Process, exited chan struct{}) {
	defer s.wg.Done()
	defer s.recoverPanic("monitor")

	err := proc.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	close(exited)
	log := s.logger.WithFields(logrus.Fields{"worker_id": w.id, "pid": proc.Pid()})

	switch {
	case s.shuttingDown || w.state == StateStopping:
		w.state = StateStopped
		log.Info("[supervisor] Worker stopped")
	case err == nil:
		w.state = StateStopped
		log.Warn("[supervisor] Worker exited cleanly, not restarting")
	default:
		log.Errorf("[supervisor] Worker exited unexpectedly: %v", err)
		s.crashedLocked(w)
	}
}

// crashedLocked schedules a restart of w after the fixed delay.
func (s *Supervisor) crashedLocked(w *worker) {
	w.proc = nil
	if s.shuttingDown {
		w.state = StateStopped
		return
	}
	w.state = StateCrashed
	w.restarts++
	s.wg.Add(1)
	w.restart = time.AfterFunc(s.restartDelay, func() { s.spawn(w.id) })
	s.logger.WithField("worker_id", w.id).Infof("[supervisor] Restarting in %v (restart #%d)", s.restartDelay, w.restarts)
}

// Shutdown stops every worker: SIGTERM first, then SIGKILL for any worker
// still running after the kill timeout. It returns once all workers have
// exited. Calls after the first return immediately.
func (s *Supervisor) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		s.shuttingDown = true
		type target struct {
			id     int
			proc   Process
			exited chan struct{}
		}
		var targets []target
		for _, w := range s.workers {
			if w.restart != nil && w.restart.Stop() {
				w.restart = nil
				w.state = StateStopped
				s.wg.Done()
			}
			if w.state == StateRunning && w.proc != nil {
				w.state = StateStopping
				targets = append(targets, target{w.id, w.proc, w.exited})
			}
		}
		s.mu.Unlock()

		s.logger.Infof("[supervisor] Shutting down %d workers", len(targets))
		var stops sync.WaitGroup
		for _, t := range targets {
			stops.Add(1)
			go func(t target) {
				defer stops.Done()
				s.stop(t.id, t.proc, t.exited)
			}(t)
		}
		stops.Wait()
		s.wg.Wait()
		s.logger.Info("[supervisor] All workers exited")
	})
}

func (s *Supervisor) stop(id int, proc Process, exited <-chan struct{}) {
	log := s.logger.WithField("worker_id", id)
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		log.Warnf("[supervisor] SIGTERM failed: %v", err)
	}

	select {
	case <-exited:
		return
	case <-time.After(s.killTimeout):
	}

	log.Warnf("[supervisor] Worker did not exit within %v, killing", s.killTimeout)
	if err := proc.Kill(); err != nil {
		log.Errorf("[supervisor] Kill failed: %v", err)
	}
	<-exited
}

// Active returns the number of running workers.
func (s *Supervisor) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, w := range s.workers {
		if w.state == StateRunning {
			n++
		}
	}
	return n
}

// WorkerStatus is a snapshot of one worker.
type WorkerStatus struct {
	ID       int
	State    State
	Pid      int
	Restarts int
}

// Status returns a snapshot of every worker ordered by id.
func (s *Supervisor) Status() []WorkerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]WorkerStatus, 0, len(s.workers))
	for _, w := range s.workers {
		st := WorkerStatus{ID: w.id, State: w.state, Restarts: w.restarts}
		if w.proc != nil {
			st.Pid = w.proc.Pid()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Supervisor) recoverPanic(where string) {
	if r := recover(); r != nil {
		s.logger.Errorf("[supervisor] Recovered panic in %s: %v\n%s", where, r, debug.Stack())
	}
}
