package supervisor

import (
	"errors"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listing-scraper/config"
)

type fakeProcess struct {
	pid        int
	ignoreTerm bool

	mu      sync.Mutex
	signals []os.Signal
	killed  bool
	once    sync.Once
	exit    chan error
}

func newFakeProcess(pid int, ignoreTerm bool) *fakeProcess {
	return &fakeProcess{pid: pid, ignoreTerm: ignoreTerm, exit: make(chan error, 1)}
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Signal(sig os.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()
	if !p.ignoreTerm {
		p.exitWith(nil)
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.exitWith(errors.New("signal: killed"))
	return nil
}

func (p *fakeProcess) Wait() error { return <-p.exit }

// crash simulates the process dying on its own with a non-zero code.
func (p *fakeProcess) crash() { p.exitWith(errors.New("exit status 1")) }

func (p *fakeProcess) exitWith(err error) {
	p.once.Do(func() { p.exit <- err })
}

func (p *fakeProcess) receivedTerm() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.signals {
		if s == syscall.SIGTERM {
			return true
		}
	}
	return false
}

func (p *fakeProcess) wasKilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

type fakeSpawner struct {
	mu         sync.Mutex
	nextPid    int
	procs      map[int][]*fakeProcess
	ignoreTerm map[int]bool
	failFirst  map[int]bool
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{
		nextPid:    100,
		procs:      make(map[int][]*fakeProcess),
		ignoreTerm: make(map[int]bool),
		failFirst:  make(map[int]bool),
	}
}

func (f *fakeSpawner) Spawn(id int) (Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFirst[id] {
		delete(f.failFirst, id)
		return nil, errors.New("exec: no such file")
	}
	f.nextPid++
	p := newFakeProcess(f.nextPid, f.ignoreTerm[id])
	f.procs[id] = append(f.procs[id], p)
	return p, nil
}

func (f *fakeSpawner) spawned(id int) []*fakeProcess {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeProcess(nil), f.procs[id]...)
}

func (f *fakeSpawner) latest(id int) *fakeProcess {
	procs := f.spawned(id)
	return procs[len(procs)-1]
}

func newTestSupervisor(spawner Spawner, restartDelay, killTimeout time.Duration) *Supervisor {
	logger, _ := test.NewNullLogger()
	return New(spawner, config.SupervisorConfig{RestartDelay: restartDelay, KillTimeout: killTimeout}, logger)
}

func shutdownWithin(t *testing.T, s *Supervisor, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		s.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("Shutdown did not return")
	}
}

func TestRespawnCrashedWorkerWithSameIdentity(t *testing.T) {
	spawner := newFakeSpawner()
	s := newTestSupervisor(spawner, 50*time.Millisecond, time.Second)
	require.NoError(t, s.Start(3))
	assert.Equal(t, 3, s.Active())

	spawner.latest(2).crash()

	assert.Eventually(t, func() bool {
		return len(spawner.spawned(2)) == 2 && s.Active() == 3
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(150 * time.Millisecond)
	assert.Len(t, spawner.spawned(2), 2, "exactly one replacement")
	assert.Len(t, spawner.spawned(1), 1)
	assert.Len(t, spawner.spawned(3), 1)

	status := s.Status()
	require.Len(t, status, 3)
	assert.Equal(t, 1, status[1].Restarts)
	assert.Equal(t, StateRunning, status[1].State)
	assert.Equal(t, spawner.latest(2).Pid(), status[1].Pid)

	shutdownWithin(t, s, 2*time.Second)
}

func TestCrashedStateBeforeRestart(t *testing.T) {
	spawner := newFakeSpawner()
	s := newTestSupervisor(spawner, time.Hour, time.Second)
	require.NoError(t, s.Start(1))

	spawner.latest(1).crash()
	assert.Eventually(t, func() bool {
		return s.Status()[0].State == StateCrashed
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, s.Active())

	shutdownWithin(t, s, time.Second)
	assert.Len(t, spawner.spawned(1), 1, "pending restart is cancelled by shutdown")
	assert.Equal(t, StateStopped, s.Status()[0].State)
}

func TestShutdownForceKillsStragglers(t *testing.T) {
	spawner := newFakeSpawner()
	spawner.ignoreTerm[3] = true
	s := newTestSupervisor(spawner, time.Second, 100*time.Millisecond)
	require.NoError(t, s.Start(3))

	shutdownWithin(t, s, 2*time.Second)

	for id := 1; id <= 3; id++ {
		p := spawner.latest(id)
		assert.True(t, p.receivedTerm(), "worker %d got SIGTERM", id)
	}
	assert.False(t, spawner.latest(1).wasKilled())
	assert.False(t, spawner.latest(2).wasKilled())
	assert.True(t, spawner.latest(3).wasKilled())
	assert.Equal(t, 0, s.Active())

	for _, st := range s.Status() {
		assert.Equal(t, StateStopped, st.State)
	}
	for id := 1; id <= 3; id++ {
		assert.Len(t, spawner.spawned(id), 1, "no respawn during shutdown")
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	spawner := newFakeSpawner()
	s := newTestSupervisor(spawner, time.Second, time.Second)
	require.NoError(t, s.Start(2))

	shutdownWithin(t, s, time.Second)
	shutdownWithin(t, s, 100*time.Millisecond)
	assert.Error(t, s.Start(1))
}

func TestCleanExitIsNotRestarted(t *testing.T) {
	spawner := newFakeSpawner()
	s := newTestSupervisor(spawner, 10*time.Millisecond, time.Second)
	require.NoError(t, s.Start(1))

	spawner.latest(1).exitWith(nil)
	assert.Eventually(t, func() bool {
		return s.Status()[0].State == StateStopped
	}, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, spawner.spawned(1), 1)

	shutdownWithin(t, s, time.Second)
}

func TestSpawnFailureIsRetried(t *testing.T) {
	spawner := newFakeSpawner()
	spawner.failFirst[1] = true
	s := newTestSupervisor(spawner, 20*time.Millisecond, time.Second)
	require.NoError(t, s.Start(1))

	assert.Eventually(t, func() bool { return s.Active() == 1 }, time.Second, 5*time.Millisecond)
	shutdownWithin(t, s, time.Second)
}

func TestStartBounds(t *testing.T) {
	spawner := newFakeSpawner()
	s := newTestSupervisor(spawner, time.Second, time.Second)

	assert.Error(t, s.Start(0))
	require.NoError(t, s.Start(config.MaxWorkers+5))
	assert.Equal(t, config.MaxWorkers, s.Active())
	shutdownWithin(t, s, 2*time.Second)
}

func TestStartAgainOnlyAddsMissingWorkers(t *testing.T) {
	spawner := newFakeSpawner()
	s := newTestSupervisor(spawner, time.Second, time.Second)

	require.NoError(t, s.Start(2))
	require.NoError(t, s.Start(3))
	assert.Equal(t, 3, s.Active())
	for id := 1; id <= 3; id++ {
		assert.Len(t, spawner.spawned(id), 1, "worker %d spawned once", id)
	}

	shutdownWithin(t, s, 2*time.Second)
	for id := 1; id <= 3; id++ {
		assert.True(t, spawner.latest(id).receivedTerm(), "worker %d got SIGTERM", id)
	}
	assert.Equal(t, 0, s.Active())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "crashed-pending-restart", StateCrashed.String())
	assert.Equal(t, "stopping", StateStopping.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestRelayLinesPrefixesWorkerID(t *testing.T) {
	logger, hook := test.NewNullLogger()
	r, w, err := os.Pipe()
	require.NoError(t, err)

	go func() {
		_, _ = w.WriteString("navigating\nsaved row\n")
		_ = w.Close()
	}()
	relayLines(r, 2, logger, logrus.WarnLevel)

	entries := hook.AllEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, "[worker 2] navigating", entries[0].Message)
	assert.Equal(t, logrus.WarnLevel, entries[0].Level)
	assert.Equal(t, "[worker 2] saved row", entries[1].Message)
}
