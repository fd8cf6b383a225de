package supervisor

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/sirupsen/logrus"
)

// Process is a running worker as seen by the supervisor.
type Process interface {
	Pid() int
	// Signal delivers sig, typically SIGTERM for a graceful stop.
	Signal(sig os.Signal) error
	Kill() error
	// Wait blocks until the process exits. A nil error means exit code 0.
	Wait() error
}

// Spawner starts one worker process with the given identity.
type Spawner interface {
	Spawn(workerID int) (Process, error)
}

// ExecSpawner runs workers as child processes of the current binary (or any
// other executable) and relays their output line by line, tagged with the
// worker identity.
type ExecSpawner struct {
	Path   string
	Args   []string
	Env    []string
	logger logrus.FieldLogger
}

// NewExecSpawner creates a spawner for path with args.
func NewExecSpawner(path string, args []string, logger logrus.FieldLogger) *ExecSpawner {
	return &ExecSpawner{Path: path, Args: args, logger: logger}
}

func (e *ExecSpawner) Spawn(workerID int) (Process, error) {
	cmd := exec.Command(e.Path, e.Args...)
	cmd.Env = append(append(os.Environ(), e.Env...), fmt.Sprintf("WORKER_ID=%d", workerID))

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("supervisor: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("supervisor: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("supervisor: start worker %d: %w", workerID, err)
	}

	p := &execProcess{cmd: cmd}
	entry := e.logger.WithField("worker_id", workerID)
	p.relay.Add(2)
	go func() {
		defer p.relay.Done()
		relayLines(stdout, workerID, entry, logrus.InfoLevel)
	}()
	go func() {
		defer p.relay.Done()
		relayLines(stderr, workerID, entry, logrus.WarnLevel)
	}()
	return p, nil
}

// relayLines re-emits every line of r through logger.
func relayLines(r io.Reader, workerID int, logger logrus.FieldLogger, level logrus.Level) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := fmt.Sprintf("[worker %d] %s", workerID, scanner.Text())
		if level == logrus.WarnLevel {
			logger.Warn(line)
		} else {
			logger.Info(line)
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Errorf("[supervisor] Output relay for worker %d stopped: %v", workerID, err)
	}
}

type execProcess struct {
	cmd   *exec.Cmd
	relay sync.WaitGroup
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

func (p *execProcess) Signal(sig os.Signal) error { return p.cmd.Process.Signal(sig) }

func (p *execProcess) Kill() error { return p.cmd.Process.Kill() }

// Wait drains the output pipes before reaping the process.
func (p *execProcess) Wait() error {
	p.relay.Wait()
	return p.cmd.Wait()
}
