package launcher

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jrepp/prism-embed/pkg/artifact"
	"github.com/jrepp/prism-embed/pkg/bootstrap"
	"github.com/jrepp/prism-embed/pkg/contract"
)

// killWait bounds the wait for a process to die after SIGKILL
const killWait = 5 * time.Second

// ProcessServer is a contract.Server backed by a child process. It reports
// Started once its ready address accepts connections (or its health path
// answers 200), and Failed if the process exits on its own.
type ProcessServer struct {
	contract.Notifier

	name       string
	executable string
	args       []string
	env        []string
	readyAddr  string
	healthURL  string
	interval   time.Duration
	grace      time.Duration
	logger     *slog.Logger

	mu       sync.Mutex
	launched bool
	cmd      *exec.Cmd
	exited   chan struct{}
	stopping bool
}

// NewProcessServer creates a server that runs executable with the given
// properties exported as environment variables.
func NewProcessServer(name, executable string, cfg ProcessConfig, props contract.Properties, logger *slog.Logger) *ProcessServer {
	if logger == nil {
		logger = slog.Default()
	}

	p := &ProcessServer{
		name:       name,
		executable: executable,
		args:       cfg.Args,
		env:        processEnv(props, cfg.Environment),
		readyAddr:  cfg.ReadyAddress,
		interval:   cfg.PollInterval,
		grace:      cfg.GracePeriod,
		logger:     logger.With("server", name),
	}
	if cfg.HealthPath != "" && cfg.ReadyAddress != "" {
		p.healthURL = fmt.Sprintf("http://%s%s", cfg.ReadyAddress, cfg.HealthPath)
	}
	if p.interval <= 0 {
		p.interval = 100 * time.Millisecond
	}
	if p.grace <= 0 {
		p.grace = 10 * time.Second
	}
	return p
}

// ProcessConstructor returns a bootstrap constructor that launches the
// located implementation entry as a process. cfg.Executable, when set,
// replaces the located entry.
func ProcessConstructor(name string, cfg ProcessConfig, logger *slog.Logger) bootstrap.Constructor {
	return bootstrap.Constructor{
		Params: []string{contract.PropertiesName},
		New: func(loc artifact.Location, args []any) (contract.Server, error) {
			props, _ := args[0].(contract.Properties)

			executable := cfg.Executable
			if executable == "" {
				var err error
				if executable, err = executableFor(loc); err != nil {
					return nil, err
				}
			}

			if err := checkExecutable(executable); err != nil {
				return nil, err
			}

			return NewProcessServer(name, executable, cfg, props, logger), nil
		},
	}
}

// executableFor maps an isolated location to a file on disk
func executableFor(loc artifact.Location) (string, error) {
	info, err := os.Stat(loc.Artifact.Path)
	if err != nil {
		return "", fmt.Errorf("stat artifact %s: %w", loc.Artifact.Identity(), err)
	}
	if info.IsDir() {
		return filepath.Join(loc.Artifact.Path, filepath.FromSlash(loc.Entry)), nil
	}
	if loc.Entry == filepath.Base(loc.Artifact.Path) {
		return loc.Artifact.Path, nil
	}
	return "", fmt.Errorf("entry %s is inside archive %s; set process.executable", loc.Entry, loc.Artifact.Path)
}

func checkExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("executable not found: %s: %w", path, err)
	}
	if info.IsDir() || info.Mode()&0111 == 0 {
		return fmt.Errorf("executable is not executable: %s (mode: %s)", path, info.Mode())
	}
	return nil
}

// processEnv exports properties as upper-case variables: embed.log.dir
// becomes EMBED_LOG_DIR. Explicit environment entries win.
func processEnv(props contract.Properties, extra map[string]string) []string {
	env := os.Environ()

	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, fmt.Sprintf("%s=%s", EnvName(k), props[k]))
	}

	keys = keys[:0]
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, fmt.Sprintf("%s=%s", k, extra[k]))
	}
	return env
}

// EnvName converts a property key to an environment variable name
func EnvName(key string) string {
	r := strings.NewReplacer(".", "_", "-", "_")
	return strings.ToUpper(r.Replace(key))
}

// Start launches the process and returns once it is running
func (p *ProcessServer) Start() error {
	p.mu.Lock()
	if p.launched {
		p.mu.Unlock()
		return fmt.Errorf("server %s already started", p.name)
	}
	p.launched = true
	p.mu.Unlock()

	// Listeners run without p.mu held so they may call Pid or State.
	p.Transition(contract.StateStarting)

	cmd := exec.Command(p.executable, p.args...)
	cmd.Env = p.env
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	p.mu.Lock()
	if err := cmd.Start(); err != nil {
		p.mu.Unlock()
		p.Transition(contract.StateFailed)
		return fmt.Errorf("start process: %w", err)
	}
	p.cmd = cmd
	p.exited = make(chan struct{})
	p.mu.Unlock()

	p.logger.Info("launched server process",
		"pid", cmd.Process.Pid,
		"executable", p.executable,
		"ready_address", p.readyAddr)

	go p.wait(cmd)
	go p.awaitReady()

	return nil
}

// Pid returns the process id, or 0 before Start
func (p *ProcessServer) Pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *ProcessServer) wait(cmd *exec.Cmd) {
	err := cmd.Wait()

	p.mu.Lock()
	stopping := p.stopping
	exited := p.exited
	p.mu.Unlock()
	close(exited)

	if stopping {
		return
	}

	p.logger.Error("server process exited unexpectedly", "error", err)
	p.Transition(contract.StateFailed)
}

func (p *ProcessServer) awaitReady() {
	p.mu.Lock()
	exited := p.exited
	p.mu.Unlock()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if p.ready() {
			if p.CompareAndTransition(contract.StateStarting, contract.StateStarted) {
				p.logger.Info("server process is ready")
			}
			return
		}

		select {
		case <-exited:
			return
		case <-ticker.C:
		}
	}
}

// ready performs a single readiness check
func (p *ProcessServer) ready() bool {
	if p.readyAddr == "" {
		return true
	}

	if p.healthURL != "" {
		client := &http.Client{Timeout: p.interval * 5}
		resp, err := client.Get(p.healthURL)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}

	conn, err := net.DialTimeout("tcp", p.readyAddr, p.interval*5)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Stop sends SIGTERM, waits out the grace period, then kills the process
func (p *ProcessServer) Stop() error {
	p.mu.Lock()
	cmd, exited := p.cmd, p.exited
	if cmd == nil {
		p.mu.Unlock()
		p.Transition(contract.StateStopped)
		return nil
	}
	p.stopping = true
	p.mu.Unlock()

	p.Transition(contract.StateStopping)

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.logger.Warn("error sending SIGTERM", "error", err)
	}

	select {
	case <-exited:
		p.logger.Info("server process exited gracefully")

	case <-time.After(p.grace):
		p.logger.Warn("server process did not exit within grace period, force killing", "grace_period", p.grace)
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("force kill: %w", err)
		}

		select {
		case <-exited:
		case <-time.After(killWait):
			return fmt.Errorf("process did not die after SIGKILL")
		}
	}

	p.Transition(contract.StateStopped)
	return nil
}
