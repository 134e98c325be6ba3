package launcher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrepp/prism-embed/pkg/artifact"
	"github.com/jrepp/prism-embed/pkg/contract"
	"github.com/jrepp/prism-embed/pkg/lifecycle"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func writeScript(t *testing.T, path, body string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

// healthServer answers 503 until ready is set
func healthServer(t *testing.T) (*httptest.Server, *atomic.Bool) {
	t.Helper()
	ready := &atomic.Bool{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" && ready.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	return srv, ready
}

func processConfig(addr string) ProcessConfig {
	return ProcessConfig{
		ReadyAddress: addr,
		HealthPath:   "/health",
		PollInterval: 10 * time.Millisecond,
		GracePeriod:  2 * time.Second,
	}
}

func TestProcessServer_ReadyAfterHealthCheck(t *testing.T) {
	script := writeScript(t, filepath.Join(t.TempDir(), "server.sh"), "exec sleep 30\n")
	health, ready := healthServer(t)

	p := NewProcessServer("test", script, processConfig(strings.TrimPrefix(health.URL, "http://")), nil, discard)
	require.NoError(t, p.Start())
	defer p.Stop()

	assert.Equal(t, contract.StateStarting, p.State())
	assert.NotZero(t, p.Pid())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, contract.StateStarting, p.State(), "not ready while health fails")

	ready.Store(true)
	assert.Eventually(t, func() bool { return p.State() == contract.StateStarted }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, p.Stop())
	assert.Equal(t, contract.StateStopped, p.State())
}

func TestProcessServer_UnexpectedExitFails(t *testing.T) {
	script := writeScript(t, filepath.Join(t.TempDir(), "server.sh"), "exit 3\n")
	health, _ := healthServer(t)

	p := NewProcessServer("test", script, processConfig(strings.TrimPrefix(health.URL, "http://")), nil, discard)
	require.NoError(t, p.Start())

	assert.Eventually(t, func() bool { return p.State() == contract.StateFailed }, 5*time.Second, 10*time.Millisecond)
	assert.NoError(t, p.Stop(), "stopping an exited process succeeds")
}

func TestProcessServer_KillsAfterGracePeriod(t *testing.T) {
	script := writeScript(t, filepath.Join(t.TempDir(), "server.sh"), "trap '' TERM\nwhile true; do sleep 0.1; done\n")

	cfg := ProcessConfig{PollInterval: 10 * time.Millisecond, GracePeriod: 200 * time.Millisecond}
	p := NewProcessServer("test", script, cfg, nil, discard)
	require.NoError(t, p.Start())
	assert.Eventually(t, func() bool { return p.State() == contract.StateStarted }, 5*time.Second, 10*time.Millisecond)

	start := time.Now()
	require.NoError(t, p.Stop())
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.Equal(t, contract.StateStopped, p.State())
}

func TestProcessServer_ExportsProperties(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "env.out")
	script := writeScript(t, filepath.Join(dir, "server.sh"),
		`echo "$EMBED_CONNECTOR_PORT $EMBED_LOG_DIR $EXTRA" > "$OUT"`+"\nexec sleep 30\n")

	cfg := ProcessConfig{
		Environment:  map[string]string{"OUT": out, "EXTRA": "extra"},
		PollInterval: 10 * time.Millisecond,
		GracePeriod:  time.Second,
	}
	props := contract.Properties{PortKey: "9000", "embed.log.dir": "/var/log/embed"}

	p := NewProcessServer("test", script, cfg, props, discard)
	require.NoError(t, p.Start())
	defer p.Stop()

	assert.Eventually(t, func() bool {
		data, err := os.ReadFile(out)
		return err == nil && strings.TrimSpace(string(data)) == "9000 /var/log/embed extra"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestProcessServer_StartTwice(t *testing.T) {
	script := writeScript(t, filepath.Join(t.TempDir(), "server.sh"), "exec sleep 30\n")
	p := NewProcessServer("test", script, ProcessConfig{}, nil, discard)

	require.NoError(t, p.Start())
	defer p.Stop()
	assert.Error(t, p.Start())
}

func TestProcessServer_ListenerMayCallPid(t *testing.T) {
	script := writeScript(t, filepath.Join(t.TempDir(), "server.sh"), "exec sleep 30\n")
	p := NewProcessServer("test", script, ProcessConfig{}, nil, discard)

	var notified atomic.Bool
	p.AddLifecycleListener(contract.ListenerFunc(func(s contract.State) {
		if s == contract.StateStarting {
			_ = p.Pid()
			notified.Store(true)
		}
	}))

	errc := make(chan error, 1)
	go func() { errc <- p.Start() }()

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start blocked while a listener read the pid")
	}
	defer p.Stop()

	assert.True(t, notified.Load())
}

func TestProcessServer_StopBeforeStart(t *testing.T) {
	p := NewProcessServer("test", "/bin/true", ProcessConfig{}, nil, discard)
	assert.NoError(t, p.Stop())
	assert.Equal(t, contract.StateStopped, p.State())
}

func TestEnvName(t *testing.T) {
	assert.Equal(t, "EMBED_CONNECTOR_SSL_PORT", EnvName("embed.connector.ssl.port"))
	assert.Equal(t, "LOG_LEVEL", EnvName("log-level"))
}

func TestExecutableFor(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, filepath.Join(dir, "bin", "server.sh"), "exit 0\n")

	t.Run("directory artifact", func(t *testing.T) {
		loc := artifact.Location{
			Artifact: artifact.Artifact{GroupID: "g", ArtifactID: "a", Path: dir},
			Entry:    "bin/server.sh",
		}
		got, err := executableFor(loc)
		require.NoError(t, err)
		assert.Equal(t, script, got)
	})

	t.Run("single file artifact", func(t *testing.T) {
		loc := artifact.Location{
			Artifact: artifact.Artifact{GroupID: "g", ArtifactID: "a", Path: script},
			Entry:    "server.sh",
		}
		got, err := executableFor(loc)
		require.NoError(t, err)
		assert.Equal(t, script, got)
	})

	t.Run("archive entry", func(t *testing.T) {
		jar := filepath.Join(dir, "server.jar")
		require.NoError(t, os.WriteFile(jar, nil, 0o644))
		loc := artifact.Location{
			Artifact: artifact.Artifact{GroupID: "g", ArtifactID: "a", Path: jar},
			Entry:    "bin/server.sh",
		}
		_, err := executableFor(loc)
		assert.ErrorContains(t, err, "set process.executable")
	})
}

func TestService_ProcessServer(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, filepath.Join(dir, "bin", "server.sh"), "exec sleep 30\n")
	health, ready := healthServer(t)
	ready.Store(true)

	m := newTestManifest(t, func(m *Manifest) {
		m.Implementation = "bin.server"
		m.Artifacts = []artifact.Artifact{{GroupID: "com.example", ArtifactID: "server-bin", Path: dir}}
		cfg := processConfig(strings.TrimPrefix(health.URL, "http://"))
		m.Process = &cfg
	})
	service := newTestService(t, m)

	server, err := service.Start(context.Background())
	require.NoError(t, err)
	require.IsType(t, &ProcessServer{}, server)
	assert.Equal(t, lifecycle.StateStarted, service.State())

	require.NoError(t, service.Stop(context.Background()))
	assert.Equal(t, lifecycle.StateStopped, service.State())
}

func TestService_ProcessServerNotExecutable(t *testing.T) {
	dir := t.TempDir()
	entry := filepath.Join(dir, "bin", "server.sh")
	require.NoError(t, os.MkdirAll(filepath.Dir(entry), 0o755))
	require.NoError(t, os.WriteFile(entry, []byte("#!/bin/sh\n"), 0o644))

	m := newTestManifest(t, func(m *Manifest) {
		m.Implementation = "bin.server"
		m.Artifacts = []artifact.Artifact{{GroupID: "com.example", ArtifactID: "server-bin", Path: dir}}
		m.Process = &ProcessConfig{}
	})
	service := newTestService(t, m)

	_, err := service.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not executable")
	assert.Equal(t, lifecycle.StateFailed, service.State())
}

func TestService_ProcessServerExecFormatError(t *testing.T) {
	dir := t.TempDir()
	entry := filepath.Join(dir, "bin", "server")
	require.NoError(t, os.MkdirAll(filepath.Dir(entry), 0o755))
	require.NoError(t, os.WriteFile(entry, []byte("\x7fELF not really a binary"), 0o755))

	m := newTestManifest(t, func(m *Manifest) {
		m.Implementation = "bin.server"
		m.Artifacts = []artifact.Artifact{{GroupID: "com.example", ArtifactID: "server-bin", Path: dir}}
		m.Process = &ProcessConfig{}
	})
	service := newTestService(t, m)

	_, err := service.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, syscall.ENOEXEC), "the exec failure is kept as the cause: %v", err)
	assert.Equal(t, lifecycle.StateFailed, service.State())
}
