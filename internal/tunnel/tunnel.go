// Package tunnel runs the helper process (kubectl port-forward or ssh -L)
// that exposes a remote cluster on a local port for one CLI invocation.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/rshade/esctl/internal/logging"
)

const (
	defaultReadyTimeout = 10 * time.Second
	dialTimeout         = 500 * time.Millisecond
	readyCheckInterval  = 50 * time.Millisecond
	processWaitDelay    = 100 * time.Millisecond
	loopbackHost        = "127.0.0.1"
)

var (
	// ErrTunnelRunning is returned by Start on a tunnel that is already up.
	ErrTunnelRunning = errors.New("tunnel already running")
	// ErrPortInUse is returned by Start when the fixed local port is taken.
	ErrPortInUse = errors.New("local port already in use")
	// ErrTunnelExited is returned when the helper process dies before the
	// local port accepts connections.
	ErrTunnelExited = errors.New("tunnel process exited before becoming ready")
)

// Tunnel owns one helper process. The zero value is not usable; build one
// with NewKubernetes, NewSSH or NewCommand.
type Tunnel struct {
	name         string
	args         func(localPort int) []string
	localPort    int
	readyTimeout time.Duration
	stderr       io.Writer

	mu   sync.Mutex
	cmd  *exec.Cmd
	port int
	done chan struct{}
}

// Option configures a Tunnel.
type Option func(*Tunnel)

// WithReadyTimeout bounds how long Start waits for the local port.
func WithReadyTimeout(d time.Duration) Option {
	return func(t *Tunnel) {
		t.readyTimeout = d
	}
}

// WithStderr forwards the helper's stderr. It is discarded by default.
func WithStderr(w io.Writer) Option {
	return func(t *Tunnel) {
		t.stderr = w
	}
}

// NewKubernetes forwards localPort to the ECK HTTP service of esName.
func NewKubernetes(kubeContext, namespace, esName string, localPort, remotePort int, opts ...Option) *Tunnel {
	return newTunnel("kubectl", localPort, func(port int) []string {
		var args []string
		if kubeContext != "" {
			args = append(args, "--context", kubeContext)
		}
		return append(args,
			"--namespace", namespace,
			"port-forward",
			"svc/"+esName+"-es-http",
			fmt.Sprintf("%d:%d", port, remotePort),
		)
	}, opts...)
}

// NewSSH forwards localPort to remotePort on the far side of an ssh session.
func NewSSH(user, host string, localPort, remotePort int, opts ...Option) *Tunnel {
	target := host
	if user != "" {
		target = user + "@" + host
	}
	return newTunnel("ssh", localPort, func(port int) []string {
		return []string{
			"-N",
			"-o", "ExitOnForwardFailure=yes",
			"-L", fmt.Sprintf("%d:localhost:%d", port, remotePort),
			target,
		}
	}, opts...)
}

// NewCommand runs an arbitrary helper that is expected to listen on
// localPort. The literal argument "{port}" is replaced with the port.
func NewCommand(name string, localPort int, args []string, opts ...Option) *Tunnel {
	return newTunnel(name, localPort, func(port int) []string {
		out := make([]string, len(args))
		for i, a := range args {
			if a == "{port}" {
				a = strconv.Itoa(port)
			}
			out[i] = a
		}
		return out
	}, opts...)
}

func newTunnel(name string, localPort int, args func(int) []string, opts ...Option) *Tunnel {
	t := &Tunnel{
		name:         name,
		args:         args,
		localPort:    localPort,
		readyTimeout: defaultReadyTimeout,
		stderr:       io.Discard,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Argv is the command line Start would run for the given local port.
func (t *Tunnel) Argv(localPort int) []string {
	return append([]string{t.name}, t.args(localPort)...)
}

// Start launches the helper and blocks until the local port accepts TCP
// connections, the helper exits, or the ready timeout elapses.
func (t *Tunnel) Start(ctx context.Context) error {
	log := logging.FromContext(ctx)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.runningLocked() {
		return ErrTunnelRunning
	}

	port := t.localPort
	if port == 0 {
		var err error
		if port, err = freePort(ctx); err != nil {
			return err
		}
	} else if err := checkPortFree(ctx, port); err != nil {
		// Something else answering on the port would pass the readiness dial.
		return fmt.Errorf("%w: %d: %w", ErrPortInUse, port, err)
	}

	argv := t.Argv(port)
	//nolint:gosec // argv is built from the user's own context definition
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = io.Discard
	cmd.Stderr = t.stderr
	cmd.WaitDelay = processWaitDelay
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", t.name, err)
	}

	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()

	log.Debug().
		Ctx(ctx).
		Str("component", "tunnel").
		Strs("argv", argv).
		Int("pid", cmd.Process.Pid).
		Msg("tunnel process started")

	if err := waitForPort(ctx, port, t.readyTimeout, done); err != nil {
		_ = cmd.Process.Kill()
		<-done
		return fmt.Errorf("waiting for %s on port %d: %w", t.name, port, err)
	}

	t.cmd = cmd
	t.port = port
	t.done = done
	log.Debug().
		Ctx(ctx).
		Str("component", "tunnel").
		Str("addr", net.JoinHostPort(loopbackHost, strconv.Itoa(port))).
		Msg("tunnel ready")
	return nil
}

// Stop kills the helper and waits for it. Stopping a stopped tunnel is a no-op.
func (t *Tunnel) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cmd == nil {
		return nil
	}
	if t.runningLocked() {
		if err := t.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("killing %s: %w", t.name, err)
		}
	}
	<-t.done
	t.cmd = nil
	t.done = nil
	t.port = 0
	return nil
}

// Running reports whether the helper process is alive.
func (t *Tunnel) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runningLocked()
}

func (t *Tunnel) runningLocked() bool {
	if t.done == nil {
		return false
	}
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// Addr is host:port of the local end, or "" when the tunnel is not up.
func (t *Tunnel) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == 0 {
		return ""
	}
	return net.JoinHostPort(loopbackHost, strconv.Itoa(t.port))
}

// freePort asks the kernel for an unused loopback port.
func freePort(ctx context.Context) (int, error) {
	lc := &net.ListenConfig{}
	listener, err := lc.Listen(ctx, "tcp", loopbackHost+":0")
	if err != nil {
		return 0, fmt.Errorf("allocating local port: %w", err)
	}
	defer listener.Close()
	tcpAddr, ok := listener.Addr().(*net.TCPAddr)
	if !ok {
		return 0, errors.New("listener is not TCP address")
	}
	return tcpAddr.Port, nil
}

func checkPortFree(ctx context.Context, port int) error {
	lc := &net.ListenConfig{}
	listener, err := lc.Listen(ctx, "tcp", net.JoinHostPort(loopbackHost, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	return listener.Close()
}

func waitForPort(ctx context.Context, port int, timeout time.Duration, exited <-chan struct{}) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(readyCheckInterval)
	defer ticker.Stop()

	address := net.JoinHostPort(loopbackHost, strconv.Itoa(port))
	dialer := &net.Dialer{Timeout: dialTimeout}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-exited:
			return ErrTunnelExited
		case <-ticker.C:
			conn, err := dialer.DialContext(ctx, "tcp", address)
			if err == nil {
				_ = conn.Close()
				return nil
			}
		}
	}
}
