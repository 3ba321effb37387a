package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/gpufleet/gpufleet/internal/metrics"
)

const (
	// DefaultProbeTimeout is how long to keep retrying before a host is
	// declared unreachable
	DefaultProbeTimeout = 5 * time.Minute

	// DefaultProbeInterval is how often to retry the SSH probe
	DefaultProbeInterval = 15 * time.Second

	// DefaultConnectTimeout is the timeout for each SSH connection attempt
	DefaultConnectTimeout = 30 * time.Second

	// ProbeCommand is run on every probe. The first output line must be
	// "ok"; the uptime line that follows proves the box is actually
	// booted rather than answering from an SSH proxy.
	ProbeCommand = "echo ok && uptime"
)

// ErrUnreachable indicates the host never answered a probe before the
// deadline. Callers map this to an SSH-unreachable failure.
var ErrUnreachable = errors.New("ssh unreachable")

// ProbeResult contains the outcome of a probe loop
type ProbeResult struct {
	Success   bool
	Duration  time.Duration
	Attempts  int
	Uptime    string
	LastError string
}

// Prober checks SSH liveness of GPU instances
type Prober struct {
	probeTimeout   time.Duration
	probeInterval  time.Duration
	connectTimeout time.Duration
	provider       string
}

// Option configures the Prober
type Option func(*Prober)

// WithProbeTimeout sets the total probe deadline
func WithProbeTimeout(d time.Duration) Option {
	return func(p *Prober) {
		p.probeTimeout = d
	}
}

// WithProbeInterval sets the interval between probe attempts
func WithProbeInterval(d time.Duration) Option {
	return func(p *Prober) {
		p.probeInterval = d
	}
}

// WithConnectTimeout sets the timeout for each connection attempt
func WithConnectTimeout(d time.Duration) Option {
	return func(p *Prober) {
		p.connectTimeout = d
	}
}

// WithProvider sets the provider label used on probe metrics
func WithProvider(name string) Option {
	return func(p *Prober) {
		p.provider = name
	}
}

// NewProber creates a new SSH prober
func NewProber(opts ...Option) *Prober {
	p := &Prober{
		probeTimeout:   DefaultProbeTimeout,
		probeInterval:  DefaultProbeInterval,
		connectTimeout: DefaultConnectTimeout,
		provider:       "unknown",
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Probe retries the SSH probe at probeInterval until the host answers or
// probeTimeout elapses. The returned error wraps ErrUnreachable on
// timeout. Probe latency is recorded to metrics on success and failure
// alike.
func (p *Prober) Probe(ctx context.Context, host string, port int, user, privateKey string) (*ProbeResult, error) {
	if host == "" {
		return nil, fmt.Errorf("host cannot be empty")
	}
	if port <= 0 {
		return nil, fmt.Errorf("port must be positive")
	}
	if user == "" {
		return nil, fmt.Errorf("user cannot be empty")
	}
	if privateKey == "" {
		return nil, fmt.Errorf("private key cannot be empty")
	}

	// Parse the private key once, outside the retry loop
	signer, err := ssh.ParsePrivateKey([]byte(privateKey))
	if err != nil {
		return &ProbeResult{
			Success:   false,
			Duration:  0,
			Attempts:  0,
			LastError: fmt.Sprintf("failed to parse private key: %v", err),
		}, fmt.Errorf("failed to parse private key: %w", err)
	}

	start := time.Now()
	deadline := start.Add(p.probeTimeout)
	attempts := 0
	var lastError string

	for {
		attempts++

		// Check if we've exceeded the deadline
		if time.Now().After(deadline) {
			result := &ProbeResult{
				Success:   false,
				Duration:  time.Since(start),
				Attempts:  attempts,
				LastError: lastError,
			}
			metrics.RecordSSHProbeDuration(p.provider, result.Duration)
			metrics.RecordSSHProbeFailure(p.provider, "timeout")
			return result, fmt.Errorf("%w after %d attempts: %s", ErrUnreachable, attempts, lastError)
		}

		// Check context cancellation
		select {
		case <-ctx.Done():
			result := &ProbeResult{
				Success:   false,
				Duration:  time.Since(start),
				Attempts:  attempts,
				LastError: ctx.Err().Error(),
			}
			metrics.RecordSSHProbeDuration(p.provider, result.Duration)
			metrics.RecordSSHProbeFailure(p.provider, "cancelled")
			return result, ctx.Err()
		default:
		}

		// Attempt the probe
		uptime, err := p.tryProbe(ctx, host, port, user, signer)
		if err == nil {
			result := &ProbeResult{
				Success:  true,
				Duration: time.Since(start),
				Attempts: attempts,
				Uptime:   uptime,
			}
			metrics.RecordSSHProbeDuration(p.provider, result.Duration)
			return result, nil
		}

		lastError = err.Error()

		// Calculate sleep duration, respecting deadline
		sleepDuration := p.probeInterval
		timeUntilDeadline := time.Until(deadline)
		if timeUntilDeadline <= 0 {
			// Deadline already passed, will be caught at top of loop
			continue
		}
		if sleepDuration > timeUntilDeadline {
			sleepDuration = timeUntilDeadline
		}

		// Wait before next attempt
		select {
		case <-ctx.Done():
			result := &ProbeResult{
				Success:   false,
				Duration:  time.Since(start),
				Attempts:  attempts,
				LastError: ctx.Err().Error(),
			}
			metrics.RecordSSHProbeDuration(p.provider, result.Duration)
			metrics.RecordSSHProbeFailure(p.provider, "cancelled")
			return result, ctx.Err()
		case <-time.After(sleepDuration):
			// Continue to next attempt
		}
	}
}

// ProbeOnce issues a single probe with no retries, returning the uptime
// line on success. Each call records its own latency metric.
func (p *Prober) ProbeOnce(ctx context.Context, host string, port int, user, privateKey string) (string, error) {
	if host == "" {
		return "", fmt.Errorf("host cannot be empty")
	}
	if port <= 0 {
		return "", fmt.Errorf("port must be positive")
	}
	if user == "" {
		return "", fmt.Errorf("user cannot be empty")
	}
	if privateKey == "" {
		return "", fmt.Errorf("private key cannot be empty")
	}

	// Parse the private key
	signer, err := ssh.ParsePrivateKey([]byte(privateKey))
	if err != nil {
		return "", fmt.Errorf("failed to parse private key: %w", err)
	}

	start := time.Now()
	uptime, err := p.tryProbe(ctx, host, port, user, signer)
	metrics.RecordSSHProbeDuration(p.provider, time.Since(start))
	if err != nil {
		metrics.RecordSSHProbeFailure(p.provider, ClassifyProbeError(err))
		return "", err
	}
	return uptime, nil
}

// tryProbe attempts a single SSH connection and runs the probe command
func (p *Prober) tryProbe(ctx context.Context, host string, port int, user string, signer ssh.Signer) (string, error) {
	config := &ssh.ClientConfig{
		User: user,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signer),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // GPU instances have dynamic host keys
		Timeout:         p.connectTimeout,
	}

	addr := fmt.Sprintf("%s:%d", host, port)

	// Create a connection with context support
	dialer := net.Dialer{Timeout: p.connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	// Wrap the connection with SSH
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return "", fmt.Errorf("SSH handshake failed: %w", err)
	}

	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	// Create a session and run the probe command
	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	// Use a goroutine to run the command with context cancellation
	done := make(chan error, 1)
	go func() {
		done <- session.Run(ProbeCommand)
	}()

	select {
	case err := <-done:
		if err != nil {
			return "", fmt.Errorf("probe command failed: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
		}
		return parseProbeOutput(stdout.String())
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return "", ctx.Err()
	}
}

// parseProbeOutput checks the "ok" marker line and returns the uptime
// line that follows it
func parseProbeOutput(output string) (string, error) {
	lines := strings.SplitN(strings.TrimSpace(output), "\n", 2)
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "ok" {
		return "", fmt.Errorf("unexpected probe output: %q", output)
	}
	if len(lines) < 2 {
		return "", fmt.Errorf("probe output missing uptime line: %q", output)
	}
	return strings.TrimSpace(lines[1]), nil
}

// ClassifyProbeError buckets a probe failure for metrics and for
// blacklist reasons
func ClassifyProbeError(err error) string {
	if err == nil {
		return "none"
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, syscall.ECONNREFUSED):
		return "connection_refused"
	case errors.Is(err, syscall.ECONNRESET):
		return "connection_reset"
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "unable to authenticate"):
		return "auth_failed"
	case strings.Contains(msg, "handshake failed"):
		return "handshake_failed"
	case strings.Contains(msg, "probe command failed"):
		return "command_failed"
	case strings.Contains(msg, "unexpected probe output"), strings.Contains(msg, "missing uptime"):
		return "bad_output"
	default:
		return "other"
	}
}
