package transport

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/crypto/ssh"

	"rosfleet.sh/internal/metrics"
	"rosfleet.sh/internal/rerrors"
)

// ShellSession is one SSH conversation with a device's console. Sessions
// must be closed after use.
type ShellSession interface {
	Run(ctx context.Context, command string) (string, error)
	Close() error
}

// ShellOptions configures a shell session.
type ShellOptions struct {
	Address  string
	Port     int
	Username string
	Password string
	// PrivateKey is PEM key material for shell_key credentials. When set
	// it takes precedence over the password.
	PrivateKey []byte
	Timeout    time.Duration
}

type shellSession struct {
	client  *ssh.Client
	timeout time.Duration
}

func newShellSession(opts ShellOptions) (*shellSession, error) {
	if opts.Port == 0 {
		opts.Port = 22
	}
	if opts.Timeout == 0 {
		opts.Timeout = 60 * time.Second
	}

	var auth []ssh.AuthMethod
	if len(opts.PrivateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(opts.PrivateKey)
		if err != nil {
			return nil, rerrors.Wrap(err, rerrors.ErrCodeDecryption, "failed to parse SSH private key")
		}
		auth = append(auth, ssh.PublicKeys(signer))
	} else {
		auth = append(auth, ssh.Password(opts.Password))
	}

	config := &ssh.ClientConfig{
		User: opts.Username,
		Auth: auth,
		// Devices are provisioned on private management networks; host
		// keys are not pinned.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}

	client, err := ssh.Dial("tcp", fmt.Sprintf("%s:%d", opts.Address, opts.Port), config)
	if err != nil {
		return nil, rerrors.Wrapf(err, rerrors.ErrCodeDeviceUnreachable,
			"SSH dial to %s:%d failed", opts.Address, opts.Port)
	}
	return &shellSession{client: client, timeout: opts.Timeout}, nil
}

// Run executes one console command and returns its output. The configured
// timeout bounds the call even when ctx has no deadline.
func (s *shellSession) Run(ctx context.Context, command string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	session, err := s.client.NewSession()
	if err != nil {
		return "", rerrors.Wrap(err, rerrors.ErrCodeDeviceUnreachable, "failed to open SSH session")
	}
	defer session.Close()

	start := time.Now()
	type result struct {
		output []byte
		err    error
	}
	done := make(chan result, 1)
	go func() {
		out, err := session.CombinedOutput(command)
		done <- result{output: out, err: err}
	}()

	select {
	case <-ctx.Done():
		session.Close()
		metrics.TransportRequestsTotal.WithLabelValues("shell", "timeout").Inc()
		return "", rerrors.Wrapf(ctx.Err(), rerrors.ErrCodeDeviceUnreachable,
			"shell command timed out after %s", s.timeout)
	case res := <-done:
		metrics.TransportRequestDuration.WithLabelValues("shell").Observe(time.Since(start).Seconds())
		if res.err != nil {
			metrics.TransportRequestsTotal.WithLabelValues("shell", "error").Inc()
			return "", rerrors.Wrapf(res.err, rerrors.ErrCodeDeviceUnreachable,
				"shell command failed: %s", command)
		}
		metrics.TransportRequestsTotal.WithLabelValues("shell", "success").Inc()
		return string(res.output), nil
	}
}

func (s *shellSession) Close() error {
	return s.client.Close()
}
