// Package sshx is the remote execution fabric (C1): one long-lived,
// multiplexed SSH session to one host, with a derived SFTP sub-channel,
// transparent reconnect-once-on-failure, and a single mutex serializing
// every operation so callers on any goroutine see sequential access.
package sshx

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	apperrors "robotplane/internal/errors"
	"robotplane/internal/logger"
)

// Config selects the remote host and credentials, matching spec.md §6's
// [SSH] section.
type Config struct {
	Host     string
	Port     int
	Username string
	UseKey   bool
	KeyPath  string
	Password string

	// DefaultTimeout bounds a plain exec; TelemetryTimeout bounds the
	// shorter probes the VM-resources poller issues.
	DefaultTimeout   time.Duration
	TelemetryTimeout time.Duration
}

func (c Config) addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Transport owns the SSH client and its SFTP sub-channel behind one mutex.
type Transport struct {
	cfg Config

	mu     sync.Mutex
	client *ssh.Client
	sftp   *sftp.Client
}

// New dials the remote host immediately so configuration errors surface at
// startup rather than on first use.
func New(ctx context.Context, cfg Config) (*Transport, error) {
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.TelemetryTimeout == 0 {
		cfg.TelemetryTimeout = 10 * time.Second
	}

	t := &Transport{cfg: cfg}
	if err := t.connectLocked(); err != nil {
		return nil, err
	}
	logger.GetLogger(ctx).Info("ssh transport connected", zap.String("host", cfg.Host))
	return t, nil
}

// authMethod builds the auth method per spec.md §4.1: key wins when
// use_key=true and both a key and a password are configured.
func (c Config) authMethod() (ssh.AuthMethod, error) {
	if c.UseKey && c.KeyPath != "" {
		keyBytes, err := os.ReadFile(c.KeyPath)
		if err != nil {
			return nil, apperrors.Wrapf(err, apperrors.KindConfig, "reading ssh key %s", c.KeyPath)
		}
		signer, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, apperrors.Wrapf(err, apperrors.KindConfig, "parsing ssh key %s", c.KeyPath)
		}
		return ssh.PublicKeys(signer), nil
	}
	if c.Password != "" {
		return ssh.Password(c.Password), nil
	}
	return nil, apperrors.New(apperrors.KindConfig, "ssh config has neither a usable key nor a password")
}

// connectLocked (re)dials the SSH client and rebuilds the SFTP sub-channel.
// Caller must hold t.mu.
func (t *Transport) connectLocked() error {
	auth, err := t.cfg.authMethod()
	if err != nil {
		return err
	}

	clientCfg := &ssh.ClientConfig{
		User:            t.cfg.Username,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         t.cfg.DefaultTimeout,
	}

	client, err := ssh.Dial("tcp", t.cfg.addr(), clientCfg)
	if err != nil {
		if isAuthError(err) {
			return apperrors.Wrap(err, apperrors.KindAuthDenied, "ssh authentication denied")
		}
		return apperrors.Wrap(err, apperrors.KindTransport, "ssh dial failed")
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return apperrors.Wrap(err, apperrors.KindTransport, "sftp sub-channel failed")
	}

	if t.client != nil {
		t.client.Close()
	}
	t.client = client
	t.sftp = sftpClient
	return nil
}

func isAuthError(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate") ||
		strings.Contains(err.Error(), "permission denied")
}

func isBrokenErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	if _, ok := err.(net.Error); ok {
		return true
	}
	return strings.Contains(msg, "closed") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "EOF") ||
		strings.Contains(msg, "connection reset")
}

// Result is the outcome of an Exec call.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Exec runs cmd on the remote host with the transport's default timeout.
// Non-zero exit codes are returned in-band (err is nil); callers interpret
// ExitCode themselves. Connection failures reconnect once and retry once;
// a second failure surfaces as a KindTransport error.
func (t *Transport) Exec(ctx context.Context, cmd string) (Result, error) {
	return t.execWithTimeout(ctx, cmd, t.cfg.DefaultTimeout)
}

// ExecTelemetry runs cmd with the shorter telemetry-probe timeout.
func (t *Transport) ExecTelemetry(ctx context.Context, cmd string) (Result, error) {
	return t.execWithTimeout(ctx, cmd, t.cfg.TelemetryTimeout)
}

func (t *Transport) execWithTimeout(ctx context.Context, cmd string, timeout time.Duration) (Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	res, err := t.runOnceLocked(cmd, timeout)
	if err != nil && isBrokenErr(err) {
		if rerr := t.connectLocked(); rerr != nil {
			return Result{}, apperrors.Wrap(rerr, apperrors.KindTransport, "ssh reconnect failed")
		}
		res, err = t.runOnceLocked(cmd, timeout)
	}
	if err != nil {
		return Result{}, apperrors.Wrap(err, apperrors.KindTransport, "ssh exec failed")
	}
	return res, nil
}

func (t *Transport) runOnceLocked(cmd string, timeout time.Duration) (Result, error) {
	session, err := t.client.NewSession()
	if err != nil {
		return Result{}, err
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case err := <-done:
		exitCode := 0
		if err != nil {
			if exitErr, ok := err.(*ssh.ExitError); ok {
				exitCode = exitErr.ExitStatus()
			} else {
				return Result{}, err
			}
		}
		return Result{ExitCode: exitCode, Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, nil
	case <-time.After(timeout):
		session.Signal(ssh.SIGKILL)
		return Result{}, fmt.Errorf("ssh exec timed out after %s", timeout)
	}
}

// Put writes data to remotePath over SFTP, reconnecting once on failure.
func (t *Transport) Put(ctx context.Context, remotePath string, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	err := t.putLocked(remotePath, data)
	if err != nil && isBrokenErr(err) {
		if rerr := t.connectLocked(); rerr != nil {
			return apperrors.Wrap(rerr, apperrors.KindTransport, "ssh reconnect failed")
		}
		err = t.putLocked(remotePath, data)
	}
	if err != nil {
		return apperrors.Wrap(err, apperrors.KindTransport, "sftp put failed")
	}
	return nil
}

func (t *Transport) putLocked(remotePath string, data []byte) error {
	f, err := t.sftp.Create(remotePath)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(data)
	return err
}

// Get reads remotePath over SFTP.
func (t *Transport) Get(ctx context.Context, remotePath string) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	data, err := t.getLocked(remotePath)
	if err != nil && isBrokenErr(err) {
		if rerr := t.connectLocked(); rerr != nil {
			return nil, apperrors.Wrap(rerr, apperrors.KindTransport, "ssh reconnect failed")
		}
		data, err = t.getLocked(remotePath)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindTransport, "sftp get failed")
	}
	return data, nil
}

func (t *Transport) getLocked(remotePath string) ([]byte, error) {
	f, err := t.sftp.Open(remotePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// List returns the names of entries in remoteDir. A missing directory
// returns an empty list, not an error (spec.md §9: model absent-file cases
// as empty/optional returns, reserve error kinds for conditions worth
// surfacing).
func (t *Transport) List(ctx context.Context, remoteDir string) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries, err := t.sftp.ReadDir(remoteDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		if isBrokenErr(err) {
			if rerr := t.connectLocked(); rerr != nil {
				return nil, apperrors.Wrap(rerr, apperrors.KindTransport, "ssh reconnect failed")
			}
			entries, err = t.sftp.ReadDir(remoteDir)
		}
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, apperrors.Wrap(err, apperrors.KindTransport, "sftp list failed")
		}
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

// Exists reports whether remotePath is present.
func (t *Transport) Exists(ctx context.Context, remotePath string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := t.sftp.Stat(remotePath)
	if err != nil && !os.IsNotExist(err) && isBrokenErr(err) {
		if rerr := t.connectLocked(); rerr != nil {
			return false, apperrors.Wrap(rerr, apperrors.KindTransport, "ssh reconnect failed")
		}
		_, err = t.sftp.Stat(remotePath)
	}
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, apperrors.Wrap(err, apperrors.KindTransport, "sftp stat failed")
}

// Move renames from to to over SFTP.
func (t *Transport) Move(ctx context.Context, from, to string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	err := t.sftp.Rename(from, to)
	if err != nil && isBrokenErr(err) {
		if rerr := t.connectLocked(); rerr != nil {
			return apperrors.Wrap(rerr, apperrors.KindTransport, "ssh reconnect failed")
		}
		err = t.sftp.Rename(from, to)
	}
	if err != nil {
		return apperrors.Wrap(err, apperrors.KindTransport, "sftp move failed")
	}
	return nil
}

// Close tears down the SFTP sub-channel and the underlying SSH client.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sftp != nil {
		t.sftp.Close()
	}
	if t.client != nil {
		return t.client.Close()
	}
	return nil
}
