// Package remoteshell implements api.RemoteShell over SSH: file upload and
// command execution on a single cloud instance.
package remoteshell

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/mozilla-services/loadbroker/pkg/api"
)

const (
	dialTimeout = 15 * time.Second
	sshPort     = "22"
)

// Shell implements api.RemoteShell, memoizing one SSH client connection per
// host for the lifetime of the process.
type Shell struct {
	user   string
	signer ssh.Signer

	mu    sync.Mutex
	conns map[string]*ssh.Client
}

var _ api.RemoteShell = (*Shell)(nil)

// New builds a Shell that authenticates as user using the given PEM-encoded
// private key.
func New(user string, privateKeyPEM []byte) (*Shell, error) {
	signer, err := ssh.ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing remote shell private key: %w", err)
	}
	return &Shell{user: user, signer: signer, conns: make(map[string]*ssh.Client)}, nil
}

func (s *Shell) Connect(ctx context.Context, host string) error {
	_, err := s.clientFor(ctx, host)
	return err
}

func (s *Shell) clientFor(ctx context.Context, host string) (*ssh.Client, error) {
	s.mu.Lock()
	if conn, ok := s.conns[host]; ok {
		s.mu.Unlock()
		return conn, nil
	}
	s.mu.Unlock()

	cfg := &ssh.ClientConfig{
		User:            s.user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(s.signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         dialTimeout,
	}

	addr := net.JoinHostPort(host, sshPort)
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	client := ssh.NewClient(c, chans, reqs)

	s.mu.Lock()
	s.conns[host] = client
	s.mu.Unlock()
	return client, nil
}

// Upload writes data to path on host over an SFTP-free "cat > path"
// pipeline, avoiding a dependency on an SFTP subsystem that may not be
// enabled on a minimal instance image.
func (s *Shell) Upload(ctx context.Context, host string, data []byte, path string) error {
	client, err := s.clientFor(ctx, host)
	if err != nil {
		return err
	}
	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("opening session to %s: %w", host, err)
	}
	defer session.Close()

	session.Stdin = bytes.NewReader(data)
	if err := session.Run(fmt.Sprintf("cat > %s", shellQuotePath(path))); err != nil {
		return fmt.Errorf("uploading to %s:%s: %w", host, path, err)
	}
	return nil
}

func (s *Shell) Exec(ctx context.Context, host string, cmd string) (api.ExecResult, error) {
	client, err := s.clientFor(ctx, host)
	if err != nil {
		return api.ExecResult{}, err
	}
	session, err := client.NewSession()
	if err != nil {
		return api.ExecResult{}, fmt.Errorf("opening session to %s: %w", host, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	result := api.ExecResult{}
	err = session.Run(cmd)
	if err != nil {
		if exitErr, ok := err.(*ssh.ExitError); ok {
			result.ExitStatus = exitErr.ExitStatus()
		} else {
			result.Stdout = stdout.String()
			result.Stderr = stderr.String()
			return result, fmt.Errorf("executing command on %s: %w", host, err)
		}
	}
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	return result, nil
}

func (s *Shell) Close(host string) error {
	s.mu.Lock()
	conn, ok := s.conns[host]
	if ok {
		delete(s.conns, host)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return conn.Close()
}

func shellQuotePath(path string) string {
	return "'" + path + "'"
}
