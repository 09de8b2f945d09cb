package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const posixRenameExtension = "posix-rename@openssh.com"

// SFTPConfig holds connection settings for an SFTP server
type SFTPConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	PrivateKeyFile string        `yaml:"private_key_file"`
	KnownHostsFile string        `yaml:"known_hosts_file"`
	Timeout        time.Duration `yaml:"timeout"`

	// InsecureIgnoreHostKey disables host key verification.
	// Only meant for local test servers with throwaway keys.
	InsecureIgnoreHostKey bool `yaml:"insecure_ignore_host_key"`
}

// SFTP implements Remote over an SSH connection
type SFTP struct {
	conn        *ssh.Client
	client      *sftp.Client
	posixRename bool
}

// DialSFTP opens an SSH connection and starts an SFTP session on it
func DialSFTP(ctx context.Context, cfg SFTPConfig) (*SFTP, error) {
	sshConfig, err := clientConfig(cfg)
	if err != nil {
		return nil, err
	}

	port := cfg.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(port))

	dialer := net.Dialer{Timeout: sshConfig.Timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	c, chans, reqs, err := ssh.NewClientConn(netConn, addr, sshConfig)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("ssh handshake with %s failed: %w", addr, err)
	}
	conn := ssh.NewClient(c, chans, reqs)

	client, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to start sftp session: %w", err)
	}

	_, posix := client.HasExtension(posixRenameExtension)

	return &SFTP{conn: conn, client: client, posixRename: posix}, nil
}

func clientConfig(cfg SFTPConfig) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod

	if cfg.PrivateKeyFile != "" {
		pem, err := os.ReadFile(cfg.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	if len(auth) == 0 {
		return nil, errors.New("sftp: no authentication method configured")
	}

	var hostKeyCallback ssh.HostKeyCallback
	switch {
	case cfg.KnownHostsFile != "":
		cb, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
		hostKeyCallback = cb
	case cfg.InsecureIgnoreHostKey:
		//nolint:gosec // G106: explicit opt-in for test servers
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	default:
		return nil, errors.New("sftp: known_hosts_file is required unless insecure_ignore_host_key is set")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}, nil
}

func (s *SFTP) List(_ context.Context, dir string) ([]Entry, error) {
	infos, err := s.client.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(infos))
	for _, fi := range infos {
		entries = append(entries, Entry{Name: fi.Name(), IsDir: fi.IsDir()})
	}
	return entries, nil
}

func (s *SFTP) Exists(_ context.Context, p string) (bool, error) {
	_, err := s.client.Stat(p)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (s *SFTP) Open(_ context.Context, p string) (io.ReadCloser, error) {
	return s.client.Open(p)
}

func (s *SFTP) Put(_ context.Context, localPath, remotePath string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := s.client.Create(remotePath)
	if err != nil {
		return err
	}

	if _, err := dst.ReadFrom(src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

func (s *SFTP) Mkdir(_ context.Context, p string) error {
	return s.client.Mkdir(p)
}

// Rename prefers the OpenSSH posix-rename extension, which overwrites an
// existing destination instead of failing like SFTPv3 rename.
func (s *SFTP) Rename(_ context.Context, src, dst string) error {
	if s.posixRename {
		return s.client.PosixRename(src, dst)
	}
	return s.client.Rename(src, dst)
}

func (s *SFTP) Rmdir(_ context.Context, p string) error {
	return s.client.RemoveDirectory(p)
}

func (s *SFTP) Close() error {
	return errors.Join(s.client.Close(), s.conn.Close())
}
