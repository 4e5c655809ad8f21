// Package remote forwards a local TCP port to a service reachable only from a
// remote host, over SSH. The tunnel lifetime is scoped to the database session
// that needs it: open before connect, close on every exit path.
package remote

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/crypto/ssh"
)

const (
	defaultSSHPort    = 22
	defaultRemotePort = 3306
	sshTimeout        = 30 * time.Second
)

// ServerDef describes an SSH tunnel target.
type ServerDef struct {
	Host       string
	Port       int
	User       string
	KeyFile    string // private key path, "~" expanded
	RemoteHost string // bind address on the remote side
	RemotePort int
}

// ParseServer parses a "user@host[:port]" identifier into a ServerDef with
// the default remote MySQL bind address and ~/.ssh/id_rsa key.
func ParseServer(s string) (ServerDef, error) {
	at := strings.Index(s, "@")
	if at <= 0 || at == len(s)-1 {
		return ServerDef{}, fmt.Errorf("invalid server identifier %q, want user@host[:port]", s)
	}
	def := ServerDef{
		User:       s[:at],
		Host:       s[at+1:],
		Port:       defaultSSHPort,
		KeyFile:    "~/.ssh/id_rsa",
		RemoteHost: "127.0.0.1",
		RemotePort: defaultRemotePort,
	}
	if host, port, err := net.SplitHostPort(def.Host); err == nil {
		p, err := strconv.Atoi(port)
		if err != nil {
			return ServerDef{}, fmt.Errorf("invalid ssh port in %q", s)
		}
		def.Host, def.Port = host, p
	}
	return def, nil
}

// Tunnel is an open SSH port forward. Connections accepted on the local
// listener are piped to the remote bind address.
type Tunnel struct {
	client *ssh.Client
	ln     net.Listener

	quit chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// Open dials the SSH server and starts forwarding an ephemeral local port.
func Open(def ServerDef) (*Tunnel, error) {
	keyPath := def.KeyFile
	if strings.HasPrefix(keyPath, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		keyPath = filepath.Join(home, keyPath[2:])
	}
	keyData, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key: %w", err)
	}

	sshConfig := &ssh.ClientConfig{
		User:            def.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         sshTimeout,
	}
	client, err := ssh.Dial("tcp", net.JoinHostPort(def.Host, strconv.Itoa(def.Port)), sshConfig)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", def.Host, err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("bind local forward port: %w", err)
	}

	t := &Tunnel{
		client: client,
		ln:     ln,
		quit:   make(chan struct{}),
	}
	remoteAddr := net.JoinHostPort(def.RemoteHost, strconv.Itoa(def.RemotePort))
	t.wg.Add(1)
	go t.serve(remoteAddr)
	log.Debug("SSH tunnel opened", "server", def.Host, "local", ln.Addr(), "remote", remoteAddr)
	return t, nil
}

// LocalPort returns the ephemeral port of the local end of the tunnel.
func (t *Tunnel) LocalPort() int {
	return t.ln.Addr().(*net.TCPAddr).Port
}

// Close tears down the listener, in-flight forwards and the SSH connection.
func (t *Tunnel) Close() error {
	var err error
	t.once.Do(func() {
		close(t.quit)
		t.ln.Close()
		err = t.client.Close()
		t.wg.Wait()
	})
	return err
}

func (t *Tunnel) serve(remoteAddr string) {
	defer t.wg.Done()
	for {
		local, err := t.ln.Accept()
		if err != nil {
			select {
			case <-t.quit:
			default:
				log.Warn("SSH tunnel accept failed", "err", err)
			}
			return
		}
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.forward(local, remoteAddr)
		}()
	}
}

func (t *Tunnel) forward(local net.Conn, remoteAddr string) {
	defer local.Close()
	remote, err := t.client.Dial("tcp", remoteAddr)
	if err != nil {
		log.Warn("SSH tunnel remote dial failed", "addr", remoteAddr, "err", err)
		return
	}
	defer remote.Close()

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(remote, local)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(local, remote)
		done <- struct{}{}
	}()
	select {
	case <-done:
	case <-t.quit:
	}
}
