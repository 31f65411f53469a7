package ssh

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// testSSHServer is a minimal SSH server answering a few canned commands
// and serving SFTP from the local filesystem.
type testSSHServer struct {
	addr    string
	hostKey ssh.Signer
}

// newTestSSHServer starts a server accepting the imctl/secret password.
func newTestSSHServer(t *testing.T) *testSSHServer {
	t.Helper()
	return startTestSSHServer(t, generateSigner(t).PublicKey())
}

// startTestSSHServer starts a server accepting the imctl/secret password
// and the authorized public key.
func startTestSSHServer(t *testing.T, authorized ssh.PublicKey) *testSSHServer {
	t.Helper()

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "imctl" && string(pass) == "secret" {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), authorized.Marshal()) {
				return nil, nil
			}
			return nil, fmt.Errorf("unknown key")
		},
	}
	hostKey := generateSigner(t)
	config.AddHostKey(hostKey)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go handleConnection(conn, config)
		}
	}()

	return &testSSHServer{addr: listener.Addr().String(), hostKey: hostKey}
}

func handleConnection(netConn net.Conn, config *ssh.ServerConfig) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go handleChannel(channel, requests)
	}
}

func handleChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	exit := func(code uint32) {
		_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{code}))
	}

	for req := range requests {
		var payload struct{ Value string }
		switch req.Type {
		case "exec":
			_ = ssh.Unmarshal(req.Payload, &payload)
			_ = req.Reply(true, nil)
			switch payload.Value {
			case "echo hello":
				_, _ = channel.Write([]byte("hello\n"))
				exit(0)
			case "fail":
				_, _ = channel.Stderr().Write([]byte("boom\n"))
				exit(3)
			case "sleep":
				// Wait for the client to signal or close the session.
				continue
			default:
				_, _ = channel.Write([]byte("ran: " + payload.Value + "\n"))
				exit(0)
			}
			return

		case "subsystem":
			_ = ssh.Unmarshal(req.Payload, &payload)
			if payload.Value != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			server, err := sftp.NewServer(channel)
			if err != nil {
				return
			}
			_ = server.Serve()
			_ = server.Close()
			return

		case "signal":
			return

		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func generateSigner(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return signer
}

func passwordConfig() *Config {
	return &Config{
		Port:           22,
		User:           "imctl",
		AuthMethod:     AuthMethodPassword,
		Password:       "secret",
		ConnectTimeout: 5 * time.Second,
		CommandTimeout: 5 * time.Second,
	}
}

func newTestPool(t *testing.T, cfg *Config) *Pool {
	t.Helper()
	pool, err := NewPool(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	return pool
}

func TestConfig_Validate(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(keyPath, []byte("key"), 0o600))

	valid := passwordConfig()
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Port = 0 }},
		{"no user", func(c *Config) { c.User = "" }},
		{"password missing", func(c *Config) { c.Password = "" }},
		{"unknown method", func(c *Config) { c.AuthMethod = "kerberos" }},
		{"missing key file", func(c *Config) { c.AuthMethod = AuthMethodKey; c.PrivateKeyPath = keyPath + ".missing" }},
		{"strict without known hosts", func(c *Config) { c.StrictHostKeyChecking = true; c.KnownHostsPath = "" }},
		{"no connect timeout", func(c *Config) { c.ConnectTimeout = 0 }},
		{"no command timeout", func(c *Config) { c.CommandTimeout = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := passwordConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	t.Run("key file present", func(t *testing.T) {
		cfg := passwordConfig()
		cfg.AuthMethod = AuthMethodKey
		cfg.PrivateKeyPath = keyPath
		assert.NoError(t, cfg.Validate())
	})
}

func TestConfig_Address(t *testing.T) {
	cfg := passwordConfig()
	assert.Equal(t, "node1.example.com:22", cfg.Address("node1.example.com"))
	assert.Equal(t, "node1.example.com:2222", cfg.Address("node1.example.com:2222"))
	assert.Equal(t, "[::1]:22", cfg.Address("::1"))
}

func TestPool_RunCommand(t *testing.T) {
	server := newTestSSHServer(t)
	pool := newTestPool(t, passwordConfig())
	ctx := context.Background()

	out, err := pool.RunCommand(ctx, server.addr, "echo hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", out)

	first, err := pool.Client(ctx, server.addr)
	require.NoError(t, err)
	out, err = pool.RunCommand(ctx, server.addr, "systemctl stop puppet")
	require.NoError(t, err)
	assert.Equal(t, "ran: systemctl stop puppet", out)

	second, err := pool.Client(ctx, server.addr)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, []string{server.addr}, pool.Hosts())
}

func TestPool_RunCommandExitStatus(t *testing.T) {
	server := newTestSSHServer(t)
	pool := newTestPool(t, passwordConfig())

	out, err := pool.RunCommand(context.Background(), server.addr, "fail")
	require.Error(t, err)
	assert.Equal(t, "boom", out)

	var terr *TransportError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, 3, terr.ExitCode)
	assert.False(t, terr.Temporary())
	assert.Equal(t, server.addr, terr.Host)

	// A failed command keeps the connection.
	assert.Equal(t, []string{server.addr}, pool.Hosts())
}

func TestClient_RunTimeout(t *testing.T) {
	server := newTestSSHServer(t)
	cfg := passwordConfig()
	cfg.CommandTimeout = 200 * time.Millisecond
	pool := newTestPool(t, cfg)

	start := time.Now()
	_, err := pool.RunCommand(context.Background(), server.addr, "sleep")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	var terr *TransportError
	require.True(t, errors.As(err, &terr))
	assert.True(t, terr.Temporary())
	assert.Empty(t, pool.Hosts())
}

func TestPool_CopyRoundTrip(t *testing.T) {
	server := newTestSSHServer(t)
	pool := newTestPool(t, passwordConfig())
	ctx := context.Background()
	dir := t.TempDir()

	source := filepath.Join(dir, "codenvy-data-backup.tar.gz")
	payload := bytes.Repeat([]byte("backup"), 20000)
	require.NoError(t, os.WriteFile(source, payload, 0o640))

	remote := filepath.Join(dir, "remote", "tmp", "codenvy-data-backup.tar.gz")
	require.NoError(t, pool.CopyTo(ctx, server.addr, source, remote))

	uploaded, err := os.ReadFile(remote)
	require.NoError(t, err)
	assert.Equal(t, payload, uploaded)

	local := filepath.Join(dir, "local", "restored.tar.gz")
	require.NoError(t, pool.CopyFrom(ctx, server.addr, remote, local))

	downloaded, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, payload, downloaded)

	err = pool.CopyFrom(ctx, server.addr, filepath.Join(dir, "missing"), local)
	assert.Error(t, err)
}

func TestDial_Authentication(t *testing.T) {
	server := newTestSSHServer(t)
	ctx := context.Background()

	t.Run("wrong password", func(t *testing.T) {
		cfg := passwordConfig()
		cfg.Password = "wrong"
		_, err := Dial(ctx, server.addr, cfg, zerolog.Nop())
		var terr *TransportError
		require.True(t, errors.As(err, &terr))
		assert.True(t, terr.IsAuthError)
	})

	t.Run("private key", func(t *testing.T) {
		dir := t.TempDir()
		keyPath := filepath.Join(dir, "id_ed25519")
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		block, err := ssh.MarshalPrivateKey(priv, "")
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600))

		// Not the key the server authorizes.
		cfg := passwordConfig()
		cfg.AuthMethod = AuthMethodKey
		cfg.PrivateKeyPath = keyPath
		_, err = Dial(ctx, server.addr, cfg, zerolog.Nop())
		require.Error(t, err)

		signer, err := ssh.NewSignerFromKey(priv)
		require.NoError(t, err)
		authorized := startTestSSHServer(t, signer.PublicKey())
		client, err := Dial(ctx, authorized.addr, cfg, zerolog.Nop())
		require.NoError(t, err)
		defer client.Close()
		assert.True(t, client.Alive())
	})

	t.Run("unreachable host", func(t *testing.T) {
		listener, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addr := listener.Addr().String()
		require.NoError(t, listener.Close())

		_, err = Dial(ctx, addr, passwordConfig(), zerolog.Nop())
		var terr *TransportError
		require.True(t, errors.As(err, &terr))
		assert.True(t, terr.Temporary())
		assert.False(t, terr.IsAuthError)
	})
}

func TestDial_KnownHosts(t *testing.T) {
	server := newTestSSHServer(t)
	ctx := context.Background()

	writeKnownHosts := func(t *testing.T, key ssh.PublicKey) string {
		path := filepath.Join(t.TempDir(), "known_hosts")
		line := knownhosts.Line([]string{knownhosts.Normalize(server.addr)}, key)
		require.NoError(t, os.WriteFile(path, []byte(line+"\n"), 0o600))
		return path
	}

	t.Run("trusted", func(t *testing.T) {
		cfg := passwordConfig()
		cfg.StrictHostKeyChecking = true
		cfg.KnownHostsPath = writeKnownHosts(t, server.hostKey.PublicKey())

		client, err := Dial(ctx, server.addr, cfg, zerolog.Nop())
		require.NoError(t, err)
		assert.NoError(t, client.Close())
	})

	t.Run("mismatch", func(t *testing.T) {
		cfg := passwordConfig()
		cfg.StrictHostKeyChecking = true
		cfg.KnownHostsPath = writeKnownHosts(t, generateSigner(t).PublicKey())

		_, err := Dial(ctx, server.addr, cfg, zerolog.Nop())
		var terr *TransportError
		require.True(t, errors.As(err, &terr))
		assert.True(t, terr.IsAuthError)
	})
}

func TestPool_Closed(t *testing.T) {
	pool, err := NewPool(passwordConfig(), zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, pool.Close())

	_, err = pool.RunCommand(context.Background(), "127.0.0.1:1", "true")
	assert.Error(t, err)
}

func TestNewPool_InvalidConfig(t *testing.T) {
	cfg := passwordConfig()
	cfg.User = ""
	_, err := NewPool(cfg, zerolog.Nop())
	assert.Error(t, err)
}
