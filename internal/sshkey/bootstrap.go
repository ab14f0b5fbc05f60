// Package sshkey provisions the service's dedicated SSH credential and
// registers it with the provisioning backend.
package sshkey

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/kiranshivaraju/agentdeploy/internal/gcloud"
	"golang.org/x/crypto/ssh"
)

// ErrConfiguration wraps every failure of EnsureConfigured.
var ErrConfiguration = errors.New("ssh credential configuration failed")

const (
	DefaultKeyName = "agentdeploy_service_key"
	DefaultKeyBits = 4096

	configHost       = "compute.googleapis.com"
	connectionMarker = "agentdeploy-ssh-ok"
)

// Config locates the key material.
type Config struct {
	// Dir is the ssh directory, normally ~/.ssh.
	Dir     string
	KeyName string
	KeyBits int
	Comment string
}

// Bootstrapper owns the process-wide "configured" state. The zero value is
// not usable; construct with New.
type Bootstrapper struct {
	runner     gcloud.Runner
	cmds       gcloud.Commands
	dir        string
	keyPath    string
	configPath string
	bits       int
	comment    string
	logger     *slog.Logger

	mu         sync.Mutex
	configured atomic.Bool
}

// New creates a Bootstrapper. Nothing touches disk until EnsureConfigured.
func New(runner gcloud.Runner, cmds gcloud.Commands, cfg Config, logger *slog.Logger) *Bootstrapper {
	if cfg.KeyName == "" {
		cfg.KeyName = DefaultKeyName
	}
	if cfg.KeyBits <= 0 {
		cfg.KeyBits = DefaultKeyBits
	}
	if cfg.Comment == "" {
		cfg.Comment = "agentdeploy"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bootstrapper{
		runner:     runner,
		cmds:       cmds,
		dir:        cfg.Dir,
		keyPath:    filepath.Join(cfg.Dir, cfg.KeyName),
		configPath: filepath.Join(cfg.Dir, "config"),
		bits:       cfg.KeyBits,
		comment:    cfg.Comment,
		logger:     logger.With("component", "sshkey"),
	}
}

// KeyPath is the private key file handed to ssh invocations.
func (b *Bootstrapper) KeyPath() string { return b.keyPath }

// IsConfigured reports whether the credential is ready for use.
func (b *Bootstrapper) IsConfigured() bool { return b.configured.Load() }

// Reset marks the credential as unusable so the next EnsureConfigured
// re-registers it. Called after an authentication failure.
func (b *Bootstrapper) Reset() {
	if b.configured.Swap(false) {
		b.logger.Warn("ssh credential reset")
	}
}

// EnsureConfigured makes sure a key pair exists, is registered with the
// backend, and is referenced from the ssh client config. Concurrent callers
// serialize; once one succeeds the rest return immediately.
func (b *Bootstrapper) EnsureConfigured(ctx context.Context) error {
	if b.configured.Load() {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.configured.Load() {
		return nil
	}

	if err := os.MkdirAll(b.dir, 0o700); err != nil {
		return fmt.Errorf("%w: create ssh dir: %w", ErrConfiguration, err)
	}
	if err := os.Chmod(b.dir, 0o700); err != nil {
		return fmt.Errorf("%w: chmod ssh dir: %w", ErrConfiguration, err)
	}

	created, err := b.ensureKey()
	if err != nil {
		return fmt.Errorf("%w: key pair: %w", ErrConfiguration, err)
	}

	if _, err := b.runner.Run(ctx, b.cmds.ConfigSSH(b.keyPath)); err != nil {
		return fmt.Errorf("%w: register key: %w", ErrConfiguration, err)
	}

	for _, p := range []string{b.keyPath, b.keyPath + ".pub"} {
		if err := os.Chmod(p, 0o600); err != nil {
			return fmt.Errorf("%w: chmod %s: %w", ErrConfiguration, filepath.Base(p), err)
		}
	}

	if err := b.ensureConfigEntry(); err != nil {
		return fmt.Errorf("%w: ssh config: %w", ErrConfiguration, err)
	}

	b.configured.Store(true)
	b.logger.Info("ssh credential configured", "key", b.keyPath, "generated", created)
	return nil
}

// TestConnection runs a no-op command on the instance and checks the echoed
// marker. Diagnostics only.
func (b *Bootstrapper) TestConnection(ctx context.Context, instance string) (bool, error) {
	if !gcloud.ValidInstanceName(instance) {
		return false, fmt.Errorf("invalid instance name %q", instance)
	}
	if err := b.EnsureConfigured(ctx); err != nil {
		return false, err
	}
	res, err := b.runner.Run(ctx, b.cmds.SSH(instance, b.keyPath, "echo "+connectionMarker))
	if err != nil {
		return false, err
	}
	return strings.Contains(res.Stdout, connectionMarker), nil
}

// ensureKey loads the existing key pair or writes a new one. It reports
// whether a new key was generated.
func (b *Bootstrapper) ensureKey() (bool, error) {
	signer, err := b.loadKey()
	switch {
	case err == nil:
		return false, b.writePublic(signer.PublicKey())
	case errors.Is(err, fs.ErrNotExist):
		return true, b.generate(false)
	default:
		b.logger.Warn("existing ssh key unreadable, rotating", "key", b.keyPath, "error", err)
		return true, b.generate(true)
	}
}

func (b *Bootstrapper) loadKey() (ssh.Signer, error) {
	data, err := os.ReadFile(b.keyPath)
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(data)
}

func (b *Bootstrapper) generate(replace bool) error {
	key, err := rsa.GenerateKey(rand.Reader, b.bits)
	if err != nil {
		return fmt.Errorf("generate rsa key: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(key, b.comment)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}

	tmp, err := b.writeScratch(pem.EncodeToMemory(block))
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	if replace {
		if err := os.Rename(tmp, b.keyPath); err != nil {
			return fmt.Errorf("replace private key: %w", err)
		}
	} else if err := os.Link(tmp, b.keyPath); err != nil {
		if !errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("install private key: %w", err)
		}
		// Another process installed a key first; use theirs.
		signer, lerr := b.loadKey()
		if lerr != nil {
			return fmt.Errorf("load concurrently created key: %w", lerr)
		}
		return b.writePublic(signer.PublicKey())
	}

	pub, err := ssh.NewPublicKey(&key.PublicKey)
	if err != nil {
		return fmt.Errorf("derive public key: %w", err)
	}
	return b.writePublic(pub)
}

// writePublic rewrites the .pub file when it does not match pub.
func (b *Bootstrapper) writePublic(pub ssh.PublicKey) error {
	line := bytes.TrimSpace(ssh.MarshalAuthorizedKey(pub))
	line = append(line, []byte(" "+b.comment+"\n")...)

	pubPath := b.keyPath + ".pub"
	if existing, err := os.ReadFile(pubPath); err == nil && bytes.Equal(existing, line) {
		return nil
	}

	tmp, err := b.writeScratch(line)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)
	if err := os.Rename(tmp, pubPath); err != nil {
		return fmt.Errorf("install public key: %w", err)
	}
	return nil
}

// writeScratch writes data to a 0600 temp file next to the key.
func (b *Bootstrapper) writeScratch(data []byte) (string, error) {
	f, err := os.CreateTemp(b.dir, "."+filepath.Base(b.keyPath)+"-*")
	if err != nil {
		return "", fmt.Errorf("create temp key file: %w", err)
	}
	name := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(name)
		return "", fmt.Errorf("write temp key file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", fmt.Errorf("close temp key file: %w", err)
	}
	if err := os.Chmod(name, 0o600); err != nil {
		os.Remove(name)
		return "", fmt.Errorf("chmod temp key file: %w", err)
	}
	return name, nil
}

// ensureConfigEntry appends the host block unless the config already
// references this key.
func (b *Bootstrapper) ensureConfigEntry() error {
	existing, err := os.ReadFile(b.configPath)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if hasIdentity(existing, b.keyPath) {
		return nil
	}

	var buf strings.Builder
	if len(existing) > 0 && !bytes.HasSuffix(existing, []byte("\n")) {
		buf.WriteString("\n")
	}
	if len(existing) > 0 {
		buf.WriteString("\n")
	}
	fmt.Fprintf(&buf, "# Added by agentdeploy\nHost %s\n", configHost)
	fmt.Fprintf(&buf, "    IdentityFile %s\n", b.keyPath)
	buf.WriteString("    UserKnownHostsFile /dev/null\n")
	buf.WriteString("    StrictHostKeyChecking no\n")

	f, err := os.OpenFile(b.configPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(buf.String()); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func hasIdentity(config []byte, keyPath string) bool {
	for _, line := range strings.Split(string(config), "\n") {
		fields := strings.Fields(strings.ReplaceAll(line, "=", " "))
		if len(fields) == 2 && strings.EqualFold(fields[0], "IdentityFile") && fields[1] == keyPath {
			return true
		}
	}
	return false
}
