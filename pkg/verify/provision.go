package verify

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/pljakobs/backup/pkg/backupconfig"
	"github.com/pljakobs/backup/pkg/command"
)

// ErrDeclined is returned when the operator refuses key installation.
var ErrDeclined = errors.New("key installation declined")

// Provisioner repairs SSH access to a host after a failed login.
type Provisioner interface {
	Provision(ctx context.Context, h backupconfig.HostSpec, cause error) error
}

// KeyProvisioner asks the operator, creates the host's key pair if it does
// not exist yet, and installs the public key with ssh-copy-id.
type KeyProvisioner struct {
	Runner command.Runner
	Tools  Tools
	In     io.Reader
	Out    io.Writer
	// DefaultKey is used for hosts without an ssh_key.
	DefaultKey string
	Logger     *zap.Logger
}

// Provision implements Provisioner.
func (p *KeyProvisioner) Provision(ctx context.Context, h backupconfig.HostSpec, cause error) error {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tools := p.Tools.withDefaults()
	out := p.Out
	if out == nil {
		out = io.Discard
	}

	key := h.SSHKey
	if key == "" {
		key = p.DefaultKey
	}
	if key == "" {
		return fmt.Errorf("host %s has no ssh_key configured", h.Name)
	}

	fmt.Fprintf(out, "SSH login to %s (%s) failed: %v\n", h.Name, h.Address, cause)
	ok, err := confirm(p.In, out, fmt.Sprintf("Install key %s on %s?", key, h.Address))
	if err != nil {
		return err
	}
	if !ok {
		return ErrDeclined
	}

	if _, err := os.Stat(key); os.IsNotExist(err) {
		fmt.Fprintf(out, "Generating ed25519 key pair %s\n", key)
		if err := GenerateKeyPair(key, "backup@"+hostnameOrDefault()); err != nil {
			return err
		}
		logger.Info("generated ssh key pair", zap.String("path", key))
	} else if err != nil {
		return fmt.Errorf("stat %s: %w", key, err)
	}

	res, err := p.Runner.Run(ctx, command.Cmd{
		Name:        tools.SSHCopyID,
		Args:        []string{"-i", key + ".pub", h.Address},
		Interactive: true,
		Step:        "ssh_copy_id",
		Host:        h.Name,
	})
	if err != nil {
		return fmt.Errorf("ssh-copy-id: %w", err)
	}
	if !res.OK() {
		return fmt.Errorf("ssh-copy-id exited with code %d", res.ExitCode)
	}
	return nil
}

func confirm(in io.Reader, out io.Writer, question string) (bool, error) {
	if in == nil {
		return false, fmt.Errorf("no terminal available for confirmation")
	}
	fmt.Fprintf(out, "%s [y/N] ", question)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("read answer: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

// GenerateKeyPair writes an OpenSSH ed25519 private key to path (mode 0600)
// and the matching authorized_keys line to path.pub. Existing files are not
// overwritten.
func GenerateKeyPair(path, comment string) error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate ed25519 key: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(priv, comment)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return fmt.Errorf("marshal public key: %w", err)
	}
	authorized := strings.TrimSuffix(string(ssh.MarshalAuthorizedKey(sshPub)), "\n")
	if comment != "" {
		authorized += " " + comment
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}
	if err := writeExclusive(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return err
	}
	if err := writeExclusive(path+".pub", []byte(authorized+"\n"), 0o644); err != nil {
		_ = os.Remove(path)
		return err
	}
	return nil
}

func writeExclusive(path string, data []byte, mode os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

func hostnameOrDefault() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "localhost"
	}
	return h
}
