// Package sshc pushes tree assets and runner installs to remote hosts over
// SSH and SFTP.
package sshc

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"

	"example.com/treefleet/internal/runner"
)

const (
	RunnerBinaryPath = "/usr/local/bin/btrunner"
	RunnerConfigPath = "/etc/btrunner/config.yaml"
	RunnerUnitPath   = "/etc/systemd/system/btrunner.service"
	DefaultAssetsDir = "/etc/btrunner/trees"
)

type HostSpec struct {
	Addr         string
	User         string
	PrivateKey   []byte
	Password     string
	UseSudo      bool
	SudoPassword string
}

// Dial opens an SSH connection to h. A bare host gets port 22.
func Dial(h HostSpec) (*ssh.Client, error) {
	if h.Addr == "" || h.User == "" {
		return nil, errors.New("host addr and user required")
	}

	var authMethods []ssh.AuthMethod
	if len(h.PrivateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(bytes.TrimSpace(h.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
	}
	if h.Password != "" {
		authMethods = append(authMethods, ssh.Password(h.Password))
	}
	if len(authMethods) == 0 {
		return nil, errors.New("no auth methods provided")
	}

	addr := h.Addr
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "22")
	}
	sshConfig := &ssh.ClientConfig{
		User:            h.User,
		Auth:            authMethods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}
	client, err := ssh.Dial("tcp", addr, sshConfig)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", addr, err)
	}
	return client, nil
}

// DeployAsset uploads a tree asset into dir on the host. The file is written
// next to its destination and renamed over it, so a watching runner only
// ever sees complete assets.
func DeployAsset(h HostSpec, dir, name string, data []byte) (string, error) {
	if dir == "" {
		dir = DefaultAssetsDir
	}
	if name == "" || strings.ContainsAny(name, "/\\") {
		return "", fmt.Errorf("invalid asset name %q", name)
	}
	client, err := Dial(h)
	if err != nil {
		return "", err
	}
	defer client.Close()

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return "", fmt.Errorf("sftp client: %w", err)
	}
	defer sftpClient.Close()

	if err := sftpClient.MkdirAll(dir); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", dir, err)
	}
	dst := path.Join(dir, name+".yaml")
	tmp := path.Join(dir, fmt.Sprintf(".%s.%d.tmp", name, time.Now().UnixNano()))
	if err := writeRemoteFile(sftpClient, tmp, data, 0o644); err != nil {
		return "", err
	}
	if err := sftpClient.PosixRename(tmp, dst); err != nil {
		_ = sftpClient.Remove(tmp)
		return "", fmt.Errorf("rename %s: %w", dst, err)
	}
	slog.Info("deployed tree asset", "host", h.Addr, "path", dst, "bytes", len(data))
	return dst, nil
}

// InstallRunner uploads the runner binary, its config and a systemd unit,
// then enables the service.
func InstallRunner(h HostSpec, cfg runner.Config, runnerBinary []byte) error {
	client, err := Dial(h)
	if err != nil {
		return err
	}
	defer client.Close()

	// Install the key so later deploys work without a password.
	if len(h.PrivateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(bytes.TrimSpace(h.PrivateKey))
		if err == nil {
			pubKey := ssh.MarshalAuthorizedKey(signer.PublicKey())
			cmd := fmt.Sprintf("mkdir -p ~/.ssh && chmod 700 ~/.ssh && grep -qxF '%[1]s' ~/.ssh/authorized_keys 2>/dev/null || echo '%[1]s' >> ~/.ssh/authorized_keys; chmod 600 ~/.ssh/authorized_keys", strings.TrimSpace(string(pubKey)))
			if err := runRemote(client, cmd, "", false); err != nil {
				slog.Warn("failed to install ssh key", "host", h.Addr, "error", err)
			} else {
				slog.Info("installed ssh key", "host", h.Addr)
			}
		}
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("sftp client: %w", err)
	}
	defer sftpClient.Close()

	cfgBytes, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	type remoteFile struct {
		tmp  string
		dst  string
		mode os.FileMode
		data []byte
	}
	files := []remoteFile{
		{dst: RunnerBinaryPath, mode: 0o755, data: runnerBinary},
		{dst: RunnerConfigPath, mode: 0o644, data: cfgBytes},
		{dst: RunnerUnitPath, mode: 0o644, data: []byte(systemdUnit)},
	}

	if h.UseSudo {
		for i := range files {
			files[i].tmp = fmt.Sprintf("/tmp/btrunner-%d-%d", time.Now().UnixNano(), i)
			if err := writeRemoteFile(sftpClient, files[i].tmp, files[i].data, 0o600); err != nil {
				return err
			}
		}
	} else {
		for _, file := range files {
			if err := sftpClient.MkdirAll(path.Dir(file.dst)); err != nil {
				return fmt.Errorf("mkdir %s: %w", path.Dir(file.dst), err)
			}
			if err := writeRemoteFile(sftpClient, file.dst, file.data, file.mode); err != nil {
				return err
			}
		}
	}

	commands := []string{"set -e"}
	if h.UseSudo {
		for _, file := range files {
			mode := fmt.Sprintf("%04o", file.mode.Perm())
			commands = append(commands,
				fmt.Sprintf("install -D -m %s %s %s", mode, file.tmp, file.dst),
				fmt.Sprintf("rm -f %s", file.tmp))
		}
	}
	assetsDir := DefaultAssetsDir
	if len(cfg.Trees) > 0 {
		assetsDir = path.Dir(cfg.Trees[0].Asset)
	}
	commands = append(commands,
		fmt.Sprintf("mkdir -p %s", assetsDir),
		fmt.Sprintf("chown -R %s %s", h.User, assetsDir),
		"systemctl daemon-reload",
		"systemctl enable btrunner",
		"systemctl restart btrunner",
	)
	script := strings.Join(commands, " && ")
	if err := runRemote(client, script, h.SudoPassword, h.UseSudo); err != nil {
		return fmt.Errorf("run remote command: %w", err)
	}
	slog.Info("installed btrunner", "host", h.Addr, "runner", cfg.RunnerID)
	return nil
}

func writeRemoteFile(c *sftp.Client, path string, data []byte, perm os.FileMode) error {
	f, err := c.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("open remote file %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write remote file %s: %w", path, err)
	}
	if err := c.Chmod(path, perm); err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	return nil
}

func runRemote(client *ssh.Client, script, sudoPassword string, useSudo bool) error {
	sess, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("new session: %w", err)
	}
	defer sess.Close()
	var output bytes.Buffer
	sess.Stdout = &output
	sess.Stderr = &output
	cmd := fmt.Sprintf("bash -lc %q", script)
	if useSudo {
		if sudoPassword == "" {
			return errors.New("sudo password required")
		}
		stdin, err := sess.StdinPipe()
		if err != nil {
			return fmt.Errorf("stdin pipe: %w", err)
		}
		cmd = fmt.Sprintf("sudo -S -p '' %s", cmd)
		go func() {
			defer stdin.Close()
			_, _ = io.WriteString(stdin, sudoPassword+"\n")
		}()
	}
	if err := sess.Run(cmd); err != nil {
		return fmt.Errorf("command failed: %w (output: %s)", err, output.String())
	}
	return nil
}

const systemdUnit = `[Unit]
Description=Behavior tree runner
After=network-online.target

[Service]
ExecStart=/usr/local/bin/btrunner --config /etc/btrunner/config.yaml
Restart=always

[Install]
WantedBy=multi-user.target
`

// DetectArch returns the host architecture in GOARCH form.
func DetectArch(h HostSpec) (string, error) {
	client, err := Dial(h)
	if err != nil {
		return "", err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	out, err := session.Output("uname -m")
	if err != nil {
		return "", fmt.Errorf("uname -m: %w", err)
	}
	return normalizeArch(string(out)), nil
}

func normalizeArch(uname string) string {
	arch := strings.TrimSpace(uname)
	switch arch {
	case "x86_64":
		return "amd64"
	case "aarch64", "arm64":
		return "arm64"
	case "armv7l":
		return "arm"
	default:
		return arch
	}
}
