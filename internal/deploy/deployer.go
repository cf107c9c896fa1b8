// Package deploy implements the agent deployment pipeline (spec §4.4):
// connect over SSH, upload the agent binary and a generated config, install
// and start it as a systemd service, and wait for the agent to register
// over the WebSocket link.
//
// Grounded on original_source/backup-server-rs/src/services/agent_deployer.rs
// for source-IP detection, the TOML config shape, and the systemd unit
// template; SSH/SFTP plumbing reuses internal/ssh, built for this pipeline
// out of the teacher's connection-pool code.
package deploy

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/yourusername/backup-controller/internal/logging"
	"github.com/yourusername/backup-controller/internal/registry"
	"github.com/yourusername/backup-controller/internal/ssh"
)

// Options describes one deployment run, gathered from the CreateServer
// request (spec §6).
type Options struct {
	ServerID        string
	Host            string
	SSHPort         int
	SSHUser         string
	SSHPassword     string
	AgentBinaryPath string // local path to the compiled agent binary to upload
	AgentPort       int
	ControllerPort  int
	FallbackIP      string // config.Deploy.BackupServerIP
	KnownHostsPath  string
	TrustOnFirstUse bool
}

// Result carries the outcome of a deployment for the API response.
type Result struct {
	DetectedSourceIP string
	Registered       bool
}

const (
	remoteBinPath    = "/opt/backup-agent/backup-agent"
	remoteConfigPath = "/opt/backup-agent/config.toml"
	serviceName      = "backup-agent"
	registrationWait = 30 * time.Second
)

// agentConfig mirrors the TOML shape the agent reads on boot.
type agentConfig struct {
	Agent struct {
		ServerID string `toml:"server_id"`
	} `toml:"agent"`
	Server struct {
		Host string `toml:"host"`
		Port int    `toml:"port"`
	} `toml:"server"`
	Sync struct {
		CompressionLevel int `toml:"compression_level"`
	} `toml:"sync"`
	Log struct {
		Level string `toml:"level"`
	} `toml:"log"`
	Daemon struct {
		RestartOnFailure bool `toml:"restart_on_failure"`
	} `toml:"daemon"`
	Performance struct {
		MaxConcurrentTransfers int `toml:"max_concurrent_transfers"`
	} `toml:"performance"`
}

// Deploy runs the full install pipeline and blocks until the agent either
// registers with reg or registrationWait elapses.
func Deploy(opts Options, reg *registry.Registry) (*Result, error) {
	client, err := ssh.NewClient(&ssh.ClientConfig{
		Host:            opts.Host,
		Port:            opts.SSHPort,
		Username:        opts.SSHUser,
		Password:        opts.SSHPassword,
		KnownHostsPath:  opts.KnownHostsPath,
		TrustOnFirstUse: opts.TrustOnFirstUse,
	})
	if err != nil {
		return nil, fmt.Errorf("ssh connect: %w", err)
	}
	defer client.Close()

	sourceIP := detectSourceIP(client, opts.FallbackIP)
	logging.L().Info("deploy_source_ip_detected", "server_id", opts.ServerID, "ip", sourceIP)

	if err := uploadBinary(client, opts.AgentBinaryPath); err != nil {
		return nil, fmt.Errorf("upload agent binary: %w", err)
	}

	cfg := buildConfig(opts, sourceIP)
	if err := uploadConfig(client, cfg); err != nil {
		return nil, fmt.Errorf("upload agent config: %w", err)
	}

	if err := runInstallScript(client); err != nil {
		return nil, fmt.Errorf("install agent service: %w", err)
	}

	registered := waitForRegistration(reg, opts.ServerID, registrationWait)

	return &Result{DetectedSourceIP: sourceIP, Registered: registered}, nil
}

// buildConfig assembles the agent's TOML config. The agent dials back to
// controllerHost, the source address the controller observed over the SSH
// link during this deploy (agent_deployer.rs never trusts a configured
// hostname here, since the agent may be behind NAT relative to it).
func buildConfig(opts Options, controllerHost string) agentConfig {
	var cfg agentConfig
	cfg.Agent.ServerID = opts.ServerID
	cfg.Server.Host = controllerHost
	cfg.Server.Port = opts.ControllerPort
	cfg.Sync.CompressionLevel = 3
	cfg.Log.Level = "info"
	cfg.Daemon.RestartOnFailure = true
	cfg.Performance.MaxConcurrentTransfers = 4
	return cfg
}

func uploadBinary(client *ssh.Client, localPath string) error {
	sftpClient, err := client.NewSFTPWithOptions()
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	if err := sftpClient.MkdirAll("/opt/backup-agent"); err != nil {
		return fmt.Errorf("mkdir remote dir: %w", err)
	}

	local, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open local binary: %w", err)
	}
	defer local.Close()

	remote, err := sftpClient.Create(remoteBinPath)
	if err != nil {
		return fmt.Errorf("create remote binary: %w", err)
	}
	defer remote.Close()

	if _, err := remote.ReadFrom(local); err != nil {
		return fmt.Errorf("write remote binary: %w", err)
	}
	return nil
}

func uploadConfig(client *ssh.Client, cfg agentConfig) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal agent config: %w", err)
	}

	sftpClient, err := client.NewSFTP()
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	remote, err := sftpClient.Create(remoteConfigPath)
	if err != nil {
		return fmt.Errorf("create remote config: %w", err)
	}
	defer remote.Close()

	if _, err := remote.Write(data); err != nil {
		return fmt.Errorf("write remote config: %w", err)
	}
	return nil
}

func runInstallScript(client *ssh.Client) error {
	script := installScriptTemplate
	script = strings.ReplaceAll(script, "__AGENT_BIN_PATH__", remoteBinPath)
	script = strings.ReplaceAll(script, "__AGENT_CONFIG_PATH__", remoteConfigPath)
	script = strings.ReplaceAll(script, "__SERVICE_NAME__", serviceName)

	remoteScriptPath := "/opt/backup-agent/install.sh"
	sftpClient, err := client.NewSFTP()
	if err != nil {
		return err
	}
	remote, err := sftpClient.Create(remoteScriptPath)
	if err != nil {
		sftpClient.Close()
		return fmt.Errorf("create remote install script: %w", err)
	}
	_, werr := remote.Write([]byte(script))
	remote.Close()
	sftpClient.Close()
	if werr != nil {
		return fmt.Errorf("write remote install script: %w", werr)
	}

	out, err := client.RunCommandWithTimeout("sh "+remoteScriptPath, 60*time.Second)
	if err != nil {
		return fmt.Errorf("install script failed: %w (output: %s)", err, out)
	}
	return nil
}

func waitForRegistration(reg *registry.Registry, serverID string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if reg.IsConnected(serverID) {
			return true
		}
		time.Sleep(500 * time.Millisecond)
	}
	return reg.IsConnected(serverID)
}

var ipv4Shape = regexp.MustCompile(`^(\d{1,3}\.){3}\d{1,3}$`)

// detectSourceIP runs `echo $SSH_CONNECTION` on the remote host and takes
// the first whitespace-separated field, which sshd sets to the client's
// source address. Falls back to fallbackIP, then a non-loopback local
// interface address, then 127.0.0.1 (agent_deployer.rs's detect_source_ip).
func detectSourceIP(client *ssh.Client, fallbackIP string) string {
	out, err := client.RunCommand("echo $SSH_CONNECTION")
	if err == nil {
		fields := strings.Fields(out)
		if len(fields) > 0 && ipv4Shape.MatchString(fields[0]) {
			return fields[0]
		}
	}

	if fallbackIP != "" {
		return fallbackIP
	}

	if addr := client.GetLocalAddr(); addr != nil {
		if tcpAddr, ok := addr.(*net.TCPAddr); ok && !tcpAddr.IP.IsLoopback() {
			return tcpAddr.IP.String()
		}
	}

	return "127.0.0.1"
}
