package remote

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/g8r/g8r/pkg/engine"
)

// AuthMethod selects how the handler authenticates to a roster host.
type AuthMethod string

const (
	// AuthMethodPassword uses password and keyboard-interactive authentication.
	AuthMethodPassword AuthMethod = "password"

	// AuthMethodKey uses a private key, inline or read from a file.
	AuthMethodKey AuthMethod = "key"
)

// Config holds the SSH connection settings of one roster.
type Config struct {
	// Host is the remote hostname or IP address.
	Host string

	// Port is the SSH port (default: 22).
	Port int

	// User is the SSH username.
	User string

	AuthMethod AuthMethod

	Password string

	// PrivateKey is an inline PEM private key. It takes precedence over PrivateKeyPath.
	PrivateKey string

	PrivateKeyPath string

	PrivateKeyPassphrase string

	// HostKey pins the host key, in authorized_keys format.
	HostKey string

	// KnownHostsPath is the known_hosts file used when no host key is pinned.
	KnownHostsPath string

	// StrictHostKeyChecking rejects unknown hosts. When false and no host key
	// is pinned, any host key is accepted.
	StrictHostKeyChecking bool

	// ConnectTimeout bounds dialing and the SSH handshake.
	ConnectTimeout time.Duration
}

// DefaultConfig returns a Config with defaults for the given host and user.
func DefaultConfig(host, user string) *Config {
	return &Config{
		Host:                  host,
		Port:                  22,
		User:                  user,
		AuthMethod:            AuthMethodKey,
		KnownHostsPath:        filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts"),
		StrictHostKeyChecking: true,
		ConnectTimeout:        30 * time.Second,
	}
}

// ConfigFromRoster reads the connection settings from the roster's
// connection and auth maps:
//
//	connection: {host, port, user, host_key, known_hosts, strict_host_key_checking, connect_timeout}
//	auth:       {method, password, private_key, private_key_path, passphrase}
func ConfigFromRoster(roster *engine.Roster) (*Config, error) {
	conn := roster.Connection
	auth := roster.Auth

	host, err := stringField(conn, "host")
	if err != nil {
		return nil, rosterError(roster, err)
	}
	user, err := stringField(conn, "user")
	if err != nil {
		return nil, rosterError(roster, err)
	}

	cfg := DefaultConfig(host, user)

	if v, ok := conn["port"]; ok {
		port, err := toInt(v)
		if err != nil || port <= 0 || port > 65535 {
			return nil, rosterError(roster, fmt.Errorf("connection.port %v is not a valid port", v))
		}
		cfg.Port = port
	}
	if v, ok := conn["host_key"].(string); ok {
		cfg.HostKey = v
	}
	if v, ok := conn["known_hosts"].(string); ok {
		cfg.KnownHostsPath = v
	}
	if v, ok := conn["strict_host_key_checking"]; ok {
		b, ok := v.(bool)
		if !ok {
			return nil, rosterError(roster, fmt.Errorf("connection.strict_host_key_checking must be a boolean"))
		}
		cfg.StrictHostKeyChecking = b
	}
	if v, ok := conn["connect_timeout"].(string); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, rosterError(roster, fmt.Errorf("connection.connect_timeout: %w", err))
		}
		cfg.ConnectTimeout = d
	}

	cfg.Password, _ = auth["password"].(string)
	cfg.PrivateKey, _ = auth["private_key"].(string)
	cfg.PrivateKeyPath, _ = auth["private_key_path"].(string)
	cfg.PrivateKeyPassphrase, _ = auth["passphrase"].(string)

	switch method, _ := auth["method"].(string); method {
	case "":
		if cfg.Password != "" && cfg.PrivateKey == "" && cfg.PrivateKeyPath == "" {
			cfg.AuthMethod = AuthMethodPassword
		}
	case string(AuthMethodPassword), string(AuthMethodKey):
		cfg.AuthMethod = AuthMethod(method)
	default:
		return nil, rosterError(roster, fmt.Errorf("auth.method %q is not supported", method))
	}

	if err := cfg.Validate(); err != nil {
		return nil, rosterError(roster, err)
	}
	return cfg, nil
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.User == "" {
		return fmt.Errorf("user is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}

	switch c.AuthMethod {
	case AuthMethodPassword:
		if c.Password == "" {
			return fmt.Errorf("password is required for password authentication")
		}
	case AuthMethodKey:
		if c.PrivateKey == "" && c.PrivateKeyPath == "" {
			return fmt.Errorf("private_key or private_key_path is required for key authentication")
		}
	default:
		return fmt.Errorf("invalid auth method: %s", c.AuthMethod)
	}

	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect timeout must be positive")
	}
	return nil
}

// BuildClientConfig creates an ssh.ClientConfig from the Config.
func (c *Config) BuildClientConfig() (*ssh.ClientConfig, error) {
	var authMethods []ssh.AuthMethod

	switch c.AuthMethod {
	case AuthMethodPassword:
		authMethods = append(authMethods, ssh.Password(c.Password))
		// Many servers only prompt through keyboard-interactive.
		authMethods = append(authMethods, ssh.KeyboardInteractive(
			func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = c.Password
				}
				return answers, nil
			},
		))

	case AuthMethodKey:
		keyBytes := []byte(c.PrivateKey)
		if len(keyBytes) == 0 {
			var err error
			keyBytes, err = os.ReadFile(c.PrivateKeyPath)
			if err != nil {
				return nil, fmt.Errorf("failed to read private key: %w", err)
			}
		}

		var (
			signer ssh.Signer
			err    error
		)
		if c.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(c.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyBytes)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))

	default:
		return nil, fmt.Errorf("invalid auth method: %s", c.AuthMethod)
	}

	hostKeyCallback, err := c.hostKeyCallback()
	if err != nil {
		return nil, err
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectTimeout,
	}, nil
}

func (c *Config) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if c.HostKey != "" {
		key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(c.HostKey))
		if err != nil {
			return nil, fmt.Errorf("failed to parse host key: %w", err)
		}
		return ssh.FixedHostKey(key), nil
	}
	if c.StrictHostKeyChecking {
		cb, err := knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
		return cb, nil
	}
	return ssh.InsecureIgnoreHostKey(), nil
}

// Address returns the host:port dial address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func rosterError(roster *engine.Roster, err error) error {
	return engine.NewConfigurationError(
		fmt.Sprintf("roster %s has an invalid ssh connection", roster.Name), err,
	).WithResource(roster.Name)
}

func stringField(m map[string]interface{}, key string) (string, error) {
	v, ok := m[key]
	if !ok {
		return "", fmt.Errorf("connection.%s is required", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("connection.%s must be a non-empty string", key)
	}
	return s, nil
}

func toInt(v interface{}) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("%v is not an integer", n)
		}
		return int(n), nil
	case string:
		return strconv.Atoi(n)
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}
