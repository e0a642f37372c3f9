package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store resolves launcher properties from configuration files, -D defines,
// and built-in defaults. It is populated once during startup and read-only
// afterward.
type Store struct {
	v *viper.Viper
}

// New returns a Store carrying only the built-in defaults.
func New() *Store {
	v := viper.New()
	setDefaults(v)
	return &Store{v: v}
}

// setDefaults defines the baseline value for every consumed property.
func setDefaults(v *viper.Viper) {
	v.SetDefault("webtunnel.connectTimeout", 30)
	v.SetDefault("webtunnel.remoteTimeout", 300)
	v.SetDefault("webtunnel.localTimeout", 7200)
	v.SetDefault("tls.acceptUnknownCertificate", true)
	v.SetDefault("tls.ciphers", "")
	v.SetDefault("tls.extendedCertificateVerification", false)
	v.SetDefault("tls.caLocation", "")
	v.SetDefault("http.proxy.enable", false)
	v.SetDefault("http.proxy.host", "")
	v.SetDefault("http.proxy.port", 80)
	v.SetDefault("http.proxy.username", "")
	v.SetDefault("http.proxy.password", "")
	v.SetDefault("ssh.executable", "")
}

// LoadDefaultFiles merges configuration from the default locations when
// present: $HOME/.config/wtssh/wtssh.yaml, then ./wtssh.yaml. A missing
// file is not an error.
func (s *Store) LoadDefaultFiles() error {
	var paths []string
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "wtssh", "wtssh.yaml"))
	}
	paths = append(paths, "wtssh.yaml")

	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := s.LoadFile(p); err != nil {
			return err
		}
	}
	return nil
}

// LoadFile merges one configuration file into the store. Later files win
// over earlier ones for keys they both define.
func (s *Store) LoadFile(path string) error {
	s.v.SetConfigFile(path)
	if err := s.v.MergeInConfig(); err != nil {
		return fmt.Errorf("loading config %s: %w", path, err)
	}
	return nil
}

// Define sets a single property from a -D name=value argument, overriding
// any value loaded from a file. A definition without '=' sets the property
// to the empty string.
func (s *Store) Define(def string) {
	name, value, found := strings.Cut(def, "=")
	if !found {
		value = ""
	}
	s.v.Set(name, value)
}

// ConnectTimeout bounds the relay WebSocket handshake.
func (s *Store) ConnectTimeout() time.Duration {
	return time.Duration(s.v.GetInt("webtunnel.connectTimeout")) * time.Second
}

// RemoteTimeout is the idle limit on the relay side of a tunnel link.
func (s *Store) RemoteTimeout() time.Duration {
	return time.Duration(s.v.GetInt("webtunnel.remoteTimeout")) * time.Second
}

// LocalTimeout is the idle limit on the local side of a tunnel link.
func (s *Store) LocalTimeout() time.Duration {
	return time.Duration(s.v.GetInt("webtunnel.localTimeout")) * time.Second
}

func (s *Store) AcceptUnknownCertificate() bool {
	return s.v.GetBool("tls.acceptUnknownCertificate")
}

func (s *Store) Ciphers() string {
	return s.v.GetString("tls.ciphers")
}

func (s *Store) ExtendedCertificateVerification() bool {
	return s.v.GetBool("tls.extendedCertificateVerification")
}

func (s *Store) CALocation() string {
	return s.v.GetString("tls.caLocation")
}

func (s *Store) ProxyEnabled() bool {
	return s.v.GetBool("http.proxy.enable")
}

func (s *Store) ProxyHost() string {
	return s.v.GetString("http.proxy.host")
}

func (s *Store) ProxyPort() int {
	return s.v.GetInt("http.proxy.port")
}

func (s *Store) ProxyUsername() string {
	return s.v.GetString("http.proxy.username")
}

func (s *Store) ProxyPassword() string {
	return s.v.GetString("http.proxy.password")
}

// SSHExecutable returns the configured client program, or "" when the
// configuration does not name one.
func (s *Store) SSHExecutable() string {
	return s.v.GetString("ssh.executable")
}
