package domain

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"
)

var hostnamePattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$`)

// =============================================================================
// Server Errors
// =============================================================================

var (
	ErrServerNameRequired   = errors.New("server name is required")
	ErrServerHostRequired   = errors.New("server IP or hostname is required")
	ErrServerHostInvalid    = errors.New("server host must be a valid hostname or IP address")
	ErrServerPortInvalid    = errors.New("server SSH port must be between 1 and 65535")
	ErrServerUserRequired   = errors.New("server SSH user is required")
	ErrConcurrentBuilds     = errors.New("concurrent builds must be at least 1")
	ErrServerNotFunctional  = errors.New("server is not reachable or not usable")
	ErrDestinationNetwork   = errors.New("destination network is required")
	ErrInvalidDestination   = errors.New("invalid destination kind")
	ErrDestinationServerReq = errors.New("destination server is required")
)

const (
	// DefaultConcurrentBuilds is used when a server does not declare a ceiling.
	DefaultConcurrentBuilds = 2

	// DefaultDynamicTimeout is the default per-command timeout in seconds.
	DefaultDynamicTimeout = 3600
)

// =============================================================================
// Server
// =============================================================================

// Server is a Docker host reachable over SSH (or the local host).
type Server struct {
	ID   int64  `json:"id"`
	UUID string `json:"uuid"`
	Name string `json:"name"`

	IP   string `json:"ip"`
	Port int    `json:"port"`
	User string `json:"user"`

	// PrivateKeyEncrypted is the AES-GCM encrypted SSH private key.
	PrivateKeyEncrypted []byte `json:"-"`

	// ConcurrentBuilds is the maximum number of IN_PROGRESS entries on this server.
	ConcurrentBuilds int `json:"concurrent_builds"`

	// DynamicTimeout is the per-command timeout in seconds.
	DynamicTimeout int `json:"dynamic_timeout"`

	IsReachable    bool `json:"is_reachable"`
	IsUsable       bool `json:"is_usable"`
	IsSwarmManager bool `json:"is_swarm_manager"`

	LastCheckedAt *time.Time `json:"last_checked_at,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ApplyDefaults fills unset settings with their defaults.
func (s *Server) ApplyDefaults() {
	if s.Port == 0 {
		s.Port = 22
	}
	if s.User == "" {
		s.User = "root"
	}
	if s.ConcurrentBuilds == 0 {
		s.ConcurrentBuilds = DefaultConcurrentBuilds
	}
	if s.DynamicTimeout == 0 {
		s.DynamicTimeout = DefaultDynamicTimeout
	}
}

// Validate checks the server declaration.
func (s *Server) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return ErrServerNameRequired
	}
	if s.IP == "" {
		return ErrServerHostRequired
	}
	if !s.IsLocal() && net.ParseIP(s.IP) == nil && !hostnamePattern.MatchString(s.IP) {
		return ErrServerHostInvalid
	}
	if s.Port < 1 || s.Port > 65535 {
		return ErrServerPortInvalid
	}
	if s.User == "" {
		return ErrServerUserRequired
	}
	if s.ConcurrentBuilds < 1 {
		return ErrConcurrentBuilds
	}
	return nil
}

// IsLocal reports whether commands run on the control plane host itself.
func (s *Server) IsLocal() bool {
	switch s.IP {
	case "localhost", "127.0.0.1", "::1", "host.docker.internal":
		return true
	}
	return false
}

// IsFunctional reports whether the server may receive deployments.
func (s *Server) IsFunctional() bool {
	return s.IsReachable && s.IsUsable
}

// CommandTimeout returns the per-command timeout.
func (s *Server) CommandTimeout() time.Duration {
	if s.DynamicTimeout <= 0 {
		return DefaultDynamicTimeout * time.Second
	}
	return time.Duration(s.DynamicTimeout) * time.Second
}

// Address returns host:port for SSH.
func (s *Server) Address() string {
	return net.JoinHostPort(s.IP, fmt.Sprintf("%d", s.Port))
}

// =============================================================================
// Destination
// =============================================================================

// DestinationKind distinguishes plain Docker networks from Swarm targets.
type DestinationKind string

const (
	DestinationStandalone DestinationKind = "standalone"
	DestinationSwarm      DestinationKind = "swarm"
)

// Destination is a logical Docker network on a server.
type Destination struct {
	ID       int64           `json:"id"`
	UUID     string          `json:"uuid"`
	Name     string          `json:"name"`
	ServerID int64           `json:"server_id"`
	Network  string          `json:"network"`
	Kind     DestinationKind `json:"kind"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the destination declaration.
func (d *Destination) Validate() error {
	if d.ServerID == 0 {
		return ErrDestinationServerReq
	}
	if strings.TrimSpace(d.Network) == "" {
		return ErrDestinationNetwork
	}
	switch d.Kind {
	case DestinationStandalone, DestinationSwarm:
		return nil
	default:
		return ErrInvalidDestination
	}
}

// IsSwarm reports whether deployments go through docker stack deploy.
func (d *Destination) IsSwarm() bool {
	return d.Kind == DestinationSwarm
}

// NetworkFor returns the network a deployment attaches to. Pull request
// deployments get their own network so they can coexist with production.
func (d *Destination) NetworkFor(pullRequestID int) string {
	if pullRequestID != 0 {
		return fmt.Sprintf("%s-%d", d.Network, pullRequestID)
	}
	return d.Network
}
