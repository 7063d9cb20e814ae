package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestServer_Validate(t *testing.T) {
	valid := func() *Server {
		s := &Server{Name: "builder-1", IP: "10.0.0.5"}
		s.ApplyDefaults()
		return s
	}

	tests := []struct {
		name   string
		modify func(*Server)
		err    error
	}{
		{"valid", func(s *Server) {}, nil},
		{"hostname", func(s *Server) { s.IP = "docker-1.internal.example.com" }, nil},
		{"localhost", func(s *Server) { s.IP = "localhost" }, nil},
		{"missing name", func(s *Server) { s.Name = "" }, ErrServerNameRequired},
		{"missing host", func(s *Server) { s.IP = "" }, ErrServerHostRequired},
		{"bad host", func(s *Server) { s.IP = "not a host!" }, ErrServerHostInvalid},
		{"bad port", func(s *Server) { s.Port = 70000 }, ErrServerPortInvalid},
		{"no builds", func(s *Server) { s.ConcurrentBuilds = -1 }, ErrConcurrentBuilds},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid()
			tt.modify(s)
			assert.Equal(t, tt.err, s.Validate())
		})
	}
}

func TestServer_Defaults(t *testing.T) {
	s := &Server{}
	s.ApplyDefaults()

	assert.Equal(t, 22, s.Port)
	assert.Equal(t, "root", s.User)
	assert.Equal(t, DefaultConcurrentBuilds, s.ConcurrentBuilds)
	assert.Equal(t, time.Hour, s.CommandTimeout())
	assert.False(t, s.IsFunctional())

	s.IsReachable, s.IsUsable = true, true
	assert.True(t, s.IsFunctional())
}

func TestDestination_NetworkFor(t *testing.T) {
	d := &Destination{ServerID: 1, Network: "keel", Kind: DestinationStandalone}

	assert.NoError(t, d.Validate())
	assert.Equal(t, "keel", d.NetworkFor(0))
	assert.Equal(t, "keel-42", d.NetworkFor(42))
	assert.False(t, d.IsSwarm())

	d.Kind = "kubernetes"
	assert.Equal(t, ErrInvalidDestination, d.Validate())
}
