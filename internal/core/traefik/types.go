package traefik

// =============================================================================
// Traefik Label Generation Types
// =============================================================================

// LabelParams contains parameters for generating Traefik labels.
type LabelParams struct {
	// ApplicationUUID identifies the routed application.
	ApplicationUUID string

	// PullRequestID is non-zero for preview deployments, which get their
	// own router so they never shadow production routes.
	PullRequestID int

	// Hostnames are the domains routed to the container.
	Hostnames []string

	// Port is the container port to route traffic to.
	Port int

	// Network pins Traefik to the destination network when the container
	// is attached to more than one.
	Network string

	// EnableTLS enables HTTPS routing with TLS termination.
	EnableTLS bool
}
