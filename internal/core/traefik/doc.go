// Package traefik provides pure functions for generating Traefik reverse proxy labels.
//
// This package contains the functional core logic for generating Docker container
// labels that configure Traefik routing. All functions are pure (no I/O, no side
// effects).
//
// # Functions
//
//   - GenerateLabels: Generate Traefik labels for HTTP/HTTPS routing
//   - RouterName: Router and service name of a production or preview deployment
//   - IsProxyLabel: Whether a label key is owned by the proxy
//
// # Usage
//
// The compose synthesizer merges these labels last, after user labels, so a
// custom label can never silently replace a routing rule:
//
//	labels := traefik.GenerateLabels(traefik.LabelParams{
//	    ApplicationUUID: app.UUID,
//	    PullRequestID:   pr,
//	    Hostnames:       app.Domains(),
//	    Port:            3000,
//	    Network:         "keel",
//	    EnableTLS:       true,
//	})
package traefik
