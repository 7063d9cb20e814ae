package traefik

import (
	"fmt"
	"strings"
)

// LabelPrefix is the key prefix of every generated label.
const LabelPrefix = "traefik."

// =============================================================================
// Traefik Label Generation Functions
// =============================================================================

// RouterName returns the router/service name of an application deployment:
// the application uuid, suffixed with "-pr-<id>" for pull requests.
func RouterName(applicationUUID string, pullRequestID int) string {
	if pullRequestID != 0 {
		return fmt.Sprintf("%s-pr-%d", applicationUUID, pullRequestID)
	}
	return applicationUUID
}

// GenerateLabels generates Traefik reverse proxy labels for an application.
// It returns nil when there is nothing to route.
//
// Example (HTTP only):
//
//	labels := GenerateLabels(LabelParams{
//	    ApplicationUUID: "abc123",
//	    Hostnames:       []string{"myapp.example.com"},
//	    Port:            80,
//	})
//	// Returns:
//	// {
//	//   "traefik.enable": "true",
//	//   "traefik.http.routers.abc123.rule": "Host(`myapp.example.com`)",
//	//   "traefik.http.routers.abc123.entrypoints": "web",
//	//   "traefik.http.routers.abc123.service": "abc123",
//	//   "traefik.http.services.abc123.loadbalancer.server.port": "80",
//	// }
func GenerateLabels(params LabelParams) map[string]string {
	if len(params.Hostnames) == 0 || params.Port <= 0 {
		return nil
	}

	name := RouterName(params.ApplicationUUID, params.PullRequestID)
	rule := hostRule(params.Hostnames)

	labels := map[string]string{
		"traefik.enable": "true",

		fmt.Sprintf("traefik.http.routers.%s.rule", name):        rule,
		fmt.Sprintf("traefik.http.routers.%s.entrypoints", name): "web",
		fmt.Sprintf("traefik.http.routers.%s.service", name):     name,

		fmt.Sprintf("traefik.http.services.%s.loadbalancer.server.port", name): fmt.Sprintf("%d", params.Port),
	}

	if params.Network != "" {
		labels["traefik.docker.network"] = params.Network
	}

	if params.EnableTLS {
		secureName := name + "-secure"
		labels[fmt.Sprintf("traefik.http.routers.%s.rule", secureName)] = rule
		labels[fmt.Sprintf("traefik.http.routers.%s.entrypoints", secureName)] = "websecure"
		labels[fmt.Sprintf("traefik.http.routers.%s.service", secureName)] = name
		labels[fmt.Sprintf("traefik.http.routers.%s.tls", secureName)] = "true"
		labels[fmt.Sprintf("traefik.http.routers.%s.tls.certresolver", secureName)] = "letsencrypt"
	}

	return labels
}

// IsProxyLabel reports whether a label key belongs to the proxy.
func IsProxyLabel(key string) bool {
	return strings.HasPrefix(key, LabelPrefix)
}

func hostRule(hosts []string) string {
	parts := make([]string, len(hosts))
	for i, h := range hosts {
		parts[i] = fmt.Sprintf("Host(`%s`)", h)
	}
	return strings.Join(parts, " || ")
}
