package compose

import (
	"fmt"
	"strings"

	"github.com/artpar/keel/internal/core/command"
	"github.com/artpar/keel/internal/core/domain"
)

// HealthCheckURL returns the URL probed inside the container.
func HealthCheckURL(app *domain.Application) string {
	hc := app.HealthCheck
	p := hc.Path
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return fmt.Sprintf("%s://%s:%s%s", hc.Scheme, hc.Host, app.HealthCheckPort(), p)
}

// HealthCheckCommand returns the CMD-SHELL probe: curl, falling back to wget
// for images without curl.
func HealthCheckCommand(app *domain.Application) string {
	url := HealthCheckURL(app)
	method := strings.ToUpper(app.HealthCheck.Method)
	if method == "" {
		method = "GET"
	}

	curl := fmt.Sprintf("curl -s -X %s -f %s > /dev/null", method, url)
	wget := fmt.Sprintf("wget -q -O- %s > /dev/null", url)
	if text := app.HealthCheck.ResponseText; text != "" {
		curl = fmt.Sprintf("curl -s -X %s -f %s | grep -q %s", method, url, command.Quote(text))
		wget = fmt.Sprintf("wget -q -O- %s | grep -q %s", url, command.Quote(text))
	}
	return fmt.Sprintf("%s || %s || exit 1", curl, wget)
}
