package compose

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/compose-spec/compose-go/v2/loader"
	"github.com/compose-spec/compose-go/v2/types"
	"gopkg.in/yaml.v3"

	"github.com/artpar/keel/internal/core/domain"
)

// =============================================================================
// User Compose Files (dockercompose build pack)
// =============================================================================

// BuildService is a service of a user compose file that is built from source.
type BuildService struct {
	Service    string `json:"service"`
	Context    string `json:"context"`
	Dockerfile string `json:"dockerfile"`
	Image      string `json:"image"`
}

// DockerfilePath returns the Dockerfile location relative to the repository root.
func (b BuildService) DockerfilePath() string {
	if path.IsAbs(b.Dockerfile) {
		return b.Dockerfile
	}
	return path.Join(b.Context, b.Dockerfile)
}

// UserCompose is a user compose file rewritten for deployment.
type UserCompose struct {
	Services      []string       `json:"services"`
	BuildServices []BuildService `json:"build_services,omitempty"`
	YAML          string         `json:"yaml"`
}

// RewriteParams controls how a user compose file is rewritten.
type RewriteParams struct {
	ApplicationUUID string
	DeploymentUUID  string
	PullRequestID   int
	Network         string

	// ImageTag tags images of services built from source.
	ImageTag string

	// BuildVariables are passed to every built service, as build args or,
	// with UseSecrets, as build secrets sourced from the environment.
	BuildVariables []domain.EnvironmentVariable
	UseSecrets     bool

	// Environment is used for ${VAR} interpolation during validation.
	Environment map[string]string
}

// ParseUserCompose validates a user compose file with compose-go.
// This is a pure function - no I/O, no side effects.
func ParseUserCompose(yamlContent string, env map[string]string) (*types.Project, error) {
	if strings.TrimSpace(yamlContent) == "" {
		return nil, ErrEmptyInput
	}

	project, err := loadComposeSpec(yamlContent, env)
	if err != nil {
		return nil, err
	}
	if len(project.Services) == 0 {
		return nil, ErrNoServices
	}
	for name, svc := range project.Services {
		if svc.Image == "" && svc.Build == nil {
			return nil, NewParseError("services."+name, "service must have image or build", ErrServiceNoImage)
		}
	}
	if err := detectCircularDependencies(project.Services); err != nil {
		return nil, err
	}
	return project, nil
}

// RewriteUserCompose validates a user compose file and rewrites it so that
// every service joins the destination network, carries identity labels and
// receives build-time variables. The file is edited as a YAML tree so
// settings keel does not understand pass through untouched.
func RewriteUserCompose(yamlContent string, params RewriteParams) (*UserCompose, error) {
	project, err := ParseUserCompose(yamlContent, params.Environment)
	if err != nil {
		return nil, err
	}

	var doc map[string]any
	if err := yaml.Unmarshal([]byte(yamlContent), &doc); err != nil || doc == nil {
		return nil, NewParseError("", "invalid YAML syntax", ErrInvalidYAML)
	}
	services, _ := doc["services"].(map[string]any)

	out := &UserCompose{}
	for _, name := range sortedKeys(services) {
		out.Services = append(out.Services, name)
		svc, _ := services[name].(map[string]any)
		if svc == nil {
			svc = map[string]any{}
		}

		svc["labels"] = mergeLabelNode(svc["labels"], IdentityLabels(params.ApplicationUUID, params.PullRequestID, params.DeploymentUUID))
		svc["networks"] = addNetworkNode(svc["networks"], params.Network)
		if _, ok := svc["restart"]; !ok {
			svc["restart"] = types.RestartPolicyUnlessStopped
		}

		if cfg := project.Services[name]; cfg.Build != nil {
			bs := BuildService{
				Service:    name,
				Context:    cleanContext(cfg.Build.Context),
				Dockerfile: cfg.Build.Dockerfile,
				Image:      cfg.Image,
			}
			if bs.Dockerfile == "" {
				bs.Dockerfile = "Dockerfile"
			}
			if bs.Image == "" {
				bs.Image = fmt.Sprintf("%s_%s:%s", params.ApplicationUUID, name, params.ImageTag)
				svc["image"] = bs.Image
			}
			svc["build"] = buildNode(svc["build"], params)
			out.BuildServices = append(out.BuildServices, bs)
		}
		services[name] = svc
	}

	networks, _ := doc["networks"].(map[string]any)
	if networks == nil {
		networks = map[string]any{}
	}
	networks[params.Network] = map[string]any{"name": params.Network, "external": true}
	doc["networks"] = networks

	if params.UseSecrets && len(out.BuildServices) > 0 && len(params.BuildVariables) > 0 {
		secrets, _ := doc["secrets"].(map[string]any)
		if secrets == nil {
			secrets = map[string]any{}
		}
		for _, v := range params.BuildVariables {
			secrets[v.Key] = map[string]any{"environment": v.Key}
		}
		doc["secrets"] = secrets
	}

	rendered, err := marshalTree(doc)
	if err != nil {
		return nil, err
	}
	out.YAML = rendered
	return out, nil
}

// loadComposeSpec loads a compose spec using compose-go
func loadComposeSpec(yamlContent string, env map[string]string) (*types.Project, error) {
	var dict map[string]interface{}
	if err := yaml.Unmarshal([]byte(yamlContent), &dict); err != nil {
		return nil, NewParseError("", "invalid YAML syntax", ErrInvalidYAML)
	}
	if dict == nil {
		return nil, NewParseError("", "invalid YAML syntax", ErrInvalidYAML)
	}

	project, err := loader.LoadWithContext(context.Background(), types.ConfigDetails{
		ConfigFiles: []types.ConfigFile{
			{
				Content: []byte(yamlContent),
				Config:  dict,
			},
		},
		Environment: types.Mapping(env),
	}, func(opts *loader.Options) {
		opts.SetProjectName("keel-validate", false)
		opts.SkipValidation = false
		opts.SkipInterpolation = false
		// Don't resolve paths since we're in-memory
		opts.SkipNormalization = true
		opts.SkipExtends = true
	})
	if err != nil {
		errStr := err.Error()
		if strings.Contains(errStr, "dependency cycle detected") {
			return nil, NewParseError("", "circular dependency detected", ErrCircularDependency)
		}
		if strings.Contains(errStr, "image") && strings.Contains(errStr, "build") {
			return nil, NewParseError("", "service must have image or build", ErrServiceNoImage)
		}
		return nil, NewParseError("", errStr, ErrInvalidYAML)
	}

	return project, nil
}

// detectCircularDependencies detects circular dependencies in service dependencies
func detectCircularDependencies(services types.Services) error {
	deps := make(map[string][]string)
	for name, svc := range services {
		for dep := range svc.DependsOn {
			deps[name] = append(deps[name], dep)
		}
	}

	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	var hasCycle func(node string) bool
	hasCycle = func(node string) bool {
		visited[node] = true
		recStack[node] = true

		for _, dep := range deps[node] {
			if dep == node {
				return true
			}
			if !visited[dep] {
				if hasCycle(dep) {
					return true
				}
			} else if recStack[dep] {
				return true
			}
		}

		recStack[node] = false
		return false
	}

	for _, name := range sortedServiceNames(services) {
		if !visited[name] && hasCycle(name) {
			return ErrCircularDependency
		}
	}
	return nil
}

// =============================================================================
// YAML tree helpers
// =============================================================================

// mergeLabelNode merges labels into a labels node given in map or list form.
// The result is always a map; the merged labels win.
func mergeLabelNode(node any, labels map[string]string) map[string]any {
	out := map[string]any{}
	switch v := node.(type) {
	case map[string]any:
		for k, val := range v {
			out[k] = val
		}
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				k, val, _ := strings.Cut(s, "=")
				out[k] = val
			}
		}
	}
	for k, val := range labels {
		out[k] = val
	}
	return out
}

// addNetworkNode attaches a network to a networks node in map or list form.
func addNetworkNode(node any, network string) any {
	switch v := node.(type) {
	case map[string]any:
		if _, ok := v[network]; !ok {
			v[network] = nil
		}
		return v
	case []any:
		for _, item := range v {
			if item == network {
				return v
			}
		}
		return append(v, network)
	default:
		return []any{network}
	}
}

// buildNode adds build args or build secrets to a build node given as a
// context string or a map.
func buildNode(node any, params RewriteParams) map[string]any {
	build := map[string]any{}
	switch v := node.(type) {
	case string:
		build["context"] = v
	case map[string]any:
		build = v
	}
	if len(params.BuildVariables) == 0 {
		return build
	}

	if params.UseSecrets {
		var secrets []any
		if existing, ok := build["secrets"].([]any); ok {
			secrets = existing
		}
		for _, v := range params.BuildVariables {
			secrets = append(secrets, v.Key)
		}
		build["secrets"] = secrets
		return build
	}

	args := map[string]any{}
	switch v := build["args"].(type) {
	case map[string]any:
		args = v
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				k, val, _ := strings.Cut(s, "=")
				args[k] = val
			}
		}
	}
	for _, v := range params.BuildVariables {
		args[v.Key] = v.Value
	}
	build["args"] = args
	return build
}

func marshalTree(doc map[string]any) (string, error) {
	var b strings.Builder
	enc := yaml.NewEncoder(&b)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return "", NewParseError("", err.Error(), ErrInvalidYAML)
	}
	if err := enc.Close(); err != nil {
		return "", NewParseError("", err.Error(), ErrInvalidYAML)
	}
	return b.String(), nil
}

func cleanContext(ctx string) string {
	if ctx == "" {
		return "."
	}
	return path.Clean(ctx)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedServiceNames(services types.Services) []string {
	names := make([]string, 0, len(services))
	for name := range services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// =============================================================================
// Variable Extraction
// =============================================================================

// variablePlaceholderRegex matches ${VAR_NAME} or ${VAR_NAME:-default}
var variablePlaceholderRegex = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-[^}]*)?\}`)

// ExtractVariablesFromYAML extracts environment variable placeholders from raw YAML content.
// This extracts variable names before compose-go interpolates them.
// Returns unique variable names without the ${} wrapper.
func ExtractVariablesFromYAML(yamlContent string) []string {
	seen := make(map[string]bool)
	var vars []string

	matches := variablePlaceholderRegex.FindAllStringSubmatch(yamlContent, -1)
	for _, match := range matches {
		if len(match) >= 2 {
			varName := match[1]
			if !seen[varName] {
				seen[varName] = true
				vars = append(vars, varName)
			}
		}
	}

	return vars
}

// MissingVariables returns placeholders with no value in env, excluding
// those with a ${VAR:-default} fallback.
func MissingVariables(yamlContent string, env map[string]string) []string {
	withDefault := make(map[string]bool)
	for _, m := range variablePlaceholderRegex.FindAllStringSubmatch(yamlContent, -1) {
		if strings.Contains(m[0], ":-") {
			withDefault[m[1]] = true
		}
	}
	var missing []string
	for _, name := range ExtractVariablesFromYAML(yamlContent) {
		if _, ok := env[name]; !ok && !withDefault[name] {
			missing = append(missing, name)
		}
	}
	return missing
}
