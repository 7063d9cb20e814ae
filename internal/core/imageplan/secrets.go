package imageplan

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/artpar/keel/internal/core/command"
	"github.com/artpar/keel/internal/core/domain"
)

// SecretsHashName is the build argument (or secret id) carrying the cache
// busting hash of all build-time values.
const SecretsHashName = "COOLIFY_BUILD_SECRETS_HASH"

// SecretPlan is the build-time variable material of one build.
type SecretPlan struct {
	// UseSecrets is true when values are passed as BuildKit secret mounts.
	UseSecrets bool `json:"use_secrets"`

	// Keys lists every variable name, sorted, including SecretsHashName.
	Keys []string `json:"keys"`

	// BuildArgs holds "--build-arg K=V" flags (traditional mode only).
	BuildArgs []string `json:"build_args,omitempty"`

	// SecretFlags holds "--secret id=K,env=K" flags (secrets mode only).
	SecretFlags []string `json:"secret_flags,omitempty"`

	// Env holds quoted "K=V" assignments that must prefix the docker build
	// invocation in secrets mode so the env= sources resolve.
	Env []string `json:"-"`

	// Hash is the HMAC-SHA256 of the sorted values, hex encoded.
	Hash string `json:"hash"`
}

// Flags returns the flags to append to a docker build command.
func (p SecretPlan) Flags() []string {
	if p.UseSecrets {
		return p.SecretFlags
	}
	return p.BuildArgs
}

// Empty reports whether there are no build-time variables.
func (p SecretPlan) Empty() bool {
	return len(p.Keys) == 0
}

// PlanSecrets turns build-time variables into either secret mounts or build
// arguments, plus the cache busting hash.
func PlanSecrets(vars []domain.EnvironmentVariable, useSecrets bool, key []byte) SecretPlan {
	plan := SecretPlan{UseSecrets: useSecrets}
	if len(vars) == 0 {
		return plan
	}

	sorted := make([]domain.EnvironmentVariable, len(vars))
	copy(sorted, vars)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })

	plan.Hash = SecretsHash(sorted, key)
	all := append(sorted, domain.EnvironmentVariable{Key: SecretsHashName, Value: plan.Hash})

	for _, v := range all {
		plan.Keys = append(plan.Keys, v.Key)
		if useSecrets {
			plan.SecretFlags = append(plan.SecretFlags, "--secret", fmt.Sprintf("id=%s,env=%s", v.Key, v.Key))
			plan.Env = append(plan.Env, command.Quote(v.Key+"="+v.Value))
		} else {
			plan.BuildArgs = append(plan.BuildArgs, "--build-arg", command.Quote(v.Key+"="+v.Value))
		}
	}
	sort.Strings(plan.Keys)
	return plan
}

// BuildArgFlags renders the build argument flags as a single string,
// e.g. "--build-arg API_KEY=x --build-arg COOLIFY_BUILD_SECRETS_HASH=...".
func (p SecretPlan) BuildArgFlags() string {
	return strings.Join(p.BuildArgs, " ")
}

// SecretsHash computes HMAC-SHA256 over the "key=value" pairs sorted by key
// and joined by "|".
func SecretsHash(vars []domain.EnvironmentVariable, key []byte) string {
	pairs := make([]string, 0, len(vars))
	for _, v := range vars {
		pairs = append(pairs, v.Key+"="+v.Value)
	}
	sort.Strings(pairs)

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(strings.Join(pairs, "|")))
	return hex.EncodeToString(mac.Sum(nil))
}

// HashKey returns the HMAC key for a deployment. With no configured secret
// the key is random, so every deployment busts the layer cache. With a
// configured secret the key is derived per application and stays stable
// across deployments.
func HashKey(configured, applicationUUID string) ([]byte, error) {
	if configured == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating secrets hash key: %w", err)
		}
		return key, nil
	}
	mac := hmac.New(sha256.New, []byte(configured))
	mac.Write([]byte(applicationUUID))
	return mac.Sum(nil), nil
}
