package strategy

// CacheState is what the pipeline knows about previous builds before any
// destructive step runs.
type CacheState struct {
	// ImageExists is true when the production image for the commit is
	// present locally or pullable from the registry.
	ImageExists bool

	// ConfigHash is the hash of the application as it is now; LastConfigHash
	// is the hash recorded by the last successful deployment.
	ConfigHash     string
	LastConfigHash string

	ForceRebuild bool

	// PullRequest is true for preview deployments. Their images are tagged
	// pr-<id>, so an existing image never identifies the commit.
	PullRequest bool
}

// ConfigChanged reports whether the configuration differs from the last
// successful deployment. An application never deployed counts as changed.
func (c CacheState) ConfigChanged() bool {
	return c.LastConfigHash == "" || c.ConfigHash != c.LastConfigHash
}

// ShouldSkipBuild reports whether the build can be skipped because the
// image of the exact commit exists and nothing else changed.
func ShouldSkipBuild(s Strategy, c CacheState) bool {
	switch Base(s).(type) {
	case DockerImage, DockerCompose:
		// Nothing to cache: images are pulled, or built by compose itself.
		return false
	}
	return c.Reusable()
}

// Reusable reports whether the existing image can serve this deployment.
func (c CacheState) Reusable() bool {
	return !c.ForceRebuild && !c.PullRequest && c.ImageExists && !c.ConfigChanged()
}

// Resolve turns a RestartOnly strategy into its fallback when the existing
// image cannot be reused. Other strategies are returned unchanged.
func Resolve(s Strategy, c CacheState) Strategy {
	r, ok := s.(RestartOnly)
	if !ok {
		return s
	}
	if !c.PullRequest && c.ImageExists && !c.ConfigChanged() {
		return r
	}
	return r.Fallback
}
