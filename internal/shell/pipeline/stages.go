package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/artpar/keel/internal/core/command"
	"github.com/artpar/keel/internal/core/compose"
	"github.com/artpar/keel/internal/core/domain"
	"github.com/artpar/keel/internal/core/imageplan"
	"github.com/artpar/keel/internal/core/plan"
	"github.com/artpar/keel/internal/core/strategy"
	"github.com/artpar/keel/internal/shell/remote"
)

// dockerSocket is mounted into the helper container so builds reach the
// host daemon.
const dockerSocket = "/var/run/docker.sock"

// defaultStaticImage serves static sites when the application names none.
const defaultStaticImage = "nginx:alpine"

const (
	auditComposeFile = "keel-compose.yaml"
	auditEnvFile     = "keel.env"
)

// deployment is the mutable state of one run. The BuildPlan itself is
// threaded through the stages by value.
type deployment struct {
	entry    domain.QueueEntry
	app      *domain.Application
	server   *domain.Server
	dest     *domain.Destination
	ex       remote.Executor
	strategy strategy.Strategy
	steps    []strategy.Step
	initial  plan.BuildPlan
	helper   string
	log      *deploymentLog
	logger   *slog.Logger

	// skipBuild is set when the image of the commit can be reused.
	skipBuild bool
	// pushed is set once the registry holds the new production image.
	pushed bool
	// started is set once the new version was asked to start.
	started bool
	// userCompose is the rewritten compose file of a dockercompose run.
	userCompose *compose.UserCompose
}

// sourceDir is the directory the build runs in, inside the helper.
func (d *deployment) sourceDir(p plan.BuildPlan) string {
	if d.app.Source.GitRepository == "" {
		return p.WorkDir
	}
	return path.Join(p.WorkDir, d.app.Source.BaseDirectory)
}

// =============================================================================
// Prepare
// =============================================================================

// prepare starts the helper container and makes sure the network and
// configuration directory exist.
func (r *Runner) prepare(ctx context.Context, d *deployment, p plan.BuildPlan) (plan.BuildPlan, error) {
	create := "docker network create --attachable"
	if p.Swarm {
		create = "docker network create --driver overlay --attachable"
	}
	network := command.Quote(p.Network)

	_, err := r.run(ctx, d,
		command.New("docker", "rm", "-f", d.helper).Hide().IgnoringErrors(),
		command.Shell(fmt.Sprintf("docker network inspect %s >/dev/null 2>&1 || %s %s", network, create, network)).Hide(),
		command.New("docker", "run", "-d", "--rm", "--network", p.Network, "--name", d.helper,
			"-v", dockerSocket+":"+dockerSocket, r.config.HelperImage).Hide(),
		command.New("mkdir", "-p", p.WorkDir).InHelperContainer().Hide(),
		command.New("mkdir", "-p", p.ConfigDir).Hide(),
	)
	if err != nil {
		return p, fmt.Errorf("start helper container: %w", err)
	}
	return p, nil
}

// resolve pins the commit and decides whether the build can be skipped.
// It fixes the steps the run executes.
func (r *Runner) resolve(ctx context.Context, d *deployment, p plan.BuildPlan) (plan.BuildPlan, error) {
	p, err := r.resolveCommit(ctx, d, p)
	if err != nil {
		return p, err
	}

	exists, err := r.imageExists(ctx, d, p)
	if err != nil {
		return p, fmt.Errorf("check image cache: %w", err)
	}
	cache := strategy.CacheState{
		ImageExists:    exists,
		ConfigHash:     p.ConfigHash,
		LastConfigHash: d.app.ConfigHash,
		ForceRebuild:   d.entry.ForceRebuild,
		PullRequest:    p.IsPullRequest(),
	}

	resolved := strategy.Resolve(d.strategy, cache)
	if _, ok := d.strategy.(strategy.RestartOnly); ok {
		if _, still := resolved.(strategy.RestartOnly); still {
			d.log.Info(fmt.Sprintf("Restarting with existing image %s.", p.Images.Production))
		} else {
			d.log.Info("Existing image cannot be reused, building instead.")
		}
	}
	d.strategy = resolved
	d.steps = strategy.Steps(resolved)

	if strategy.ShouldSkipBuild(resolved, cache) {
		d.skipBuild = true
		d.log.Info(fmt.Sprintf("Image %s found and configuration unchanged, skipping build.", p.Images.Production))
		var steps []strategy.Step
		for _, s := range d.steps {
			switch s {
			case strategy.StepClone, strategy.StepBuild, strategy.StepPush:
				continue
			}
			steps = append(steps, s)
		}
		d.steps = steps
	}
	return p, nil
}

// imageExists looks for the production image on the server first, then in
// the registry the application pushes to.
func (r *Runner) imageExists(ctx context.Context, d *deployment, p plan.BuildPlan) (bool, error) {
	saved, err := r.run(ctx, d,
		command.New("docker", "images", "-q", p.Images.Production).Hide().IgnoringErrors().Saving("image"))
	if err != nil || saved["image"] != "" {
		return saved["image"] != "", err
	}
	if !d.app.UsesRegistry() || p.IsPullRequest() {
		return false, nil
	}
	saved, err = r.run(ctx, d,
		command.New("docker", "manifest", "inspect", p.Images.Production).Hide().IgnoringErrors().Saving("manifest"))
	if err != nil {
		return false, err
	}
	return saved["manifest"] != "", nil
}

// resolveCommit replaces HEAD with the commit the branch points to, so the
// image tag names an exact revision.
func (r *Runner) resolveCommit(ctx context.Context, d *deployment, p plan.BuildPlan) (plan.BuildPlan, error) {
	repo := d.app.Source.GitRepository
	if repo == "" || (p.Commit != "" && p.Commit != "HEAD") {
		return p, nil
	}
	branch := d.app.Source.GitBranch
	if branch == "" {
		branch = "main"
	}

	saved, err := r.run(ctx, d,
		command.New("git", "ls-remote", repo, "refs/heads/"+branch).InHelperContainer().Hide().Saving("commit"))
	if err != nil {
		return p, fmt.Errorf("resolve %s: %w", branch, err)
	}
	fields := strings.Fields(saved["commit"])
	if len(fields) == 0 {
		return p, fmt.Errorf("branch %s not found in %s", branch, repo)
	}
	d.log.Info(fmt.Sprintf("Resolved %s to commit %s.", branch, fields[0]))
	return p.WithCommit(d.app, fields[0]), nil
}

// =============================================================================
// Source
// =============================================================================

// clone checks out the commit, or the pull request head, into the work dir.
func (r *Runner) clone(ctx context.Context, d *deployment, p plan.BuildPlan) (plan.BuildPlan, error) {
	src := d.app.Source
	d.log.Info(fmt.Sprintf("Cloning %s into %s.", src.GitRepository, p.WorkDir))

	in := func(args ...string) command.Command {
		return command.Shell(command.And("cd "+command.Quote(p.WorkDir), command.Join(args...))).InHelperContainer()
	}

	batch := command.Batch{}
	if src.GitBranch != "" {
		batch = append(batch, command.New("git", "clone", "-b", src.GitBranch, src.GitRepository, p.WorkDir).InHelperContainer())
	} else {
		batch = append(batch, command.New("git", "clone", src.GitRepository, p.WorkDir).InHelperContainer())
	}
	if p.IsPullRequest() {
		ref := fmt.Sprintf("pr-%d", p.PullRequestID)
		batch = append(batch,
			in("git", "fetch", "origin", fmt.Sprintf("pull/%d/head:%s", p.PullRequestID, ref)),
			in("git", "checkout", ref))
	} else if p.Commit != "" && p.Commit != "HEAD" {
		batch = append(batch, in("git", "-c", "advice.detachedHead=false", "checkout", p.Commit))
	}
	batch = append(batch, in("git", "submodule", "update", "--init", "--recursive").IgnoringErrors())

	if _, err := r.run(ctx, d, batch...); err != nil {
		return p, fmt.Errorf("clone repository: %w", err)
	}
	return p, nil
}

// pull fetches the image of a dockerimage application.
func (r *Runner) pull(ctx context.Context, d *deployment, p plan.BuildPlan) (plan.BuildPlan, error) {
	d.log.Info(fmt.Sprintf("Pulling image %s.", p.Images.Production))
	if _, err := r.run(ctx, d, command.New("docker", "pull", p.Images.Production)); err != nil {
		return p, fmt.Errorf("pull image: %w", err)
	}
	return p, nil
}

// =============================================================================
// Generate
// =============================================================================

// generate plans the build secrets, prepares the Dockerfile and writes the
// compose file and .env on the server.
func (r *Runner) generate(ctx context.Context, d *deployment, p plan.BuildPlan) (plan.BuildPlan, error) {
	var err error
	if !d.skipBuild && builds(d.steps) {
		if p, err = r.planSecrets(ctx, d, p); err != nil {
			return p, err
		}
	}

	switch base := strategy.Base(d.strategy).(type) {
	case strategy.DockerCompose:
		if p, err = r.generateUserCompose(ctx, d, p, base); err != nil {
			return p, err
		}
	default:
		if !d.skipBuild && builds(d.steps) {
			if p, err = r.generateDockerfile(ctx, d, p, base); err != nil {
				return p, err
			}
		}
		rendered, err := compose.Render(d.app, p)
		if err != nil {
			return p, fmt.Errorf("generate compose file: %w", err)
		}
		p = p.WithCompose(rendered)
	}

	env := compose.RenderEnvFile(p.RuntimeVariables)
	_, err = r.run(ctx, d,
		writeFile(p.ComposePath(), p.Compose),
		writeFile(p.EnvPath(), env),
		// Copies in the build workdir; they go away with the helper.
		writeFile(path.Join(p.WorkDir, auditComposeFile), p.Compose).InHelperContainer(),
		writeFile(path.Join(p.WorkDir, auditEnvFile), env).InHelperContainer(),
	)
	if err != nil {
		return p, fmt.Errorf("write compose file: %w", err)
	}
	d.log.Info(fmt.Sprintf("Generated %s.", p.ComposePath()))
	return p, nil
}

// planSecrets probes BuildKit and plans how build-time variables reach the build.
func (r *Runner) planSecrets(ctx context.Context, d *deployment, p plan.BuildPlan) (plan.BuildPlan, error) {
	var probe imageplan.BuildKitProbe
	if d.app.Build.UseBuildSecrets {
		saved, err := r.run(ctx, d,
			imageplan.VersionProbe().Saving("server_version"),
			imageplan.BuilderProbe().Saving("builder_help"))
		probe = imageplan.BuildKitProbe{ServerVersion: saved["server_version"], BuilderHelp: saved["builder_help"], Err: err}
	}
	bk, reason := imageplan.DetectBuildKit(d.app.Build.UseBuildSecrets, probe)
	if d.app.Build.UseBuildSecrets && !bk {
		d.log.Info(fmt.Sprintf("Build secrets unavailable (%s), passing build-time variables as build arguments.", reason))
	}

	key, err := imageplan.HashKey(r.config.SecretsHashKey, d.app.UUID)
	if err != nil {
		return p, err
	}
	return p.WithSecrets(bk, imageplan.PlanSecrets(p.BuildVariables, bk, key)), nil
}

// generateDockerfile produces the Dockerfile of the build and declares the
// build-time variables in it.
func (r *Runner) generateDockerfile(ctx context.Context, d *deployment, p plan.BuildPlan, base strategy.Strategy) (plan.BuildPlan, error) {
	dir := d.sourceDir(p)
	var text string
	switch b := base.(type) {
	case strategy.DockerfileInline:
		text = d.app.Source.Dockerfile
	case strategy.Dockerfile:
		saved, err := r.run(ctx, d, command.New("cat", dockerfilePath(dir, b.Path)).InHelperContainer().Hide().Saving("dockerfile"))
		if err != nil {
			return p, fmt.Errorf("read Dockerfile: %w", err)
		}
		text = saved["dockerfile"]
	case strategy.Nixpacks, strategy.Static:
		saved, err := r.run(ctx, d,
			nixpacksPlan(d.app, dir, p.BuildVariables).InHelperContainer(),
			command.New("cat", path.Join(dir, ".nixpacks", "Dockerfile")).InHelperContainer().Hide().Saving("dockerfile"))
		if err != nil {
			return p, fmt.Errorf("generate Dockerfile with nixpacks: %w", err)
		}
		text = saved["dockerfile"]
	default:
		panic(fmt.Sprintf("pipeline: unhandled strategy %T", base))
	}

	text = imageplan.InjectDockerfileArgs(text, p.Secrets.Keys, p.BuildKit)
	if _, err := r.run(ctx, d, writeFile(r.dockerfileFor(d, p, base), text).InHelperContainer()); err != nil {
		return p, fmt.Errorf("write Dockerfile: %w", err)
	}
	return p.WithDockerfile(text), nil
}

// generateUserCompose rewrites the user's compose file for this deployment.
func (r *Runner) generateUserCompose(ctx context.Context, d *deployment, p plan.BuildPlan, base strategy.DockerCompose) (plan.BuildPlan, error) {
	raw := d.app.Source.DockerComposeRaw
	if !base.Inline {
		location := base.Location
		if location == "" {
			location = "docker-compose.yaml"
		}
		saved, err := r.run(ctx, d,
			command.New("cat", path.Join(d.sourceDir(p), location)).InHelperContainer().Hide().Saving("compose"))
		if err != nil {
			return p, fmt.Errorf("read compose file: %w", err)
		}
		raw = saved["compose"]
	}

	env := make(map[string]string)
	for _, v := range p.RuntimeVariables {
		env[v.Key] = v.Value
	}
	for _, v := range p.BuildVariables {
		env[v.Key] = v.Value
	}
	if missing := compose.MissingVariables(raw, env); len(missing) > 0 {
		d.log.Info(fmt.Sprintf("Compose file references undefined variables: %s.", strings.Join(missing, ", ")))
	}

	uc, err := compose.RewriteUserCompose(raw, compose.RewriteParams{
		ApplicationUUID: d.app.UUID,
		DeploymentUUID:  p.DeploymentUUID,
		PullRequestID:   p.PullRequestID,
		Network:         p.Network,
		ImageTag:        imageplan.Tag(p.Commit),
		BuildVariables:  p.BuildVariables,
		UseSecrets:      p.BuildKit,
		Environment:     env,
	})
	if err != nil {
		return p, fmt.Errorf("parse compose file: %w", err)
	}
	d.userCompose = uc

	// Built services get the variable declarations too. Dockerfiles that
	// cannot be read are built as they are.
	if !base.Inline && len(p.Secrets.Keys) > 0 {
		for _, bs := range uc.BuildServices {
			file := path.Join(d.sourceDir(p), bs.DockerfilePath())
			saved, _ := r.run(ctx, d, command.New("cat", file).InHelperContainer().Hide().IgnoringErrors().Saving("dockerfile"))
			if saved["dockerfile"] == "" {
				continue
			}
			text := imageplan.InjectDockerfileArgs(saved["dockerfile"], p.Secrets.Keys, p.BuildKit)
			if _, err := r.run(ctx, d, writeFile(file, text).InHelperContainer()); err != nil {
				return p, fmt.Errorf("write Dockerfile of %s: %w", bs.Service, err)
			}
		}
	}

	if _, err := r.run(ctx, d, writeFile(userComposePath(d, p), uc.YAML).InHelperContainer()); err != nil {
		return p, fmt.Errorf("write compose file: %w", err)
	}
	return p.WithCompose(uc.YAML), nil
}

// =============================================================================
// Build
// =============================================================================

// build produces the production image of the commit.
func (r *Runner) build(ctx context.Context, d *deployment, p plan.BuildPlan) (plan.BuildPlan, error) {
	dir := d.sourceDir(p)
	switch base := strategy.Base(d.strategy).(type) {
	case strategy.DockerCompose:
		var services []string
		if d.userCompose != nil {
			for _, bs := range d.userCompose.BuildServices {
				services = append(services, bs.Service)
			}
		}
		if len(services) == 0 {
			d.log.Info("No compose service is built from source.")
			return p, nil
		}
		d.log.Info(fmt.Sprintf("Building compose services: %s.", strings.Join(services, ", ")))
		script := command.Join("docker", "compose", "--project-name", p.ProjectName(d.app),
			"--project-directory", dir, "-f", userComposePath(d, p), "build")
		cmd := command.Shell(script).InHelperContainer()
		if p.BuildKit && len(p.Secrets.Env) > 0 {
			cmd = command.Shell(strings.Join(p.Secrets.Env, " ") + " " + script).InHelperContainer().Hide()
		}
		if _, err := r.run(ctx, d, cmd); err != nil {
			return p, fmt.Errorf("build compose services: %w", err)
		}
		return p, nil

	case strategy.DockerfileInline, strategy.Dockerfile, strategy.Nixpacks, strategy.Static:
		d.log.Info(fmt.Sprintf("Building image %s.", p.Images.Build))
		if _, err := r.run(ctx, d, r.dockerBuild(d, p, r.dockerfileFor(d, p, base), dir, p.Images.Build)); err != nil {
			return p, fmt.Errorf("build image: %w", err)
		}
		if !p.Images.TwoStage() {
			return p, nil
		}
		return p, r.buildProduction(ctx, d, p, base)

	default:
		panic(fmt.Sprintf("pipeline: unhandled strategy %T", base))
	}
}

// buildProduction turns the build image of a two-stage build into the
// production image: static sites are copied into a web server image,
// everything else is retagged.
func (r *Runner) buildProduction(ctx context.Context, d *deployment, p plan.BuildPlan, base strategy.Strategy) error {
	publish, serverImage := "", ""
	switch b := base.(type) {
	case strategy.Static:
		publish, serverImage = b.PublishDirectory, b.ServerImage
	default:
		if !d.app.Build.IsStatic {
			_, err := r.run(ctx, d, command.New("docker", "tag", p.Images.Build, p.Images.Production))
			if err != nil {
				return fmt.Errorf("tag production image: %w", err)
			}
			return nil
		}
		publish, serverImage = d.app.Build.PublishDirectory, d.app.Build.StaticImage
	}
	if serverImage == "" {
		serverImage = defaultStaticImage
	}

	d.log.Info(fmt.Sprintf("Building static image %s from %s.", p.Images.Production, serverImage))
	dockerfile := staticDockerfile(serverImage, p.Images.Build, publish)
	file := path.Join(p.WorkDir, "Dockerfile-keel-static")
	_, err := r.run(ctx, d,
		writeFile(file, dockerfile).InHelperContainer(),
		command.New("docker", "build", "-f", file, "-t", p.Images.Production, p.WorkDir).InHelperContainer(),
	)
	if err != nil {
		return fmt.Errorf("build static image: %w", err)
	}
	return nil
}

// dockerBuild renders the docker build invocation. Build-time values are
// part of the line, so it is hidden from the default log view.
func (r *Runner) dockerBuild(d *deployment, p plan.BuildPlan, dockerfile, buildContext, tag string) command.Command {
	var parts []string
	if p.BuildKit {
		parts = append(parts, "DOCKER_BUILDKIT=1")
		parts = append(parts, p.Secrets.Env...)
	}
	parts = append(parts, "docker", "build")
	if d.app.Build.DisableBuildCache {
		parts = append(parts, "--no-cache")
	}
	if d.app.Build.IncludeSourceCommit {
		parts = append(parts, "--build-arg", command.Quote("SOURCE_COMMIT="+p.Commit))
	}
	parts = append(parts, "-f", command.Quote(dockerfile), "-t", command.Quote(tag))
	parts = append(parts, p.Secrets.Flags()...)
	parts = append(parts, command.Quote(buildContext))

	cmd := command.Shell(strings.Join(parts, " ")).InHelperContainer()
	if !p.Secrets.Empty() {
		cmd = cmd.Hide()
	}
	return cmd
}

// =============================================================================
// Push
// =============================================================================

// push publishes the production image. Non pull request deployments also
// move the latest tag.
func (r *Runner) push(ctx context.Context, d *deployment, p plan.BuildPlan) (plan.BuildPlan, error) {
	if !d.app.UsesRegistry() {
		return p, nil
	}

	d.log.Info(fmt.Sprintf("Pushing image %s.", p.Images.Production))
	if _, err := r.run(ctx, d, command.New("docker", "push", p.Images.Production).InHelperContainer()); err != nil {
		return p, fmt.Errorf("push image: %w", err)
	}
	d.pushed = true

	latest := d.app.Image.RegistryImageName + ":latest"
	if p.IsPullRequest() || latest == p.Images.Production {
		return p, nil
	}
	_, err := r.run(ctx, d,
		command.New("docker", "tag", p.Images.Production, latest).InHelperContainer(),
		command.New("docker", "push", latest).InHelperContainer())
	if err != nil {
		return p, fmt.Errorf("push latest tag: %w", err)
	}
	return p, nil
}

// =============================================================================
// Helpers
// =============================================================================

// builds reports whether steps contain a build.
func builds(steps []strategy.Step) bool {
	for _, s := range steps {
		if s == strategy.StepBuild {
			return true
		}
	}
	return false
}

// writeFile writes content to a file through stdin, so the content never
// appears in the command line.
func writeFile(file, content string) command.Command {
	return command.Shell("cat > " + command.Quote(file)).WithStdin([]byte(content)).Hide()
}

// dockerfileFor is where the Dockerfile of the build is written.
func (r *Runner) dockerfileFor(d *deployment, p plan.BuildPlan, base strategy.Strategy) string {
	dir := d.sourceDir(p)
	switch b := base.(type) {
	case strategy.Dockerfile:
		return dockerfilePath(dir, b.Path)
	case strategy.Nixpacks, strategy.Static:
		return path.Join(dir, ".nixpacks", "Dockerfile")
	default:
		return path.Join(p.WorkDir, "Dockerfile")
	}
}

func dockerfilePath(dir, location string) string {
	if location == "" {
		location = "Dockerfile"
	}
	return path.Join(dir, location)
}

// userComposePath is the rewritten compose file inside the checkout, next to
// the build contexts it references.
func userComposePath(d *deployment, p plan.BuildPlan) string {
	return path.Join(d.sourceDir(p), ".keel-compose.yaml")
}

// nixpacksPlan generates the Dockerfile of a nixpacks build without building it.
func nixpacksPlan(app *domain.Application, dir string, vars []domain.EnvironmentVariable) command.Command {
	args := []string{"nixpacks", "build", dir, "--out", dir}
	if app.Build.InstallCommand != "" {
		args = append(args, "--install-cmd", app.Build.InstallCommand)
	}
	if app.Build.BuildCommand != "" {
		args = append(args, "--build-cmd", app.Build.BuildCommand)
	}
	if app.Build.StartCommand != "" {
		args = append(args, "--start-cmd", app.Build.StartCommand)
	}
	for _, v := range vars {
		args = append(args, "--env", v.Key+"="+v.Value)
	}
	cmd := command.New(args...)
	if len(vars) > 0 {
		cmd = cmd.Hide()
	}
	return cmd
}

// staticDockerfile copies the published directory of a build image into a
// web server image.
func staticDockerfile(serverImage, buildImage, publishDir string) string {
	src := path.Join("/app", publishDir)
	return strings.Join([]string{
		"FROM " + serverImage,
		"WORKDIR /usr/share/nginx/html/",
		"COPY --from=" + buildImage + " " + src + "/ .",
		"EXPOSE 80",
		"",
	}, "\n")
}
