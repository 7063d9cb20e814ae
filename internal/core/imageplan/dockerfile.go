package imageplan

import (
	"fmt"
	"regexp"
	"strings"
)

// SyntaxDirective enables RUN --mount on older builders.
const SyntaxDirective = "# syntax=docker/dockerfile:1"

var (
	fromPattern = regexp.MustCompile(`(?i)^\s*FROM\s`)
	argPattern  = regexp.MustCompile(`(?i)^\s*ARG\s+([A-Za-z_][A-Za-z0-9_]*)`)
	runPattern  = regexp.MustCompile(`(?i)^(\s*)RUN\s+`)
)

// InjectDockerfileArgs declares every key as ARG right after each FROM,
// skipping stages that already declare it. With useSecrets it also mounts
// every key as a secret on each RUN instruction that has no secret mount
// yet, and prepends the BuildKit syntax directive when missing.
func InjectDockerfileArgs(dockerfile string, keys []string, useSecrets bool) string {
	if len(keys) == 0 {
		return dockerfile
	}

	lines := strings.Split(dockerfile, "\n")
	stages := splitStages(lines)

	var out []string
	if useSecrets && !hasSyntaxDirective(lines) {
		out = append(out, SyntaxDirective)
	}

	mounts := secretMounts(keys)
	for _, st := range stages {
		declared := declaredArgs(st.lines)
		for i, line := range st.lines {
			if useSecrets && st.from >= 0 && i > 0 {
				line = mountSecrets(line, mounts)
			}
			out = append(out, line)
			if i == 0 && st.from >= 0 {
				for _, k := range keys {
					if !declared[k] {
						out = append(out, "ARG "+k)
					}
				}
			}
		}
	}
	return strings.Join(out, "\n")
}

// stage is a run of lines starting at a FROM instruction. The preamble
// before the first FROM is a stage with from == -1.
type stage struct {
	from  int
	lines []string
}

func splitStages(lines []string) []stage {
	var stages []stage
	cur := stage{from: -1}
	for i, line := range lines {
		if fromPattern.MatchString(line) {
			if len(cur.lines) > 0 || cur.from >= 0 {
				stages = append(stages, cur)
			}
			cur = stage{from: i}
		}
		cur.lines = append(cur.lines, line)
	}
	return append(stages, cur)
}

func declaredArgs(lines []string) map[string]bool {
	declared := make(map[string]bool)
	for _, line := range lines {
		if m := argPattern.FindStringSubmatch(line); m != nil {
			declared[m[1]] = true
		}
	}
	return declared
}

func hasSyntaxDirective(lines []string) bool {
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if !strings.HasPrefix(trimmed, "#") {
			return false
		}
		if strings.HasPrefix(strings.ToLower(strings.ReplaceAll(trimmed, " ", "")), "#syntax=") {
			return true
		}
	}
	return false
}

func secretMounts(keys []string) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("--mount=type=secret,id=%s,env=%s", k, k)
	}
	return strings.Join(parts, " ")
}

func mountSecrets(line, mounts string) string {
	loc := runPattern.FindStringSubmatchIndex(line)
	if loc == nil || strings.Contains(line, "--mount=type=secret") {
		return line
	}
	indent := line[loc[2]:loc[3]]
	return indent + "RUN " + mounts + " " + line[loc[1]:]
}
