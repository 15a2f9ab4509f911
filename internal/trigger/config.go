package trigger

import (
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/splax/deploygate/internal/domain"
	"github.com/splax/deploygate/internal/event"
)

// BranchFilter holds include and exclude glob lists.
type BranchFilter struct {
	Include []string `yaml:"include"`
	Exclude []string `yaml:"exclude"`
}

// Config is the trigger policy for a single source.
type Config struct {
	Enabled bool `yaml:"enabled"`
	// Events maps an event kind (pull_request, comment, review) to the actions
	// that may trigger a deployment.
	Events                map[string][]string `yaml:"events"`
	Branches              BranchFilter        `yaml:"branches"`
	CommentTriggers       []string            `yaml:"comment_triggers"`
	SkipTestsBranches     []string            `yaml:"skip_tests_branches"`
	AutoDeploy            bool                `yaml:"auto_deploy"`
	Environment           string              `yaml:"environment"`
	ProductionBranches    []string            `yaml:"production_branches"`
	ProductionEnvironment string              `yaml:"production_environment"`
}

func (c Config) actionEnabled(kind event.Kind, action string) bool {
	return slices.Contains(c.Events[string(kind)], action)
}

func (c Config) environmentFor(branch string) string {
	if branch != "" && matchesAny(c.ProductionBranches, branch) {
		return c.ProductionEnvironment
	}
	return c.Environment
}

// Policy holds the per-source trigger configuration.
type Policy struct {
	GitHub Config `yaml:"github"`
	GitLab Config `yaml:"gitlab"`
}

// For returns the configuration that applies to source.
func (p Policy) For(source domain.Source) (Config, bool) {
	switch source {
	case domain.SourceGitHub:
		return p.GitHub, true
	case domain.SourceGitLab:
		return p.GitLab, true
	default:
		return Config{}, false
	}
}

// DefaultConfig is used for any source without an explicit policy file entry.
func DefaultConfig(commentTriggers []string) Config {
	if len(commentTriggers) == 0 {
		commentTriggers = []string{"/deploy"}
	}
	return Config{
		Enabled: true,
		Events: map[string][]string{
			string(event.KindPullRequest): {"opened", "synchronize", "reopened", "ready_for_review"},
			string(event.KindComment):     {"created"},
		},
		Branches: BranchFilter{
			Include: []string{"*"},
			Exclude: []string{"dependabot/*", "renovate/*"},
		},
		CommentTriggers:       commentTriggers,
		SkipTestsBranches:     []string{"docs/*"},
		AutoDeploy:            true,
		Environment:           "preview",
		ProductionBranches:    []string{"main", "master"},
		ProductionEnvironment: "production",
	}
}

// DefaultPolicy applies DefaultConfig to both sources.
func DefaultPolicy(commentTriggers []string) Policy {
	return Policy{GitHub: DefaultConfig(commentTriggers), GitLab: DefaultConfig(commentTriggers)}
}

// LoadPolicy reads a YAML policy file. Sections omitted from the file keep the
// values from base.
func LoadPolicy(path string, base Policy) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read trigger policy: %w", err)
	}
	return ParsePolicy(data, base)
}

// ParsePolicy decodes YAML on top of base and fills empty environments.
func ParsePolicy(data []byte, base Policy) (Policy, error) {
	policy := Policy{GitHub: base.GitHub.clone(), GitLab: base.GitLab.clone()}
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return Policy{}, fmt.Errorf("parse trigger policy: %w", err)
	}
	policy.GitHub = withDefaults(policy.GitHub)
	policy.GitLab = withDefaults(policy.GitLab)
	return policy, nil
}

// clone copies the events map so decoding into the copy leaves base untouched.
func (c Config) clone() Config {
	events := make(map[string][]string, len(c.Events))
	for kind, actions := range c.Events {
		events[kind] = slices.Clone(actions)
	}
	c.Events = events
	return c
}

func withDefaults(c Config) Config {
	if c.Environment == "" {
		c.Environment = "preview"
	}
	if c.ProductionEnvironment == "" {
		c.ProductionEnvironment = "production"
	}
	if len(c.Branches.Include) == 0 {
		c.Branches.Include = []string{"*"}
	}
	return c
}
