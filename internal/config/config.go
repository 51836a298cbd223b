// Package config loads and validates the cadence.toml configuration:
// engine settings, persona definitions, and track layouts. Invalid
// entries fail at load time, not mid-tick.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/franklinbaldo/cadence/internal/util"
)

// Automation modes for persona sessions.
const (
	ModeAutoCreatePR = "auto_create_pr"
	ModeAutoCommit   = "auto_commit"
)

// Duration wraps time.Duration so TOML values can be written as "30m".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Settings holds engine-wide tunables.
type Settings struct {
	// StateDir is where per-track state records, locks, and the audit log
	// live. Defaults to .cadence relative to the config file.
	StateDir string `toml:"state_dir"`

	// RepoDir is the git clone the engine runs git and gh in. Defaults to
	// the config file's directory.
	RepoDir string `toml:"repo_dir"`

	// BaseBranch is the default base for integration branches.
	BaseBranch string `toml:"base_branch"`

	// StalenessThreshold is how long a non-terminal session may go without
	// progress before it is considered stuck and nudged.
	StalenessThreshold Duration `toml:"staleness_threshold"`

	// MaxNudges is how many automatic nudges a session gets before the
	// track escalates instead.
	MaxNudges int `toml:"max_nudges"`

	// TickTimeout is the wall-clock budget for one track's tick.
	TickTimeout Duration `toml:"tick_timeout"`

	// MaxConcurrentTracks bounds the worker pool for tick --all.
	MaxConcurrentTracks int `toml:"max_concurrent_tracks"`
}

// Agent configures the agent-execution service client.
type Agent struct {
	// BaseURL is the service endpoint, e.g. "https://agents.example.com/v1".
	BaseURL string `toml:"base_url"`

	// TokenEnv names the environment variable holding the API key.
	TokenEnv string `toml:"token_env"`

	// Owner and Repo identify the repository sessions operate on.
	Owner string `toml:"owner"`
	Repo  string `toml:"repo"`

	// RequestTimeout bounds each individual API call.
	RequestTimeout Duration `toml:"request_timeout"`
}

// Persona is a validated, read-only persona definition.
type Persona struct {
	ID string `toml:"id"`

	// IntegrationTargetBranch optionally overrides the branch this
	// persona's PRs merge into. Empty means the track's integration branch.
	IntegrationTargetBranch string `toml:"integration_target_branch"`

	// AutomationMode is auto_create_pr (session ends in a reviewable PR)
	// or auto_commit (session commits directly; no PR expected).
	AutomationMode string `toml:"automation_mode"`

	// RequiresPlanApproval makes the engine approve plans automatically
	// when the session parks in AWAITING_PLAN_APPROVAL.
	RequiresPlanApproval bool `toml:"requires_plan_approval"`

	// Prompt is the session prompt, inline. PromptFile loads it from a
	// file relative to the config directory; exactly one must be set.
	Prompt     string `toml:"prompt"`
	PromptFile string `toml:"prompt_file"`
}

// Track is a named, ordered, immutable list of persona IDs.
type Track struct {
	Name     string   `toml:"name"`
	Personas []string `toml:"personas"`

	// IntegrationBranch defaults to integration/<name>. Several tracks
	// may share one branch; merges then serialize on a branch lock.
	IntegrationBranch string `toml:"integration_branch"`

	// BaseBranch defaults to settings.base_branch.
	BaseBranch string `toml:"base_branch"`
}

// Config is the root of cadence.toml.
type Config struct {
	Settings Settings  `toml:"settings"`
	Agent    Agent     `toml:"agent"`
	Personas []Persona `toml:"persona"`
	Tracks   []Track   `toml:"track"`

	// dir is the config file's directory, for resolving relative paths.
	dir string
}

// Defaults applied when cadence.toml omits a setting.
const (
	DefaultBaseBranch          = "main"
	DefaultStalenessThreshold  = 30 * time.Minute
	DefaultMaxNudges           = 2
	DefaultTickTimeout         = 5 * time.Minute
	DefaultMaxConcurrentTracks = 4
	DefaultRequestTimeout      = 30 * time.Second
)

// Load reads, defaults, and validates the config at path.
func Load(path string) (*Config, error) {
	path = util.ExpandHome(path)
	var cfg Config
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("parsing %s: unknown key %q", path, undecoded[0].String())
	}

	cfg.dir = filepath.Dir(path)
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Settings.StateDir == "" {
		c.Settings.StateDir = filepath.Join(c.dir, ".cadence")
	} else {
		c.Settings.StateDir = util.ExpandHome(c.Settings.StateDir)
		if !filepath.IsAbs(c.Settings.StateDir) {
			c.Settings.StateDir = filepath.Join(c.dir, c.Settings.StateDir)
		}
	}
	if c.Settings.RepoDir == "" {
		c.Settings.RepoDir = c.dir
	} else {
		c.Settings.RepoDir = util.ExpandHome(c.Settings.RepoDir)
		if !filepath.IsAbs(c.Settings.RepoDir) {
			c.Settings.RepoDir = filepath.Join(c.dir, c.Settings.RepoDir)
		}
	}
	if c.Settings.BaseBranch == "" {
		c.Settings.BaseBranch = DefaultBaseBranch
	}
	if c.Settings.StalenessThreshold == 0 {
		c.Settings.StalenessThreshold = Duration(DefaultStalenessThreshold)
	}
	if c.Settings.MaxNudges == 0 {
		c.Settings.MaxNudges = DefaultMaxNudges
	}
	if c.Settings.TickTimeout == 0 {
		c.Settings.TickTimeout = Duration(DefaultTickTimeout)
	}
	if c.Settings.MaxConcurrentTracks == 0 {
		c.Settings.MaxConcurrentTracks = DefaultMaxConcurrentTracks
	}
	if c.Agent.RequestTimeout == 0 {
		c.Agent.RequestTimeout = Duration(DefaultRequestTimeout)
	}

	for i := range c.Personas {
		if c.Personas[i].AutomationMode == "" {
			c.Personas[i].AutomationMode = ModeAutoCreatePR
		}
	}
	for i := range c.Tracks {
		if c.Tracks[i].IntegrationBranch == "" {
			c.Tracks[i].IntegrationBranch = "integration/" + c.Tracks[i].Name
		}
		if c.Tracks[i].BaseBranch == "" {
			c.Tracks[i].BaseBranch = c.Settings.BaseBranch
		}
	}
}

func (c *Config) validate() error {
	if len(c.Tracks) == 0 {
		return fmt.Errorf("no tracks configured")
	}

	personas := make(map[string]bool, len(c.Personas))
	for _, p := range c.Personas {
		if p.ID == "" {
			return fmt.Errorf("persona with empty id")
		}
		if personas[p.ID] {
			return fmt.Errorf("duplicate persona %q", p.ID)
		}
		personas[p.ID] = true

		switch p.AutomationMode {
		case ModeAutoCreatePR, ModeAutoCommit:
		default:
			return fmt.Errorf("persona %q: invalid automation_mode %q", p.ID, p.AutomationMode)
		}
		if p.Prompt == "" && p.PromptFile == "" {
			return fmt.Errorf("persona %q: one of prompt or prompt_file is required", p.ID)
		}
		if p.Prompt != "" && p.PromptFile != "" {
			return fmt.Errorf("persona %q: prompt and prompt_file are mutually exclusive", p.ID)
		}
	}

	tracks := make(map[string]bool, len(c.Tracks))
	for _, t := range c.Tracks {
		if t.Name == "" {
			return fmt.Errorf("track with empty name")
		}
		if tracks[t.Name] {
			return fmt.Errorf("duplicate track %q", t.Name)
		}
		tracks[t.Name] = true

		if len(t.Personas) == 0 {
			return fmt.Errorf("track %q: no personas", t.Name)
		}
		for _, id := range t.Personas {
			if !personas[id] {
				return fmt.Errorf("track %q: unknown persona %q", t.Name, id)
			}
		}
	}

	return nil
}

// PersonaByID returns the persona definition for id.
func (c *Config) PersonaByID(id string) (*Persona, error) {
	for i := range c.Personas {
		if c.Personas[i].ID == id {
			return &c.Personas[i], nil
		}
	}
	return nil, fmt.Errorf("unknown persona %q", id)
}

// TrackByName returns the track definition for name.
func (c *Config) TrackByName(name string) (*Track, error) {
	for i := range c.Tracks {
		if c.Tracks[i].Name == name {
			return &c.Tracks[i], nil
		}
	}
	return nil, fmt.Errorf("unknown track %q", name)
}

// LoadPrompt returns the persona's prompt text, reading prompt_file
// relative to the config directory when set.
func (c *Config) LoadPrompt(p *Persona) (string, error) {
	if p.Prompt != "" {
		return p.Prompt, nil
	}
	path := p.PromptFile
	if !filepath.IsAbs(path) {
		path = filepath.Join(c.dir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading prompt for persona %q: %w", p.ID, err)
	}
	return string(data), nil
}

// Token resolves the agent API key from the configured environment variable.
func (a *Agent) Token() string {
	if a.TokenEnv == "" {
		return ""
	}
	return os.Getenv(a.TokenEnv)
}
