package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full service configuration.
type Config struct {
	Postgres      PostgresConfig      `yaml:"postgres"`
	NATS          NATSConfig          `yaml:"nats"`
	HTTP          HTTPConfig          `yaml:"http"`
	Observability ObservabilityConfig `yaml:"observability"`
	Engine        EngineConfig        `yaml:"engine"`
	Communities   []CommunityConfig   `yaml:"communities"`
}

// PostgresConfig holds Postgres configuration.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// NATSConfig holds NATS configuration.
type NATSConfig struct {
	URL string `yaml:"url"`
}

// HTTPConfig holds the operator API listen address.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// ObservabilityConfig holds configuration for observability components.
type ObservabilityConfig struct {
	Environment string `yaml:"environment"`
	LogFormat   string `yaml:"log_format"` // text|json
}

// EngineConfig holds the engine-wide tunables. Defaults are applied by
// applyDefaults and documented on each field.
type EngineConfig struct {
	// MaxRetries is the recalculation retry ceiling. Once a tournament's
	// retry count reaches it, the record is no longer claimed until an
	// operator resets it. Default 3.
	MaxRetries int `yaml:"max_retries"`
	// WorkerIdleDelay is how long the recalc worker sleeps when the queue is
	// empty. Default 500ms.
	WorkerIdleDelay time.Duration `yaml:"worker_idle_delay"`
	// WorkerErrorDelay is how long the recalc worker backs off after a store
	// error. Default 5s.
	WorkerErrorDelay time.Duration `yaml:"worker_error_delay"`
	// LeagueHierarchy orders leagues from most to least severe. The first
	// entry is the "top league" for Champion rules and queue priority.
	LeagueHierarchy []string `yaml:"league_hierarchy"`
	// FoldShunnedInRanking folds the shunned set into ranking exclusions.
	// Default false: only banned and suspicious identities lose positions.
	FoldShunnedInRanking bool `yaml:"fold_shunned_in_ranking"`
	// StatsWindow limits aggregated stats to tournaments at most this old.
	// Zero means unbounded.
	StatsWindow time.Duration `yaml:"stats_window"`
	// ApplyConcurrency bounds concurrent external-system writes during a
	// refresh. Default 4.
	ApplyConcurrency int `yaml:"apply_concurrency"`
	// ApplyRatePerSecond caps external-system writes per second across all
	// apply workers. Default 10.
	ApplyRatePerSecond float64 `yaml:"apply_rate_per_second"`
	// StabilizationDelay is the default wait between observing external role
	// drift and correcting it. Default 2s. Communities may override it.
	StabilizationDelay time.Duration `yaml:"stabilization_delay"`
	// LogBatchSize batches per-community change log lines. Default 10.
	LogBatchSize int `yaml:"log_batch_size"`
}

// RuleMethod selects how a role rule matches aggregated stats.
type RuleMethod string

const (
	MethodChampion  RuleMethod = "Champion"
	MethodPlacement RuleMethod = "Placement"
	MethodWave      RuleMethod = "Wave"
)

// RoleRuleConfig is one role rule in a community's ordered rule list.
type RoleRuleConfig struct {
	RoleID    string     `yaml:"role_id"`
	Name      string     `yaml:"name"`
	Method    RuleMethod `yaml:"method"`
	Threshold int        `yaml:"threshold"`
	// League scopes Placement and Wave rules. Placement rules named "Top..."
	// bind to the top league of the hierarchy and may omit it.
	League string `yaml:"league,omitempty"`
}

// CommunityConfig is the typed per-community configuration.
type CommunityConfig struct {
	ID     string `yaml:"id"`
	Paused bool   `yaml:"paused"`
	DryRun bool   `yaml:"dry_run"`
	// EligibilityRoleID gates corrections and role assignment: accounts
	// without this role are expected to hold no managed role. Empty disables
	// the gate.
	EligibilityRoleID string `yaml:"eligibility_role_id,omitempty"`
	// StabilizationDelay overrides Engine.StabilizationDelay when non-zero.
	StabilizationDelay time.Duration    `yaml:"stabilization_delay,omitempty"`
	Roles              []RoleRuleConfig `yaml:"roles"`
}

// ManagedRoleIDs returns the set of role IDs this engine controls for the
// community, i.e. every rule's role.
func (c CommunityConfig) ManagedRoleIDs() map[string]struct{} {
	out := make(map[string]struct{}, len(c.Roles))
	for _, r := range c.Roles {
		out[r.RoleID] = struct{}{}
	}
	return out
}

// LoadConfig loads the configuration from a YAML file, falling back to
// environment variables when the file is missing. Environment variables
// override file values either way.
func LoadConfig(filename string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(filename)
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("ENV"); v != "" {
		cfg.Observability.Environment = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}
	if v := os.Getenv("RECALC_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.MaxRetries = n
		}
	}
	if v := os.Getenv("STABILIZATION_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Engine.StabilizationDelay = d
		}
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8090"
	}
	if c.Observability.LogFormat == "" {
		c.Observability.LogFormat = "text"
	}
	if c.Engine.MaxRetries == 0 {
		c.Engine.MaxRetries = 3
	}
	if c.Engine.WorkerIdleDelay == 0 {
		c.Engine.WorkerIdleDelay = 500 * time.Millisecond
	}
	if c.Engine.WorkerErrorDelay == 0 {
		c.Engine.WorkerErrorDelay = 5 * time.Second
	}
	if len(c.Engine.LeagueHierarchy) == 0 {
		c.Engine.LeagueHierarchy = []string{"Legend", "Champion", "Platinum", "Gold", "Silver", "Copper"}
	}
	if c.Engine.ApplyConcurrency == 0 {
		c.Engine.ApplyConcurrency = 4
	}
	if c.Engine.ApplyRatePerSecond == 0 {
		c.Engine.ApplyRatePerSecond = 10
	}
	if c.Engine.StabilizationDelay == 0 {
		c.Engine.StabilizationDelay = 2 * time.Second
	}
	if c.Engine.LogBatchSize == 0 {
		c.Engine.LogBatchSize = 10
	}
}

// Validate checks the configuration for internal consistency. It is called
// by LoadConfig and directly by tests.
func (c *Config) Validate() error {
	if c.Postgres.DSN == "" {
		return fmt.Errorf("postgres.dsn (or DATABASE_URL) is required")
	}
	if c.NATS.URL == "" {
		return fmt.Errorf("nats.url (or NATS_URL) is required")
	}
	if c.Engine.MaxRetries < 1 {
		return fmt.Errorf("engine.max_retries must be at least 1, got %d", c.Engine.MaxRetries)
	}

	seen := make(map[string]struct{}, len(c.Communities))
	for i, community := range c.Communities {
		if community.ID == "" {
			return fmt.Errorf("communities[%d]: id is required", i)
		}
		if _, dup := seen[community.ID]; dup {
			return fmt.Errorf("communities[%d]: duplicate community id %q", i, community.ID)
		}
		seen[community.ID] = struct{}{}

		if err := c.validateRules(community); err != nil {
			return fmt.Errorf("community %q: %w", community.ID, err)
		}
	}
	return nil
}

func (c *Config) validateRules(community CommunityConfig) error {
	leagues := make(map[string]struct{}, len(c.Engine.LeagueHierarchy))
	for _, l := range c.Engine.LeagueHierarchy {
		leagues[l] = struct{}{}
	}

	roleIDs := make(map[string]struct{}, len(community.Roles))
	for i, rule := range community.Roles {
		if rule.RoleID == "" {
			return fmt.Errorf("roles[%d]: role_id is required", i)
		}
		if _, dup := roleIDs[rule.RoleID]; dup {
			return fmt.Errorf("roles[%d]: duplicate role_id %q", i, rule.RoleID)
		}
		roleIDs[rule.RoleID] = struct{}{}

		switch rule.Method {
		case MethodChampion:
			if rule.Threshold < 1 {
				return fmt.Errorf("roles[%d] (%s): champion threshold must be at least 1", i, rule.Name)
			}
		case MethodPlacement:
			if rule.Threshold < 1 {
				return fmt.Errorf("roles[%d] (%s): placement threshold must be at least 1", i, rule.Name)
			}
			if rule.League == "" && !isTopRuleName(rule.Name) {
				return fmt.Errorf("roles[%d] (%s): placement rule needs a league or a Top-prefixed name", i, rule.Name)
			}
			if rule.League != "" {
				if _, ok := leagues[rule.League]; !ok {
					return fmt.Errorf("roles[%d] (%s): unknown league %q", i, rule.Name, rule.League)
				}
			}
		case MethodWave:
			if rule.Threshold < 1 {
				return fmt.Errorf("roles[%d] (%s): wave threshold must be at least 1", i, rule.Name)
			}
			if rule.League == "" {
				return fmt.Errorf("roles[%d] (%s): wave rule needs a league", i, rule.Name)
			}
			if _, ok := leagues[rule.League]; !ok {
				return fmt.Errorf("roles[%d] (%s): unknown league %q", i, rule.Name, rule.League)
			}
		default:
			return fmt.Errorf("roles[%d] (%s): unknown method %q", i, rule.Name, rule.Method)
		}
	}
	return nil
}

func isTopRuleName(name string) bool {
	return len(name) >= 3 && name[:3] == "Top"
}

// Community returns the configuration for the given community id.
func (c *Config) Community(id string) (CommunityConfig, bool) {
	for _, community := range c.Communities {
		if community.ID == id {
			return community, true
		}
	}
	return CommunityConfig{}, false
}

// CommunityStabilizationDelay resolves the effective stabilization delay for
// a community.
func (c *Config) CommunityStabilizationDelay(id string) time.Duration {
	if community, ok := c.Community(id); ok && community.StabilizationDelay > 0 {
		return community.StabilizationDelay
	}
	return c.Engine.StabilizationDelay
}
