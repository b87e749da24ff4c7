package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/invariant-systems/chronicle/pkg/kernel"
)

// Profile is a named deployment profile: kernel tunables plus the
// admission policy for one tier of tenants.
type Profile struct {
	Name string `yaml:"name" json:"name"`
	Code string `yaml:"code" json:"code"`

	Kernel  KernelConfig  `yaml:"kernel" json:"kernel"`
	Limiter LimiterConfig `yaml:"limiter" json:"limiter"`
}

// KernelConfig holds the per-profile kernel tunables.
type KernelConfig struct {
	ShardCount    int `yaml:"shard_count" json:"shard_count"`
	QueueCapacity int `yaml:"queue_capacity" json:"queue_capacity"`
	TrailCapacity int `yaml:"trail_capacity" json:"trail_capacity"`

	BatchSize int `yaml:"replay_batch_size" json:"replay_batch_size"`
	MaxFrames int `yaml:"replay_max_frames" json:"replay_max_frames"`
}

// LimiterConfig holds admission limits.
type LimiterConfig struct {
	RPM   int `yaml:"rpm" json:"rpm"`
	Burst int `yaml:"burst" json:"burst"`
}

// LimiterPolicy converts to the kernel's policy type.
func (l LimiterConfig) LimiterPolicy() kernel.LimiterPolicy {
	return kernel.LimiterPolicy{RPM: l.RPM, Burst: l.Burst}
}

// Validate rejects tunables the kernel would refuse at construction.
func (p *Profile) Validate() error {
	if p.Kernel.ShardCount > 0 && p.Kernel.ShardCount&(p.Kernel.ShardCount-1) != 0 {
		return fmt.Errorf("profile %q: shard_count %d is not a power of two", p.Code, p.Kernel.ShardCount)
	}
	if p.Kernel.QueueCapacity > 0 && p.Kernel.QueueCapacity&(p.Kernel.QueueCapacity-1) != 0 {
		return fmt.Errorf("profile %q: queue_capacity %d is not a power of two", p.Code, p.Kernel.QueueCapacity)
	}
	return nil
}

// LoadProfile loads profile_<code>.yaml from the profiles directory.
func LoadProfile(profilesDir, code string) (*Profile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", code, err)
	}

	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", code, err)
	}
	if profile.Code == "" {
		profile.Code = code
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	return &profile, nil
}

// LoadAllProfiles loads every profile_*.yaml in the directory, keyed by
// profile code.
func LoadAllProfiles(profilesDir string) (map[string]*Profile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*Profile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile Profile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if profile.Code == "" {
			base := filepath.Base(path)
			profile.Code = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}
		if err := profile.Validate(); err != nil {
			return nil, err
		}
		profiles[profile.Code] = &profile
	}
	return profiles, nil
}

// Apply overlays the profile's tunables onto a Config.
func (p *Profile) Apply(cfg *Config) {
	if p.Kernel.ShardCount > 0 {
		cfg.ShardCount = p.Kernel.ShardCount
	}
	if p.Kernel.QueueCapacity > 0 {
		cfg.QueueCapacity = p.Kernel.QueueCapacity
	}
	if p.Kernel.TrailCapacity > 0 {
		cfg.TrailCapacity = p.Kernel.TrailCapacity
	}
}
