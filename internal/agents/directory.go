package agents

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"voice-platform/internal/apperr"
	"voice-platform/pkg/utils"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

const overridePrefix = "agent:call:"

// File is the YAML agent directory.
//
//	default_agent: agent_general
//	numbers:
//	  "+15551234567": agent_plumbing
type File struct {
	DefaultAgent string            `yaml:"default_agent"`
	Numbers      map[string]string `yaml:"numbers"`
}

// KV is the subset of the Redis client used for per-call overrides.
type KV interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// Directory picks the voice agent for a carrier call.
//
// Order: per-call override (set when the call was placed), dialed number,
// default agent.
type Directory struct {
	defaultAgent string
	numbers      map[string]string
	kv           KV
	ttl          time.Duration
}

func New(f File, defaultAgent string, kv KV, ttl time.Duration) *Directory {
	d := &Directory{
		defaultAgent: utils.FirstNonEmpty(defaultAgent, f.DefaultAgent),
		numbers:      map[string]string{},
		kv:           kv,
		ttl:          ttl,
	}
	for num, agent := range f.Numbers {
		d.numbers[strings.TrimSpace(num)] = strings.TrimSpace(agent)
	}
	if d.ttl <= 0 {
		d.ttl = 2 * time.Hour
	}
	return d
}

// Load reads a YAML directory file. An empty path yields an empty directory.
func Load(path string) (File, error) {
	if path == "" {
		return File{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("agents: read %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return File{}, fmt.Errorf("agents: parse %s: %w: %w", path, apperr.ErrConfiguration, err)
	}
	return f, nil
}

// Resolve never fails when a default agent is configured; a Redis outage
// degrades to the static mapping.
func (d *Directory) Resolve(ctx context.Context, callSid, to string) (string, error) {
	var kvErr error
	if d.kv != nil && callSid != "" {
		v, err := d.kv.Get(ctx, overridePrefix+callSid).Result()
		switch {
		case err == nil && v != "":
			return v, nil
		case err != nil && !errors.Is(err, redis.Nil):
			kvErr = fmt.Errorf("agents: override lookup: %w", err)
		}
	}
	if a, ok := d.numbers[strings.TrimSpace(to)]; ok && a != "" {
		return a, kvErr
	}
	if d.defaultAgent != "" {
		return d.defaultAgent, kvErr
	}
	if kvErr != nil {
		return "", kvErr
	}
	return "", fmt.Errorf("agents: no agent for %q: %w", to, apperr.ErrNotFound)
}

// Assign stores a per-call agent override.
func (d *Directory) Assign(ctx context.Context, callSid, agentID string) error {
	if d.kv == nil {
		return fmt.Errorf("agents: %w: no override store", apperr.ErrConfiguration)
	}
	if err := d.kv.Set(ctx, overridePrefix+callSid, agentID, d.ttl).Err(); err != nil {
		return fmt.Errorf("agents: assign %s: %w", callSid, err)
	}
	return nil
}

func (d *Directory) Default() string { return d.defaultAgent }

