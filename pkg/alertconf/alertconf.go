// Package alertconf resolves per-event processing configuration from JSON
// files laid out as <conf-dir>/<source-type>/<subtype>.json. Real-time
// sources use it to tune escalate_cadence per alert subtype.
package alertconf

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/spotify/comet-core/internal/cache"
	"github.com/spotify/comet-core/internal/config"
	"github.com/spotify/comet-core/pkg/models"
)

// subtypePattern keeps file lookups inside the configuration directory.
var subtypePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

const defaultSubtype = "default"

type Provider struct {
	confDir string
	cache   cache.Cacher
	ttl     time.Duration
}

func New(conf *config.AlertsConfig, cacher cache.Cacher) *Provider {
	return &Provider{
		confDir: conf.ConfDir,
		cache:   cacher,
		ttl:     conf.CacheTTL,
	}
}

// EventConfig implements registry.ConfigProvider: it loads the
// configuration of the event's subtype, falling back to an empty config
// when no file exists so the scheduler defaults apply.
func (p *Provider) EventConfig(ctx context.Context, event *models.EventRecord) (map[string]any, error) {
	return p.Load(ctx, event.SourceType, eventSubtype(event))
}

// Load reads the configuration of one source type subtype, through the
// cache.
func (p *Provider) Load(_ context.Context, sourceType, subtype string) (map[string]any, error) {
	if p.confDir == "" {
		return map[string]any{}, nil
	}
	if !subtypePattern.MatchString(sourceType) || !subtypePattern.MatchString(subtype) {
		return nil, fmt.Errorf("invalid alert configuration key %q/%q", sourceType, subtype)
	}

	key := cache.Key("alertconf", sourceType, subtype)
	return cache.Fetch(p.cache, key, p.ttl, func() (map[string]any, error) {
		return p.readFile(sourceType, subtype)
	})
}

func (p *Provider) readFile(sourceType, subtype string) (map[string]any, error) {
	path := filepath.Join(p.confDir, sourceType, subtype+".json")
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading alert configuration %s: %w", path, err)
	}

	var conf map[string]any
	if err := json.Unmarshal(data, &conf); err != nil {
		return nil, fmt.Errorf("parsing alert configuration %s: %w", path, err)
	}
	return conf, nil
}

// eventSubtype picks the configuration file of an event, preferring the
// payload subtype over the hydrated one.
func eventSubtype(event *models.EventRecord) string {
	for _, source := range []map[string]any{event.Data, event.EventMetadata} {
		if subtype, ok := source["subtype"].(string); ok && subtype != "" {
			return subtype
		}
	}
	return defaultSubtype
}
