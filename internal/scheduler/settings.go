package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"messaging/internal/schedule"
	"messaging/internal/types"
)

const defaultSettingsTTL = 5 * time.Minute

// domainEnv is the per-domain context an instance is processed in.
type domainEnv struct {
	Location        *time.Location
	UsePhoneEntries bool
}

type cachedEnv struct {
	env     domainEnv
	expires time.Time
}

// settingsCache memoizes domain settings for a short TTL. A failed lookup
// yields the process defaults and is not cached.
type settingsCache struct {
	store           DomainSettingsStore
	defaultLoc      *time.Location
	usePhoneEntries bool
	ttl             time.Duration
	now             func() time.Time
	logger          *slog.Logger

	mu      sync.Mutex
	entries map[string]cachedEnv
}

func newSettingsCache(store DomainSettingsStore, defaultTimezone string, usePhoneEntries bool, logger *slog.Logger) *settingsCache {
	return &settingsCache{
		store:           store,
		defaultLoc:      schedule.LoadLocation(defaultTimezone, time.UTC),
		usePhoneEntries: usePhoneEntries,
		ttl:             defaultSettingsTTL,
		now:             time.Now,
		logger:          logger,
		entries:         make(map[string]cachedEnv),
	}
}

func (c *settingsCache) get(ctx context.Context, domain string) domainEnv {
	fallback := domainEnv{Location: c.defaultLoc, UsePhoneEntries: c.usePhoneEntries}
	if c.store == nil {
		return fallback
	}

	now := c.now()
	c.mu.Lock()
	if e, ok := c.entries[domain]; ok && now.Before(e.expires) {
		c.mu.Unlock()
		return e.env
	}
	c.mu.Unlock()

	settings, err := c.store.GetSettings(ctx, domain)
	if err != nil {
		c.logger.WarnContext(ctx, "domain settings unavailable, using defaults",
			"domain", domain,
			"error", err,
		)
		return fallback
	}

	env := domainEnv{
		Location:        schedule.LoadLocation(settings.DefaultTimezone, c.defaultLoc),
		UsePhoneEntries: settings.PhoneEntriesEnabled(c.usePhoneEntries),
	}
	c.mu.Lock()
	c.entries[domain] = cachedEnv{env: env, expires: now.Add(c.ttl)}
	c.mu.Unlock()
	return env
}

// locationFor returns the recipient's own time zone when it has one.
func locationFor(r *types.Recipient, env domainEnv) *time.Location {
	if r == nil {
		return env.Location
	}
	return schedule.LoadLocation(r.Timezone(), env.Location)
}
