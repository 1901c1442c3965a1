package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"concierge/internal/config"
	"concierge/internal/logging"
)

// routerPromptKey is the cache key for the router's prompt preamble.
const routerPromptKey = "router"

// Catalog resolves specialists and serves their prompt bodies. Prompt files
// are cached; when auto-reload is on, every access compares file
// fingerprints (mtime + size) and reloads all prompts on any change.
type Catalog struct {
	mu           sync.RWMutex
	dir          string
	autoReload   bool
	routerFile   string
	specialists  map[string]Specialist
	order        []string
	prompts      map[string]string
	fingerprints map[string]string
}

// New builds the catalog from config. Unknown domains in the config are a
// fatal error; domains absent from the config get registry defaults with
// the fallback model. Prompt files load immediately (missing files fall
// back to built-in prompts with a warning).
func New(cfg config.SpecialistsConfig, fallbackModel string) (*Catalog, error) {
	if cfg.PromptsDirectory == "" {
		return nil, fmt.Errorf("prompts directory is required")
	}
	if fallbackModel == "" {
		return nil, fmt.Errorf("fallback model is required")
	}

	for domain := range cfg.ByDomain {
		if !IsValidDomain(domain) {
			return nil, fmt.Errorf("unknown specialist domain %q in config (valid: %s)",
				domain, strings.Join(Domains(), ", "))
		}
	}

	routerFile := cfg.RouterPromptFile
	if routerFile == "" {
		routerFile = "router.md"
	}

	c := &Catalog{
		dir:          cfg.PromptsDirectory,
		autoReload:   cfg.AutoReload,
		routerFile:   routerFile,
		specialists:  make(map[string]Specialist, len(defaults)),
		order:        Domains(),
		prompts:      make(map[string]string),
		fingerprints: make(map[string]string),
	}

	for _, def := range defaults {
		spec := def
		spec.Model = fallbackModel
		if override, ok := cfg.ByDomain[def.Domain]; ok {
			if override.Model != "" {
				spec.Model = override.Model
			}
			if override.PromptFile != "" {
				spec.PromptFile = override.PromptFile
			}
			if override.DisplayName != "" {
				spec.DisplayName = override.DisplayName
			}
		}
		c.specialists[def.Domain] = spec
	}

	c.loadAll(true)
	return c, nil
}

// Specialist returns the definition for a domain.
func (c *Catalog) Specialist(domain string) (Specialist, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	spec, ok := c.specialists[domain]
	if !ok {
		return Specialist{}, fmt.Errorf("unknown specialist domain %q", domain)
	}
	return spec, nil
}

// Specialists returns all definitions in registry order.
func (c *Catalog) Specialists() []Specialist {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Specialist, 0, len(c.order))
	for _, domain := range c.order {
		out = append(out, c.specialists[domain])
	}
	return out
}

// Prompt returns the system prompt body for a domain, reloading from disk
// first when auto-reload detects a change.
func (c *Catalog) Prompt(domain string) string {
	c.maybeReload()

	c.mu.RLock()
	defer c.mu.RUnlock()
	if body, ok := c.prompts[domain]; ok {
		return body
	}
	return fallbackPrompts[domain]
}

// RouterPrompt returns the routing preamble prepended to the router's
// classification instructions.
func (c *Catalog) RouterPrompt() string {
	c.maybeReload()

	c.mu.RLock()
	defer c.mu.RUnlock()
	if body, ok := c.prompts[routerPromptKey]; ok {
		return body
	}
	return routerFallbackPrompt
}

// Directory returns the prompts directory path.
func (c *Catalog) Directory() string {
	return c.dir
}

// Reload re-reads every prompt file immediately, regardless of the
// auto-reload setting. The fsnotify watcher calls this on file events.
func (c *Catalog) Reload() {
	c.loadAll(false)
}

// Fingerprint summarizes the loaded prompt files for diagnostics. Two
// catalogs serving identical files report the same value.
func (c *Catalog) Fingerprint() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, len(c.fingerprints))
	for key := range c.fingerprints {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, key := range keys {
		if i > 0 {
			b.WriteString(" ")
		}
		b.WriteString(key)
		b.WriteString("=")
		b.WriteString(c.fingerprints[key])
	}
	return b.String()
}

// ResolvedPromptFiles maps each prompt key to its absolute file path, for
// diagnostics output.
func (c *Catalog) ResolvedPromptFiles() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]string, len(c.order)+1)
	out[routerPromptKey] = filepath.Join(c.dir, c.routerFile)
	for _, domain := range c.order {
		out[domain] = filepath.Join(c.dir, c.specialists[domain].PromptFile)
	}
	return out
}

func (c *Catalog) pathFor(key string) string {
	if key == routerPromptKey {
		return filepath.Join(c.dir, c.routerFile)
	}
	return filepath.Join(c.dir, c.specialists[key].PromptFile)
}

// fingerprintFile summarizes a file's identity as mtime:size so both
// content edits and file swaps invalidate the cache.
func fingerprintFile(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "missing"
		}
		return "error"
	}
	return fmt.Sprintf("%d:%d", info.ModTime().UnixNano(), info.Size())
}

func (c *Catalog) promptKeys() []string {
	keys := make([]string, 0, len(c.order)+1)
	keys = append(keys, routerPromptKey)
	keys = append(keys, c.order...)
	return keys
}

func (c *Catalog) maybeReload() {
	if !c.autoReload {
		return
	}

	c.mu.RLock()
	changed := false
	for _, key := range c.promptKeys() {
		if fingerprintFile(c.pathFor(key)) != c.fingerprints[key] {
			changed = true
			break
		}
	}
	c.mu.RUnlock()

	if changed {
		c.loadAll(false)
	}
}

// loadAll reads every prompt file into the cache. Missing, unreadable, or
// empty files fall back to the built-in prompt for that key.
func (c *Catalog) loadAll(initial bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(c.dir, 0755); err != nil {
		logging.Get(logging.CategorySynthesis).Warn("Failed to create prompts directory %s: %v", c.dir, err)
	}

	prompts := make(map[string]string, len(c.order)+1)
	fingerprints := make(map[string]string, len(c.order)+1)
	for _, key := range c.promptKeys() {
		path := c.pathFor(key)
		prompts[key] = c.readPrompt(key, path)
		fingerprints[key] = fingerprintFile(path)
	}
	c.prompts = prompts
	c.fingerprints = fingerprints

	if initial {
		logging.Synthesis("Specialist catalog initialized (dir=%s auto_reload=%v domains=%d)", c.dir, c.autoReload, len(c.order))
	} else {
		logging.Synthesis("Prompt files changed; prompts reloaded from %s", c.dir)
	}
}

func (c *Catalog) readPrompt(key, path string) string {
	fallback := fallbackPrompts[key]

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logging.Get(logging.CategorySynthesis).Warn("Prompt file missing for %q: %s (using fallback prompt)", key, path)
		} else {
			logging.Get(logging.CategorySynthesis).Warn("Prompt file unreadable for %q: %s: %v (using fallback prompt)", key, path, err)
		}
		return fallback
	}

	text := strings.TrimSpace(string(data))
	if text == "" {
		logging.Get(logging.CategorySynthesis).Warn("Prompt file empty for %q: %s (using fallback prompt)", key, path)
		return fallback
	}
	return text
}
