package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Preset is a named rule list offered to clients.
type Preset struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Builtin     bool   `json:"builtin" yaml:"-"`
	Rules       []Rule `json:"rules" yaml:"rules"`
}

// BuiltinPresets returns the presets compiled into the binary.
func BuiltinPresets() []Preset {
	return []Preset{
		{Name: "default", Description: "Baseline rules every session carries", Builtin: true, Rules: DefaultRules()},
		{Name: string(ModeStep), Description: "Confirm every step", Builtin: true, Rules: StepModeRules()},
		{Name: string(ModeAuto), Description: "Run every step without confirmation", Builtin: true, Rules: AutoModeRules()},
		{Name: string(ModeSmart), Description: "Score risky operations", Builtin: true, Rules: SmartModeRules()},
	}
}

// LoadPresetFile reads one YAML preset file.
func LoadPresetFile(path string) (*Preset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read preset file: %w", err)
	}

	var p Preset
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse preset file: %w", err)
	}
	if p.Name == "" {
		p.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if err := ValidateRules(p.Rules); err != nil {
		return nil, fmt.Errorf("preset %s: %w", p.Name, err)
	}
	return &p, nil
}

// LibraryConfig configures a Library.
type LibraryConfig struct {
	// Dir holds *.yaml / *.yml preset files. Empty disables loading.
	Dir string

	// DebounceDelay is how long to wait for more changes before reloading.
	DebounceDelay time.Duration

	Logger *slog.Logger
}

// Library is the preset catalog: built-in presets plus those loaded from
// a directory. Reloading changes the catalog only; sessions keep the
// rules they already have.
type Library struct {
	config LibraryConfig
	logger *slog.Logger

	mu      sync.RWMutex
	presets map[string]Preset
}

// NewLibrary creates a library holding the built-in presets.
func NewLibrary(config LibraryConfig) *Library {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if config.DebounceDelay == 0 {
		config.DebounceDelay = 200 * time.Millisecond
	}
	l := &Library{config: config, logger: logger}
	l.presets = l.builtins()
	return l
}

func (l *Library) builtins() map[string]Preset {
	out := make(map[string]Preset)
	for _, p := range BuiltinPresets() {
		out[p.Name] = p
	}
	return out
}

// Presets returns the catalog sorted by name, built-ins first.
func (l *Library) Presets() []Preset {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Preset, 0, len(l.presets))
	for _, p := range l.presets {
		p.Rules = cloneRules(p.Rules)
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Builtin != out[j].Builtin {
			return out[i].Builtin
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Preset returns one preset by name.
func (l *Library) Preset(name string) (Preset, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.presets[name]
	if ok {
		p.Rules = cloneRules(p.Rules)
	}
	return p, ok
}

// Reload rereads the directory. Invalid files are logged and skipped;
// files cannot shadow built-in presets.
func (l *Library) Reload() error {
	presets := l.builtins()
	if l.config.Dir == "" {
		l.swap(presets)
		return nil
	}

	entries, err := os.ReadDir(l.config.Dir)
	if err != nil {
		return fmt.Errorf("read rules dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !isPresetFile(entry.Name()) {
			continue
		}
		path := filepath.Join(l.config.Dir, entry.Name())
		p, err := LoadPresetFile(path)
		if err != nil {
			l.logger.Warn("Skipping invalid rule preset", "path", path, "error", err)
			continue
		}
		if existing, ok := presets[p.Name]; ok && existing.Builtin {
			l.logger.Warn("Rule preset shadows a built-in preset", "path", path, "name", p.Name)
			continue
		}
		presets[p.Name] = *p
	}
	l.swap(presets)
	l.logger.Debug("Rule presets loaded", "dir", l.config.Dir, "count", len(presets))
	return nil
}

func (l *Library) swap(presets map[string]Preset) {
	l.mu.Lock()
	l.presets = presets
	l.mu.Unlock()
}

func isPresetFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// Watch loads the directory and reloads it on change until ctx is done.
func (l *Library) Watch(ctx context.Context) error {
	if l.config.Dir == "" {
		return nil
	}
	if err := l.Reload(); err != nil {
		return err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(l.config.Dir); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("watch rules dir: %w", err)
	}

	go l.watchLoop(ctx, fsw)

	l.logger.Info("Rule library watcher started",
		"dir", l.config.Dir,
		"debounce", l.config.DebounceDelay)
	return nil
}

func (l *Library) watchLoop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer fsw.Close()

	ticker := time.NewTicker(l.config.DebounceDelay)
	defer ticker.Stop()

	dirty := false
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if isPresetFile(event.Name) {
				dirty = true
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			l.logger.Error("Rule library watcher error", "error", err)

		case <-ticker.C:
			if !dirty {
				continue
			}
			dirty = false
			if err := l.Reload(); err != nil {
				l.logger.Warn("Failed to reload rule presets", "error", err)
			}
		}
	}
}
