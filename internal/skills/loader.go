package skills

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/quillhq/quill/internal/logging"
)

// SkillFileName is the expected filename for skill definitions
const SkillFileName = "SKILL.md"

// Loader manages loading and hot-reloading of skill definitions
type Loader struct {
	mu        sync.RWMutex
	skills    map[string]*Skill // name -> skill
	dir       string
	watcher   *fsnotify.Watcher
	onChange  func([]*Skill)
	cancelCtx context.CancelFunc
}

// NewLoader creates a new skill loader for the given directory
func NewLoader(dir string) *Loader {
	return &Loader{
		skills: make(map[string]*Skill),
		dir:    dir,
	}
}

// LoadAll loads all SKILL.md files under the configured directory.
// Skills live in subdirectories:
//
//	skills/
//	├── code-review/
//	│   └── SKILL.md
//	└── sql/
//	    └── SKILL.md
func (l *Loader) LoadAll() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.skills = make(map[string]*Skill)

	if _, err := os.Stat(l.dir); os.IsNotExist(err) {
		// Directory doesn't exist, that's okay - no skills loaded
		return nil
	}

	err := filepath.Walk(l.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if !strings.EqualFold(filepath.Base(path), SkillFileName) {
			return nil
		}
		return l.loadFile(path)
	})
	if err != nil {
		return fmt.Errorf("failed to load skills: %w", err)
	}

	logging.Infof("[skills] Loaded %d skills from %s", len(l.skills), l.dir)
	return nil
}

// loadFile loads a single SKILL.md file (must hold lock)
func (l *Loader) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	skill, err := ParseSkillMD(data)
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}

	if skill.Version == "" {
		skill.Version = "1.0.0"
	}
	skill.Enabled = true
	skill.FilePath = path

	if err := skill.Validate(); err != nil {
		return fmt.Errorf("invalid skill %s: %w", path, err)
	}

	l.skills[skill.Name] = skill
	logging.Debugf("[skills] Loaded skill: %s", skill.Name)
	return nil
}

// Watch starts watching the skills directory for changes
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	l.watcher = watcher

	ctx, cancel := context.WithCancel(ctx)
	l.cancelCtx = cancel

	go l.watchLoop(ctx)

	if err := l.watchRecursive(l.dir); err != nil {
		// Directory might not exist yet, that's okay
		logging.Errorf("[skills] Could not watch %s: %v", l.dir, err)
	}

	return nil
}

// watchRecursive adds a directory and all subdirectories to the watcher
func (l *Loader) watchRecursive(dir string) error {
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			if err := l.watcher.Add(path); err != nil {
				logging.Debugf("[skills] Could not watch %s: %v", path, err)
			}
		}
		return nil
	})
}

// watchLoop handles file system events
func (l *Loader) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			l.handleEvent(event)
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			logging.Errorf("[skills] Watch error: %v", err)
		}
	}
}

// handleEvent processes a file system event
func (l *Loader) handleEvent(event fsnotify.Event) {
	if !strings.EqualFold(filepath.Base(event.Name), SkillFileName) {
		return
	}

	switch {
	case event.Op&fsnotify.Write == fsnotify.Write,
		event.Op&fsnotify.Create == fsnotify.Create:
		l.mu.Lock()
		if err := l.loadFile(event.Name); err != nil {
			logging.Errorf("[skills] Error reloading %s: %v", event.Name, err)
		}
		l.mu.Unlock()

	case event.Op&fsnotify.Remove == fsnotify.Remove,
		event.Op&fsnotify.Rename == fsnotify.Rename:
		l.mu.Lock()
		for name, skill := range l.skills {
			if skill.FilePath == event.Name {
				delete(l.skills, name)
				logging.Infof("[skills] Unloaded skill: %s", name)
				break
			}
		}
		l.mu.Unlock()
	}

	if l.onChange != nil {
		l.onChange(l.List())
	}
}

// OnChange sets a callback for when skills are loaded/unloaded
func (l *Loader) OnChange(fn func([]*Skill)) {
	l.onChange = fn
}

// Stop stops watching for changes
func (l *Loader) Stop() {
	if l.cancelCtx != nil {
		l.cancelCtx()
	}
	if l.watcher != nil {
		l.watcher.Close()
	}
}

// Get returns a skill by name
func (l *Loader) Get(name string) (*Skill, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	skill, ok := l.skills[name]
	return skill, ok
}

// List returns all loaded skills sorted by priority (highest first)
func (l *Loader) List() []*Skill {
	l.mu.RLock()
	defer l.mu.RUnlock()

	skills := make([]*Skill, 0, len(l.skills))
	for _, skill := range l.skills {
		skills = append(skills, skill)
	}

	sort.Slice(skills, func(i, j int) bool {
		return skills[i].Priority > skills[j].Priority
	})

	return skills
}

// Count returns the number of loaded skills
func (l *Loader) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.skills)
}

// SetEnabled sets the enabled state of a skill by name
func (l *Loader) SetEnabled(name string, enabled bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if skill, ok := l.skills[name]; ok {
		skill.Enabled = enabled
		return true
	}
	return false
}

// Match returns the highest-priority enabled skill whose trigger
// appears in the prompt, or nil when nothing matches.
func (l *Loader) Match(prompt string) *Skill {
	lower := strings.ToLower(prompt)

	for _, skill := range l.List() {
		if !skill.Enabled {
			continue
		}
		for _, trigger := range skill.Triggers {
			if trigger != "" && strings.Contains(lower, strings.ToLower(trigger)) {
				return skill
			}
		}
	}
	return nil
}

// Augment appends a matched skill's content to the system prompt for
// one call. The stored prompt is never modified.
func (l *Loader) Augment(systemPrompt, userPrompt string) string {
	skill := l.Match(userPrompt)
	if skill == nil || skill.Content == "" {
		return systemPrompt
	}
	if systemPrompt == "" {
		return skill.Content
	}
	return systemPrompt + "\n\n" + skill.Content
}
