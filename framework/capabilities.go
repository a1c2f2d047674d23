package framework

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// NamespaceSpec describes one worker namespace.
type NamespaceSpec struct {
	Name          string `yaml:"name" json:"name"`
	DefaultAction string `yaml:"default_action" json:"default_action"`
	Description   string `yaml:"description,omitempty" json:"description,omitempty"`
}

// ReservedSpec reserves executors matching Pattern for one intent.
type ReservedSpec struct {
	Pattern string `yaml:"pattern" json:"pattern"`
	Intent  Intent `yaml:"intent" json:"intent"`
}

// CapabilitySet is the parsed capability file.
type CapabilitySet struct {
	Namespaces []NamespaceSpec `yaml:"namespaces" json:"namespaces"`
	Reserved   []ReservedSpec  `yaml:"reserved" json:"reserved"`
}

// DefaultCapabilitySet is used when no capability file exists.
func DefaultCapabilitySet() *CapabilitySet {
	return &CapabilitySet{
		Namespaces: []NamespaceSpec{
			{Name: "qa", DefaultAction: "ask", Description: "Answer questions with the language model"},
			{Name: "fs", DefaultAction: "read", Description: "Read, write and list workspace files"},
			{Name: "shell", DefaultAction: "run", Description: "Run a shell command in the workspace"},
			{Name: "web", DefaultAction: "get", Description: "Fetch a URL over HTTP"},
			{Name: "core", DefaultAction: "say", Description: "Echo a message back"},
			{Name: "browser", DefaultAction: "open", Description: "Browser automation (reserved)"},
			{Name: "device", DefaultAction: "tap", Description: "Device automation (reserved)"},
		},
		Reserved: []ReservedSpec{
			{Pattern: "browser/**", Intent: IntentBrowser},
			{Pattern: "device/**", Intent: IntentDevice},
		},
	}
}

// Validate checks namespace names and reserved patterns.
func (s *CapabilitySet) Validate() error {
	seen := make(map[string]bool, len(s.Namespaces))
	for i, ns := range s.Namespaces {
		if strings.TrimSpace(ns.Name) == "" {
			return fmt.Errorf("namespaces[%d]: name required", i)
		}
		if seen[ns.Name] {
			return fmt.Errorf("namespaces[%d]: duplicate namespace %s", i, ns.Name)
		}
		seen[ns.Name] = true
	}
	for i, r := range s.Reserved {
		if !doublestar.ValidatePattern(r.Pattern) {
			return fmt.Errorf("reserved[%d]: invalid pattern %q", i, r.Pattern)
		}
		if r.Intent == "" {
			return fmt.Errorf("reserved[%d]: intent required", i)
		}
	}
	return nil
}

// DefaultAction returns the conventional action for a namespace.
func (s *CapabilitySet) DefaultAction(namespace string) (string, bool) {
	for _, ns := range s.Namespaces {
		if ns.Name == namespace && ns.DefaultAction != "" {
			return ns.DefaultAction, true
		}
	}
	return "", false
}

// ReservedIntent reports the intent an executor is reserved for, if any.
func (s *CapabilitySet) ReservedIntent(executor string) (Intent, bool) {
	for _, r := range s.Reserved {
		if ok, _ := doublestar.Match(r.Pattern, executor); ok {
			return r.Intent, true
		}
	}
	return "", false
}

// Apply copies namespace defaults into a worker registry.
func (s *CapabilitySet) Apply(registry *WorkerRegistry) {
	for _, ns := range s.Namespaces {
		if ns.DefaultAction != "" {
			registry.SetDefaultAction(ns.Name, ns.DefaultAction)
		}
	}
}

// CapabilityIndex reads the capability file through a cache keyed by path
// and modification time, so a changed file is reloaded on the next lookup and
// an unchanged one is parsed once.
type CapabilityIndex struct {
	path  string
	cache *Cache[string, *CapabilitySet]
}

// NewCapabilityIndex builds an index over path. An empty path always yields
// DefaultCapabilitySet.
func NewCapabilityIndex(path string, cache *Cache[string, *CapabilitySet]) *CapabilityIndex {
	if cache == nil {
		cache = NewCache[string, *CapabilitySet](0, nil)
	}
	return &CapabilityIndex{path: path, cache: cache}
}

// Current returns the capability set for the file as it is now.
func (i *CapabilityIndex) Current() (*CapabilitySet, error) {
	if i.path == "" {
		return DefaultCapabilitySet(), nil
	}
	info, err := os.Stat(i.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultCapabilitySet(), nil
		}
		return nil, err
	}
	key := fmt.Sprintf("%s@%d", i.path, info.ModTime().UnixNano())
	return i.cache.GetOrLoad(key, func() (*CapabilitySet, error) {
		return LoadCapabilitySet(i.path)
	})
}

// LoadCapabilitySet parses and validates a capability file.
func LoadCapabilitySet(path string) (*CapabilitySet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var set CapabilitySet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := set.Validate(); err != nil {
		return nil, fmt.Errorf("validate %s: %w", path, err)
	}
	return &set, nil
}
