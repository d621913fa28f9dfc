package rules

import (
	"sync"

	"github.com/migadu/listd/logger"
	"github.com/migadu/listd/server/sieveengine"
)

// Registry maps rule names to rules. It is filled once at startup and only
// read afterwards, so lookups take no lock.
type Registry struct {
	rules map[string]Rule
	order []string
}

func NewRegistry() *Registry {
	return &Registry{rules: make(map[string]Rule)}
}

// Register adds a rule. Not safe for use concurrently with lookups.
func (r *Registry) Register(rule Rule) error {
	name := rule.Name()
	if _, exists := r.rules[name]; exists {
		return &DuplicateNameError{Name: name}
	}
	r.rules[name] = rule
	r.order = append(r.order, name)
	return nil
}

// Lookup returns the rule registered under name.
func (r *Registry) Lookup(name string) (Rule, error) {
	rule, ok := r.rules[name]
	if !ok {
		return nil, &UnknownRuleError{Name: name}
	}
	return rule, nil
}

// Exists reports whether a rule is registered.
func (r *Registry) Exists(name string) bool {
	_, ok := r.rules[name]
	return ok
}

// Names returns rule names in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Options configures the built-in rules.
type Options struct {
	// SieveCache compiles list filter scripts. A private cache is used when nil.
	SieveCache *sieveengine.Cache
}

// InitializeRules registers every built-in rule in a fixed order.
func InitializeRules(reg *Registry, opts Options) error {
	cache := opts.SieveCache
	if cache == nil {
		cache = sieveengine.NewCache(0)
	}

	builtins := []Rule{
		approvedRule{},
		emergencyRule{},
		loopRule{},
		bannedAddressRule{},
		memberModerationRule{},
		nonmemberModerationRule{},
		administriviaRule{},
		implicitDestRule{},
		maxRecipientsRule{},
		maxSizeRule{},
		newsModerationRule{},
		noSubjectRule{},
		noSendersRule{},
		suspiciousHeaderRule{},
		headerFilterRule{cache: cache},
		anyRule{},
		truthRule{},
	}
	for _, rule := range builtins {
		if err := reg.Register(rule); err != nil {
			return err
		}
	}
	logger.Debug("Rules: registered built-in rules", "count", len(builtins))
	return nil
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the process-wide registry holding the built-in rules.
func Default() *Registry {
	defaultOnce.Do(func() {
		reg := NewRegistry()
		if err := InitializeRules(reg, Options{}); err != nil {
			panic(err)
		}
		defaultRegistry = reg
	})
	return defaultRegistry
}
