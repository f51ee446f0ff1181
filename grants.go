package loadout

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// AbilitySet is a bundle of abilities, effects and tags granted together.
type AbilitySet struct {
	ID        string   `yaml:"id" json:"id"`
	Abilities []string `yaml:"abilities" json:"abilities"`
	Effects   []string `yaml:"effects" json:"effects"`
	Tags      []Tag    `yaml:"tags" json:"tags"`
}

// GrantKind describes what a grant token refers to.
type GrantKind uint8

const (
	GrantAbility GrantKind = iota
	GrantEffect
	GrantTag
)

// String returns the string representation of the grant kind.
func (k GrantKind) String() string {
	switch k {
	case GrantAbility:
		return "ability"
	case GrantEffect:
		return "effect"
	case GrantTag:
		return "tag"
	default:
		return "unknown"
	}
}

// GrantToken identifies one granted ability, effect or tag so it can be revoked.
type GrantToken struct {
	ID     uint64    `json:"id"`
	Kind   GrantKind `json:"kind"`
	Name   string    `json:"name"`
	Source Handle    `json:"source"`
}

// AbilityReceiver is the ability/effect system that consumes capability grants.
// Grant returns one token per granted element; Revoke takes them back.
type AbilityReceiver interface {
	Grant(set AbilitySet, source Handle) ([]GrantToken, error)
	Revoke(tokens []GrantToken)
}

// TagAbilities is an in-process AbilityReceiver. Every granted ability, effect
// and tag is counted on a TagCounter so TagBindings can observe it. Abilities are
// counted as "ability.<name>" and effects as "effect.<name>".
type TagAbilities struct {
	counter *TagCounter
	nextID  atomic.Uint64

	mu     sync.Mutex
	active map[uint64]GrantToken
}

// NewTagAbilities creates a receiver counting into counter.
func NewTagAbilities(counter *TagCounter) *TagAbilities {
	return &TagAbilities{
		counter: counter,
		active:  make(map[uint64]GrantToken),
	}
}

// Grant implements AbilityReceiver.
func (a *TagAbilities) Grant(set AbilitySet, source Handle) ([]GrantToken, error) {
	tokens := make([]GrantToken, 0, len(set.Abilities)+len(set.Effects)+len(set.Tags))
	for _, name := range set.Abilities {
		tokens = append(tokens, a.grant(GrantAbility, name, source))
	}
	for _, name := range set.Effects {
		tokens = append(tokens, a.grant(GrantEffect, name, source))
	}
	for _, t := range set.Tags {
		if !t.Valid() {
			a.Revoke(tokens)
			return nil, fmt.Errorf("loadout: ability set %q: invalid tag %q", set.ID, t)
		}
		tokens = append(tokens, a.grant(GrantTag, string(t), source))
	}
	return tokens, nil
}

// Revoke implements AbilityReceiver. Unknown or already revoked tokens are ignored.
func (a *TagAbilities) Revoke(tokens []GrantToken) {
	for _, tok := range tokens {
		a.mu.Lock()
		_, ok := a.active[tok.ID]
		delete(a.active, tok.ID)
		a.mu.Unlock()
		if ok {
			a.counter.Add(grantTag(tok.Kind, tok.Name), -1)
		}
	}
}

// Active returns the number of outstanding grants.
func (a *TagAbilities) Active() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.active)
}

func (a *TagAbilities) grant(kind GrantKind, name string, source Handle) GrantToken {
	tok := GrantToken{ID: a.nextID.Add(1), Kind: kind, Name: name, Source: source}
	a.mu.Lock()
	a.active[tok.ID] = tok
	a.mu.Unlock()
	a.counter.Add(grantTag(kind, name), 1)
	return tok
}

func grantTag(kind GrantKind, name string) Tag {
	switch kind {
	case GrantAbility:
		return Tag("ability." + name)
	case GrantEffect:
		return Tag("effect." + name)
	default:
		return Tag(name)
	}
}
