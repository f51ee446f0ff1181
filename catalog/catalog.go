// Package catalog loads item and equipment definitions from YAML files.
//
// A catalog document is validated against an embedded JSON schema before it is
// decoded, so malformed files fail with a path to the offending value:
//
//	definitions:
//	  - id: bread
//	    display_name: Bread
//	    tags: [item.food]
//	    fragments:
//	      - {kind: storable, max_stack: 64}
//	      - {kind: consumable, max_uses: 1, effects: [saturation]}
//	item_sets:
//	  - id: starter
//	    items: [{definition: bread, count: 8}]
//	slots: [slot.hand, slot.offhand, slot.head]
package catalog

import (
	"bytes"
	"context"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/oriumgames/loadout"
)

//go:embed catalog.schema.json
var schemaSource string

const schemaURL = "catalog.schema.json"

var schema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, strings.NewReader(schemaSource)); err != nil {
		panic("catalog: add schema: " + err.Error())
	}
	s, err := c.Compile(schemaURL)
	if err != nil {
		panic("catalog: compile schema: " + err.Error())
	}
	return s
}

type document struct {
	Definitions []definitionDoc   `yaml:"definitions"`
	ItemSets    []loadout.ItemSet `yaml:"item_sets"`
	Slots       []loadout.Tag     `yaml:"slots"`
}

type definitionDoc struct {
	ID          string               `yaml:"id"`
	Class       string               `yaml:"class"`
	DisplayName string               `yaml:"display_name"`
	Description string               `yaml:"description"`
	Slot        loadout.Tag          `yaml:"slot"`
	Tags        []loadout.Tag        `yaml:"tags"`
	Fragments   []yaml.Node          `yaml:"fragments"`
	AbilitySets []loadout.AbilitySet `yaml:"ability_sets"`
}

type fragmentHeader struct {
	Kind loadout.FragmentKind `yaml:"kind"`
}

// Catalog is an immutable set of definitions and item sets. It implements
// loadout.DefinitionSource.
type Catalog struct {
	defs   map[loadout.DefinitionID]*loadout.Definition
	order  []loadout.DefinitionID
	sets   map[string]loadout.ItemSet
	slots  loadout.SlotMap
	digest string
}

// Compile-time check that Catalog implements loadout.DefinitionSource.
var _ loadout.DefinitionSource = (*Catalog)(nil)

// Load reads and parses the catalog at path.
func Load(path string, fragments *loadout.FragmentRegistry) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c, err := Parse(raw, fragments)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Parse validates and decodes a catalog document. Fragment kinds are resolved
// through fragments; a nil registry uses the built-in kinds.
func Parse(raw []byte, fragments *loadout.FragmentRegistry) (*Catalog, error) {
	if fragments == nil {
		fragments = loadout.NewFragmentRegistry()
	}
	if err := Validate(raw); err != nil {
		return nil, err
	}

	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	sum := sha256.Sum256(raw)
	c := &Catalog{
		defs:   make(map[loadout.DefinitionID]*loadout.Definition, len(doc.Definitions)),
		sets:   make(map[string]loadout.ItemSet, len(doc.ItemSets)),
		slots:  doc.Slots,
		digest: hex.EncodeToString(sum[:]),
	}

	for _, d := range doc.Definitions {
		def, err := buildDefinition(d, fragments)
		if err != nil {
			return nil, err
		}
		if _, dup := c.defs[def.ID]; dup {
			return nil, fmt.Errorf("definition %q: duplicate id", def.ID)
		}
		c.defs[def.ID] = def
		c.order = append(c.order, def.ID)
	}

	for _, set := range doc.ItemSets {
		if _, dup := c.sets[set.ID]; dup {
			return nil, fmt.Errorf("item set %q: duplicate id", set.ID)
		}
		for _, item := range set.Items {
			if _, ok := c.defs[item.Definition]; !ok {
				return nil, fmt.Errorf("item set %q: %q: %w", set.ID, item.Definition, loadout.ErrDefinitionNotFound)
			}
		}
		c.sets[set.ID] = set
	}
	return c, nil
}

// Validate checks a YAML catalog document against the catalog schema.
func Validate(raw []byte) error {
	var v any
	if err := yaml.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("decode catalog: %w", err)
	}
	if v == nil {
		v = map[string]any{}
	}

	// The validator wants JSON values; a round trip normalises YAML numbers and maps.
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("catalog is not JSON compatible: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return err
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("invalid catalog: %w", err)
	}
	return nil
}

func buildDefinition(d definitionDoc, fragments *loadout.FragmentRegistry) (*loadout.Definition, error) {
	def := &loadout.Definition{
		ID:          loadout.DefinitionID(d.ID),
		DisplayName: d.DisplayName,
		Description: d.Description,
		AbilitySets: d.AbilitySets,
		Slot:        d.Slot,
		Tags:        loadout.NewTagSet(d.Tags...),
	}
	switch d.Class {
	case "", "item":
		def.Class = loadout.ClassItem
	case "equipment":
		def.Class = loadout.ClassEquipment
	default:
		return nil, fmt.Errorf("definition %q: unknown class %q", d.ID, d.Class)
	}

	for i := range d.Fragments {
		node := &d.Fragments[i]
		var h fragmentHeader
		if err := node.Decode(&h); err != nil {
			return nil, fmt.Errorf("definition %q: fragment %d: %w", d.ID, i, err)
		}
		f, err := fragments.New(h.Kind)
		if err != nil {
			return nil, fmt.Errorf("definition %q: %w", d.ID, err)
		}
		if err := node.Decode(f); err != nil {
			return nil, fmt.Errorf("definition %q: fragment %s: %w", d.ID, h.Kind, err)
		}
		def.Fragments = append(def.Fragments, f)
	}

	if dropped := def.Dedupe(); len(dropped) > 0 {
		slog.Warn("loadout: duplicate fragments dropped", "definition", def.ID, "kinds", dropped)
	}
	return def, nil
}

// Load implements loadout.DefinitionSource.
func (c *Catalog) Load(_ context.Context, id loadout.DefinitionID) (*loadout.Definition, error) {
	if def, ok := c.defs[id]; ok {
		return def, nil
	}
	return nil, fmt.Errorf("%q: %w", id, loadout.ErrDefinitionNotFound)
}

// IDs returns every definition id in document order.
func (c *Catalog) IDs() []loadout.DefinitionID {
	return slices.Clone(c.order)
}

// Len returns the number of definitions.
func (c *Catalog) Len() int {
	return len(c.defs)
}

// ItemSet returns the item set with the given id.
func (c *Catalog) ItemSet(id string) (loadout.ItemSet, bool) {
	set, ok := c.sets[id]
	return set, ok
}

// Slots returns the equipment slots the catalog declares, nil when it declares
// none.
func (c *Catalog) Slots() loadout.SlotMap {
	return slices.Clone(c.slots)
}

// Digest returns the SHA-256 of the source document. Observers compare it to
// make sure they decode deltas with the same definitions.
func (c *Catalog) Digest() string {
	return c.digest
}
