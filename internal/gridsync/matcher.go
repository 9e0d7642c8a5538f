package gridsync

import (
	"sort"
	"strings"
)

// ColumnSpec binds one target column to a source property. Label is
// operator-chosen; PropertyID is the opaque stable identifier that
// survives renames; PropertyName is the current human name.
type ColumnSpec struct {
	Label        string
	PropertyID   string
	PropertyName string
}

// AliasPair maps one alias key (a property name or a property id) to
// the desired column label. Pair order defines column order.
type AliasPair struct {
	Key   string `json:"key"`
	Label string `json:"label"`
}

// HeaderLabel is the value written to the header cell: the label when
// set, else the current property name.
func (s ColumnSpec) HeaderLabel() string {
	if strings.TrimSpace(s.Label) != "" {
		return s.Label
	}
	return s.PropertyName
}

// BuildNameIndex maps normalized property names to their schema
// entries. Properties with empty ids cannot be addressed and are
// skipped.
func BuildNameIndex(schema SourceSchema) map[string]SchemaProperty {
	index := make(map[string]SchemaProperty, len(schema.Properties))
	for name, prop := range schema.Properties {
		if prop.ID == "" {
			continue
		}
		if prop.Name == "" {
			prop.Name = name
		}
		index[NormalizeName(prop.Name)] = prop
	}
	return index
}

// ResolveAliases resolves an ordered alias list against a live schema.
// Keys that look like ids are matched against property ids first (raw
// or percent-decoded); everything else matches by normalized name. An
// alias that matches nothing is logged and skipped so one typo never
// blocks the rest of the sync. Returned specs follow alias order.
func ResolveAliases(schema SourceSchema, aliases []AliasPair, logger Logger) ([]ColumnSpec, []string) {
	index := BuildNameIndex(schema)
	specs := make([]ColumnSpec, 0, len(aliases))
	var skipped []string

	for _, alias := range aliases {
		if LooksLikeID(alias.Key) {
			prop, ok := matchByID(schema, alias.Key)
			if !ok {
				skipped = append(skipped, alias.Key)
				logf(logger, "alias %q matches no property id; skipping", alias.Key)
				continue
			}
			specs = append(specs, ColumnSpec{Label: alias.Label, PropertyID: prop.ID, PropertyName: prop.Name})
			continue
		}
		prop, ok := index[NormalizeName(alias.Key)]
		if !ok {
			skipped = append(skipped, alias.Key)
			logf(logger, "alias %q matches no property name; skipping", alias.Key)
			continue
		}
		label := alias.Label
		if strings.TrimSpace(label) == "" {
			label = prop.Name
		}
		specs = append(specs, ColumnSpec{Label: label, PropertyID: prop.ID, PropertyName: prop.Name})
	}
	return specs, skipped
}

// BuildAllSpecs emits one spec per schema property, applying an alias
// override when the property's exact current name appears as a key.
// Order is by property name for determinism.
func BuildAllSpecs(schema SourceSchema, aliases []AliasPair) []ColumnSpec {
	overrides := make(map[string]string, len(aliases))
	for _, alias := range aliases {
		overrides[alias.Key] = alias.Label
	}
	specs := make([]ColumnSpec, 0, len(schema.Properties))
	for name, prop := range schema.Properties {
		if prop.ID == "" {
			continue
		}
		if prop.Name == "" {
			prop.Name = name
		}
		label := prop.Name
		if override, ok := overrides[prop.Name]; ok && strings.TrimSpace(override) != "" {
			label = override
		}
		specs = append(specs, ColumnSpec{Label: label, PropertyID: prop.ID, PropertyName: prop.Name})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].PropertyName < specs[j].PropertyName })
	return specs
}

func matchByID(schema SourceSchema, key string) (SchemaProperty, bool) {
	decoded := Decode(key)
	for name, prop := range schema.Properties {
		if prop.ID == "" {
			continue
		}
		if prop.ID == key || Decode(prop.ID) == decoded {
			if prop.Name == "" {
				prop.Name = name
			}
			return prop, true
		}
	}
	return SchemaProperty{}, false
}

func logf(logger Logger, format string, args ...any) {
	if logger == nil {
		return
	}
	logger.Printf(format, args...)
}
