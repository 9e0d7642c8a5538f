package gridsync

import "encoding/json"

// SourceKind discriminates the two resource shapes the upstream API
// serves for the same id space. The API migrated databases into data
// sources and both coexist.
type SourceKind string

const (
	SourceKindDataSource SourceKind = "data_source"
	SourceKindDatabase   SourceKind = "database"
)

type SchemaProperty struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// SourceSchema is the live, externally-owned property schema of one
// data source or database.
type SourceSchema struct {
	Kind       SourceKind
	ID         string
	Title      string
	Properties map[string]SchemaProperty
}

type sourceSchemaWire struct {
	Object     string                    `json:"object"`
	ID         string                    `json:"id"`
	Title      []RichText                `json:"title"`
	Properties map[string]SchemaProperty `json:"properties"`
}

func (w sourceSchemaWire) toSchema() SourceSchema {
	properties := make(map[string]SchemaProperty, len(w.Properties))
	for name, prop := range w.Properties {
		if prop.Name == "" {
			prop.Name = name
		}
		properties[name] = prop
	}
	return SourceSchema{
		Kind:       SourceKind(w.Object),
		ID:         w.ID,
		Title:      joinRichText(w.Title),
		Properties: properties,
	}
}

// Record is one source object; its properties map current property
// names to typed values that carry their own stable ids.
type Record struct {
	Object     string                   `json:"object"`
	ID         string                   `json:"id"`
	URL        string                   `json:"url"`
	Properties map[string]PropertyValue `json:"properties"`
}

type queryResponse struct {
	Results    []Record `json:"results"`
	HasMore    bool     `json:"has_more"`
	NextCursor string   `json:"next_cursor"`
}

type RichText struct {
	PlainText string `json:"plain_text"`
}

type SelectOption struct {
	Name string `json:"name"`
}

type User struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Person *struct {
		Email string `json:"email"`
	} `json:"person,omitempty"`
}

type DateValue struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type FileRef struct {
	Name string `json:"name"`
	File *struct {
		URL string `json:"url"`
	} `json:"file,omitempty"`
	External *struct {
		URL string `json:"url"`
	} `json:"external,omitempty"`
}

type RelationRef struct {
	ID string `json:"id"`
}

type RollupValue struct {
	Type   string          `json:"type"`
	Number *float64        `json:"number,omitempty"`
	Date   *DateValue      `json:"date,omitempty"`
	Array  []PropertyValue `json:"array,omitempty"`
}

type FormulaValue struct {
	Type    string     `json:"type"`
	String  *string    `json:"string,omitempty"`
	Number  *float64   `json:"number,omitempty"`
	Boolean *bool      `json:"boolean,omitempty"`
	Date    *DateValue `json:"date,omitempty"`
}

// PropertyValue is the tagged union over upstream property variants.
// Type selects the populated field; raw keeps the original payload so
// unrecognized variants can still be rendered best-effort.
type PropertyValue struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	Title          []RichText     `json:"title,omitempty"`
	RichText       []RichText     `json:"rich_text,omitempty"`
	Number         *float64       `json:"number,omitempty"`
	Checkbox       *bool          `json:"checkbox,omitempty"`
	Select         *SelectOption  `json:"select,omitempty"`
	Status         *SelectOption  `json:"status,omitempty"`
	MultiSelect    []SelectOption `json:"multi_select,omitempty"`
	People         []User         `json:"people,omitempty"`
	Email          *string        `json:"email,omitempty"`
	PhoneNumber    *string        `json:"phone_number,omitempty"`
	URL            *string        `json:"url,omitempty"`
	Date           *DateValue     `json:"date,omitempty"`
	Files          []FileRef      `json:"files,omitempty"`
	Relation       []RelationRef  `json:"relation,omitempty"`
	Rollup         *RollupValue   `json:"rollup,omitempty"`
	Formula        *FormulaValue  `json:"formula,omitempty"`
	CreatedBy      *User          `json:"created_by,omitempty"`
	LastEditedBy   *User          `json:"last_edited_by,omitempty"`
	CreatedTime    string         `json:"created_time,omitempty"`
	LastEditedTime string         `json:"last_edited_time,omitempty"`

	raw json.RawMessage
}

func (p *PropertyValue) UnmarshalJSON(data []byte) error {
	type plain PropertyValue
	var decoded plain
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*p = PropertyValue(decoded)
	p.raw = append(json.RawMessage(nil), data...)
	return nil
}
