package gridsync

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Flatten renders one typed property value as a single display string.
// It is total: every variant, including unrecognized ones, yields a
// string and never an error.
func Flatten(p PropertyValue) string {
	switch p.Type {
	case "title":
		return joinRichText(p.Title)
	case "rich_text":
		return joinRichText(p.RichText)
	case "number":
		return formatNumber(p.Number)
	case "checkbox":
		if p.Checkbox != nil && *p.Checkbox {
			return "TRUE"
		}
		return "FALSE"
	case "select":
		return optionName(p.Select)
	case "status":
		return optionName(p.Status)
	case "multi_select":
		names := make([]string, 0, len(p.MultiSelect))
		for _, option := range p.MultiSelect {
			names = append(names, option.Name)
		}
		return strings.Join(names, ", ")
	case "people":
		names := make([]string, 0, len(p.People))
		for _, user := range p.People {
			names = append(names, displayName(user))
		}
		return strings.Join(names, ", ")
	case "email":
		return stringValue(p.Email)
	case "phone_number":
		return stringValue(p.PhoneNumber)
	case "url":
		return stringValue(p.URL)
	case "date":
		return formatDate(p.Date)
	case "files":
		names := make([]string, 0, len(p.Files))
		for _, file := range p.Files {
			names = append(names, fileLabel(file))
		}
		return strings.Join(names, ", ")
	case "relation":
		ids := make([]string, 0, len(p.Relation))
		for _, ref := range p.Relation {
			ids = append(ids, ref.ID)
		}
		return strings.Join(ids, ", ")
	case "rollup":
		return flattenRollup(p.Rollup)
	case "formula":
		return flattenFormula(p.Formula)
	case "created_by":
		if p.CreatedBy == nil {
			return ""
		}
		return displayName(*p.CreatedBy)
	case "last_edited_by":
		if p.LastEditedBy == nil {
			return ""
		}
		return displayName(*p.LastEditedBy)
	case "created_time":
		return p.CreatedTime
	case "last_edited_time":
		return p.LastEditedTime
	default:
		return flattenUnknown(p)
	}
}

func joinRichText(runs []RichText) string {
	var b strings.Builder
	for _, run := range runs {
		b.WriteString(run.PlainText)
	}
	return b.String()
}

func formatNumber(n *float64) string {
	if n == nil {
		return ""
	}
	return strconv.FormatFloat(*n, 'f', -1, 64)
}

func optionName(option *SelectOption) string {
	if option == nil {
		return ""
	}
	return option.Name
}

func stringValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func formatDate(d *DateValue) string {
	if d == nil {
		return ""
	}
	if d.Start != "" && d.End != "" {
		return d.Start + " → " + d.End
	}
	return d.Start
}

func displayName(user User) string {
	if strings.TrimSpace(user.Name) != "" {
		return user.Name
	}
	if user.Person != nil && user.Person.Email != "" {
		return user.Person.Email
	}
	return user.ID
}

func fileLabel(file FileRef) string {
	if strings.TrimSpace(file.Name) != "" {
		return file.Name
	}
	if file.File != nil && file.File.URL != "" {
		return file.File.URL
	}
	if file.External != nil {
		return file.External.URL
	}
	return ""
}

func flattenRollup(rollup *RollupValue) string {
	if rollup == nil {
		return ""
	}
	switch rollup.Type {
	case "number":
		return formatNumber(rollup.Number)
	case "date":
		return formatDate(rollup.Date)
	case "array":
		parts := make([]string, 0, len(rollup.Array))
		for _, element := range rollup.Array {
			parts = append(parts, Flatten(element))
		}
		return strings.Join(parts, "; ")
	default:
		return ""
	}
}

func flattenFormula(formula *FormulaValue) string {
	if formula == nil {
		return ""
	}
	switch formula.Type {
	case "string":
		return stringValue(formula.String)
	case "number":
		return formatNumber(formula.Number)
	case "boolean":
		if formula.Boolean != nil && *formula.Boolean {
			return "TRUE"
		}
		return "FALSE"
	case "date":
		return formatDate(formula.Date)
	default:
		return ""
	}
}

func flattenUnknown(p PropertyValue) string {
	if len(p.raw) == 0 {
		return ""
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(p.raw, &fields); err != nil {
		return ""
	}
	payload, ok := fields[p.Type]
	if !ok {
		return ""
	}
	var asString string
	if err := json.Unmarshal(payload, &asString); err == nil {
		return asString
	}
	return string(payload)
}
