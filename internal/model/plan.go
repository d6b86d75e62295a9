package model

import (
	"strconv"
	"strings"
)

// Row is one input record keyed by CSV header.
type Row struct {
	Index  int               `json:"index"`
	Fields map[string]string `json:"fields"`
}

// Lookup returns the value for key, matching exactly first and then
// case-insensitively. Loaded rows never hold two keys that differ only in
// case, so the fallback has at most one candidate.
func (r Row) Lookup(key string) (string, bool) {
	if v, ok := r.Fields[key]; ok {
		return v, true
	}
	for k, v := range r.Fields {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return "", false
}

// FieldType selects the comparison strategy for a field.
type FieldType string

const (
	FieldText     FieldType = "text"
	FieldNumber   FieldType = "number"
	FieldCurrency FieldType = "currency"
	FieldEmail    FieldType = "email"
	FieldURL      FieldType = "url"
	FieldPhone    FieldType = "phone"
	FieldDate     FieldType = "date"
)

// Valid reports whether t is a supported field type.
func (t FieldType) Valid() bool {
	switch t {
	case FieldText, FieldNumber, FieldCurrency, FieldEmail, FieldURL, FieldPhone, FieldDate:
		return true
	}
	return false
}

// FieldMapping links one input column to where its value lives on the page.
type FieldMapping struct {
	Field     string    `json:"field" yaml:"field"`
	Label     string    `json:"label,omitempty" yaml:"label"`
	Selectors []string  `json:"selectors,omitempty" yaml:"selectors"`
	Attribute string    `json:"attribute,omitempty" yaml:"attribute"`
	Pattern   string    `json:"pattern,omitempty" yaml:"pattern"`
	Type      FieldType `json:"type" yaml:"type"`
	Required  bool      `json:"required" yaml:"required"`
	OCR       *bool     `json:"ocr,omitempty" yaml:"ocr"`
}

// OCREnabled reports whether OCR fallback may run for this field. Defaults to true.
func (m FieldMapping) OCREnabled() bool {
	return m.OCR == nil || *m.OCR
}

// TargetConfig describes the page every row is checked against.
type TargetConfig struct {
	URL          string `json:"url" yaml:"url"`
	WaitSelector string `json:"wait_selector,omitempty" yaml:"wait_selector"`
	RowIDField   string `json:"row_id_field,omitempty" yaml:"row_id_field"`
}

// Plan bundles a target with its ordered field mappings.
type Plan struct {
	Name   string         `json:"name" yaml:"name"`
	Target TargetConfig   `json:"target" yaml:"target"`
	Fields []FieldMapping `json:"fields" yaml:"fields"`
}

// RowID returns the identifier used for evidence and storage. It falls back
// to the row index when the plan names no id column or the value is blank.
func (p Plan) RowID(r Row) string {
	if p.Target.RowIDField != "" {
		if v, ok := r.Lookup(p.Target.RowIDField); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return "row-" + strconv.Itoa(r.Index)
}
