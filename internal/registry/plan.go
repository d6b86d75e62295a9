// Package registry loads validation plans and input rows, and resolves
// per-row navigation targets.
package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/andybalholm/cascadia"
	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/webcheck/internal/model"
	"github.com/sells-group/webcheck/internal/resilience"
)

// LoadPlan reads a validation plan from path. Files ending in .json are
// decoded as JSON; everything else as YAML.
func LoadPlan(path string) (*model.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "registry: read plan")
	}

	var plan model.Plan
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, &plan)
	} else {
		err = yaml.Unmarshal(data, &plan)
	}
	if err != nil {
		return nil, &resilience.ConfigurationError{Msg: "malformed plan " + path, Err: err}
	}

	if err := ValidatePlan(&plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

// ValidatePlan normalizes defaults and checks that every selector and
// pattern compiles before any row runs.
func ValidatePlan(plan *model.Plan) error {
	if strings.TrimSpace(plan.Target.URL) == "" {
		return resilience.NewConfigurationError("plan %q: target.url is required", plan.Name)
	}
	if _, err := Placeholders(plan.Target.URL); err != nil {
		return err
	}
	if ws := plan.Target.WaitSelector; ws != "" {
		if _, err := cascadia.Compile(ws); err != nil {
			return &resilience.ConfigurationError{Msg: "invalid wait_selector " + ws, Err: err}
		}
	}
	if len(plan.Fields) == 0 {
		return resilience.NewConfigurationError("plan %q: at least one field mapping is required", plan.Name)
	}

	seen := make(map[string]bool, len(plan.Fields))
	for i := range plan.Fields {
		f := &plan.Fields[i]
		f.Field = strings.TrimSpace(f.Field)
		if f.Field == "" {
			return resilience.NewConfigurationError("plan %q: fields[%d] has no field name", plan.Name, i)
		}
		if seen[f.Field] {
			return resilience.NewConfigurationError("plan %q: duplicate field %q", plan.Name, f.Field)
		}
		seen[f.Field] = true

		if f.Type == "" {
			f.Type = model.FieldText
		}
		if !f.Type.Valid() {
			return resilience.NewConfigurationError("field %q: unknown type %q", f.Field, f.Type)
		}
		for _, sel := range f.Selectors {
			if _, err := cascadia.Compile(sel); err != nil {
				return &resilience.ConfigurationError{Msg: "field " + f.Field + ": invalid selector " + sel, Err: err}
			}
		}
		if f.Pattern != "" {
			if _, err := regexp.Compile(f.Pattern); err != nil {
				return &resilience.ConfigurationError{Msg: "field " + f.Field + ": invalid pattern", Err: err}
			}
		}
		if len(f.Selectors) == 0 && f.Label == "" && f.Pattern == "" && !f.OCREnabled() {
			return resilience.NewConfigurationError("field %q: no selectors, label, pattern or OCR to locate it", f.Field)
		}
	}
	return nil
}
