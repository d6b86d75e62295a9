package model

import (
	"strings"

	"github.com/rotisserie/eris"
)

// Role identifies one specialized agent kind. The set is closed.
type Role string

const (
	RoleNavigator         Role = "navigator"
	RoleExtractor         Role = "extractor"
	RoleOCRSpecialist     Role = "ocr_specialist"
	RoleValidator         Role = "validator"
	RoleEvidenceCollector Role = "evidence_collector"
	RoleCoordinator       Role = "coordinator"
)

// AllRoles returns every role in pipeline order.
func AllRoles() []Role {
	return []Role{
		RoleNavigator,
		RoleExtractor,
		RoleOCRSpecialist,
		RoleValidator,
		RoleEvidenceCollector,
		RoleCoordinator,
	}
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	for _, known := range AllRoles() {
		if r == known {
			return true
		}
	}
	return false
}

// Capabilities lists what an agent of this role can do.
func (r Role) Capabilities() []string {
	switch r {
	case RoleNavigator:
		return []string{"navigate", "screenshot", "capture_html"}
	case RoleExtractor:
		return []string{"dom_extract"}
	case RoleOCRSpecialist:
		return []string{"ocr_extract"}
	case RoleValidator:
		return []string{"semantic_judge", "heuristic_compare"}
	case RoleEvidenceCollector:
		return []string{"store_artifacts"}
	case RoleCoordinator:
		return []string{"record_outcome", "dead_letter"}
	default:
		return nil
	}
}

// ParseRole converts a config string into a Role.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", eris.Errorf("model: unknown role %q", s)
	}
	return r, nil
}
