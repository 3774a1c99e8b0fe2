package plugin

import (
	"fmt"

	"github.com/johnhnguyen97/moxie-ai/internal/domain"
)

// CategoryPolicy restricts which capability categories may be registered.
// An empty Allowed list permits every category not in Denied.
type CategoryPolicy struct {
	Allowed []domain.Category
	Denied  []domain.Category
}

// Check returns ErrPermissionDenied when the manifest's category is denied
// or missing from a non-empty allow list.
func (p CategoryPolicy) Check(manifest domain.PluginManifest) error {
	category := manifest.Category
	if category == "" {
		category = domain.CategoryCustom
	}
	for _, d := range p.Denied {
		if d == category {
			return fmt.Errorf("%w: plugin %q has denied category %q",
				domain.ErrPermissionDenied, manifest.ID, category)
		}
	}
	if len(p.Allowed) == 0 {
		return nil
	}
	for _, a := range p.Allowed {
		if a == category {
			return nil
		}
	}
	return fmt.Errorf("%w: plugin %q has unlisted category %q",
		domain.ErrPermissionDenied, manifest.ID, category)
}
