// Package style resolves the reply persona for a turn and renders it as a
// system-prompt fragment.
package style

import (
	"log/slog"

	"github.com/BTreeMap/CarePipe/internal/catalog"
	"github.com/BTreeMap/CarePipe/internal/models"
)

// Reason records which rule of the cascade picked the style.
type Reason string

const (
	ReasonCrisis     Reason = "crisis"
	ReasonOverride   Reason = "override"
	ReasonPreference Reason = "preference"
	ReasonIntensity  Reason = "intensity"
	ReasonScene      Reason = "scene"
	ReasonDefault    Reason = "default"
)

// comfortIntensity is the intensity from which the adaptive default turns to comfort.
const comfortIntensity = 7

// Preference carries the user-side inputs of the cascade.
type Preference struct {
	// Override is a style requested in the current message.
	Override string
	// Persisted is the session's stored preference.
	Persisted string
}

// Decision is the resolved style and the rule that produced it.
type Decision struct {
	Style  models.StyleProfile
	Reason Reason
}

// Resolver picks a style from a catalog.
type Resolver struct {
	catalog *catalog.Catalog
}

// NewResolver creates a Resolver over c.
func NewResolver(c *catalog.Catalog) *Resolver {
	return &Resolver{catalog: c}
}

// Resolve applies the cascade: high risk forces crisis_safe; then a per-turn
// override; then the persisted preference; then intensity, scene and finally
// the catalog default. Ids that are unknown or internal fall through.
func (r *Resolver) Resolve(pref Preference, turn models.ParsedTurn) Decision {
	if turn.RiskLevel == models.RiskHigh {
		return Decision{Style: r.catalog.CrisisStyle(), Reason: ReasonCrisis}
	}
	if s, ok := r.selectable(pref.Override); ok {
		return Decision{Style: s, Reason: ReasonOverride}
	}
	if s, ok := r.selectable(pref.Persisted); ok {
		return Decision{Style: s, Reason: ReasonPreference}
	}
	if turn.Intensity >= comfortIntensity {
		if s, ok := r.catalog.Style(models.StyleComfort); ok {
			return Decision{Style: s, Reason: ReasonIntensity}
		}
	}
	if turn.Scene.IsLearning() {
		if s, ok := r.catalog.Style(models.StyleGrowth); ok {
			return Decision{Style: s, Reason: ReasonScene}
		}
	}
	return Decision{Style: r.catalog.DefaultStyle(), Reason: ReasonDefault}
}

// IsSelectable reports whether users may choose id.
func (r *Resolver) IsSelectable(id string) bool {
	_, ok := r.selectable(id)
	return ok
}

func (r *Resolver) selectable(id string) (models.StyleProfile, bool) {
	if id == "" {
		return models.StyleProfile{}, false
	}
	s, ok := r.catalog.Style(id)
	if !ok || s.Internal {
		slog.Debug("Resolver.selectable: ignoring style", "id", id, "known", ok)
		return models.StyleProfile{}, false
	}
	return s, true
}
