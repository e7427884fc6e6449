package catalog

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// stringList accepts either a scalar or a sequence of scalars.
type stringList []string

func (s *stringList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*s = stringList{value.Value}
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := value.Decode(&items); err != nil {
			return err
		}
		*s = items
		return nil
	default:
		return fmt.Errorf("line %d: expected a string or a list of strings", value.Line)
	}
}

type rawTrigger struct {
	Emotion        stringList `yaml:"emotion"`
	Emotions       stringList `yaml:"emotions"`
	Scene          stringList `yaml:"scene"`
	Scenes         stringList `yaml:"scenes"`
	UserGoal       string     `yaml:"userGoal"`
	Intensity      []int      `yaml:"intensity"`
	IntensityMin   *int       `yaml:"intensityMin"`
	IntensityMax   *int       `yaml:"intensityMax"`
	RiskLevel      stringList `yaml:"riskLevel"`
	RiskLevels     stringList `yaml:"riskLevels"`
	Styles         stringList `yaml:"styles"`
	StyleWhitelist stringList `yaml:"styleWhitelist"`
}

type rawIntervention struct {
	ID          string     `yaml:"id"`
	Name        string     `yaml:"name"`
	Role        string     `yaml:"role"`
	Description string     `yaml:"description"`
	Triggers    rawTrigger `yaml:"triggers"`
}

func (r rawIntervention) normalize(styles map[string]models.StyleProfile) (models.InterventionRule, error) {
	if r.ID == "" {
		return models.InterventionRule{}, fmt.Errorf("id is required")
	}
	role := models.InterventionRole(r.Role)
	switch role {
	case models.RoleEmotion, models.RoleClarification, models.RoleAction:
	default:
		return models.InterventionRule{}, fmt.Errorf("invalid role %q", r.Role)
	}
	trigger, err := r.Triggers.normalize(styles)
	if err != nil {
		return models.InterventionRule{}, err
	}
	desc := r.Description
	if desc == "" {
		desc = r.Name
	}
	return models.InterventionRule{ID: r.ID, Role: role, Description: desc, Trigger: trigger}, nil
}

func (t rawTrigger) normalize(styles map[string]models.StyleProfile) (models.Trigger, error) {
	var out models.Trigger

	for _, e := range append(append(stringList(nil), t.Emotion...), t.Emotions...) {
		emotion := models.Emotion(e)
		if !models.IsValidEmotion(emotion) {
			return out, fmt.Errorf("unknown emotion %q", e)
		}
		out.Emotions = appendUnique(out.Emotions, emotion)
	}
	for _, s := range append(append(stringList(nil), t.Scene...), t.Scenes...) {
		scene := models.Scene(s)
		if !models.IsValidScene(scene) {
			return out, fmt.Errorf("unknown scene %q", s)
		}
		out.Scenes = appendUnique(out.Scenes, scene)
	}
	if t.UserGoal != "" {
		goal := models.UserGoal(t.UserGoal)
		if !models.IsValidUserGoal(goal) {
			return out, fmt.Errorf("unknown userGoal %q", t.UserGoal)
		}
		out.UserGoal = goal
	}
	for _, r := range append(append(stringList(nil), t.RiskLevel...), t.RiskLevels...) {
		level := models.RiskLevel(r)
		if !models.IsValidRiskLevel(level) {
			return out, fmt.Errorf("unknown risk level %q", r)
		}
		out.RiskLevels = appendUnique(out.RiskLevels, level)
	}
	for _, id := range append(append(stringList(nil), t.Styles...), t.StyleWhitelist...) {
		if _, ok := styles[id]; !ok {
			return out, fmt.Errorf("unknown style %q", id)
		}
		out.Styles = appendUnique(out.Styles, id)
	}

	rng, err := t.intensityRange()
	if err != nil {
		return out, err
	}
	out.Intensity = rng
	if !out.HasMatchDimension() {
		return out, fmt.Errorf("trigger needs an emotion, scene or userGoal")
	}
	return out, nil
}

func (t rawTrigger) intensityRange() (*models.IntRange, error) {
	if t.Intensity != nil && (t.IntensityMin != nil || t.IntensityMax != nil) {
		return nil, fmt.Errorf("intensity and intensityMin/intensityMax are mutually exclusive")
	}
	var rng models.IntRange
	switch {
	case t.Intensity != nil:
		if len(t.Intensity) != 2 {
			return nil, fmt.Errorf("intensity must be [min, max], got %v", t.Intensity)
		}
		rng = models.IntRange{Min: t.Intensity[0], Max: t.Intensity[1]}
	case t.IntensityMin != nil || t.IntensityMax != nil:
		rng = models.IntRange{Min: models.MinIntensity, Max: models.MaxIntensity}
		if t.IntensityMin != nil {
			rng.Min = *t.IntensityMin
		}
		if t.IntensityMax != nil {
			rng.Max = *t.IntensityMax
		}
	default:
		return nil, nil
	}
	if rng.Min < models.MinIntensity || rng.Max > models.MaxIntensity || rng.Min > rng.Max {
		return nil, fmt.Errorf("invalid intensity range [%d, %d]", rng.Min, rng.Max)
	}
	return &rng, nil
}

func appendUnique[T comparable](list []T, v T) []T {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
