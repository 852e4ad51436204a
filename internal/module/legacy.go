package module

import (
	"context"
	"strings"
)

// LegacyModule is a module whose body still reports a key-value result
// ({"completed": true, "engagement": false}).
type LegacyModule interface {
	Name() string
	Enter(ctx context.Context) error
	RunLegacy(ctx context.Context) (map[string]any, error)
	Exit(ctx context.Context) error
	RequestStop()
}

// FromLegacy adapts a LegacyModule to Module. The key-value result is
// converted by NormalizeResult and never reaches the orchestrator.
func FromLegacy(m LegacyModule) Module {
	return legacyAdapter{m}
}

type legacyAdapter struct {
	LegacyModule
}

// Reset forwards to the wrapped module when it keeps a stop flag.
func (a legacyAdapter) Reset() {
	if r, ok := a.LegacyModule.(Resetter); ok {
		r.Reset()
	}
}

func (a legacyAdapter) Run(ctx context.Context) (Result, error) {
	raw, err := a.RunLegacy(ctx)
	if err != nil {
		return Result{}, err
	}
	return NormalizeResult(raw), nil
}

// NormalizeResult converts a legacy key-value result. Missing or
// unrecognised "completed" values count as not completed. Engagement is read
// from "child_engagement" first, then "engagement".
func NormalizeResult(raw map[string]any) Result {
	res := Result{Completed: truthy(raw["completed"])}
	for _, key := range []string{"child_engagement", "engagement"} {
		v, ok := raw[key]
		if !ok || v == nil {
			continue
		}
		engaged := truthy(v)
		res.Engagement = &engaged
		break
	}
	return res
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "yes", "1":
			return true
		}
		return false
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	default:
		return false
	}
}
