package job

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Skill is the enumerated task type a worker can be instructed to perform.
//
// The set is closed: routing tables are validated against it at startup so a
// typo in a routing override fails fast instead of producing a job no worker
// understands.
type Skill string

const (
	// SkillNone is a legitimate terminal outcome: the event requires no
	// action and the job completes as skipped without reaching a worker.
	SkillNone      Skill = "none"
	SkillAnalyze   Skill = "analyze"
	SkillResolve   Skill = "resolve"
	SkillTest      Skill = "test"
	SkillChallenge Skill = "challenge"
)

// KnownSkills lists every valid skill value.
func KnownSkills() []Skill {
	return []Skill{SkillNone, SkillAnalyze, SkillResolve, SkillTest, SkillChallenge}
}

func validSkill(s Skill) bool {
	for _, known := range KnownSkills() {
		if s == known {
			return true
		}
	}
	return false
}

// AutonomyLevel optionally overrides default skill resolution for a job.
type AutonomyLevel string

const (
	AutonomyDefault  AutonomyLevel = ""
	AutonomyReadOnly AutonomyLevel = "read_only"
	AutonomyFull     AutonomyLevel = "full"
)

func validAutonomy(a AutonomyLevel) bool {
	switch a {
	case AutonomyDefault, AutonomyReadOnly, AutonomyFull:
		return true
	}
	return false
}

// ParseAutonomy validates an autonomy string from an untrusted caller.
// The empty string is the default level.
func ParseAutonomy(s string) (AutonomyLevel, error) {
	a := AutonomyLevel(strings.ToLower(strings.TrimSpace(s)))
	if !validAutonomy(a) {
		return "", fmt.Errorf("unknown autonomy level: %q", s)
	}
	return a, nil
}

// routeKey identifies one routing table entry.
type routeKey struct {
	EventType string
	Autonomy  AutonomyLevel
}

// Router resolves (event type, autonomy level) pairs to skills.
//
// Resolution order: exact (type, autonomy) entry, then (type, default)
// entry, then the per-autonomy wildcard for dotted prefixes (card.moved.*),
// then SkillNone. An unmatched event is a skip, not an error: ingress
// accepts event types this deployment has no opinion about.
type Router struct {
	table map[routeKey]Skill
}

// DefaultRouter returns the built-in routing table.
func DefaultRouter() *Router {
	r := &Router{table: map[routeKey]Skill{}}
	defaults := map[string]Skill{
		"issue.opened":         SkillAnalyze,
		"issue.assigned":       SkillResolve,
		"issue.closed":         SkillNone,
		"issue.deleted":        SkillNone,
		"card.created":         SkillAnalyze,
		"card.moved.todo":      SkillResolve,
		"card.moved.testing":   SkillTest,
		"card.moved.in-review": SkillChallenge,
		"card.moved.done":      SkillNone,
	}
	for eventType, skill := range defaults {
		r.table[routeKey{eventType, AutonomyDefault}] = skill
	}

	// read_only caps every mutating default to analysis.
	for eventType, skill := range defaults {
		if skill == SkillResolve || skill == SkillTest || skill == SkillChallenge {
			r.table[routeKey{eventType, AutonomyReadOnly}] = SkillAnalyze
		}
	}
	// full escalates triage-only events straight to resolution.
	r.table[routeKey{"issue.opened", AutonomyFull}] = SkillResolve
	r.table[routeKey{"card.created", AutonomyFull}] = SkillResolve

	return r
}

// RouteOverride is one entry in a skills override file.
type RouteOverride struct {
	EventType string        `yaml:"event_type"`
	Autonomy  AutonomyLevel `yaml:"autonomy,omitempty"`
	Skill     Skill         `yaml:"skill"`
}

type routeFile struct {
	Routes []RouteOverride `yaml:"routes"`
}

// LoadOverrides merges routing overrides from a YAML file into the router.
// Every entry is validated against the skill enum before any is applied.
func (r *Router) LoadOverrides(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read routes file: %w", err)
	}
	var f routeFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse routes file %s: %w", path, err)
	}
	return r.Apply(f.Routes)
}

// Apply merges overrides into the table, validating first so a bad entry
// leaves the router untouched.
func (r *Router) Apply(overrides []RouteOverride) error {
	for i, o := range overrides {
		if strings.TrimSpace(o.EventType) == "" {
			return fmt.Errorf("route %d: event_type is required", i)
		}
		if !validSkill(o.Skill) {
			return fmt.Errorf("route %d (%s): unknown skill %q", i, o.EventType, o.Skill)
		}
		if !validAutonomy(o.Autonomy) {
			return fmt.Errorf("route %d (%s): unknown autonomy level %q", i, o.EventType, o.Autonomy)
		}
	}
	for _, o := range overrides {
		r.table[routeKey{o.EventType, o.Autonomy}] = o.Skill
	}
	return nil
}

// Resolve maps an event type and autonomy level to a skill.
func (r *Router) Resolve(eventType string, autonomy AutonomyLevel) Skill {
	if autonomy != AutonomyDefault {
		if s, ok := r.table[routeKey{eventType, autonomy}]; ok {
			return s
		}
	}
	if s, ok := r.table[routeKey{eventType, AutonomyDefault}]; ok {
		return s
	}

	// Dotted types carry a trailing discriminator (card.moved.<list-slug>).
	// Fall back to the most specific wildcard entry.
	for prefix := eventType; ; {
		idx := strings.LastIndex(prefix, ".")
		if idx < 0 {
			break
		}
		prefix = prefix[:idx]
		key := prefix + ".*"
		if autonomy != AutonomyDefault {
			if s, ok := r.table[routeKey{key, autonomy}]; ok {
				return s
			}
		}
		if s, ok := r.table[routeKey{key, AutonomyDefault}]; ok {
			return s
		}
	}

	return SkillNone
}

// EventTypes returns the sorted event types the router has entries for.
// Used by doctor-style diagnostics and tests.
func (r *Router) EventTypes() []string {
	seen := map[string]struct{}{}
	for k := range r.table {
		seen[k.EventType] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
