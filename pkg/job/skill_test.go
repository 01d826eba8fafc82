package job

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRouting(t *testing.T) {
	r := DefaultRouter()

	tests := []struct {
		eventType string
		autonomy  AutonomyLevel
		want      Skill
	}{
		{"issue.opened", AutonomyDefault, SkillAnalyze},
		{"issue.assigned", AutonomyDefault, SkillResolve},
		{"issue.closed", AutonomyDefault, SkillNone},
		{"card.created", AutonomyDefault, SkillAnalyze},
		{"card.moved.todo", AutonomyDefault, SkillResolve},
		{"card.moved.testing", AutonomyDefault, SkillTest},
		{"card.moved.in-review", AutonomyDefault, SkillChallenge},
		{"card.moved.done", AutonomyDefault, SkillNone},

		// read_only caps mutating skills to analysis.
		{"issue.assigned", AutonomyReadOnly, SkillAnalyze},
		{"card.moved.todo", AutonomyReadOnly, SkillAnalyze},

		// full escalates triage events straight to resolution.
		{"issue.opened", AutonomyFull, SkillResolve},
		{"card.created", AutonomyFull, SkillResolve},

		// Unknown events resolve to none, never to an arbitrary skill.
		{"issue.labeled", AutonomyDefault, SkillNone},
		{"release.published", AutonomyDefault, SkillNone},
	}

	for _, tt := range tests {
		t.Run(tt.eventType+"/"+string(tt.autonomy), func(t *testing.T) {
			assert.Equal(t, tt.want, r.Resolve(tt.eventType, tt.autonomy))
		})
	}
}

func TestWildcardFallback(t *testing.T) {
	r := DefaultRouter()
	require.NoError(t, r.Apply([]RouteOverride{
		{EventType: "card.moved.*", Skill: SkillAnalyze},
	}))

	// A list slug without an exact entry falls back to the wildcard.
	assert.Equal(t, SkillAnalyze, r.Resolve("card.moved.backlog", AutonomyDefault))
	// Exact entries still win over the wildcard.
	assert.Equal(t, SkillResolve, r.Resolve("card.moved.todo", AutonomyDefault))
}

func TestApplyValidatesBeforeMutating(t *testing.T) {
	r := DefaultRouter()
	before := r.Resolve("issue.opened", AutonomyDefault)

	err := r.Apply([]RouteOverride{
		{EventType: "issue.opened", Skill: SkillTest},
		{EventType: "issue.assigned", Skill: "deploy"}, // not in the enum
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deploy")

	// The valid first entry must not have been applied.
	assert.Equal(t, before, r.Resolve("issue.opened", AutonomyDefault))
}

func TestApplyRejectsUnknownAutonomy(t *testing.T) {
	r := DefaultRouter()
	err := r.Apply([]RouteOverride{
		{EventType: "issue.opened", Autonomy: "supervised", Skill: SkillAnalyze},
	})
	assert.Error(t, err)
}

func TestLoadOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "routes.yaml")
	content := `routes:
  - event_type: issue.opened
    skill: resolve
  - event_type: card.moved.icebox
    skill: none
  - event_type: issue.assigned
    autonomy: full
    skill: test
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	r := DefaultRouter()
	require.NoError(t, r.LoadOverrides(path))

	assert.Equal(t, SkillResolve, r.Resolve("issue.opened", AutonomyDefault))
	assert.Equal(t, SkillNone, r.Resolve("card.moved.icebox", AutonomyDefault))
	assert.Equal(t, SkillTest, r.Resolve("issue.assigned", AutonomyFull))
}

func TestLoadOverridesBadSkill(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "routes.yaml")
	require.NoError(t, os.WriteFile(path, []byte("routes:\n  - event_type: x\n    skill: nope\n"), 0o600))

	r := DefaultRouter()
	assert.Error(t, r.LoadOverrides(path))
}

func TestParseAutonomy(t *testing.T) {
	tests := []struct {
		in      string
		want    AutonomyLevel
		wantErr bool
	}{
		{"", AutonomyDefault, false},
		{"read_only", AutonomyReadOnly, false},
		{"FULL", AutonomyFull, false},
		{" read_only ", AutonomyReadOnly, false},
		{"supervised", "", true},
	}
	for _, tt := range tests {
		got, err := ParseAutonomy(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
