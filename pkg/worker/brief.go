// Package worker spawns and supervises the external worker process that
// performs a job's actual task.
package worker

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/3leaps/foreman/pkg/job"
)

// BriefVersion identifies the task brief template generation. Bump when the
// rendered structure changes so worker-side parsing can key off it.
const BriefVersion = "v2"

// briefTemplate is the versioned task brief fed to the worker on stdin.
//
// The worker treats everything before the blank line as context headers and
// the rest as its instructions.
const briefTemplate = `FOREMAN-BRIEF {{.Version}}
skill: {{.Skill}}
workspace: {{.WorkspacePath}}
branch: {{.BranchName}}
trigger: {{.TriggerRef}}
job: {{.JobID}}

{{.Instructions}}
`

var skillInstructions = map[job.Skill]string{
	job.SkillAnalyze: strings.TrimSpace(`
Analyze the trigger described above against the checked-out workspace.
Produce findings only; do not modify any files.
Report conclusions through log commands and finish with a terminal result.`),

	job.SkillResolve: strings.TrimSpace(`
Implement a fix for the trigger described above inside the workspace.
Keep changes minimal and in the style of the surrounding code.
Emit progress commands as you work and checkpoint after each coherent step.
Finish with a terminal result listing every file you touched.`),

	job.SkillTest: strings.TrimSpace(`
Add or repair tests covering the trigger described above.
Do not change non-test code unless a test reveals a defect; if it does,
report it via an error command instead of fixing it.
Finish with a terminal result listing every file you touched.`),

	job.SkillChallenge: strings.TrimSpace(`
Review the changes on this branch critically. Look for defects, missing
edge cases, and contract violations. Do not modify files.
Report each finding via a log command and finish with a terminal result.`),
}

type briefData struct {
	Version       string
	Skill         job.Skill
	WorkspacePath string
	BranchName    string
	TriggerRef    string
	JobID         string
	Instructions  string
}

// RenderBrief renders the task brief for a job. The job must already carry
// a resolved skill and an assigned workspace.
func RenderBrief(j *job.Job) (string, error) {
	instructions, ok := skillInstructions[j.Skill]
	if !ok {
		return "", fmt.Errorf("no brief template for skill %q", j.Skill)
	}

	tmpl, err := template.New("brief").Parse(briefTemplate)
	if err != nil {
		return "", fmt.Errorf("parse brief template: %w", err)
	}

	var b strings.Builder
	err = tmpl.Execute(&b, briefData{
		Version:       BriefVersion,
		Skill:         j.Skill,
		WorkspacePath: j.WorkspacePath,
		BranchName:    j.BranchName,
		TriggerRef:    j.Trigger.Ref(),
		JobID:         j.JobID,
		Instructions:  instructions,
	})
	if err != nil {
		return "", fmt.Errorf("render brief: %w", err)
	}
	return b.String(), nil
}
