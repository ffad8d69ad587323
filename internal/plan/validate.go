package plan

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const maxTitleLength = 200

// NewTask is the input for TaskStore.CreateTask.
type NewTask struct {
	Title        string `yaml:"title" json:"title"`
	Dependencies []int  `yaml:"dependencies" json:"dependencies"`
}

// ValidateNewTask checks a task about to be created against the ids that
// already exist.
func ValidateNewTask(in NewTask, existing map[int]bool) *ValidationErrors {
	errs := &ValidationErrors{}

	title := strings.TrimSpace(in.Title)
	switch {
	case title == "":
		errs.Add("title", "required field is missing")
	case utf8.RuneCountInString(title) > maxTitleLength:
		errs.Add("title", fmt.Sprintf("must be at most %d characters", maxTitleLength))
	case strings.ContainsAny(title, "\n\r"):
		errs.Add("title", "must be a single line")
	}

	validateDependencyRefs(0, in.Dependencies, existing, errs)

	if errs.HasErrors() {
		return errs
	}
	return nil
}

// ValidateDependencies checks a replacement dependency set for task id.
func ValidateDependencies(id int, deps []int, existing map[int]bool) *ValidationErrors {
	errs := &ValidationErrors{}
	validateDependencyRefs(id, deps, existing, errs)
	if errs.HasErrors() {
		return errs
	}
	return nil
}

func validateDependencyRefs(id int, deps []int, existing map[int]bool, errs *ValidationErrors) {
	seen := make(map[int]bool, len(deps))
	for i, dep := range deps {
		field := fmt.Sprintf("dependencies[%d]", i)
		switch {
		case dep <= 0:
			errs.Add(field, fmt.Sprintf("invalid task id %d", dep))
		case id != 0 && dep == id:
			errs.Add(field, "self-reference is not allowed")
		case !existing[dep]:
			errs.Add(field, fmt.Sprintf("references unknown task #%d", dep))
		case seen[dep]:
			errs.Add(field, fmt.Sprintf("duplicate dependency #%d", dep))
		}
		seen[dep] = true
	}
}
