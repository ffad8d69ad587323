package model

import (
	"fmt"
	"regexp"
	"strconv"
)

// Task references accept "7", "#7" and "T7".
var taskRefRegex = regexp.MustCompile(`^(?:#|[Tt])?([0-9]+)$`)

func ParseTaskRef(ref string) (int, error) {
	match := taskRefRegex.FindStringSubmatch(ref)
	if match == nil {
		return 0, fmt.Errorf("invalid task reference: %q", ref)
	}
	id, err := strconv.Atoi(match[1])
	if err != nil {
		return 0, fmt.Errorf("invalid task reference %q: %w", ref, err)
	}
	if id <= 0 {
		return 0, fmt.Errorf("invalid task reference %q: ids start at 1", ref)
	}
	return id, nil
}

func FormatTaskRef(id int) string {
	return fmt.Sprintf("#%d", id)
}
