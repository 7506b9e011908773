package token

import (
	"errors"
	"fmt"
	"strings"
)

const counterPad = 3

var ErrInvalidDepartment = errors.New("invalid department")

var departmentPrefixes = map[string]string{
	"Registration": "REG",
	"Doctor":       "DOC",
	"Pharmacy":     "PH",
	"Lab":          "LAB",
	"OPD":          "OPD",
}

// Prefix returns the display abbreviation for a department, falling back
// to the upper-cased department name when no fixed abbreviation exists.
func Prefix(department string) string {
	if prefix, ok := departmentPrefixes[department]; ok {
		return prefix
	}
	return strings.ToUpper(department)
}

// Render formats a department counter value as a display token,
// e.g. ("Lab", 7) -> "LAB-007". Deterministic and injective for a fixed
// department.
func Render(department string, counter int64) (string, error) {
	if strings.TrimSpace(department) == "" {
		return "", ErrInvalidDepartment
	}
	return fmt.Sprintf("%s-%0*d", Prefix(department), counterPad, counter), nil
}
