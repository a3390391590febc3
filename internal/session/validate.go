package session

import (
	"fmt"
	"regexp"
)

// Session names become directory names under ~/.papo/sessions and a
// suffix on lock and log files, so they are restricted to a safe
// lowercase charset.
var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName checks that name is usable as a papo session name.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid session name %q: must match ^[a-z0-9_-]{1,64}$", name)
	}
	return nil
}
