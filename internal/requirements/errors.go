package requirements

import (
	"fmt"
	"strings"
)

// RequirementsNotFoundError indicates requirements that could not be
// installed for an integration.
type RequirementsNotFoundError struct {
	Domain       string
	Requirements []string
}

func (e *RequirementsNotFoundError) Error() string {
	return fmt.Sprintf("requirements: not found for %s: %s",
		e.Domain, strings.Join(e.Requirements, ", "))
}
