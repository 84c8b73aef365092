package naming

import (
	"fmt"
	"strconv"
	"strings"
)

// Naming functions for CustomApp children.
// Every child name is derived from the owner so the set can be recomputed
// without any stored state.

func ContentConfigMap(app string) string {
	return fmt.Sprintf("%s-content", app)
}

func Service(app string) string {
	return app
}

func Replica(app string, ordinal int) string {
	return fmt.Sprintf("%s-%d", app, ordinal)
}

// ReplicaOrdinal parses the ordinal out of a replica name. It returns false
// for names that were not produced by Replica for the same app.
func ReplicaOrdinal(app, name string) (int, bool) {
	suffix, ok := strings.CutPrefix(name, app+"-")
	if !ok || suffix == "" {
		return 0, false
	}
	n, err := strconv.Atoi(suffix)
	if err != nil || n < 0 || strconv.Itoa(n) != suffix {
		return 0, false
	}
	return n, true
}
