package moves

import "fmt"

// invariantChecks gates contract assertions. Set to false to compile the
// checks out of release builds.
const invariantChecks = true

func assert(cond bool, format string, args ...any) {
	if invariantChecks && !cond {
		panic(fmt.Sprintf(format, args...))
	}
}
