package bundle

import (
	"fmt"
	"strings"

	"github.com/apphub-core/platform/internal/apherr"
)

// Binding is the parsed (slug, version, export) triple embedded in a JobDefinition's EntryPoint
// for bundle-backed runtimes: entry points of
// the form "bundle:<slug>@<version>[#export]".
type Binding struct {
	Slug    string
	Version string
	Export  string // defaults to "default" when absent
}

const entryPrefix = "bundle:"

// ParseBinding parses entryPoint into a Binding, or returns ok=false when entryPoint does not
// carry the "bundle:" prefix (i.e. the runtime resolves some other way).
func ParseBinding(entryPoint string) (Binding, bool, error) {
	if !strings.HasPrefix(entryPoint, entryPrefix) {
		return Binding{}, false, nil
	}
	rest := strings.TrimPrefix(entryPoint, entryPrefix)

	export := "default"
	if idx := strings.Index(rest, "#"); idx >= 0 {
		export = rest[idx+1:]
		rest = rest[:idx]
	}
	at := strings.LastIndex(rest, "@")
	if at <= 0 || at == len(rest)-1 {
		return Binding{}, true, apherr.Newf(apherr.KindValidation, "entryPoint %q is not bundle:<slug>@<version>[#export]", entryPoint)
	}
	return Binding{Slug: rest[:at], Version: rest[at+1:], Export: export}, true, nil
}

// String renders the binding back into entryPoint form, used when a recovery hook rewrites the
// binding and the runtime records the new entry point in run context.
func (b Binding) String() string {
	return fmt.Sprintf("%s%s@%s#%s", entryPrefix, b.Slug, b.Version, b.Export)
}
