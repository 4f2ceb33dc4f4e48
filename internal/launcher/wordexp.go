package launcher

import (
	"os"
	"strings"
)

// expandArgv performs a deliberately restricted word expansion: only
// $NAME / ${NAME} substitution against the child's resolved environment.
// Shell globs, pipes and redirection are forbidden by construction — no
// shell is involved at all, so "|<>&;" are inert literal bytes in the
// argv the child receives. Traditional init systems run argv through
// wordexp(3) with ad-hoc escaping of leading metacharacters, which is
// security sensitive; the narrower expander is intentional.
func expandArgv(args []string, env []string) []string {
	lookup := envLookup(env)
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = os.Expand(a, lookup)
	}
	return out
}

func envLookup(env []string) func(string) string {
	m := make(map[string]string, len(env))
	for _, kv := range env {
		if idx := strings.IndexByte(kv, '='); idx >= 0 {
			m[kv[:idx]] = kv[idx+1:]
		}
	}
	return func(name string) string { return m[name] }
}
