package usecase

import (
	"os"
	"sort"
	"strings"
)

// hostEnvAllowList is the closed set of worker-host environment variables a
// test container may inherit. Nothing outside this list ever crosses the
// boundary, regardless of what the worker process has in its environment.
var hostEnvAllowList = []string{
	"API_USER",
	"API_PASSWORD",
	"BASE_URL",
	"SECRET_KEY",
	"DB_USER",
	"DB_PASS",
	"MONGO_URI",
	"MONGODB_URL",
	"REDIS_URL",
	"GEMINI_API_KEY",
}

// hostRewriteKeys are the keys whose values get localhost rewritten to the
// container-reachable host alias when the worker itself runs inside a
// container. Connection strings for services published on the host would
// otherwise point at the test container's own loopback.
var hostRewriteKeys = map[string]struct{}{
	"BASE_URL":    {},
	"MONGO_URI":   {},
	"MONGODB_URL": {},
}

const hostAlias = "host.docker.internal"

// Injector assembles the environment for a test container. Base values come
// first, the caller's envVars overlay them, and allow-listed worker-host
// variables fill in any key the caller left unset.
type Injector struct {
	// LookupEnv abstracts os.LookupEnv for tests.
	LookupEnv func(string) (string, bool)
	// InContainer toggles the localhost rewrite.
	InContainer bool
}

// NewInjector builds an Injector reading the real process environment and
// auto-detecting containerized execution via /.dockerenv.
func NewInjector() Injector {
	_, err := os.Stat("/.dockerenv")
	return Injector{LookupEnv: os.LookupEnv, InContainer: err == nil}
}

// Build returns the container environment as KEY=value pairs in
// deterministic (sorted) order.
func (inj Injector) Build(taskID, baseURL string, callerEnv map[string]string) []string {
	lookup := inj.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}

	final := map[string]string{
		"TASK_ID":            taskID,
		"CI":                 "true",
		"FRAMEWORK_AGNOSTIC": "true",
	}
	if baseURL != "" {
		final["BASE_URL"] = baseURL
	}
	for k, v := range callerEnv {
		final[k] = v
	}
	for _, key := range hostEnvAllowList {
		if _, set := callerEnv[key]; set {
			continue
		}
		if v, ok := lookup(key); ok {
			final[key] = v
		}
	}

	if inj.InContainer {
		for key := range hostRewriteKeys {
			if v, ok := final[key]; ok {
				final[key] = rewriteLoopback(v)
			}
		}
	}

	keys := make([]string, 0, len(final))
	for k := range final {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+final[k])
	}
	return out
}

func rewriteLoopback(v string) string {
	v = strings.ReplaceAll(v, "localhost", hostAlias)
	v = strings.ReplaceAll(v, "127.0.0.1", hostAlias)
	return v
}
