package usecase

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeLookup(env map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
}

func asMap(t *testing.T, pairs []string) map[string]string {
	t.Helper()
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		require.True(t, ok, "malformed pair %q", p)
		out[k] = v
	}
	return out
}

func TestInjectorBaseValues(t *testing.T) {
	t.Parallel()

	inj := Injector{LookupEnv: fakeLookup(nil)}
	env := asMap(t, inj.Build("task-1", "http://app:3000", nil))

	assert.Equal(t, "task-1", env["TASK_ID"])
	assert.Equal(t, "true", env["CI"])
	assert.Equal(t, "true", env["FRAMEWORK_AGNOSTIC"])
	assert.Equal(t, "http://app:3000", env["BASE_URL"])
}

func TestInjectorAllowListOnly(t *testing.T) {
	t.Parallel()

	inj := Injector{LookupEnv: fakeLookup(map[string]string{
		"API_USER":     "svc",
		"DB_PASS":      "hunter2",
		"AWS_SECRET":   "never",
		"PATH":         "/usr/bin",
		"KAFKA_BROKER": "never-either",
	})}
	env := asMap(t, inj.Build("t", "", nil))

	assert.Equal(t, "svc", env["API_USER"])
	assert.Equal(t, "hunter2", env["DB_PASS"])
	assert.NotContains(t, env, "AWS_SECRET")
	assert.NotContains(t, env, "PATH")
	assert.NotContains(t, env, "KAFKA_BROKER")
}

func TestInjectorCallerWinsOverHost(t *testing.T) {
	t.Parallel()

	inj := Injector{LookupEnv: fakeLookup(map[string]string{"API_USER": "host-user"})}
	env := asMap(t, inj.Build("t", "", map[string]string{"API_USER": "caller-user"}))

	assert.Equal(t, "caller-user", env["API_USER"])
}

func TestInjectorCallerOverridesBase(t *testing.T) {
	t.Parallel()

	inj := Injector{LookupEnv: fakeLookup(nil)}
	env := asMap(t, inj.Build("t", "http://resolved", map[string]string{"BASE_URL": "http://caller"}))

	assert.Equal(t, "http://caller", env["BASE_URL"])
}

func TestInjectorHostRewriteInsideContainer(t *testing.T) {
	t.Parallel()

	caller := map[string]string{
		"BASE_URL":    "http://localhost:3000",
		"MONGO_URI":   "mongodb://127.0.0.1:27017/app",
		"MONGODB_URL": "mongodb://localhost:27017",
		"REDIS_URL":   "redis://localhost:6379", // not in rewrite subset
	}

	inContainer := Injector{LookupEnv: fakeLookup(nil), InContainer: true}
	env := asMap(t, inContainer.Build("t", "", caller))
	assert.Equal(t, "http://host.docker.internal:3000", env["BASE_URL"])
	assert.Equal(t, "mongodb://host.docker.internal:27017/app", env["MONGO_URI"])
	assert.Equal(t, "mongodb://host.docker.internal:27017", env["MONGODB_URL"])
	assert.Equal(t, "redis://localhost:6379", env["REDIS_URL"])

	onHost := Injector{LookupEnv: fakeLookup(nil), InContainer: false}
	env = asMap(t, onHost.Build("t", "", caller))
	assert.Equal(t, "http://localhost:3000", env["BASE_URL"])
}

func TestInjectorDeterministicOrder(t *testing.T) {
	t.Parallel()

	inj := Injector{LookupEnv: fakeLookup(map[string]string{"API_USER": "u", "DB_USER": "d"})}
	first := inj.Build("t", "http://b", map[string]string{"ZZZ": "1", "AAA": "2"})
	second := inj.Build("t", "http://b", map[string]string{"AAA": "2", "ZZZ": "1"})

	assert.Equal(t, first, second)
	assert.IsIncreasing(t, keysOf(first))
}

func keysOf(pairs []string) []string {
	out := make([]string, len(pairs))
	for i, p := range pairs {
		out[i], _, _ = strings.Cut(p, "=")
	}
	return out
}
