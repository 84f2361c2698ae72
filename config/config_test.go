package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-toolbox/toolbox/breaker"
	toolerrors "github.com/agent-toolbox/toolbox/errors"
	"github.com/agent-toolbox/toolbox/logging"
	"github.com/agent-toolbox/toolbox/ratelimit"
	"github.com/agent-toolbox/toolbox/retry"
)

const sampleTOML = `
[logging]
level = "debug"
format = "json"

[limiters.github]
max_calls = 60
time_window = "1h"

[limiters.search]
max_calls = 10
time_window = "1s"
algorithm = "token_bucket"
burst = 5

[retry.default]
max_attempts = 4
base_delay = "500ms"
multiplier = 3.0
max_delay = "30s"
jitter = "full"
strategy = "fibonacci"
limiter = "github"

[breakers.github]
consecutive_failures = 5
timeout = "60s"
`

const sampleYAML = `
logging:
  level: debug
  format: json
limiters:
  github:
    max_calls: 60
    time_window: 1h
  search:
    max_calls: 10
    time_window: 1s
    algorithm: token_bucket
    burst: 5
retry:
  default:
    max_attempts: 4
    base_delay: 500ms
    multiplier: 3.0
    max_delay: 30s
    jitter: full
    strategy: fibonacci
    limiter: github
breakers:
  github:
    consecutive_failures: 5
    timeout: 60s
`

const sampleJSON = `{
  "logging": {"level": "debug", "format": "json"},
  "limiters": {
    "github": {"max_calls": 60, "time_window": "1h"},
    "search": {"max_calls": 10, "time_window": "1s", "algorithm": "token_bucket", "burst": 5}
  },
  "retry": {
    "default": {
      "max_attempts": 4, "base_delay": "500ms", "multiplier": 3.0, "max_delay": "30s",
      "jitter": "full", "strategy": "fibonacci", "limiter": "github"
    }
  },
  "breakers": {"github": {"consecutive_failures": 5, "timeout": "60s"}}
}`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFile_TOML(t *testing.T) {
	cfg, err := LoadFile(writeFile(t, "toolbox.toml", sampleTOML))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)

	require.Len(t, cfg.Limiters, 2)
	assert.Equal(t, 60, cfg.Limiters["github"].MaxCalls)
	assert.Equal(t, time.Hour, cfg.Limiters["github"].TimeWindow.Std())
	assert.Equal(t, AlgorithmTokenBucket, cfg.Limiters["search"].Algorithm)
	assert.Equal(t, 5, cfg.Limiters["search"].Burst)

	r := cfg.Retry["default"]
	assert.Equal(t, 4, r.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, r.BaseDelay.Std())
	assert.Equal(t, 3.0, r.Multiplier)
	assert.Equal(t, 30*time.Second, r.MaxDelay.Std())
	assert.Equal(t, "github", r.Limiter)

	assert.Equal(t, uint32(5), cfg.Breakers["github"].ConsecutiveFailures)
	assert.Equal(t, time.Minute, cfg.Breakers["github"].Timeout.Std())
}

func TestLoadFile_FormatsAgree(t *testing.T) {
	fromTOML, err := LoadFile(writeFile(t, "toolbox.toml", sampleTOML))
	require.NoError(t, err)
	fromYAML, err := LoadFile(writeFile(t, "toolbox.yaml", sampleYAML))
	require.NoError(t, err)
	fromYML, err := LoadFile(writeFile(t, "toolbox.yml", sampleYAML))
	require.NoError(t, err)
	fromJSON, err := LoadFile(writeFile(t, "toolbox.json", sampleJSON))
	require.NoError(t, err)

	assert.Equal(t, fromTOML, fromYAML)
	assert.Equal(t, fromTOML, fromYML)
	assert.Equal(t, fromTOML, fromJSON)
}

func TestLoadFile_UnknownKeys(t *testing.T) {
	tests := []struct {
		name, file, content string
	}{
		{"toml", "c.toml", "[limiters.github]\nmax_calls = 1\ntime_window = \"1s\"\nmax_cals = 2\n"},
		{"yaml", "c.yaml", "limiters:\n  github:\n    max_calls: 1\n    time_window: 1s\n    max_cals: 2\n"},
		{"json", "c.json", `{"limiters": {"github": {"max_calls": 1, "time_window": "1s", "max_cals": 2}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFile(writeFile(t, tt.file, tt.content))
			require.Error(t, err)
			assert.True(t, toolerrors.Is(err, toolerrors.ErrCodeInvalidInput))
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestLoadFile_Errors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.toml"))
	require.True(t, toolerrors.Is(err, toolerrors.ErrCodeNotFound))

	_, err = LoadFile(writeFile(t, "toolbox.ini", "x=1"))
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = LoadFile(writeFile(t, "bad.toml", "[limiters.github\n"))
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = LoadFile(writeFile(t, "dur.toml", "[limiters.a]\nmax_calls = 1\ntime_window = \"soon\"\n"))
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidate_CollectsProblems(t *testing.T) {
	cfg := &Config{
		Logging: LoggingConfig{Level: "loud", Format: "xml"},
		Limiters: map[string]LimiterConfig{
			"a": {MaxCalls: 0, TimeWindow: Duration(time.Second)},
			"b": {MaxCalls: 1, TimeWindow: 0, Algorithm: "leaky"},
			"c": {MaxCalls: 1, TimeWindow: Duration(time.Second), Algorithm: AlgorithmRedisWindow},
			"d": {MaxCalls: 2, TimeWindow: Duration(time.Second), Algorithm: AlgorithmTokenBucket, Burst: 3},
		},
		Retry: map[string]RetryConfig{
			"x": {Strategy: "quadratic"},
			"y": {Limiter: "nope"},
			"z": {Multiplier: 0.5},
		},
		Breakers: map[string]BreakerConfig{
			"g": {FailureRatio: 2},
		},
	}

	err := cfg.Validate()
	require.Error(t, err)
	require.ErrorIs(t, err, ErrInvalidConfig)

	msg := err.Error()
	for _, want := range []string{
		"logging: unknown log level",
		"logging: unknown format",
		"limiters.a: max_calls",
		"limiters.b: time_window",
		`limiters.b: unknown algorithm "leaky"`,
		"limiters.c: redis_window needs [redis] addr",
		"limiters.d: burst must not exceed max_calls",
		"retry.x:",
		`retry.y: unknown limiter "nope"`,
		"retry.z: multiplier",
		"breakers.g:",
	} {
		assert.Contains(t, msg, want)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	r, ok := cfg.Retry["default"]
	require.True(t, ok)
	assert.Equal(t, retry.DefaultMaxAttempts, r.MaxAttempts)
	assert.Equal(t, "proportional", r.Jitter)
}

func TestLoad_NoFileUsesDefault(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_FindsStandardPath(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "toolbox.toml"), []byte(sampleTOML), 0o600))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestStandardPaths(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	paths := StandardPaths()
	assert.Equal(t, "toolbox.toml", paths[0])
	assert.Contains(t, paths, filepath.Join(home, ".config", "toolbox", "toolbox.toml"))
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvLogLevel, "warn")
	t.Setenv(EnvRetryMaxAttempts, "7")

	cfg, err := LoadFile(writeFile(t, "toolbox.toml", sampleTOML))
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, 7, cfg.Retry["default"].MaxAttempts)
}

func TestEnvOverrides_NoRetrySection(t *testing.T) {
	t.Setenv(EnvRetryMaxAttempts, "5")

	cfg, err := LoadFile(writeFile(t, "toolbox.toml", "[logging]\nlevel = \"info\"\n"))
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Retry["default"].MaxAttempts)
}

func TestEnvOverrides_Invalid(t *testing.T) {
	t.Setenv(EnvRetryMaxAttempts, "many")

	_, err := LoadFile(writeFile(t, "toolbox.toml", sampleTOML))
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestBuild(t *testing.T) {
	cfg, err := LoadFile(writeFile(t, "toolbox.toml", sampleTOML))
	require.NoError(t, err)

	logger := logging.Nop()
	reg, err := cfg.Build(logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	assert.Same(t, logger, reg.Logger())
	assert.Equal(t, []string{"github", "search"}, reg.LimiterNames())
	assert.Equal(t, []string{"default"}, reg.PolicyNames())

	github, ok := reg.Limiter("github")
	require.True(t, ok)
	require.IsType(t, &ratelimit.SlidingWindow{}, github)
	assert.Equal(t, 60, github.Available())

	search, ok := reg.Limiter("search")
	require.True(t, ok)
	require.IsType(t, &ratelimit.TokenBucket{}, search)
	assert.Equal(t, 5, search.Available())

	p, ok := reg.Policy("default")
	require.True(t, ok)
	assert.Equal(t, "default", p.Name)
	assert.Equal(t, 4, p.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, p.BaseDelay)
	assert.Equal(t, retry.Fibonacci, p.Strategy)
	assert.Equal(t, retry.JitterFull, p.Jitter)
	assert.Same(t, github, p.Limiter)

	b, ok := reg.Breaker("github")
	require.True(t, ok)
	assert.Equal(t, breaker.StateClosed, b.State())

	_, ok = reg.Limiter("missing")
	assert.False(t, ok)
}

func TestBuild_PolicyUsesLimiter(t *testing.T) {
	cfg := &Config{
		Logging:  LoggingConfig{Level: "error"},
		Limiters: map[string]LimiterConfig{"api": {MaxCalls: 2, TimeWindow: Duration(time.Hour)}},
		Retry:    map[string]RetryConfig{"api": {MaxAttempts: 5, BaseDelay: Duration(time.Millisecond), Limiter: "api"}},
	}
	reg, err := cfg.Build(logging.Nop())
	require.NoError(t, err)

	p, _ := reg.Policy("api")
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	calls := 0
	err = p.Execute(ctx, func(context.Context) error {
		calls++
		return errors.New("connection reset by peer")
	})
	require.Error(t, err)
	assert.Equal(t, 2, calls, "limiter admits two attempts per hour")
	assert.True(t, toolerrors.Is(err, toolerrors.ErrCodeRateLimitTimeout))
}

func TestBuild_RedisWindow(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := &Config{
		Logging: LoggingConfig{Level: "info"},
		Redis:   RedisConfig{Addr: mr.Addr()},
		Limiters: map[string]LimiterConfig{
			"shared": {MaxCalls: 3, TimeWindow: Duration(time.Minute), Algorithm: AlgorithmRedisWindow},
		},
	}
	reg, err := cfg.Build(logging.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	l, ok := reg.Limiter("shared")
	require.True(t, ok)
	require.IsType(t, &ratelimit.RedisWindow{}, l)

	for i := 0; i < 3; i++ {
		require.NoError(t, l.TryAcquire(1))
	}
	err = l.TryAcquire(1)
	assert.True(t, toolerrors.Is(err, toolerrors.ErrCodeRateLimit))
	assert.True(t, mr.Exists("ratelimit:shared"))
}

func TestBuild_Distributed(t *testing.T) {
	cfg := &Config{
		Logging:      LoggingConfig{Level: "info"},
		Coordination: CoordinationConfig{InstanceID: "node-a", RecoveryInterval: Duration(time.Hour)},
		Limiters: map[string]LimiterConfig{
			"partner": {MaxCalls: 4, TimeWindow: Duration(time.Hour), Algorithm: AlgorithmDistributed},
			"local":   {MaxCalls: 4, TimeWindow: Duration(time.Hour)},
		},
	}
	reg, err := cfg.Build(logging.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	l, ok := reg.Limiter("partner")
	require.True(t, ok)
	require.NoError(t, l.TryAcquire(1))
	assert.Equal(t, 3, l.Available())

	shared, ok := reg.Shared("partner")
	require.True(t, ok)
	shared.AnnounceReduced("partner", "429 from partner")
	assert.Equal(t, 2, shared.GetCapacity("partner").Total)

	_, ok = reg.Shared("local")
	assert.False(t, ok)

	require.NoError(t, reg.Close())
	assert.NoError(t, reg.Close())
}

func TestBuild_DistributedUnreachableNATS(t *testing.T) {
	cfg := &Config{
		Coordination: CoordinationConfig{NATSURL: "nats://127.0.0.1:1"},
		Limiters: map[string]LimiterConfig{
			"partner": {MaxCalls: 1, TimeWindow: Duration(time.Second), Algorithm: AlgorithmDistributed},
		},
	}
	_, err := cfg.Build(logging.Nop())
	require.Error(t, err)
	assert.Equal(t, toolerrors.ErrCodeUnavailable, toolerrors.Code(err))
	assert.Equal(t, "partner", toolerrors.AsToolError(err).Resource())
}

func TestValidate_Coordination(t *testing.T) {
	cfg := &Config{
		Coordination: CoordinationConfig{ReduceFactor: 1.5, RecoveryFactor: 0.9},
		Limiters: map[string]LimiterConfig{
			"p": {MaxCalls: 1, TimeWindow: Duration(time.Second), Algorithm: AlgorithmDistributed, Burst: 3},
		},
	}
	err := cfg.Validate()
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "coordination: reduce_factor")
	assert.Contains(t, err.Error(), "coordination: recovery_factor")
	assert.Contains(t, err.Error(), "limiters.p: burst applies to token_bucket only")
}

func TestBuild_RejectsInvalid(t *testing.T) {
	cfg := &Config{Limiters: map[string]LimiterConfig{"a": {}}}
	_, err := cfg.Build(logging.Nop())
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestDuration_Text(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte(" 1m30s ")))
	assert.Equal(t, 90*time.Second, d.Std())

	text, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(text))

	require.NoError(t, d.UnmarshalText(nil))
	assert.Zero(t, d)

	assert.Error(t, d.UnmarshalText([]byte("fortnight")))
}
