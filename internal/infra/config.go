package infra

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"kiln/internal/domain"
)

// Config holds the orchestration run configuration
type Config struct {
	// Registry and image addressing
	Registry RegistryConfig

	// Builder configuration
	Builder BuilderConfig

	// Cache backend configuration
	Cache CacheConfig

	// Vulnerability scan configuration
	Scan ScanConfig

	// Test run configuration
	Test TestConfig

	// Logging configuration
	LogLevel string

	// Directory for per-project digest and metadata files
	StateDir string

	// CI indicates the run executes on a CI agent (storage constrained,
	// trunk branch named by convention)
	CI bool

	// PrimaryBranch is the trunk branch used for cache-import fallbacks
	PrimaryBranch string
}

type RegistryConfig struct {
	Repository string
	Tags       []string // explicit tag override; empty = derive from VCS
	User       string
	Password   string

	// Local ephemeral registry resources
	LocalImage   string
	LocalName    string
	LocalPort    int
	LocalNetwork string
	LocalVolume  string
}

type BuilderConfig struct {
	Driver     string // "local", "container" or "remote"
	Name       string
	RemoteAddr string
	Platforms  []string
	Push       bool
	Load       bool
	Timeout    time.Duration
}

// CacheBackendConfig is the per-backend import/export toggle set
type CacheBackendConfig struct {
	ImportEnabled    bool
	ExportEnabled    bool
	Mode             string // "min", "max" or "inline"
	Compression      string
	CompressionLevel int
}

type RegistryCacheConfig struct {
	CacheBackendConfig
	Repository string
	TagPrefix  string
}

type LocalCacheConfig struct {
	CacheBackendConfig
	Dir string
}

type GHACacheConfig struct {
	CacheBackendConfig
	URL   string
	Token string
}

type S3CacheConfig struct {
	CacheBackendConfig
	Region    string
	Bucket    string
	Endpoint  string
	Name      string
	AccessKey string
	SecretKey string
}

type CacheConfig struct {
	Inline   CacheBackendConfig
	Registry RegistryCacheConfig
	Local    LocalCacheConfig
	GHA      GHACacheConfig
	S3       S3CacheConfig
}

type ScanConfig struct {
	Format       string // "table", "json", "cyclonedx" or "markdown"
	FailOn       string // minimum severity that fails the run, empty = never
	OnlyFixed    bool
	ConfigPath   string
	TemplatePath string // report template, required for the markdown format
	DBCacheDir   string
}

type TestConfig struct {
	Timeout     time.Duration
	ProjectName string // compose project name

	// Command runs as a single-container test in the built image for
	// projects without a composition file; exit 0 is expected.
	Command []string

	// LogPatterns maps a composition service name to a log substring whose
	// appearance marks that service healthy. Any configured pattern switches
	// the run verdict from exit codes to the watchers.
	LogPatterns map[string]string

	// ExpectedExitCodes overrides the default per-service expectation of 0.
	ExpectedExitCodes map[string]int
}

// LoadConfig loads configuration using viper with support for:
// - an optional kiln.yaml config file
// - environment variables (KILN_ prefixed)
// - default values
// Fails fast on invalid values before any subprocess starts.
func LoadConfig(configPath string) (*Config, error) {
	return LoadConfigWithOverrides(configPath, nil)
}

// LoadConfigWithOverrides loads configuration with explicit key overrides
// laid over every other source. Command-line flags enter through here so
// they pass the same validation and driver-dependent defaulting as file and
// environment values.
func LoadConfigWithOverrides(configPath string, overrides map[string]any) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("kiln")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("KILN")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	ci := os.Getenv("CI") != ""
	setDefaults(v, ci)

	for key, value := range overrides {
		v.Set(key, value)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && configPath == "" {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if configPath != "" && !os.IsNotExist(err) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file %s: %w", configPath, err)
		}
	}

	// The docker driver cannot export standalone cache manifests, so its
	// cache export defaults to inline mode; other drivers default to max.
	// The driver is known by now, whatever source it came from, and an
	// explicitly configured mode always wins over the default.
	if v.GetString("builder.driver") == "local" {
		v.SetDefault("cache.registry.mode", "inline")
		v.SetDefault("cache.local.mode", "inline")
	}

	exitCodes, err := parseExitCodes(v.GetStringMapString("test.expected_exit_codes"))
	if err != nil {
		return nil, domain.NewErrorWithCause(domain.ErrCodeConfig, "config validation failed", err)
	}

	config := &Config{
		Registry: RegistryConfig{
			Repository:   v.GetString("registry.repository"),
			Tags:         v.GetStringSlice("registry.tags"),
			User:         v.GetString("registry.user"),
			Password:     v.GetString("registry.password"),
			LocalImage:   v.GetString("registry.local.image"),
			LocalName:    v.GetString("registry.local.name"),
			LocalPort:    v.GetInt("registry.local.port"),
			LocalNetwork: v.GetString("registry.local.network"),
			LocalVolume:  v.GetString("registry.local.volume"),
		},
		Builder: BuilderConfig{
			Driver:     v.GetString("builder.driver"),
			Name:       v.GetString("builder.name"),
			RemoteAddr: v.GetString("builder.remote_addr"),
			Platforms:  splitList(v.GetString("builder.platforms")),
			Push:       v.GetBool("builder.push"),
			Load:       v.GetBool("builder.load"),
			Timeout:    v.GetDuration("builder.timeout"),
		},
		Cache: CacheConfig{
			Inline: backendConfig(v, "cache.inline"),
			Registry: RegistryCacheConfig{
				CacheBackendConfig: backendConfig(v, "cache.registry"),
				Repository:         v.GetString("cache.registry.repository"),
				TagPrefix:          v.GetString("cache.registry.tag_prefix"),
			},
			Local: LocalCacheConfig{
				CacheBackendConfig: backendConfig(v, "cache.local"),
				Dir:                v.GetString("cache.local.dir"),
			},
			GHA: GHACacheConfig{
				CacheBackendConfig: backendConfig(v, "cache.gha"),
				URL:                GetEnv("ACTIONS_CACHE_URL", v.GetString("cache.gha.url")),
				Token:              GetEnv("ACTIONS_RUNTIME_TOKEN", v.GetString("cache.gha.token")),
			},
			S3: S3CacheConfig{
				CacheBackendConfig: backendConfig(v, "cache.s3"),
				Region:             v.GetString("cache.s3.region"),
				Bucket:             v.GetString("cache.s3.bucket"),
				Endpoint:           v.GetString("cache.s3.endpoint"),
				Name:               v.GetString("cache.s3.name"),
				AccessKey:          GetEnv("AWS_ACCESS_KEY_ID", v.GetString("cache.s3.access_key")),
				SecretKey:          GetEnv("AWS_SECRET_ACCESS_KEY", v.GetString("cache.s3.secret_key")),
			},
		},
		Scan: ScanConfig{
			Format:       v.GetString("scan.format"),
			FailOn:       v.GetString("scan.fail_on"),
			OnlyFixed:    v.GetBool("scan.only_fixed"),
			ConfigPath:   v.GetString("scan.config_path"),
			TemplatePath: v.GetString("scan.template_path"),
			DBCacheDir:   v.GetString("scan.db_cache_dir"),
		},
		Test: TestConfig{
			Timeout:           v.GetDuration("test.timeout"),
			ProjectName:       v.GetString("test.project_name"),
			Command:           splitList(v.GetString("test.command")),
			LogPatterns:       v.GetStringMapString("test.log_patterns"),
			ExpectedExitCodes: exitCodes,
		},
		LogLevel:      v.GetString("log.level"),
		StateDir:      v.GetString("state_dir"),
		CI:            ci,
		PrimaryBranch: v.GetString("primary_branch"),
	}

	if err := validateConfig(config); err != nil {
		return nil, domain.NewErrorWithCause(domain.ErrCodeConfig, "config validation failed", err)
	}

	return config, nil
}

func setDefaults(v *viper.Viper, ci bool) {
	v.SetDefault("registry.repository", "localhost:5000")
	v.SetDefault("registry.local.image", "registry:2")
	v.SetDefault("registry.local.name", "kiln-registry")
	v.SetDefault("registry.local.port", 5000)
	v.SetDefault("registry.local.network", "kiln")
	v.SetDefault("registry.local.volume", "kiln-registry-data")

	v.SetDefault("builder.driver", "container")
	v.SetDefault("builder.name", "kiln-builder")
	v.SetDefault("builder.platforms", "")
	v.SetDefault("builder.push", false)
	v.SetDefault("builder.load", true)
	v.SetDefault("builder.timeout", 30*time.Minute)

	for _, backend := range []string{"inline", "registry", "local", "gha", "s3"} {
		v.SetDefault("cache."+backend+".enable.import", false)
		v.SetDefault("cache."+backend+".enable.export", false)
		v.SetDefault("cache."+backend+".mode", "max")
		v.SetDefault("cache."+backend+".compression", "")
		v.SetDefault("cache."+backend+".compression_level", 0)
	}
	v.SetDefault("cache.registry.tag_prefix", "cache-")
	v.SetDefault("cache.local.dir", ".kiln/cache")

	v.SetDefault("scan.format", "table")
	v.SetDefault("scan.fail_on", "")
	v.SetDefault("scan.only_fixed", false)
	v.SetDefault("scan.db_cache_dir", ".kiln/grype-db")

	v.SetDefault("test.timeout", 5*time.Minute)
	v.SetDefault("test.project_name", "kiln-test")

	v.SetDefault("log.level", "info")
	v.SetDefault("state_dir", ".kiln/state")

	if ci {
		v.SetDefault("primary_branch", "main")
	} else {
		v.SetDefault("primary_branch", "latest")
	}
}

// parseExitCodes converts the raw per-service expectation map into integer
// exit codes, rejecting non-numeric values.
func parseExitCodes(raw map[string]string) (map[string]int, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	codes := make(map[string]int, len(raw))
	for service, value := range raw {
		code, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("test.expected_exit_codes.%s must be an integer (got %q)", service, value)
		}
		codes[service] = code
	}
	return codes, nil
}

func backendConfig(v *viper.Viper, prefix string) CacheBackendConfig {
	return CacheBackendConfig{
		ImportEnabled:    v.GetBool(prefix + ".enable.import"),
		ExportEnabled:    v.GetBool(prefix + ".enable.export"),
		Mode:             v.GetString(prefix + ".mode"),
		Compression:      v.GetString(prefix + ".compression"),
		CompressionLevel: v.GetInt(prefix + ".compression_level"),
	}
}

func validateConfig(config *Config) error {
	var problems []string

	switch config.Builder.Driver {
	case "local", "container", "remote":
	default:
		problems = append(problems, fmt.Sprintf("builder.driver must be local, container or remote (got %q)", config.Builder.Driver))
	}

	if config.Builder.Driver == "remote" && config.Builder.RemoteAddr == "" {
		problems = append(problems, "builder.remote_addr is required for the remote driver")
	}

	if config.Builder.Push && config.Builder.Load {
		problems = append(problems, "builder.push and builder.load cannot both be enabled")
	}

	if config.Builder.Driver == "local" && len(config.Builder.Platforms) > 1 {
		problems = append(problems, "the local driver cannot build for multiple platforms")
	}

	for name, mode := range map[string]string{
		"cache.inline.mode":   config.Cache.Inline.Mode,
		"cache.registry.mode": config.Cache.Registry.Mode,
		"cache.local.mode":    config.Cache.Local.Mode,
		"cache.gha.mode":      config.Cache.GHA.Mode,
		"cache.s3.mode":       config.Cache.S3.Mode,
	} {
		switch mode {
		case "min", "max", "inline":
		default:
			problems = append(problems, fmt.Sprintf("%s must be min, max or inline (got %q)", name, mode))
		}
	}

	switch config.Scan.Format {
	case "table", "json", "cyclonedx", "markdown":
	default:
		problems = append(problems, fmt.Sprintf("scan.format must be table, json, cyclonedx or markdown (got %q)", config.Scan.Format))
	}
	if config.Scan.Format == "markdown" && config.Scan.TemplatePath == "" {
		problems = append(problems, "scan.template_path is required for the markdown report format")
	}

	// Pushing to a remote registry is a mandatory-credential path; the
	// ephemeral localhost registry needs none.
	if config.Builder.Push && !IsLocalRegistry(config.Registry.Repository) && config.Registry.User == "" {
		problems = append(problems, "registry.user and registry.password are required to push to a remote registry")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// IsLocalRegistry reports whether a repository addresses the ephemeral
// loopback registry rather than a remote one.
func IsLocalRegistry(repository string) bool {
	return strings.HasPrefix(repository, "localhost") || strings.HasPrefix(repository, "127.0.0.1")
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// GetEnv returns the value of an environment variable or default
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
