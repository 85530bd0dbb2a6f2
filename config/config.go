// Package config loads worker settings from the environment, optionally
// layered over a YAML file named by CONFIG_FILE.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MinPartSize is the smallest part the storage side accepts for any part but
// the last one.
const MinPartSize = 5 * 1024 * 1024

// Storage backends.
const (
	BackendGateway = "gateway"
	BackendS3      = "s3"
	BackendLocal   = "local"
)

// Checkpoint failure policies.
const (
	PolicyContinue = "continue"
	PolicyAbort    = "abort"
)

// Identity describes the machine the worker runs on. Empty fields are left
// out of every report.
type Identity struct {
	MachineID          string `yaml:"machine_id"`
	ContainerGroupID   string `yaml:"container_group_id"`
	ContainerGroupName string `yaml:"container_group_name"`
	OrganizationName   string `yaml:"organization_name"`
	ProjectName        string `yaml:"project_name"`
}

// S3Config holds settings for the direct S3 backend.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	PathStyle bool   `yaml:"path_style"`
}

// Config is the full worker configuration.
type Config struct {
	APIURL string `yaml:"api_url"`
	APIKey string `yaml:"api_key"`

	InstanceDir string `yaml:"instance_dir"`
	ClassDir    string `yaml:"class_dir"`
	OutputDir   string `yaml:"output_dir"`
	StateDir    string `yaml:"state_dir"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogFile   string `yaml:"log_file"`

	// MetricsInterval enables a periodic metrics dump to the log output.
	// Zero disables it.
	MetricsInterval time.Duration `yaml:"metrics_interval"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	PollInterval      time.Duration `yaml:"poll_interval"`

	PartSize            int64   `yaml:"part_size"`
	UploadConcurrency   int     `yaml:"upload_concurrency"`
	DownloadConcurrency int     `yaml:"download_concurrency"`
	RetryMaxAttempts    int     `yaml:"retry_max_attempts"`
	APIRateLimit        float64 `yaml:"api_rate_limit"`

	StorageBackend   string   `yaml:"storage_backend"`
	S3               S3Config `yaml:"s3"`
	LocalStorageRoot string   `yaml:"local_storage_root"`

	QuiescenceWindow  time.Duration `yaml:"quiescence_window"`
	QuiescencePoll    time.Duration `yaml:"quiescence_poll"`
	QuiescenceTimeout time.Duration `yaml:"quiescence_timeout"`

	CheckpointFailurePolicy string `yaml:"checkpoint_failure_policy"`

	TerminateGrace   time.Duration `yaml:"terminate_grace"`
	TrainingLauncher []string      `yaml:"training_launcher"`

	Identity Identity `yaml:"identity"`
}

// Default returns a Config with every optional field populated.
func Default() Config {
	return Config{
		InstanceDir:             "/images",
		ClassDir:                "/class_images",
		OutputDir:               "/output",
		StateDir:                "/tmp/trainworker",
		LogLevel:                "INFO",
		LogFormat:               "text",
		HeartbeatInterval:       30 * time.Second,
		PollInterval:            5 * time.Second,
		PartSize:                10 * 1024 * 1024,
		UploadConcurrency:       25,
		DownloadConcurrency:     10,
		RetryMaxAttempts:        3,
		StorageBackend:          BackendGateway,
		QuiescenceWindow:        500 * time.Millisecond,
		QuiescencePoll:          time.Second,
		QuiescenceTimeout:       30 * time.Minute,
		CheckpointFailurePolicy: PolicyContinue,
		TerminateGrace:          30 * time.Second,
		TrainingLauncher:        []string{"accelerate", "launch"},
	}
}

// Load builds the configuration from CONFIG_FILE (if set) and the process
// environment, then validates it.
func Load() (Config, error) {
	return load(os.LookupEnv)
}

func load(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()

	if path, ok := lookup("CONFIG_FILE"); ok && path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.mergeEnv(lookup); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) mergeEnv(lookup func(string) (string, bool)) error {
	e := envReader{lookup: lookup}

	e.setString("API_URL", &c.APIURL)
	e.setString("API_KEY", &c.APIKey)
	e.setString("INPUT_DIR", &c.InstanceDir)
	e.setString("INSTANCE_DIR", &c.InstanceDir)
	e.setString("CLASS_DIR", &c.ClassDir)
	e.setString("OUTPUT_DIR", &c.OutputDir)
	e.setString("STATE_DIR", &c.StateDir)
	e.setString("LOG_LEVEL", &c.LogLevel)
	e.setString("LOG_FORMAT", &c.LogFormat)
	e.setString("LOG_FILE", &c.LogFile)
	e.setDuration("METRICS_INTERVAL", &c.MetricsInterval)
	e.setSeconds("HEARTBEAT_INTERVAL", &c.HeartbeatInterval)
	e.setSeconds("POLL_INTERVAL", &c.PollInterval)
	e.setInt64("PART_SIZE", &c.PartSize)
	e.setInt("UPLOAD_CONCURRENCY", &c.UploadConcurrency)
	e.setInt("DOWNLOAD_CONCURRENCY", &c.DownloadConcurrency)
	e.setInt("RETRY_MAX_ATTEMPTS", &c.RetryMaxAttempts)
	e.setFloat("API_RATE_LIMIT", &c.APIRateLimit)
	e.setString("STORAGE_BACKEND", &c.StorageBackend)
	e.setString("S3_ENDPOINT", &c.S3.Endpoint)
	e.setString("S3_REGION", &c.S3.Region)
	e.setBool("S3_PATH_STYLE", &c.S3.PathStyle)
	e.setString("LOCAL_STORAGE_ROOT", &c.LocalStorageRoot)
	e.setDuration("QUIESCENCE_WINDOW", &c.QuiescenceWindow)
	e.setDuration("QUIESCENCE_POLL", &c.QuiescencePoll)
	e.setDuration("QUIESCENCE_TIMEOUT", &c.QuiescenceTimeout)
	e.setString("CHECKPOINT_FAILURE_POLICY", &c.CheckpointFailurePolicy)
	e.setDuration("TERMINATE_GRACE", &c.TerminateGrace)
	e.setFields("TRAINING_LAUNCHER", &c.TrainingLauncher)
	e.setString("SALAD_MACHINE_ID", &c.Identity.MachineID)
	e.setString("SALAD_CONTAINER_GROUP_ID", &c.Identity.ContainerGroupID)
	e.setString("SALAD_CONTAINER_GROUP_NAME", &c.Identity.ContainerGroupName)
	e.setString("SALAD_ORGANIZATION_NAME", &c.Identity.OrganizationName)
	e.setString("SALAD_PROJECT_NAME", &c.Identity.ProjectName)

	return errors.Join(e.errs...)
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	var errs []error

	if c.APIURL == "" || c.APIKey == "" {
		errs = append(errs, errors.New("API_URL and API_KEY must be set"))
	}
	c.APIURL = strings.TrimRight(c.APIURL, "/")

	if c.PartSize < MinPartSize {
		errs = append(errs, fmt.Errorf("part size %d is below the %d byte minimum", c.PartSize, MinPartSize))
	}
	if c.UploadConcurrency < 1 || c.DownloadConcurrency < 1 {
		errs = append(errs, errors.New("transfer concurrency must be at least 1"))
	}
	if c.RetryMaxAttempts < 1 {
		errs = append(errs, errors.New("retry attempts must be at least 1"))
	}
	if c.MetricsInterval < 0 {
		errs = append(errs, errors.New("metrics interval must not be negative"))
	}
	if c.HeartbeatInterval <= 0 || c.PollInterval <= 0 {
		errs = append(errs, errors.New("heartbeat and poll intervals must be positive"))
	}

	switch c.StorageBackend {
	case BackendGateway, BackendS3:
	case BackendLocal:
		if c.LocalStorageRoot == "" {
			errs = append(errs, errors.New("LOCAL_STORAGE_ROOT is required for the local backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.StorageBackend))
	}

	switch c.CheckpointFailurePolicy {
	case PolicyContinue, PolicyAbort:
	default:
		errs = append(errs, fmt.Errorf("unknown checkpoint failure policy %q", c.CheckpointFailurePolicy))
	}

	if len(c.TrainingLauncher) == 0 {
		errs = append(errs, errors.New("training launcher must not be empty"))
	}

	return errors.Join(errs...)
}

// EnsureDirs creates every working directory.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.InstanceDir, c.ClassDir, c.OutputDir, c.StateDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// SlogLevel maps LogLevel onto a slog.Level, defaulting to Info.
func (c *Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

type envReader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (e *envReader) setString(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) setInt(key string, dst *int) {
	if v, ok := e.get(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
}

func (e *envReader) setInt64(key string, dst *int64) {
	if v, ok := e.get(key); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
}

func (e *envReader) setFloat(key string, dst *float64) {
	if v, ok := e.get(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = f
	}
}

func (e *envReader) setBool(key string, dst *bool) {
	if v, ok := e.get(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = b
	}
}

// setSeconds reads a whole number of seconds.
func (e *envReader) setSeconds(key string, dst *time.Duration) {
	if v, ok := e.get(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = time.Duration(n) * time.Second
	}
}

func (e *envReader) setDuration(key string, dst *time.Duration) {
	if v, ok := e.get(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = d
	}
}

func (e *envReader) setFields(key string, dst *[]string) {
	if v, ok := e.get(key); ok {
		*dst = strings.Fields(v)
	}
}
