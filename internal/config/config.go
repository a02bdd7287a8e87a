package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ErrNoJobFile is returned when a directory has no alloy job file.
var ErrNoJobFile = errors.New("no alloy job file found")

// JobFile is the parsed per-project job definition.
type JobFile struct {
	// Command is a single shell line. Exactly one of Command and
	// Script must be set.
	Command string `yaml:"command" toml:"command" json:"command"`

	// Script is a multi-line shell script.
	Script string `yaml:"script" toml:"script" json:"script"`

	// Timeout for the job. Default: 60m.
	Timeout Duration `yaml:"timeout" toml:"timeout" json:"timeout"`
}

// Duration wraps time.Duration for custom parsing.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(dur)
	return nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

// LoadJobFile finds and parses an alloy job file in dir.
func LoadJobFile(dir string) (*JobFile, string, error) {
	candidates := []struct {
		name   string
		parser func([]byte, *JobFile) error
	}{
		{".alloy.yaml", parseYAML},
		{".alloy.yml", parseYAML},
		{".alloy.toml", parseTOML},
		{".alloy.json", parseJSON},
		{"alloy.yaml", parseYAML},
		{"alloy.yml", parseYAML},
		{"alloy.toml", parseTOML},
		{"alloy.json", parseJSON},
	}

	for _, c := range candidates {
		path := filepath.Join(dir, c.name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}

		var jf JobFile
		if err := c.parser(data, &jf); err != nil {
			return nil, c.name, fmt.Errorf("parse %s: %w", c.name, err)
		}
		if err := jf.Validate(); err != nil {
			return nil, c.name, fmt.Errorf("validate %s: %w", c.name, err)
		}
		if jf.Timeout == 0 {
			jf.Timeout = Duration(60 * time.Minute)
		}
		return &jf, c.name, nil
	}

	return nil, "", ErrNoJobFile
}

func parseYAML(data []byte, jf *JobFile) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	return decoder.Decode(jf)
}

func parseTOML(data []byte, jf *JobFile) error {
	_, err := toml.Decode(string(data), jf)
	return err
}

func parseJSON(data []byte, jf *JobFile) error {
	return json.Unmarshal(data, jf)
}

// Validate checks the job file for errors.
func (j *JobFile) Validate() error {
	if j.Command == "" && j.Script == "" {
		return errors.New("one of command or script is required")
	}
	if j.Command != "" && j.Script != "" {
		return errors.New("command and script are mutually exclusive")
	}
	if j.Command == "true" || j.Command == "false" {
		return errors.New("command looks like a boolean - did YAML mangle it? Quote your command")
	}
	return nil
}

// Server is the orchestrator configuration, read from the environment.
type Server struct {
	Port         int
	BaseURL      string
	DBPath       string
	JWTSecret    string
	WorkerSecret string
	CORSOrigins  string

	// Object storage. With an endpoint set the server uses S3;
	// otherwise files under StorageDir.
	StorageEndpoint  string
	StorageBucket    string
	StorageAccessKey string
	StorageSecretKey string
	StoragePublicURL string
	StorageDir       string
}

// ServerFromEnv builds the server config with defaults applied.
func ServerFromEnv() Server {
	port := envInt("PORT", 3000)
	return Server{
		Port:             port,
		BaseURL:          envString("BASE_URL", fmt.Sprintf("http://localhost:%d", port)),
		DBPath:           envString("DB_PATH", "alloy.db"),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		WorkerSecret:     os.Getenv("WORKER_SECRET_KEY"),
		CORSOrigins:      os.Getenv("CORS_ORIGINS"),
		StorageEndpoint:  os.Getenv("STORAGE_ENDPOINT"),
		StorageBucket:    envString("STORAGE_BUCKET", "alloy"),
		StorageAccessKey: os.Getenv("STORAGE_ACCESS_KEY_ID"),
		StorageSecretKey: os.Getenv("STORAGE_SECRET_ACCESS_KEY"),
		StoragePublicURL: os.Getenv("STORAGE_PUBLIC_URL"),
		StorageDir:       envString("STORAGE_DIR", "alloy-storage"),
	}
}

// Worker is the worker agent configuration, read from the environment.
type Worker struct {
	OrchestratorURL string
	WorkerSecret    string
	Hostname        string
	Capacity        int
	BaseImage       string
	PoolSize        int
	JobTimeout      time.Duration
	SetupScript     string
	DataDir         string
}

// WorkerFromEnv builds the worker config with defaults applied.
func WorkerFromEnv() Worker {
	return Worker{
		OrchestratorURL: envString("ORCHESTRATOR_URL", "http://localhost:3000"),
		WorkerSecret:    os.Getenv("WORKER_SECRET_KEY"),
		Hostname:        os.Getenv("WORKER_HOSTNAME"),
		Capacity:        envInt("WORKER_CAPACITY", 2),
		BaseImage:       envString("TART_BASE_IMAGE", "ghcr.io/cirruslabs/macos-tahoe-xcode:latest"),
		PoolSize:        envInt("VM_POOL_SIZE", 1),
		JobTimeout:      time.Duration(envInt("JOB_TIMEOUT_MINUTES", 60)) * time.Minute,
		SetupScript:     os.Getenv("VM_SETUP_SCRIPT"),
		DataDir:         envString("WORKER_DATA_DIR", defaultDataDir()),
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".alloy"
	}
	return filepath.Join(home, ".alloy")
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
