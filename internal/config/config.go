// Package config loads the orchestrator's configuration files,
// layering hardcoded defaults, an optional on-disk JSON file, and
// environment-variable overrides — the same three-tier precedence the
// teacher's coordinator/worker config loaders use.
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"time"
)

// FSConfig is the top-level "fsconfig" file from SPEC_FULL.md §6: paths,
// HTTP base URL, owner uid, default distro, pool sizes and callbacks.
type FSConfig struct {
	OutputsDir      string `json:"outputs_dir"`
	ArtifactsDir    string `json:"artifacts_dir"`
	SyslogDir       string `json:"syslog_dir"`
	CrashDumpsDir   string `json:"crashdumps_dir"`
	LogsDir         string `json:"logs_dir"`
	SavedStateDir   string `json:"savedstate_dir"`
	DoneDir         string `json:"donewith_dir"`
	FailedPostsDir  string `json:"failed_posts_dir"`
	ReviewHistory   string `json:"review_history_file"`
	LastBuildIDFile string `json:"lastbuild_id_file"`

	HTTPBaseURL    string `json:"http_base_url"`
	URLPrefixFrom  string `json:"url_prefix_from"`
	URLPrefixTo    string `json:"url_prefix_to"`
	OwnerUID       int    `json:"owner_uid"`
	DefaultDistro  string `json:"default_distro"`

	BuildWorkerPoolSize int `json:"build_worker_pool_size"`
	TestWorkerPoolSize  int `json:"test_worker_pool_size"`
	CrashAnalyzerPoolSize int `json:"crash_analyzer_pool_size"`
	CompressorPoolSize  int `json:"compressor_pool_size"`

	PowerCallback      string `json:"power_cb"`
	TestSetDoneCallback string `json:"testsetdone_cb"`
	TestDoneCallback   string `json:"testdone_cb"`
	ItemDoneCallback   string `json:"item_done_cb"`

	ReviewPollInterval time.Duration `json:"review_poll_interval"`
	APIListenAddr      string        `json:"api_listen_addr"`

	TestNodesConfigPath string `json:"test_nodes_config_path"`
	BuildersConfigPath  string `json:"builders_config_path"`
	TestCatalogDir      string `json:"test_catalog_dir"`
	FilelistDir         string `json:"filelist_dir"`
	ConsoleErrorsPath   string `json:"console_errors_lookup_path"`
	SuiteErrorsPath     string `json:"suite_errors_lookup_path"`

	CommandsDir string `json:"commands_dir"`
	BranchesDir string `json:"branches_dir"`

	HistoryDSN string `json:"history_dsn"`

	ReviewServerURL string `json:"review_server_url"`
	ReviewAuthToken string `json:"review_auth_token"`
	ReviewTopic     string `json:"review_topic"`

	DecoderCmd string `json:"crash_decoder_cmd"`
	VMBootCmd  string `json:"vm_boot_cmd"`
	HarnessCmd string `json:"harness_cmd"`
	VMHaltCmd  string `json:"vm_halt_cmd"`

	APISecretKey      string   `json:"api_secret_key"`
	APITokenTTL       time.Duration `json:"api_token_ttl"`
	OperatorName      string   `json:"operator_name"`
	OperatorKey       string   `json:"operator_key"`
	CORSAllowedOrigins []string `json:"cors_allowed_origins"`
}

func defaultFSConfig() FSConfig {
	return FSConfig{
		OutputsDir:            "/var/lib/lustreci/outputs",
		ArtifactsDir:          "/var/lib/lustreci/artifacts",
		SyslogDir:             "/var/lib/lustreci/syslog",
		CrashDumpsDir:         "/var/lib/lustreci/crashdumps",
		LogsDir:               "/var/log/lustreci",
		SavedStateDir:         "/var/lib/lustreci/savedstate",
		DoneDir:               "/var/lib/lustreci/donewith",
		FailedPostsDir:        "/var/lib/lustreci/failed_posts",
		ReviewHistory:         "/var/lib/lustreci/REVIEW_HISTORY",
		LastBuildIDFile:       "/var/lib/lustreci/LASTBUILD_ID",
		DefaultDistro:         "centos7",
		BuildWorkerPoolSize:   4,
		TestWorkerPoolSize:    8,
		CrashAnalyzerPoolSize: 2,
		CompressorPoolSize:    1,
		ReviewPollInterval:    120 * time.Second,
		APIListenAddr:         ":8080",
		TestNodesConfigPath:   "/etc/lustreci/test-nodes-config.json",
		BuildersConfigPath:    "/etc/lustreci/builders.json",
		TestCatalogDir:        "/etc/lustreci/tests",
		FilelistDir:           "/etc/lustreci/filelists",
		ConsoleErrorsPath:     "/etc/lustreci/console_errors_lookup.json",
		SuiteErrorsPath:       "/etc/lustreci/suite_errors_lookup.json",
		CommandsDir:           "/var/lib/lustreci/commands",
		BranchesDir:           "/var/lib/lustreci/branches",
		ReviewTopic:           "lustre",
		APITokenTTL:           1 * time.Hour,
		CORSAllowedOrigins:    []string{"*"},
	}
}

// LoadFSConfig loads the fsconfig file, falling back to defaults for
// anything absent from disk, then applying environment overrides.
func LoadFSConfig(path string) (FSConfig, error) {
	cfg := defaultFSConfig()
	if err := loadConfigFromFile(path, &cfg); err != nil {
		return cfg, err
	}
	applyFSConfigEnvOverrides(&cfg)
	return cfg, nil
}

func applyFSConfigEnvOverrides(cfg *FSConfig) {
	if v := os.Getenv("LUSTRECI_OUTPUTS_DIR"); v != "" {
		cfg.OutputsDir = v
	}
	if v := os.Getenv("LUSTRECI_ARTIFACTS_DIR"); v != "" {
		cfg.ArtifactsDir = v
	}
	if v := os.Getenv("LUSTRECI_DEFAULT_DISTRO"); v != "" {
		cfg.DefaultDistro = v
	}
	if v := os.Getenv("LUSTRECI_API_LISTEN_ADDR"); v != "" {
		cfg.APIListenAddr = v
	}
	if v := os.Getenv("LUSTRECI_HISTORY_DSN"); v != "" {
		cfg.HistoryDSN = v
	}
	if v := os.Getenv("LUSTRECI_OWNER_UID"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.OwnerUID = n
		}
	}
	if v := os.Getenv("LUSTRECI_BUILD_WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BuildWorkerPoolSize = n
		}
	}
	if v := os.Getenv("LUSTRECI_TEST_WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TestWorkerPoolSize = n
		}
	}
	if v := os.Getenv("LUSTRECI_CRASH_ANALYZER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CrashAnalyzerPoolSize = n
		}
	}
	if v := os.Getenv("LUSTRECI_REVIEW_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ReviewPollInterval = d
		}
	}
	if v := os.Getenv("LUSTRECI_API_SECRET_KEY"); v != "" {
		cfg.APISecretKey = v
	}
	if v := os.Getenv("LUSTRECI_OPERATOR_KEY"); v != "" {
		cfg.OperatorKey = v
	}
	if v := os.Getenv("LUSTRECI_REVIEW_AUTH_TOKEN"); v != "" {
		cfg.ReviewAuthToken = v
	}
}

// TestNodeConfig describes one two-node test cluster (SPEC_FULL.md §6).
type TestNodeConfig struct {
	Name         string `json:"name"`
	ServerVMCmd  string `json:"server_vm_cmd"`
	ClientVMCmd  string `json:"client_vm_cmd"`
	ServerHost   string `json:"server_host"`
	ClientHost   string `json:"client_host"`
	ServerArch   string `json:"server_arch"`
	ClientArch   string `json:"client_arch"`
	Disabled     bool   `json:"disabled,omitempty"`
}

// LoadTestNodesConfig reads the test-cluster descriptor array.
func LoadTestNodesConfig(path string) ([]TestNodeConfig, error) {
	var nodes []TestNodeConfig
	if err := loadConfigFromFile(path, &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

// BuilderConfig describes one external build-worker binding.
type BuilderConfig struct {
	Name       string `json:"name"`
	Arch       string `json:"arch"`
	BuildCmd   string `json:"build_cmd"`
	Distro     string `json:"distro"`
	Disabled   bool   `json:"disabled,omitempty"`
}

// LoadBuildersConfig reads the single builders.json file listing every
// build-worker binding across every distro and architecture.
func LoadBuildersConfig(path string) ([]BuilderConfig, error) {
	var builders []BuilderConfig
	if err := loadConfigFromFile(path, &builders); err != nil {
		return nil, err
	}
	return builders, nil
}

// loadConfigFromFile decodes path's JSON contents into out. A missing
// file is not an error — the defaults already in out are kept, mirroring
// the teacher's loadConfigFromFile no-op-on-absent behaviour.
func loadConfigFromFile(path string, out any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, out)
}

// SaveFSConfig writes cfg back to path as indented JSON, matching the
// teacher's SaveConfig helper.
func SaveFSConfig(path string, cfg FSConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
