// Package pbsconfig loads the configuration surface named in spec §6:
// JSON file plus environment variable overrides (env wins), validated
// before use, with optional hot-reload via fsnotify watching the config
// file path — grounded on the teacher's pkg/infrastructure/config,
// redirected at PBS's own config surface.
package pbsconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// Config holds every setting named in spec §6's selected config surface.
type Config struct {
	AsyncExecutorQueueSize      int    `json:"async_executor_queue_size"`
	AsyncExecutorThreadsCount   int    `json:"async_executor_threads_count"`
	IOAsyncExecutorQueueSize    int    `json:"io_async_executor_queue_size"`
	IOAsyncExecutorThreadsCount int    `json:"io_async_executor_threads_count"`
	TransactionManagerCapacity  int    `json:"transaction_manager_capacity"`
	JournalServiceBucketName    string `json:"journal_service_bucket_name"`
	JournalServicePartitionName string `json:"journal_service_partition_name"`
	PBSHostAddress              string `json:"pbs_host_address"`
	PBSHostPort                 int    `json:"pbs_host_port"`
	PBSHealthPort               int    `json:"pbs_health_port"`
	AuthServiceEndpoint         string `json:"auth_service_endpoint"`
	CloudServiceRegion          string `json:"cloud_service_region"`
	HTTP2ServerThreadsCount     int    `json:"http2_server_threads_count"`
	PartitionLockTableName      string `json:"partition_lock_table_name"`
	RemotePBSHostAddress        string `json:"remote_pbs_host_address"`
	RemotePBSAuthEndpoint       string `json:"remote_pbs_auth_endpoint"`

	HTTPServerRequestRoutingEnabled bool `json:"http_server_request_routing_enabled"`
	HTTPServerDNSRoutingEnabled     bool `json:"http_server_dns_routing_enabled"`
}

// DefaultConfig returns the baseline configuration used when no file is
// present and no environment overrides apply.
func DefaultConfig() Config {
	return Config{
		AsyncExecutorQueueSize:      10_000,
		AsyncExecutorThreadsCount:   4,
		IOAsyncExecutorQueueSize:    10_000,
		IOAsyncExecutorThreadsCount: 4,
		TransactionManagerCapacity:  1_000,
		JournalServiceBucketName:    "pbs-journal",
		JournalServicePartitionName: "default",
		PBSHostAddress:              "0.0.0.0",
		PBSHostPort:                 8080,
		PBSHealthPort:               8081,
		HTTP2ServerThreadsCount:     4,
		PartitionLockTableName:      "pbs-partition-lock",

		HTTPServerRequestRoutingEnabled: false,
		HTTPServerDNSRoutingEnabled:     false,
	}
}

// Load reads configPath (if non-empty and present), applies environment
// variable overrides (env always wins), then validates the result.
func Load(configPath string) (Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return Config{}, fmt.Errorf("pbsconfig: load file: %w", err)
		}
	}

	cfg.applyEnvironmentOverrides()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("pbsconfig: invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, c)
}

func (c *Config) applyEnvironmentOverrides() {
	if v := os.Getenv("PBS_ASYNC_EXECUTOR_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.AsyncExecutorQueueSize = n
		}
	}
	if v := os.Getenv("PBS_ASYNC_EXECUTOR_THREADS_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.AsyncExecutorThreadsCount = n
		}
	}
	if v := os.Getenv("PBS_IO_ASYNC_EXECUTOR_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.IOAsyncExecutorQueueSize = n
		}
	}
	if v := os.Getenv("PBS_IO_ASYNC_EXECUTOR_THREADS_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.IOAsyncExecutorThreadsCount = n
		}
	}
	if v := os.Getenv("PBS_TRANSACTION_MANAGER_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.TransactionManagerCapacity = n
		}
	}
	if v := os.Getenv("PBS_JOURNAL_SERVICE_BUCKET_NAME"); v != "" {
		c.JournalServiceBucketName = v
	}
	if v := os.Getenv("PBS_JOURNAL_SERVICE_PARTITION_NAME"); v != "" {
		c.JournalServicePartitionName = v
	}
	if v := os.Getenv("PBS_HOST_ADDRESS"); v != "" {
		c.PBSHostAddress = v
	}
	if v := os.Getenv("PBS_HOST_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.PBSHostPort = n
		}
	}
	if v := os.Getenv("PBS_HEALTH_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.PBSHealthPort = n
		}
	}
	if v := os.Getenv("PBS_AUTH_SERVICE_ENDPOINT"); v != "" {
		c.AuthServiceEndpoint = v
	}
	if v := os.Getenv("PBS_CLOUD_SERVICE_REGION"); v != "" {
		c.CloudServiceRegion = v
	}
	if v := os.Getenv("PBS_HTTP2_SERVER_THREADS_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.HTTP2ServerThreadsCount = n
		}
	}
	if v := os.Getenv("PBS_PARTITION_LOCK_TABLE_NAME"); v != "" {
		c.PartitionLockTableName = v
	}
	if v := os.Getenv("PBS_REMOTE_PBS_HOST_ADDRESS"); v != "" {
		c.RemotePBSHostAddress = v
	}
	if v := os.Getenv("PBS_REMOTE_PBS_AUTH_ENDPOINT"); v != "" {
		c.RemotePBSAuthEndpoint = v
	}
	if v := os.Getenv("PBS_HTTP_SERVER_REQUEST_ROUTING_ENABLED"); v != "" {
		c.HTTPServerRequestRoutingEnabled = v == "true" || v == "1"
	}
	if v := os.Getenv("PBS_HTTP_SERVER_DNS_ROUTING_ENABLED"); v != "" {
		c.HTTPServerDNSRoutingEnabled = v == "true" || v == "1"
	}
}

func (c *Config) Validate() error {
	if c.AsyncExecutorThreadsCount <= 0 {
		return fmt.Errorf("async_executor_threads_count must be positive")
	}
	if c.AsyncExecutorQueueSize <= 0 {
		return fmt.Errorf("async_executor_queue_size must be positive")
	}
	if c.IOAsyncExecutorThreadsCount <= 0 {
		return fmt.Errorf("io_async_executor_threads_count must be positive")
	}
	if c.IOAsyncExecutorQueueSize <= 0 {
		return fmt.Errorf("io_async_executor_queue_size must be positive")
	}
	if c.TransactionManagerCapacity <= 0 {
		return fmt.Errorf("transaction_manager_capacity must be positive")
	}
	if c.JournalServicePartitionName == "" {
		return fmt.Errorf("journal_service_partition_name cannot be empty")
	}
	if c.PBSHostPort <= 0 || c.PBSHostPort > 65535 {
		return fmt.Errorf("pbs_host_port out of range")
	}
	if c.HTTP2ServerThreadsCount <= 0 {
		return fmt.Errorf("http2_server_threads_count must be positive")
	}
	return nil
}
