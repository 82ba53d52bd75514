package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Settings holds all configuration for a DOIN core node.
type Settings struct {
	// Core Identity
	NodeID          string
	IdentityKeyPath string

	// Consensus
	TargetBlockTimeSeconds       int
	InitialThreshold             float64
	ConfirmationDepth            uint64
	QuorumMinEvaluators          int
	QuorumMaxEvaluators          int
	QuorumFraction               float64
	QuorumTolerance              float64
	CommitRevealWindowBlocks     uint64
	VotingTimeoutBlocks          uint64
	ExternalAnchorIntervalBlocks uint64

	// Resource bounds
	MaxParamBytes      int
	MaxTrainingSeconds float64
	MaxMemoryMB        float64

	// Reputation
	ReputationHalfLife        time.Duration
	MinReputationForConsensus float64

	// P2P Network Configuration
	P2PPort        int
	P2PPrivateKey  string // hex-encoded transport key
	P2PPublicIP    string
	BootstrapPeers []string

	// Redis Configuration
	RedisHost     string
	RedisPort     string
	RedisDB       int
	RedisPassword string

	// Chain storage
	ChainDataDir string

	// Deduplication
	DedupCacheSize int
	DedupTTL       time.Duration

	// Worker pool
	EvalWorkers   int
	EvalQueueSize int

	// Task queue
	ClaimTimeout time.Duration

	// Component toggles
	EnableAPI     bool
	EnableMetrics bool
	EnableAnchors bool

	// API Configuration
	APIHost string
	APIPort int

	// Metrics
	MetricsPort int

	// Logging
	LogLevel  string
	DebugMode bool
}

// SettingsObj is the global settings instance.
var SettingsObj *Settings

// LoadConfig loads configuration from environment variables.
func LoadConfig() error {
	SettingsObj = &Settings{
		NodeID:          getEnv("NODE_ID", ""),
		IdentityKeyPath: getEnv("IDENTITY_KEY_PATH", "./data/identity.key"),

		TargetBlockTimeSeconds:       getEnvAsInt("TARGET_BLOCK_TIME_SECONDS", 600),
		InitialThreshold:             getEnvAsFloat("INITIAL_THRESHOLD", 1.0),
		ConfirmationDepth:            uint64(getEnvAsInt("CONFIRMATION_DEPTH", 6)),
		QuorumMinEvaluators:          getEnvAsInt("QUORUM_MIN_EVALUATORS", 3),
		QuorumMaxEvaluators:          getEnvAsInt("QUORUM_MAX_EVALUATORS", 10),
		QuorumFraction:               getEnvAsFloat("QUORUM_FRACTION", 0.67),
		QuorumTolerance:              getEnvAsFloat("QUORUM_TOLERANCE", 0.15),
		CommitRevealWindowBlocks:     uint64(getEnvAsInt("COMMIT_REVEAL_WINDOW_BLOCKS", 8)),
		VotingTimeoutBlocks:          uint64(getEnvAsInt("VOTING_TIMEOUT_BLOCKS", 4)),
		ExternalAnchorIntervalBlocks: uint64(getEnvAsInt("EXTERNAL_ANCHOR_INTERVAL_BLOCKS", 100)),

		MaxParamBytes:      getEnvAsInt("MAX_PARAM_BYTES", 4<<20),
		MaxTrainingSeconds: getEnvAsFloat("MAX_TRAINING_SECONDS", 3600),
		MaxMemoryMB:        getEnvAsFloat("MAX_MEMORY_MB", 8192),

		ReputationHalfLife:        time.Duration(getEnvAsInt("REPUTATION_HALF_LIFE_SECONDS", 604800)) * time.Second,
		MinReputationForConsensus: getEnvAsFloat("MIN_REPUTATION_FOR_CONSENSUS", 2.0),

		P2PPort:       getEnvAsInt("P2P_PORT", 9001),
		P2PPrivateKey: getEnv("PRIVATE_KEY", ""),
		P2PPublicIP:   getEnv("PUBLIC_IP", ""),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		ChainDataDir: getEnv("CHAIN_DATA_DIR", "./data/chain"),

		DedupCacheSize: getEnvAsInt("DEDUP_CACHE_SIZE", 16384),
		DedupTTL:       time.Duration(getEnvAsInt("DEDUP_TTL_SECONDS", 600)) * time.Second,

		EvalWorkers:   getEnvAsInt("EVAL_WORKERS", 2),
		EvalQueueSize: getEnvAsInt("EVAL_QUEUE_SIZE", 64),

		ClaimTimeout: time.Duration(getEnvAsInt("CLAIM_TIMEOUT_SECONDS", 600)) * time.Second,

		EnableAPI:     getBoolEnv("ENABLE_API", true),
		EnableMetrics: getBoolEnv("METRICS_ENABLED", false),
		EnableAnchors: getBoolEnv("ENABLE_ANCHORS", true),

		APIHost: getEnv("API_HOST", "0.0.0.0"),
		APIPort: getEnvAsInt("API_PORT", 8080),

		MetricsPort: getEnvAsInt("METRICS_PORT", 9090),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		DebugMode: getBoolEnv("DEBUG_MODE", false),
	}

	loadBootstrapPeers()
	configureLogging()

	if err := validateConfig(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	logConfigSummary()
	return nil
}

// loadBootstrapPeers loads bootstrap peer multiaddrs (comma-separated).
func loadBootstrapPeers() {
	peersStr := getEnv("BOOTSTRAP_PEERS", "")
	if peersStr == "" {
		return
	}
	SettingsObj.BootstrapPeers = strings.Split(peersStr, ",")
	for i := range SettingsObj.BootstrapPeers {
		SettingsObj.BootstrapPeers[i] = strings.TrimSpace(strings.Trim(SettingsObj.BootstrapPeers[i], "\""))
	}
}

// configureLogging sets up the logger based on configuration.
func configureLogging() {
	switch strings.ToLower(SettingsObj.LogLevel) {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn", "warning":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}

	if SettingsObj.DebugMode {
		log.SetLevel(log.DebugLevel)
	}

	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
		ForceColors:   true,
	})
}

// validateConfig validates the loaded configuration.
func validateConfig() error {
	if SettingsObj.TargetBlockTimeSeconds <= 0 {
		return fmt.Errorf("TARGET_BLOCK_TIME_SECONDS must be positive")
	}
	if SettingsObj.InitialThreshold <= 0 {
		return fmt.Errorf("INITIAL_THRESHOLD must be positive")
	}
	if SettingsObj.QuorumFraction <= 0 || SettingsObj.QuorumFraction > 1 {
		return fmt.Errorf("QUORUM_FRACTION must be in (0, 1]")
	}
	if SettingsObj.QuorumMinEvaluators < 1 {
		return fmt.Errorf("QUORUM_MIN_EVALUATORS must be at least 1")
	}
	if SettingsObj.QuorumMaxEvaluators < SettingsObj.QuorumMinEvaluators {
		return fmt.Errorf("QUORUM_MAX_EVALUATORS must be >= QUORUM_MIN_EVALUATORS")
	}
	if len(SettingsObj.BootstrapPeers) == 0 {
		log.Warn("No bootstrap peers configured - P2P networking may not work")
	}
	return nil
}

// logConfigSummary logs a summary of the configuration.
func logConfigSummary() {
	log.Info("=== Configuration Loaded ===")
	log.Infof("Target block time: %ds, initial threshold: %g",
		SettingsObj.TargetBlockTimeSeconds, SettingsObj.InitialThreshold)
	log.Infof("Quorum: K in [%d, %d], fraction %.2f, tolerance %.2f",
		SettingsObj.QuorumMinEvaluators, SettingsObj.QuorumMaxEvaluators,
		SettingsObj.QuorumFraction, SettingsObj.QuorumTolerance)
	log.Infof("Windows: commit-reveal %d blocks, voting %d blocks, finality depth %d",
		SettingsObj.CommitRevealWindowBlocks, SettingsObj.VotingTimeoutBlocks,
		SettingsObj.ConfirmationDepth)
	log.Infof("Redis: %s:%s (DB %d)", SettingsObj.RedisHost, SettingsObj.RedisPort, SettingsObj.RedisDB)
	log.Infof("P2P: port %d, bootstrap peers: %d", SettingsObj.P2PPort, len(SettingsObj.BootstrapPeers))
	log.Infof("Chain data: %s", SettingsObj.ChainDataDir)
	log.Info("============================")
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		value = strings.ToLower(value)
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}
