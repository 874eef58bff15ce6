package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Matching holds the matching-engine policy knobs.
type Matching struct {
	// MinTargetAmount is the minimum order size, in base units, for an
	// order to be considered as a fill target.
	MinTargetAmount int64
	// FillThresholdBps is the minimum coverage of a target order, in
	// basis points of its size, before a batch is proposed. 5000 = 50%.
	FillThresholdBps int64
}

// Quorum holds the operator-consensus policy knobs.
type Quorum struct {
	// ThresholdPct is the default quorum threshold, 51..100.
	ThresholdPct int
	// ResponseWindow bounds how long a task accepts votes.
	ResponseWindow time.Duration
	// ExpirySweep is how often open tasks are checked for expiry.
	ExpirySweep time.Duration
	// TaskReward is the per-task reward escrowed for winning voters.
	TaskReward int64
	// MinStake gates vote eligibility.
	MinStake int64
}

// Node holds process-level settings.
type Node struct {
	// OperatorKey is the hex secp256k1 key identifying this operator.
	OperatorKey string
	ListenAddr  string // libp2p multiaddr
	Bootstrap   []string
	APIAddr     string
	DataDir     string
	LedgerURL   string
	// SettleRetries bounds settlement resubmission attempts.
	SettleRetries uint64
	Venues        []string
}

type Config struct {
	Matching Matching
	Quorum   Quorum
	Node     Node
}

func Default() Config {
	return Config{
		Matching: Matching{
			MinTargetAmount:  1,
			FillThresholdBps: 5000,
		},
		Quorum: Quorum{
			ThresholdPct:   60,
			ResponseWindow: 10 * time.Second,
			ExpirySweep:    time.Second,
			TaskReward:     1000,
			MinStake:       1,
		},
		Node: Node{
			APIAddr:       ":8080",
			DataDir:       "data",
			SettleRetries: 3,
			Venues:        []string{"ATOM-OSMO"},
		},
	}
}

// LoadFromEnv loads configuration from a .env file (if present) and
// environment variables. Priority: ENV > .env file > defaults.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if v := os.Getenv("MIN_TARGET_AMOUNT"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Matching.MinTargetAmount = n
		}
	}
	if v := os.Getenv("FILL_THRESHOLD_BPS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Matching.FillThresholdBps = n
		}
	}
	if v := os.Getenv("QUORUM_THRESHOLD_PCT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Quorum.ThresholdPct = n
		}
	}
	if v := os.Getenv("RESPONSE_WINDOW_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Quorum.ResponseWindow = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("EXPIRY_SWEEP_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Quorum.ExpirySweep = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("TASK_REWARD"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Quorum.TaskReward = n
		}
	}
	if v := os.Getenv("MIN_STAKE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Quorum.MinStake = n
		}
	}
	if v := os.Getenv("SETTLE_RETRIES"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Node.SettleRetries = n
		}
	}

	cfg.Node.OperatorKey = getEnv("OPERATOR_KEY", cfg.Node.OperatorKey)
	cfg.Node.ListenAddr = getEnv("LISTEN", cfg.Node.ListenAddr)
	cfg.Node.APIAddr = getEnv("API_ADDR", cfg.Node.APIAddr)
	cfg.Node.DataDir = getEnv("DATA_DIR", cfg.Node.DataDir)
	cfg.Node.LedgerURL = getEnv("LEDGER_URL", cfg.Node.LedgerURL)

	if v := os.Getenv("BOOTSTRAP"); v != "" {
		cfg.Node.Bootstrap = splitList(v)
	}
	if v := os.Getenv("VENUES"); v != "" {
		cfg.Node.Venues = splitList(v)
	}

	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
