// Package config describes the JSON-serialized configuration for a collabfuzz server run:
// endpoint addresses, the analysis passes to register, the scheduler policy to run, and audit
// and logging options, following the same ReadFromFile/WriteToFile JSON-marshaling shape the
// teacher project uses for its own project configuration.
package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"
)

// ServerConfig is the root configuration for one orchestrator run.
type ServerConfig struct {
	// Transport describes the three TCP endpoints the orchestrator binds.
	Transport TransportConfig `json:"transport"`

	// Storage describes where discovered test cases are written on disk.
	Storage StorageConfig `json:"storage"`

	// Analysis describes the registered analysis passes.
	Analysis AnalysisConfig `json:"analysis"`

	// Scheduler describes which dispatch policy to run and its tuning parameters.
	Scheduler SchedulerConfig `json:"scheduler"`

	// Audit describes the bbolt-backed audit log.
	Audit AuditConfig `json:"audit"`

	// Logging describes the console/file logging configuration.
	Logging LoggingConfig `json:"logging"`
}

// TransportConfig describes the bind addresses for the report, control, and dispatch
// endpoints.
type TransportConfig struct {
	// ReportAddr is the request/reply endpoint fuzzers use to submit discoveries.
	ReportAddr string `json:"reportAddr"`

	// ControlAddr is the request/reply endpoint fuzzers use to register, ready, and deregister.
	ControlAddr string `json:"controlAddr"`

	// DispatchAddr is the publish endpoint the scheduler uses to push work to ready fuzzers.
	DispatchAddr string `json:"dispatchAddr"`
}

// StorageConfig describes the content-addressed test-case repository.
type StorageConfig struct {
	// OutputDirectory is the root directory test case content is written under, one
	// subdirectory per kind.
	OutputDirectory string `json:"outputDirectory"`
}

// PassConfig describes one registered analysis pass binary.
type PassConfig struct {
	// Type names the pass ("coverage", "conditions", "taint", "bytes_tracer", "instruction_log").
	Type string `json:"type"`

	// BinaryPath is the path to the instrumented analysis binary.
	BinaryPath string `json:"binaryPath"`

	// Args is the argument vector passed to BinaryPath; "@@" is substituted with a temp file
	// path holding the test case content.
	Args []string `json:"args"`

	// UseStdin, if true, pipes the test case content on stdin instead of substituting "@@".
	UseStdin bool `json:"useStdin"`

	// RunOnDuplicates reports whether this pass should also run for repeat content hashes.
	RunOnDuplicates bool `json:"runOnDuplicates"`
}

// AnalysisConfig describes the analysis worker pool.
type AnalysisConfig struct {
	// Passes lists every registered analysis pass.
	Passes []PassConfig `json:"passes"`

	// WorkDir is the scratch directory temp input/output files are created under.
	WorkDir string `json:"workDir"`

	// InputChanSize bounds how many in-flight reports each pass may buffer.
	InputChanSize int `json:"inputChanSize"`

	// BytesTracerBudgetSeconds bounds the bytes tracer's adaptive chunking wall-clock budget.
	BytesTracerBudgetSeconds int `json:"bytesTracerBudgetSeconds"`

	// Regressor describes the linear cost-prediction models loaded at startup, keyed by fuzzer
	// type name.
	Regressor RegressorConfigFile `json:"regressor"`
}

// RegressorConfigFile is the JSON shape of analysis.RegressorConfig.
type RegressorConfigFile struct {
	// Models maps a fuzzer type name to its linear model.
	Models map[string]RegressorModelFile `json:"models"`

	// StaticMetricsPath is a CSV file of "condition_id,oviedo,chain_size,compare_size" rows,
	// loaded once at startup.
	StaticMetricsPath string `json:"staticMetricsPath"`
}

// RegressorModelFile is the JSON shape of analysis.RegressorModel.
type RegressorModelFile struct {
	Weights       [4]float64     `json:"weights"`
	Bias          float64        `json:"bias"`
	FeatureBounds [4][2]float64  `json:"featureBounds"`
}

// SchedulerConfig describes the dispatch policy to run.
type SchedulerConfig struct {
	// Policy names the scheduler policy: "broadcast", "enfuzz", "test_case_benefit",
	// "cost_benefit", "hybrid_benefit", "selective", "regressor", "random", "round_robin",
	// "nop", or "test".
	Policy string `json:"policy"`

	// TimeoutSeconds bounds how long the handler waits before synthesizing a timeout event.
	TimeoutSeconds int `json:"timeoutSeconds"`

	// FlushIntervalSeconds is the queue-based policies' background flush interval.
	FlushIntervalSeconds int `json:"flushIntervalSeconds"`

	// FlushPercentage is the queue-based policies' fraction of the queue dispatched per flush.
	FlushPercentage float64 `json:"flushPercentage"`

	// HybridFrontierWeight and HybridCostWeight are HybridBenefit's weighted-sum coefficients.
	HybridFrontierWeight float64 `json:"hybridFrontierWeight"`
	HybridCostWeight     float64 `json:"hybridCostWeight"`

	// SelectiveSenders and SelectiveReceivers parameterize the Selective policy.
	SelectiveSenders   []string `json:"selectiveSenders"`
	SelectiveReceivers []string `json:"selectiveReceivers"`

	// TestReceiver and TestDispatch parameterize the Test policy's fixed receiver, when Policy is "test".
	TestReceiver string `json:"testReceiver"`
	TestDispatch bool   `json:"testDispatch"`
}

// FlushInterval converts FlushIntervalSeconds to a time.Duration, defaulting to 5s.
func (c SchedulerConfig) FlushInterval() time.Duration {
	if c.FlushIntervalSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.FlushIntervalSeconds) * time.Second
}

// Timeout converts TimeoutSeconds to a time.Duration, defaulting to 5s.
func (c SchedulerConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// AuditConfig describes the bbolt-backed audit log.
type AuditConfig struct {
	// Path is the bbolt database file path.
	Path string `json:"path"`
}

// LoggingConfig describes console/file logging behavior.
type LoggingConfig struct {
	// Level is one of "trace", "debug", "info", "warn", "error".
	Level string `json:"level"`

	// ConsoleEnabled describes whether to also log to stdout/stderr.
	ConsoleEnabled bool `json:"consoleEnabled"`

	// LogDirectory, if non-empty, additionally logs to a file inside this directory.
	LogDirectory string `json:"logDirectory"`
}

// GetDefaultServerConfig returns a ServerConfig with sensible defaults for a single-machine
// run: loopback addresses, an empty analysis pass list, the Broadcast policy, and info-level
// console logging.
func GetDefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Transport: TransportConfig{
			ReportAddr:   "127.0.0.1:7070",
			ControlAddr:  "127.0.0.1:7071",
			DispatchAddr: "127.0.0.1:7072",
		},
		Storage: StorageConfig{
			OutputDirectory: "corpus",
		},
		Analysis: AnalysisConfig{
			Passes:                   nil,
			WorkDir:                  "",
			InputChanSize:            64,
			BytesTracerBudgetSeconds: 2,
		},
		Scheduler: SchedulerConfig{
			Policy:               "broadcast",
			TimeoutSeconds:       5,
			FlushIntervalSeconds: 5,
			FlushPercentage:      0.01,
			HybridFrontierWeight: 0.5,
			HybridCostWeight:     0.5,
		},
		Audit: AuditConfig{
			Path: "run_info.bolt",
		},
		Logging: LoggingConfig{
			Level:          "info",
			ConsoleEnabled: true,
		},
	}
}

// ReadServerConfigFromFile reads a JSON-serialized ServerConfig from path, applying it on top
// of the default configuration so omitted fields keep their defaults.
func ReadServerConfigFromFile(path string) (*ServerConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read server config at %s", path)
	}

	cfg := GetDefaultServerConfig()
	if err := json.Unmarshal(b, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse server config at %s", path)
	}
	return cfg, nil
}

// WriteToFile writes cfg to path as indented JSON.
func (c *ServerConfig) WriteToFile(path string) error {
	b, err := json.MarshalIndent(c, "", "\t")
	if err != nil {
		return errors.Wrap(err, "marshal server config")
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return errors.Wrapf(err, "write server config to %s", path)
	}
	return nil
}
