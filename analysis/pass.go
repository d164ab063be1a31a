package analysis

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/collabfuzz/collabfuzz/logging"
	"github.com/collabfuzz/collabfuzz/utils"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// taintExhaustionExitCode is the sentinel exit code the bytes tracer binary uses to signal
// that it ran out of distinct taint labels for the current chunk size.
const taintExhaustionExitCode = 42

// argPlaceholder is substituted with the path to a temp file holding the test case content,
// for passes that require a file argument rather than stdin.
const argPlaceholder = "@@"

// Pass is one registered program-analysis routine.
type Pass interface {
	// Type names the pass, used as the AnalysisUpdate slot key.
	Type() PassType
	// RunOnDuplicates reports whether this pass should also run for reports whose content
	// hash was already seen.
	RunOnDuplicates() bool
	// Process spawns the pass binary against content and returns its raw output, or an
	// error if the subprocess failed or produced no usable output.
	Process(ctx context.Context, content []byte) ([]byte, error)
}

// BinaryPassConfig describes how to invoke one instrumented analysis binary.
type BinaryPassConfig struct {
	PassType         PassType
	BinaryPath       string
	Args             []string // may contain the "@@" placeholder
	UseStdin         bool
	RunOnDuplicates  bool
	WorkDir          string
}

// GenericPass runs a single-shot instrumented binary per test case, the shape shared by the
// coverage, conditions, taint, and instruction-log passes.
type GenericPass struct {
	cfg    BinaryPassConfig
	logger *logging.Logger
}

// NewGenericPass constructs a Pass from cfg.
func NewGenericPass(cfg BinaryPassConfig, logger *logging.Logger) *GenericPass {
	return &GenericPass{cfg: cfg, logger: logger}
}

func (p *GenericPass) Type() PassType          { return p.cfg.PassType }
func (p *GenericPass) RunOnDuplicates() bool   { return p.cfg.RunOnDuplicates }

func (p *GenericPass) Process(ctx context.Context, content []byte) ([]byte, error) {
	outputFile, err := os.CreateTemp(workDirOrDefault(p.cfg.WorkDir), "collabfuzz-out-"+uuid.NewString())
	if err != nil {
		return nil, errors.Wrap(err, "create pass output file")
	}
	outputPath := outputFile.Name()
	outputFile.Close()
	defer os.Remove(outputPath)

	args := make([]string, len(p.cfg.Args))
	copy(args, p.cfg.Args)

	var inputPath string
	if !p.cfg.UseStdin {
		inputFile, err := os.CreateTemp(workDirOrDefault(p.cfg.WorkDir), "collabfuzz-in-"+uuid.NewString())
		if err != nil {
			return nil, errors.Wrap(err, "create pass input file")
		}
		inputPath = inputFile.Name()
		if _, err := inputFile.Write(content); err != nil {
			inputFile.Close()
			return nil, errors.Wrap(err, "write pass input file")
		}
		inputFile.Close()
		defer os.Remove(inputPath)

		for i, arg := range args {
			if strings.Contains(arg, argPlaceholder) {
				args[i] = strings.ReplaceAll(arg, argPlaceholder, inputPath)
			}
		}
	}

	cmd := exec.CommandContext(ctx, p.cfg.BinaryPath, args...)
	cmd.Env = append(os.Environ(),
		"TRACER_OUTPUT_FILE="+outputPath,
		"TRACER_INPUT_FILE="+inputPath,
	)
	if p.cfg.UseStdin {
		cmd.Stdin = bytesReader(content)
	}

	_, _, _, err = utils.RunCommandWithOutputAndError(cmd)
	if err != nil {
		if p.logger != nil {
			p.logger.Debug("analysis pass binary failed", p.cfg.PassType, err)
		}
		return nil, errors.Wrapf(err, "run pass %s", p.cfg.PassType)
	}

	output, err := os.ReadFile(outputPath)
	if err != nil {
		return nil, errors.Wrapf(err, "read pass %s output", p.cfg.PassType)
	}
	return output, nil
}

// BytesTracerPass implements the adaptive, chunked input-byte attribution pass: it halves its
// chunk size and retries from the last successful offset whenever the binary reports
// taint-label exhaustion, subject to a wall-clock budget.
type BytesTracerPass struct {
	cfg    BinaryPassConfig
	budget time.Duration
	logger *logging.Logger
}

// NewBytesTracerPass constructs the bytes tracer pass. budget defaults to 2 seconds if zero.
func NewBytesTracerPass(cfg BinaryPassConfig, budget time.Duration, logger *logging.Logger) *BytesTracerPass {
	if budget <= 0 {
		budget = 2 * time.Second
	}
	return &BytesTracerPass{cfg: cfg, budget: budget, logger: logger}
}

func (p *BytesTracerPass) Type() PassType        { return PassBytesTracer }
func (p *BytesTracerPass) RunOnDuplicates() bool { return p.cfg.RunOnDuplicates }

func (p *BytesTracerPass) Process(ctx context.Context, content []byte) ([]byte, error) {
	start := time.Now()

	chunkSize := len(content)
	if chunkSize == 0 {
		return []byte("{}"), nil
	}
	offset := 0
	merged := map[uint64]bytesTracerTerminator{}

	for offset < len(content) {
		elapsed := time.Since(start)
		projected := elapsed
		if offset > 0 {
			// Extrapolate the rate observed so far over the bytes still to be traced.
			projected += time.Duration(float64(elapsed) * float64(len(content)-offset) / float64(offset))
		}
		if projected > p.budget {
			return nil, errors.Errorf("bytes tracer projected to exceed budget of %s", p.budget)
		}

		rangeSize := chunkSize
		if offset+rangeSize > len(content) {
			rangeSize = len(content) - offset
		}

		chunkOutput, exitCode, err := p.runChunk(ctx, content, offset, rangeSize)
		if err != nil {
			return nil, err
		}

		if exitCode == taintExhaustionExitCode {
			if chunkSize <= 1 {
				return nil, errors.New("bytes tracer exhausted taint labels at minimum chunk size")
			}
			chunkSize /= 2
			continue
		}

		parsedChunk, err := decodeBytesTracerJSON(chunkOutput)
		if err != nil {
			return nil, err
		}
		merged = mergeBytesTracerChunks(merged, parsedChunk)
		offset += rangeSize
	}

	return encodeBytesTracerResult(merged)
}

func (p *BytesTracerPass) runChunk(ctx context.Context, content []byte, rangeStart, rangeSize int) ([]byte, int, error) {
	outputFile, err := os.CreateTemp(workDirOrDefault(p.cfg.WorkDir), "collabfuzz-bt-out-"+uuid.NewString())
	if err != nil {
		return nil, 0, errors.Wrap(err, "create bytes tracer output file")
	}
	outputPath := outputFile.Name()
	outputFile.Close()
	defer os.Remove(outputPath)

	inputFile, err := os.CreateTemp(workDirOrDefault(p.cfg.WorkDir), "collabfuzz-bt-in-"+uuid.NewString())
	if err != nil {
		return nil, 0, errors.Wrap(err, "create bytes tracer input file")
	}
	inputPath := inputFile.Name()
	if _, err := inputFile.Write(content); err != nil {
		inputFile.Close()
		return nil, 0, errors.Wrap(err, "write bytes tracer input file")
	}
	inputFile.Close()
	defer os.Remove(inputPath)

	args := make([]string, len(p.cfg.Args))
	copy(args, p.cfg.Args)
	for i, arg := range args {
		if strings.Contains(arg, argPlaceholder) {
			args[i] = strings.ReplaceAll(arg, argPlaceholder, inputPath)
		}
	}

	cmd := exec.CommandContext(ctx, p.cfg.BinaryPath, args...)
	cmd.Env = append(os.Environ(),
		"TRACER_OUTPUT_FILE="+outputPath,
		"TRACER_INPUT_FILE="+inputPath,
		"TRACER_RANGE_START="+strconv.Itoa(rangeStart),
		"TRACER_RANGE_SIZE="+strconv.Itoa(rangeSize),
	)

	_, _, _, runErr := utils.RunCommandWithOutputAndError(cmd)
	exitCode := 0
	if exitErr, ok := asExitError(runErr); ok {
		exitCode = exitErr.ExitCode()
	} else if runErr != nil {
		return nil, 0, errors.Wrap(runErr, "run bytes tracer chunk")
	}

	output, err := os.ReadFile(outputPath)
	if err != nil {
		if exitCode == taintExhaustionExitCode {
			return nil, exitCode, nil
		}
		return nil, 0, errors.Wrap(err, "read bytes tracer chunk output")
	}
	return output, exitCode, nil
}

func asExitError(err error) (*exec.ExitError, bool) {
	exitErr, ok := err.(*exec.ExitError)
	return exitErr, ok
}

func encodeBytesTracerResult(merged map[uint64]bytesTracerTerminator) ([]byte, error) {
	raw := make(map[string]bytesTracerTerminator, len(merged))
	for id, term := range merged {
		raw[strconv.FormatUint(id, 10)] = term
	}
	return jsonMarshal(raw)
}

func workDirOrDefault(dir string) string {
	if dir == "" {
		return os.TempDir()
	}
	return filepath.Clean(dir)
}
