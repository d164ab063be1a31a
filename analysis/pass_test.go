package analysis

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// writeShellScript writes an executable shell script to dir and returns its path. Tests use
// this in place of a real instrumented analysis binary, since the pass types here only care
// about the TRACER_* environment contract and argument handling, not any particular tracer's
// internals.
func writeShellScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestGenericPassStdinRoundTrip(t *testing.T) {
	dir := t.TempDir()
	bin := writeShellScript(t, dir, "pass.sh", `cat > "$TRACER_OUTPUT_FILE"`)

	pass := NewGenericPass(BinaryPassConfig{
		PassType:   PassCoverage,
		BinaryPath: bin,
		UseStdin:   true,
	}, nil)

	out, err := pass.Process(context.Background(), []byte("1,2\n"))
	require.NoError(t, err)
	require.Equal(t, "1,2\n", string(out))
}

func TestGenericPassFileArgPlaceholder(t *testing.T) {
	dir := t.TempDir()
	bin := writeShellScript(t, dir, "pass.sh", `wc -c < "$1" | tr -d ' ' > "$TRACER_OUTPUT_FILE"`)

	pass := NewGenericPass(BinaryPassConfig{
		PassType:   PassConditions,
		BinaryPath: bin,
		Args:       []string{argPlaceholder},
	}, nil)

	out, err := pass.Process(context.Background(), []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, "5\n", string(out))
}

func TestGenericPassPropagatesBinaryFailure(t *testing.T) {
	dir := t.TempDir()
	bin := writeShellScript(t, dir, "pass.sh", `exit 1`)

	pass := NewGenericPass(BinaryPassConfig{
		PassType:   PassCoverage,
		BinaryPath: bin,
		UseStdin:   true,
	}, nil)

	_, err := pass.Process(context.Background(), []byte("x"))
	require.Error(t, err)
}

func TestBytesTracerPassMergesSingleChunkOutput(t *testing.T) {
	dir := t.TempDir()
	bin := writeShellScript(t, dir, "bt.sh",
		`printf '{"10":{"input_offsets":[%s],"conditions_before_count":1,"tainted_conditions_before_count":0}}' "$TRACER_RANGE_START" > "$TRACER_OUTPUT_FILE"`)

	pass := NewBytesTracerPass(BinaryPassConfig{
		PassType:   PassBytesTracer,
		BinaryPath: bin,
	}, time.Second, nil)

	out, err := pass.Process(context.Background(), []byte("abc"))
	require.NoError(t, err)

	parsed, err := decodeBytesTracerJSON(out)
	require.NoError(t, err)
	require.Contains(t, parsed, uint64(10))
	require.Equal(t, []int{0}, parsed[10].InputOffsets)
}

func TestBytesTracerPassEmptyContentSkipsInvocation(t *testing.T) {
	pass := NewBytesTracerPass(BinaryPassConfig{
		PassType:   PassBytesTracer,
		BinaryPath: "/does/not/exist",
	}, time.Second, nil)

	out, err := pass.Process(context.Background(), []byte{})
	require.NoError(t, err)
	require.Equal(t, "{}", string(out))
}

func TestMergeBytesTracerChunksExtendsOffsetsOnMatchingID(t *testing.T) {
	a := map[uint64]bytesTracerTerminator{
		5: {InputOffsets: []int{1, 2}, ConditionsBeforeCount: 3},
	}
	b := map[uint64]bytesTracerTerminator{
		5: {InputOffsets: []int{3}, ConditionsBeforeCount: 3},
		6: {InputOffsets: []int{0}, ConditionsBeforeCount: 1},
	}

	merged := mergeBytesTracerChunks(a, b)
	require.ElementsMatch(t, []int{1, 2, 3}, merged[5].InputOffsets)
	require.Equal(t, []int{0}, merged[6].InputOffsets)
}
