package baseline

import (
	"context"
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kilnvm/kiln/internal/backend"
	"github.com/kilnvm/kiln/internal/model"
	"github.com/kilnvm/kiln/internal/speculation"
)

func newTestCompiler(cfg Config) *Compiler {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return NewCompiler(cfg, log)
}

func makeRequest(payload []byte) backend.CompileRequest {
	return backend.CompileRequest{
		TaskID:       model.NewID(),
		UnitID:       model.NewID(),
		UnitName:     "fib",
		Kind:         model.KindFunction,
		Tier:         model.TierBaseline,
		Payload:      payload,
		Speculations: speculation.NewLog().Snapshot(),
		Cancelled:    func() bool { return false },
	}
}

func TestCompileProducesArtifact(t *testing.T) {
	c := newTestCompiler(Config{})
	req := makeRequest([]byte("bytecode"))

	art, err := c.Compile(context.Background(), req)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if art.UnitID != req.UnitID {
		t.Errorf("artifact UnitID = %q, want %q", art.UnitID, req.UnitID)
	}
	if art.Tier != model.TierBaseline {
		t.Errorf("artifact Tier = %q, want %q", art.Tier, model.TierBaseline)
	}
	if art.Size != len(art.Code) {
		t.Errorf("artifact Size = %d, code length %d", art.Size, len(art.Code))
	}
	if got := binary.BigEndian.Uint32(art.Code[0:4]); got != artifactMagic {
		t.Errorf("artifact magic = %#x, want %#x", got, artifactMagic)
	}
	if got := binary.BigEndian.Uint32(art.Code[4:8]); got != uint32(len(req.Payload)) {
		t.Errorf("payload length header = %d, want %d", got, len(req.Payload))
	}
	if string(art.Code[12:]) != "bytecode" {
		t.Errorf("artifact payload = %q, want %q", art.Code[12:], "bytecode")
	}
}

func TestCompileEmptyPayload(t *testing.T) {
	c := newTestCompiler(Config{})
	req := makeRequest(nil)

	if _, err := c.Compile(context.Background(), req); err == nil {
		t.Error("expected error for empty payload, got nil")
	}
}

func TestCompileHonorsCancellation(t *testing.T) {
	c := newTestCompiler(Config{PhaseDelay: 5 * time.Millisecond})
	req := makeRequest([]byte("bytecode"))
	req.Cancelled = func() bool { return true }

	art, err := c.Compile(context.Background(), req)
	if err == nil {
		t.Fatalf("expected cancellation error, got artifact %v", art)
	}
}

func TestCompileHonorsContextDeadline(t *testing.T) {
	c := newTestCompiler(Config{PhaseDelay: 50 * time.Millisecond})
	req := makeRequest([]byte("bytecode"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := c.Compile(ctx, req); err == nil {
		t.Error("expected deadline error, got nil")
	}
}

func TestCompileTracesPhases(t *testing.T) {
	c := newTestCompiler(Config{})
	req := makeRequest([]byte("bytecode"))

	var lines []string
	req.Trace = func(line string) { lines = append(lines, line) }

	if _, err := c.Compile(context.Background(), req); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(lines) != len(phases) {
		t.Fatalf("got %d trace lines, want %d", len(lines), len(phases))
	}
}

func TestCompileSpeculationFlag(t *testing.T) {
	c := newTestCompiler(Config{})
	req := makeRequest([]byte("bytecode"))

	// Fresh snapshot: the dispatch guard speculation is still permitted.
	art, err := c.Compile(context.Background(), req)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if art.Code[8] != 1 {
		t.Error("expected speculative dispatch with a clean speculation log")
	}

	// Exhaust the speculation; recompilation must go conservative.
	log := speculation.NewLog()
	specID := req.UnitID + ":dispatch-guard"
	for i := 0; i < speculationFailureLimit; i++ {
		log.Fail(specID)
	}
	req.Speculations = log.Snapshot()

	art, err = c.Compile(context.Background(), req)
	if err != nil {
		t.Fatalf("Compile after failures: %v", err)
	}
	if art.Code[8] != 0 {
		t.Error("expected conservative dispatch after speculation failures")
	}
}

func TestCapabilities(t *testing.T) {
	c := newTestCompiler(Config{Tier: model.TierOptimizing})

	caps := c.Capabilities()
	if caps.Name != CompilerName {
		t.Errorf("Name = %q, want %q", caps.Name, CompilerName)
	}
	if len(caps.SupportedTiers) != 1 || caps.SupportedTiers[0] != model.TierOptimizing {
		t.Errorf("SupportedTiers = %v, want [optimizing]", caps.SupportedTiers)
	}
}

// Compile-time check that Compiler satisfies the backend interface.
var _ backend.Compiler = (*Compiler)(nil)
