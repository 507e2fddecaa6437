// Package baseline implements the backend.Compiler interface with a template
// packaging compiler: it stitches the unit payload into a dispatch artifact
// without building an IR. It exists so the manager has a real tier to drive;
// an optimizing pipeline plugs in behind the same interface.
package baseline

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kilnvm/kiln/internal/backend"
	"github.com/kilnvm/kiln/internal/model"
)

// CompilerName is the name reported in capabilities.
const CompilerName = "baseline-template"

// artifactMagic marks the head of every artifact this compiler produces.
const artifactMagic = 0x4b494c4e // "KILN"

// speculationFailureLimit is how many observed failures disqualify a
// speculation from being baked into an artifact.
const speculationFailureLimit = 3

// compilation phases, traced in order.
var phases = []string{"parse-profile", "layout-templates", "link-dispatch", "finalize"}

// Config holds tuning knobs for the baseline compiler.
type Config struct {
	// Tier is the tier name this instance compiles for.
	Tier string

	// PhaseDelay is artificial per-phase latency, used by tests and the
	// testserver to exercise queueing and cancellation windows.
	PhaseDelay time.Duration
}

// Compiler packages units into dispatch artifacts.
type Compiler struct {
	cfg Config
	log *logrus.Logger
}

// NewCompiler creates a baseline compiler for the configured tier.
func NewCompiler(cfg Config, log *logrus.Logger) *Compiler {
	if cfg.Tier == "" {
		cfg.Tier = model.TierBaseline
	}
	if log == nil {
		log = logrus.New()
	}
	return &Compiler{cfg: cfg, log: log}
}

// Compile implements backend.Compiler. It polls the cancellation predicate
// between phases and returns the context error if cancelled or expired.
func (c *Compiler) Compile(ctx context.Context, req backend.CompileRequest) (*backend.Artifact, error) {
	if len(req.Payload) == 0 {
		return nil, fmt.Errorf("unit %s has no payload", req.UnitID)
	}

	compilesInFlight.Inc()
	defer compilesInFlight.Dec()

	start := time.Now()
	for _, phase := range phases {
		if err := c.checkpoint(ctx, req); err != nil {
			c.log.WithFields(logrus.Fields{
				"unit_id": req.UnitID,
				"phase":   phase,
			}).Info("compilation aborted at safe point")
			return nil, err
		}
		phaseStart := time.Now()
		if c.cfg.PhaseDelay > 0 {
			select {
			case <-time.After(c.cfg.PhaseDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		phaseDuration.WithLabelValues(phase).Observe(time.Since(phaseStart).Seconds())
		if req.Trace != nil {
			req.Trace(fmt.Sprintf("[%s] %s done", c.cfg.Tier, phase))
		}
	}

	// One last poll before producing the artifact, so a cancellation that
	// arrived during the final phase is honored.
	if err := c.checkpoint(ctx, req); err != nil {
		return nil, err
	}

	art := &backend.Artifact{
		ID:        model.NewArtifactID(),
		UnitID:    req.UnitID,
		Tier:      c.cfg.Tier,
		Code:      c.emit(req),
		CreatedAt: time.Now().UTC(),
	}
	art.Size = len(art.Code)

	c.log.WithFields(logrus.Fields{
		"unit_id":     req.UnitID,
		"artifact_id": art.ID,
		"size":        art.Size,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("unit compiled")

	return art, nil
}

// Capabilities implements backend.Compiler.
func (c *Compiler) Capabilities() backend.CompilerCapabilities {
	return backend.CompilerCapabilities{
		Name:           CompilerName,
		SupportedKinds: []string{model.KindFunction, model.KindLoop},
		SupportedTiers: []string{c.cfg.Tier},
		MaxConcurrency: 8,
	}
}

// checkpoint is a compilation safe point: it reports cancellation or context
// expiry, whichever fires first.
func (c *Compiler) checkpoint(ctx context.Context, req backend.CompileRequest) error {
	if req.Cancelled != nil && req.Cancelled() {
		return context.Canceled
	}
	return ctx.Err()
}

// emit packages the payload into the artifact blob: a fixed header followed by
// the payload verbatim. The speculation flag records whether the dispatch
// template kept its speculative fast path; a speculation that has failed too
// often at snapshot time is compiled conservatively instead.
func (c *Compiler) emit(req backend.CompileRequest) []byte {
	specID := req.UnitID + ":dispatch-guard"
	speculative := req.Speculations.Permitted(specID, speculationFailureLimit)

	head := make([]byte, 12)
	binary.BigEndian.PutUint32(head[0:4], artifactMagic)
	binary.BigEndian.PutUint32(head[4:8], uint32(len(req.Payload)))
	if speculative {
		head[8] = 1
	}

	code := make([]byte, 0, len(head)+len(req.Payload))
	code = append(code, head...)
	code = append(code, req.Payload...)
	return code
}
