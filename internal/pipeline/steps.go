package pipeline

import (
	"context"
	"fmt"
	"mime"

	"client-engine/internal/artifact"
	"client-engine/internal/models"
)

// StepInput is what a step sees of the run it belongs to.
type StepInput struct {
	Lead      models.Lead
	RunID     string
	StepRunID string
}

// StepOutput is recorded on the step record when the step succeeds.
type StepOutput struct {
	Notes       string
	ArtifactIDs []string
}

// StepFunc performs one unit of pipeline work.
type StepFunc func(ctx context.Context, in StepInput) (StepOutput, error)

// Step is one stage of the fixed pipeline order. A step whose ArtifactKind
// already exists for the lead is skipped, which makes re-runs idempotent.
type Step struct {
	Name         string
	ArtifactKind string
	// NextStatus is the lead status reached when the step succeeds.
	NextStatus string
	Run        StepFunc
}

// Step names in pipeline order.
const (
	StepEnrich   = "enrich"
	StepScore    = "score"
	StepPosition = "position"
	StepPropose  = "propose"
	StepBuild    = "build"
)

// ArtifactRecorder stores artifact rows.
type ArtifactRecorder interface {
	CreateArtifact(ctx context.Context, a models.Artifact) (models.Artifact, error)
}

// DefaultSteps wires the five stages to a generator and blob storage.
func DefaultSteps(gen Generator, blobs artifact.Store, rec ArtifactRecorder) []Step {
	return []Step{
		GeneratorStep(StepEnrich, "enrichment", models.LeadEnriched, gen, blobs, rec),
		GeneratorStep(StepScore, "score", models.LeadScored, gen, blobs, rec),
		GeneratorStep(StepPosition, "positioning", models.LeadPositioned, gen, blobs, rec),
		GeneratorStep(StepPropose, "proposal", models.LeadProposed, gen, blobs, rec),
		GeneratorStep(StepBuild, "build_plan", models.LeadBuilt, gen, blobs, rec),
	}
}

// GeneratorStep asks the generator for the step's document, stores the body
// and records it as an artifact of kind.
func GeneratorStep(name, kind, next string, gen Generator, blobs artifact.Store, rec ArtifactRecorder) Step {
	return Step{
		Name:         name,
		ArtifactKind: kind,
		NextStatus:   next,
		Run: func(ctx context.Context, in StepInput) (StepOutput, error) {
			doc, err := gen.Generate(ctx, name, in.Lead)
			if err != nil {
				return StepOutput{}, fmt.Errorf("generate %s: %w", name, err)
			}
			key := fmt.Sprintf("leads/%s/%s/%s%s", in.Lead.ID, in.RunID, kind, extension(doc.ContentType))
			uri, err := blobs.Put(ctx, key, doc.Body, doc.ContentType)
			if err != nil {
				return StepOutput{}, fmt.Errorf("store %s artifact: %w", kind, err)
			}
			a, err := rec.CreateArtifact(ctx, models.Artifact{
				LeadID:      in.Lead.ID,
				Kind:        kind,
				URI:         uri,
				ContentType: doc.ContentType,
				StepRunID:   in.StepRunID,
			})
			if err != nil {
				return StepOutput{}, fmt.Errorf("record %s artifact: %w", kind, err)
			}
			notes := doc.Notes
			if notes == "" {
				notes = fmt.Sprintf("%s: %d bytes", kind, len(doc.Body))
			}
			return StepOutput{Notes: notes, ArtifactIDs: []string{a.ID}}, nil
		},
	}
}

func extension(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	switch mt {
	case "application/json":
		return ".json"
	case "text/markdown":
		return ".md"
	case "text/plain":
		return ".txt"
	case "text/html":
		return ".html"
	}
	return ""
}
