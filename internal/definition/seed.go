package definition

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/pitabwire/curator/model"
)

// SeedActor is recorded as the creator of seeded definitions.
const SeedActor = "seed"

// SeedReport counts what a Seed run did.
type SeedReport struct {
	Created int `json:"created"`
	Skipped int `json:"skipped"`
}

// Seed validates every bundle and stores the entries that do not exist yet.
// A workflow exists when its id, or its name within the same scope and
// object type, is already stored. A procedure exists when it has an active
// config. Any validation error aborts the run before anything is written.
func (s *Service) Seed(ctx context.Context, bundles []Bundle, resolver *Resolver) (SeedReport, error) {
	var report SeedReport

	var verrs []VError
	for i := range bundles {
		verrs = append(verrs, s.validator.ValidateBundle(&bundles[i])...)
	}
	if err := AsError(verrs); err != nil {
		s.metrics.RecordDefinitionSeed("failed")
		return report, err
	}

	for _, b := range bundles {
		for _, wf := range b.Workflows {
			exists, err := s.workflowExists(ctx, &wf)
			if err != nil {
				s.metrics.RecordDefinitionSeed("failed")
				return report, err
			}
			if exists {
				report.Skipped++
				s.metrics.RecordDefinitionSeed("skipped")
				continue
			}
			if _, err := s.CreateWorkflow(ctx, wf, SeedActor); err != nil {
				s.metrics.RecordDefinitionSeed("failed")
				return report, fmt.Errorf("seed workflow %q from %s: %w", wf.Name, b.SourceFile, err)
			}
			report.Created++
			s.metrics.RecordDefinitionSeed("created")
		}

		types := make([]string, 0, len(b.Procedures))
		for pt := range b.Procedures {
			types = append(types, pt)
		}
		sort.Strings(types)
		for _, pt := range types {
			_, err := resolver.GetActiveConfig(ctx, pt)
			if err == nil {
				report.Skipped++
				s.metrics.RecordDefinitionSeed("skipped")
				continue
			}
			if !model.IsCode(err, model.ErrConfigNotFound) {
				s.metrics.RecordDefinitionSeed("failed")
				return report, fmt.Errorf("seed procedure %q: %w", pt, err)
			}
			if _, err := resolver.Activate(ctx, pt, b.Procedures[pt], SeedActor); err != nil {
				s.metrics.RecordDefinitionSeed("failed")
				return report, fmt.Errorf("seed procedure %q from %s: %w", pt, b.SourceFile, err)
			}
			report.Created++
			s.metrics.RecordDefinitionSeed("created")
		}

		s.logger.Info("definition bundle seeded",
			zap.String("file", b.SourceFile),
			zap.String("checksum", b.Checksum),
		)
	}

	s.metrics.SetDefinitionsLoaded(report.Created + report.Skipped)
	return report, nil
}

func (s *Service) workflowExists(ctx context.Context, wf *model.WorkflowDefinition) (bool, error) {
	if wf.ID != "" {
		_, err := s.store.GetWorkflow(ctx, wf.ID)
		if err == nil {
			return true, nil
		}
		if !model.IsCode(err, model.ErrNotFound) {
			return false, err
		}
	}
	same, err := s.store.ListWorkflows(ctx, WorkflowFilter{
		ScopeType:  wf.ScopeType,
		ScopeID:    wf.ScopeID,
		ObjectType: wf.AppliesToObjectType,
	})
	if err != nil {
		return false, err
	}
	for _, other := range same {
		if other.Name == wf.Name {
			return true, nil
		}
	}
	return false, nil
}
