// Package conflict classifies and resolves disagreements between
// agents' reported states or competing decisions.
package conflict

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/zhifengzhang-sz/qi-v2-agent-sub000/pkg/models"
)

// QuorumProposer is the slice of the consensus coordinator the resolver
// needs for high-severity escalation.
type QuorumProposer interface {
	Propose(ctx context.Context, targets []string, payload map[string]any) (*models.ConsensusResult, error)
}

// Resolver settles conflicts by severity: low ones automatically by
// recency, medium ones by field-wise merge, high ones by quorum vote.
type Resolver struct {
	quorum QuorumProposer
	// now is injectable for deterministic tests.
	now func() time.Time
}

// New creates a resolver. The quorum proposer may be nil, in which case
// high-severity conflicts degrade to last-writer-wins with low confidence.
func New(quorum QuorumProposer) *Resolver {
	return &Resolver{quorum: quorum, now: time.Now}
}

// SetClock overrides the resolver's clock. Intended for tests.
func (r *Resolver) SetClock(now func() time.Time) {
	if now != nil {
		r.now = now
	}
}

// Classify builds a conflict from disagreeing reports over a domain.
// Severity follows how much the reports overlap: disjoint field sets
// are low (a merge loses nothing), partially overlapping disagreements
// are medium, and disputes where every field is contested are high.
func Classify(domain string, reports []models.ConflictReport) models.Conflict {
	overlap, total := contestedFields(reports)

	severity := models.ConflictLow
	switch {
	case total > 0 && len(overlap) == total:
		severity = models.ConflictHigh
	case len(overlap) > 0:
		severity = models.ConflictMedium
	}

	return models.Conflict{
		ID:         uuid.New().String()[:8],
		Severity:   severity,
		Domain:     domain,
		Reports:    reports,
		DetectedAt: time.Now(),
	}
}

// contestedFields returns the field names reported by more than one
// agent with differing values, plus the total distinct field count.
func contestedFields(reports []models.ConflictReport) (map[string]bool, int) {
	values := make(map[string]map[string]bool)
	for _, rep := range reports {
		for k, v := range rep.Fields {
			if values[k] == nil {
				values[k] = make(map[string]bool)
			}
			values[k][v] = true
		}
	}

	contested := make(map[string]bool)
	for k, vs := range values {
		if len(vs) > 1 {
			contested[k] = true
		}
	}
	return contested, len(values)
}

// Resolve settles the conflict exactly once and returns the resolution.
// The strategy used and a confidence score are recorded so downstream
// outcome learning can evaluate resolver quality.
func (r *Resolver) Resolve(ctx context.Context, c models.Conflict) (*models.Resolution, error) {
	if len(c.Reports) == 0 {
		return nil, fmt.Errorf("resolve conflict %s: no reports", c.ID)
	}
	if !c.Severity.Valid() {
		return nil, fmt.Errorf("resolve conflict %s: invalid severity %q", c.ID, c.Severity)
	}

	var res *models.Resolution
	switch c.Severity {
	case models.ConflictLow:
		res = r.lastWriterWins(c)
	case models.ConflictMedium:
		res = r.merge(c)
	case models.ConflictHigh:
		res = r.escalate(ctx, c)
	}

	log.Printf("[conflict] resolved %s (%s) via %s, confidence %.2f",
		c.ID, c.Severity, res.Strategy, res.Confidence)
	return res, nil
}

// lastWriterWins picks the most recently reported view wholesale.
func (r *Resolver) lastWriterWins(c models.Conflict) *models.Resolution {
	latest := c.Reports[0]
	for _, rep := range c.Reports[1:] {
		if rep.ReportedAt.After(latest.ReportedAt) {
			latest = rep
		}
	}

	return &models.Resolution{
		ConflictID: c.ID,
		Strategy:   models.StrategyLastWriterWins,
		Value:      copyFields(latest.Fields),
		Confidence: 0.7,
		Rationale:  fmt.Sprintf("adopted most recent report, from agent %s", latest.AgentID),
		ResolvedAt: r.now(),
	}
}

// merge reconciles non-overlapping fields directly and settles only the
// contested subset by recency. Confidence drops with the share of
// contested fields.
func (r *Resolver) merge(c models.Conflict) *models.Resolution {
	contested, total := contestedFields(c.Reports)

	// Reports sorted oldest-first so later writes overwrite earlier
	// ones for the contested subset.
	reports := append([]models.ConflictReport(nil), c.Reports...)
	sort.Slice(reports, func(i, j int) bool {
		return reports[i].ReportedAt.Before(reports[j].ReportedAt)
	})

	value := make(map[string]string)
	for _, rep := range reports {
		for k, v := range rep.Fields {
			value[k] = v
		}
	}

	confidence := 1.0
	if total > 0 {
		confidence = 1.0 - 0.5*float64(len(contested))/float64(total)
	}

	var contestedNames []string
	for k := range contested {
		contestedNames = append(contestedNames, k)
	}
	sort.Strings(contestedNames)

	return &models.Resolution{
		ConflictID: c.ID,
		Strategy:   models.StrategyFieldMerge,
		Value:      value,
		Confidence: confidence,
		Rationale:  fmt.Sprintf("merged %d fields; contested subset %v settled by recency", total, contestedNames),
		ResolvedAt: r.now(),
	}
}

// escalate puts the coordinator's preferred value (the most recent
// report) to a quorum vote among the disputing agents. The committed
// value wins; a rejected or unavailable vote degrades to recency with
// reduced confidence.
func (r *Resolver) escalate(ctx context.Context, c models.Conflict) *models.Resolution {
	preferred := r.lastWriterWins(c)

	if r.quorum == nil {
		preferred.Confidence = 0.4
		preferred.Rationale = "no quorum coordinator available; " + preferred.Rationale
		return preferred
	}

	targets := make([]string, 0, len(c.Reports))
	for _, rep := range c.Reports {
		targets = append(targets, rep.AgentID)
	}
	sort.Strings(targets)

	payload := map[string]any{
		"conflict_id": c.ID,
		"domain":      c.Domain,
		"value":       preferred.Value,
	}

	result, err := r.quorum.Propose(ctx, targets, payload)
	if err != nil {
		preferred.Confidence = 0.4
		preferred.Rationale = fmt.Sprintf("quorum vote failed (%v); %s", err, preferred.Rationale)
		return preferred
	}

	if result.Accepted() {
		return &models.Resolution{
			ConflictID: c.ID,
			Strategy:   models.StrategyConsensus,
			Value:      preferred.Value,
			Confidence: 0.95,
			Rationale:  fmt.Sprintf("quorum committed proposal %s (term %d)", result.ProposalID, result.Term),
			ResolvedAt: r.now(),
		}
	}

	return &models.Resolution{
		ConflictID: c.ID,
		Strategy:   models.StrategyConsensus,
		Value:      preferred.Value,
		Confidence: 0.4,
		Rationale:  fmt.Sprintf("quorum %s (%s); fell back to most recent report", result.Outcome, result.Reason),
		ResolvedAt: r.now(),
	}
}

func copyFields(fields map[string]string) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
