package runtime

import (
	"context"
	"sort"

	"github.com/drblury/eventflow/internal/runtime/envelope"
	"github.com/drblury/eventflow/internal/runtime/storage"
)

// recentLimit is how many records a summary lists.
const recentLimit = 10

// UserSummary aggregates the analytics events of one user.
type UserSummary struct {
	UserID       string                    `json:"user_id"`
	TotalEvents  int                       `json:"total_events"`
	EventTypes   map[string]int            `json:"event_types"`
	RecentEvents []*storage.AnalyticsEvent `json:"recent_events"`
}

// ResearcherSummary aggregates the experiments of one researcher.
type ResearcherSummary struct {
	Researcher        string                   `json:"researcher"`
	TotalExperiments  int                      `json:"total_experiments"`
	UniqueMolecules   int                      `json:"unique_molecules"`
	Molecules         []string                 `json:"molecules"`
	RecentExperiments []*storage.ResearchEvent `json:"recent_experiments"`
}

// SummarizeUser reads every analytics event of userID.
func SummarizeUser(ctx context.Context, store storage.Store, userID string) (UserSummary, error) {
	records, err := store.Get(ctx, storage.Filter{Kind: envelope.KindAnalytics, UserID: userID}, 0)
	if err != nil {
		return UserSummary{}, err
	}

	summary := UserSummary{
		UserID:       userID,
		EventTypes:   make(map[string]int),
		RecentEvents: make([]*storage.AnalyticsEvent, 0, min(len(records), recentLimit)),
	}
	for _, rec := range records {
		ev, ok := rec.(*storage.AnalyticsEvent)
		if !ok {
			continue
		}
		summary.TotalEvents++
		summary.EventTypes[ev.EventType]++
		if len(summary.RecentEvents) < recentLimit {
			summary.RecentEvents = append(summary.RecentEvents, ev)
		}
	}
	return summary, nil
}

// SummarizeResearcher reads every research event of researcher.
func SummarizeResearcher(ctx context.Context, store storage.Store, researcher string) (ResearcherSummary, error) {
	records, err := store.Get(ctx, storage.Filter{Kind: envelope.KindResearch, Researcher: researcher}, 0)
	if err != nil {
		return ResearcherSummary{}, err
	}

	summary := ResearcherSummary{
		Researcher:        researcher,
		Molecules:         []string{},
		RecentExperiments: make([]*storage.ResearchEvent, 0, min(len(records), recentLimit)),
	}
	seen := make(map[string]bool)
	for _, rec := range records {
		ev, ok := rec.(*storage.ResearchEvent)
		if !ok {
			continue
		}
		summary.TotalExperiments++
		if !seen[ev.MoleculeID] {
			seen[ev.MoleculeID] = true
			summary.Molecules = append(summary.Molecules, ev.MoleculeID)
		}
		if len(summary.RecentExperiments) < recentLimit {
			summary.RecentExperiments = append(summary.RecentExperiments, ev)
		}
	}
	sort.Strings(summary.Molecules)
	summary.UniqueMolecules = len(summary.Molecules)
	return summary, nil
}
