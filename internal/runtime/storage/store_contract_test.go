package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/eventflow/internal/runtime/envelope"
	errorspkg "github.com/drblury/eventflow/internal/runtime/errors"
	idspkg "github.com/drblury/eventflow/internal/runtime/ids"
)

// runStoreContract exercises behaviour every Store implementation shares.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Helper()

	t.Run("save is idempotent per event id", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		evt := analyticsRecord("u1", "click", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

		first, err := store.Save(ctx, evt)
		require.NoError(t, err)
		processed := time.Date(2024, 1, 1, 0, 5, 0, 0, time.UTC)
		evt.ProcessedAt = &processed
		second, err := store.Save(ctx, evt)
		require.NoError(t, err)
		assert.Equal(t, first, second)

		got, err := store.Get(ctx, Filter{Kind: envelope.KindAnalytics, UserID: "u1"}, 0)
		require.NoError(t, err)
		require.Len(t, got, 1)
		row := got[0].(*AnalyticsEvent)
		assert.Equal(t, evt.EventID, row.EventID)
		assert.Equal(t, "click", row.EventType)
		require.NotNil(t, row.ProcessedAt)
		assert.True(t, processed.Equal(*row.ProcessedAt))
		assert.Equal(t, "/home", row.EventMetadata["page"])
	})

	t.Run("get orders newest first and honours limit", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
		for i := 0; i < 5; i++ {
			_, err := store.Save(ctx, analyticsRecord("u2", "view", base.Add(time.Duration(i)*time.Minute)))
			require.NoError(t, err)
		}
		_, err := store.Save(ctx, analyticsRecord("other", "view", base))
		require.NoError(t, err)

		got, err := store.Get(ctx, Filter{Kind: envelope.KindAnalytics, UserID: "u2"}, 3)
		require.NoError(t, err)
		require.Len(t, got, 3)
		for i := 1; i < len(got); i++ {
			prev := got[i-1].(*AnalyticsEvent).Timestamp
			cur := got[i].(*AnalyticsEvent).Timestamp
			assert.True(t, !prev.Before(cur), "results must be newest first")
		}
		assert.True(t, base.Add(4*time.Minute).Equal(got[0].(*AnalyticsEvent).Timestamp))
	})

	t.Run("research enrichment survives a plain resave", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		evt := researchRecord("H2O", "dr_smith")
		evt.LLMProperties = JSONMap{"color": "colorless"}
		_, err := store.Save(ctx, evt)
		require.NoError(t, err)

		resave := *evt
		resave.LLMProperties = nil
		_, err = store.Save(ctx, &resave)
		require.NoError(t, err)

		got, err := store.Get(ctx, Filter{Kind: envelope.KindResearch, MoleculeID: "H2O"}, 0)
		require.NoError(t, err)
		require.Len(t, got, 1)
		row := got[0].(*ResearchEvent)
		assert.Equal(t, "colorless", row.LLMProperties["color"])
		assert.Equal(t, "dr_smith", row.Researcher)
		assert.Equal(t, "98%", row.Data["purity"])
	})

	t.Run("status lifecycle", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		eventID := idspkg.NewRecordID()

		_, err := store.LatestStatus(ctx, eventID)
		require.ErrorIs(t, err, errorspkg.ErrNotFound)

		_, err = store.CreateStatus(ctx, eventID, envelope.KindAnalytics, 3)
		require.NoError(t, err)
		require.NoError(t, store.UpdateStatus(ctx, eventID, StatusProcessing, ""))

		rec, err := store.RecordRetry(ctx, eventID, "db down")
		require.NoError(t, err)
		assert.Equal(t, StatusPending, rec.Status)
		assert.Equal(t, 1, rec.RetryCount)
		require.NotNil(t, rec.ErrorMessage)
		assert.Equal(t, "db down", *rec.ErrorMessage)

		require.NoError(t, store.UpdateStatus(ctx, eventID, StatusProcessing, ""))
		require.NoError(t, store.UpdateStatus(ctx, eventID, StatusCompleted, ""))
		require.NoError(t, store.UpdateStatus(ctx, eventID, StatusCompleted, ""))

		err = store.UpdateStatus(ctx, eventID, StatusProcessing, "")
		require.ErrorIs(t, err, ErrInvalidTransition)

		latest, err := store.LatestStatus(ctx, eventID)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, latest.Status)
		assert.Equal(t, 1, latest.RetryCount)
		assert.Equal(t, 3, latest.MaxRetries)
	})

	t.Run("a new delivery opens a new status record", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		eventID := idspkg.NewRecordID()

		_, err := store.CreateStatus(ctx, eventID, envelope.KindResearch, 3)
		require.NoError(t, err)
		require.NoError(t, store.UpdateStatus(ctx, eventID, StatusFailed, "invalid"))
		second, err := store.CreateStatus(ctx, eventID, envelope.KindResearch, 3)
		require.NoError(t, err)

		all, err := store.ListStatuses(ctx, eventID)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, second, all[0].ID)
		assert.Equal(t, StatusPending, all[0].Status)
		assert.Equal(t, StatusFailed, all[1].Status)
	})

	t.Run("list stale", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		stuck := idspkg.NewRecordID()
		done := idspkg.NewRecordID()
		for _, id := range []uuid.UUID{stuck, done} {
			_, err := store.CreateStatus(ctx, id, envelope.KindAnalytics, 3)
			require.NoError(t, err)
		}
		require.NoError(t, store.UpdateStatus(ctx, stuck, StatusProcessing, ""))
		require.NoError(t, store.UpdateStatus(ctx, done, StatusCompleted, ""))

		stale, err := store.ListStale(ctx, StatusProcessing, time.Now().Add(time.Minute), 0)
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, stuck, stale[0].EventID)

		fresh, err := store.ListStale(ctx, StatusProcessing, time.Now().Add(-time.Hour), 0)
		require.NoError(t, err)
		assert.Empty(t, fresh)
	})

	t.Run("unknown kind", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Get(context.Background(), Filter{Kind: "unknown_kind"}, 0)
		require.Error(t, err)
	})
}

func analyticsRecord(userID, eventType string, ts time.Time) *AnalyticsEvent {
	page := "/home"
	return &AnalyticsEvent{
		EventID:       idspkg.NewRecordID(),
		UserID:        userID,
		EventType:     eventType,
		PageURL:       &page,
		Timestamp:     ts,
		EventMetadata: JSONMap{"page": page},
	}
}

func researchRecord(moleculeID, researcher string) *ResearchEvent {
	return &ResearchEvent{
		EventID:    idspkg.NewRecordID(),
		MoleculeID: moleculeID,
		Researcher: researcher,
		Data:       JSONMap{"purity": "98%"},
		Timestamp:  time.Date(2024, 2, 2, 9, 30, 0, 0, time.UTC),
	}
}
