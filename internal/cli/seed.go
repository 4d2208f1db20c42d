package cli

import (
	"context"
	"time"

	"github.com/brianvoe/gofakeit/v6"

	runtimepkg "github.com/drblury/eventflow/internal/runtime"
	"github.com/drblury/eventflow/internal/runtime/envelope"
	metadatapkg "github.com/drblury/eventflow/internal/runtime/metadata"
)

var (
	analyticsEventTypes = []string{"page_view", "click", "signup", "purchase", "search", "logout"}
	experimentTypes     = []string{"synthesis", "spectroscopy", "titration", "crystallography", "chromatography"}
	formulas            = []string{"H2O", "NaCl", "CO2", "C6H12O6", "C2H5OH", "NH3"}
)

// generator produces valid events. Users, researchers and molecules are drawn
// from small pools so that partition keys repeat.
type generator struct {
	faker       *gofakeit.Faker
	users       []string
	researchers []string
	molecules   []string
	start       time.Time
}

func newGenerator(seed int64) *generator {
	f := gofakeit.New(seed)
	g := &generator{
		faker: f,
		start: time.Now().UTC().Add(-24 * time.Hour),
	}
	for range 20 {
		g.users = append(g.users, f.Username())
	}
	for range 5 {
		g.researchers = append(g.researchers, "dr_"+f.LastName())
	}
	for range 10 {
		g.molecules = append(g.molecules, "mol-"+f.DigitN(6))
	}
	return g
}

// next returns event i. Timestamps increase with i so that events of one key
// arrive in order.
func (g *generator) next(i int) *envelope.Envelope {
	ts := g.start.Add(time.Duration(i) * time.Second).Format(time.RFC3339)
	if g.faker.Number(0, 2) == 0 {
		return envelope.New(envelope.KindResearch, map[string]any{
			"molecule_id":     g.faker.RandomString(g.molecules),
			"researcher":      g.faker.RandomString(g.researchers),
			"experiment_type": g.faker.RandomString(experimentTypes),
			"data": map[string]any{
				"formula":     g.faker.RandomString(formulas),
				"temperature": g.faker.Float64Range(-20, 300),
				"pressure":    g.faker.Float64Range(0.5, 5),
			},
			"results": map[string]any{
				"yield": g.faker.Float64Range(0, 100),
			},
		}, ts)
	}
	return envelope.New(envelope.KindAnalytics, map[string]any{
		"user_id":    g.faker.RandomString(g.users),
		"event_type": g.faker.RandomString(analyticsEventTypes),
		"page_url":   g.faker.URL(),
		"user_agent": g.faker.UserAgent(),
		"session_id": g.faker.UUID(),
		"metadata": map[string]any{
			"country": g.faker.CountryAbr(),
		},
	}, ts)
}

// publisher is what seedEvents needs from runtime.Publisher.
type publisher interface {
	Publish(ctx context.Context, env *envelope.Envelope, md metadatapkg.Metadata) (runtimepkg.Receipt, error)
}

// seedEvents publishes count generated events and stops at the first error.
func seedEvents(ctx context.Context, pub publisher, g *generator, count int) (int, error) {
	md := metadatapkg.New("origin", "seed")
	for i := range count {
		if _, err := pub.Publish(ctx, g.next(i), md); err != nil {
			return i, err
		}
	}
	return count, nil
}
