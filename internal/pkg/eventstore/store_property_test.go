//go:build property

package eventstore

import (
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/ManuelReschke/PayFox/app/models"
)

func TestIngestIsIdempotentProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 40
	properties := gopter.NewProperties(params)

	properties.Property("stored rows equal distinct event ids across replays", prop.ForAll(
		func(ids []int, replays int) bool {
			store, rows := newTestStore(t)
			batch := make([]EventInput, 0, len(ids))
			distinct := map[int]struct{}{}
			for _, id := range ids {
				batch = append(batch, EventInput{EventID: fmt.Sprintf("evt_prop_%04d", id), EventName: models.EventPageView})
				distinct[id] = struct{}{}
			}

			accepted := 0
			for i := 0; i < replays; i++ {
				res, err := store.Ingest(context.Background(), batch, IngestContext{})
				if err != nil {
					return false
				}
				accepted += res.Accepted
			}
			return accepted == len(distinct) && len(rows()) == len(distinct)
		},
		gen.SliceOfN(MaxBatchSize, gen.IntRange(0, 25)).SuchThat(func(v []int) bool { return len(v) > 0 }),
		gen.IntRange(1, 4),
	))

	properties.TestingRun(t)
}
