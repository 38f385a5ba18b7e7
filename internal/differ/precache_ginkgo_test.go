package differ

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/janitor-project/janitor/internal/eventbus"
	"github.com/janitor-project/janitor/internal/store"
)

var _ = Describe("Precache pipeline", func() {
	var (
		ctx       context.Context
		artifacts *fakeArtifacts
	)

	BeforeEach(func() {
		ctx = context.Background()
	})

	finishedEvent := func(runID string, result store.ResultCode) eventbus.OutboxEvent {
		return eventbus.OutboxEvent{
			Topic: eventbus.TopicRunFinished,
			Payload: map[string]any{
				"run_id": runID, "codebase": "widget", "campaign": "lintian-fixes",
				"result_code": string(result),
			},
		}
	}

	It("eventually stages both debdiff and diffoscope against the baseline", func() {
		p, a := newTestPrecacher(fakeBaseline{logID: "baseline-1", ok: true})
		artifacts = a

		p.handle(ctx, finishedEvent("new-1", store.ResultSuccess))

		Eventually(func() int64 {
			return artifacts.listCalls.Load()
		}, time.Second, 5*time.Millisecond).Should(BeNumerically(">=", 4))
	})

	It("never stages anything when the baseline is the run itself", func() {
		p, a := newTestPrecacher(fakeBaseline{logID: "new-1", ok: true})
		artifacts = a

		p.handle(ctx, finishedEvent("new-1", store.ResultSuccess))

		Consistently(func() int64 {
			return artifacts.listCalls.Load()
		}, 50*time.Millisecond, 5*time.Millisecond).Should(Equal(int64(0)))
	})
})
