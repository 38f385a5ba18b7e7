package publisher_test

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/janitor-project/janitor/internal/eventbus"
	"github.com/janitor-project/janitor/internal/publisher"
	"github.com/janitor-project/janitor/internal/store"
)

// fakeForge is a ForgeClient whose state is set up per-It and mutated by
// PostComment/CloseProposal so CloseAppliedMP/AbandonMP can be asserted on.
type fakeForge struct {
	mu        sync.Mutex
	states    map[string]publisher.ForgeProposalState
	comments  map[string][]string
	closed    map[string]bool
}

func newFakeForge() *fakeForge {
	return &fakeForge{
		states:   map[string]publisher.ForgeProposalState{},
		comments: map[string][]string{},
		closed:   map[string]bool{},
	}
}

func (f *fakeForge) FetchProposalState(_ context.Context, url string) (publisher.ForgeProposalState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[url], nil
}

func (f *fakeForge) PostComment(_ context.Context, url, comment string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments[url] = append(f.comments[url], comment)
	return nil
}

func (f *fakeForge) CloseProposal(_ context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed[url] = true
	return nil
}

func (f *fakeForge) setState(url string, s publisher.ForgeProposalState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[url] = s
}

var _ = Describe("MP lifecycle reconciliation", func() {
	var (
		ctx   context.Context
		st    *store.Store
		pub   *publisher.Publisher
		forge *fakeForge
		url   string
	)

	BeforeEach(func() {
		var err error
		ctx = context.Background()
		st, err = store.Open(ctx, os.Getenv("JANITOR_TEST_DATABASE_URL"), zap.NewNop())
		Expect(err).NotTo(HaveOccurred())
		Expect(st.Migrate(ctx)).To(Succeed())
		DeferCleanup(st.Close)

		bus := eventbus.NewBus(16)
		pub = publisher.New(st, bus, noopPublisher{}, publisher.DefaultConfig(), zap.NewNop())
		forge = newFakeForge()
		pub.SetForgeClient(forge)

		url = "https://forge.example/mps/" + CurrentSpecReport().LeafNodeText
		Expect(st.PutCodebase(ctx, store.Codebase{Name: "gizmo"})).To(Succeed())
		Expect(st.WithPublishLock(ctx, "gizmo", "lintian-fixes", func(ctx context.Context, tx pgx.Tx) error {
			return st.UpsertMergeProposal(ctx, tx, store.MergeProposal{
				URL: url, Codebase: "gizmo", Status: store.MPOpen, LastScanned: time.Now().Add(-48 * time.Hour),
			})
		})).To(Succeed())
	})

	It("converges an externally merged MP to merged status on Scan", func() {
		forge.setState(url, publisher.ForgeProposalState{Status: store.MPMerged, MergedBy: "someone"})

		Eventually(func() store.MergeProposalStatus {
			_, err := pub.Scan(ctx)
			Expect(err).NotTo(HaveOccurred())
			mps, err := pub.GetMergeProposals(ctx, "")
			Expect(err).NotTo(HaveOccurred())
			for _, mp := range mps {
				if mp.URL == url {
					return mp.Status
				}
			}
			return ""
		}, time.Second, 10*time.Millisecond).Should(Equal(store.MPMerged))
	})

	It("picks up a stale MP via CheckStragglers", func() {
		forge.setState(url, publisher.ForgeProposalState{Status: store.MPRejected})

		n, err := pub.CheckStragglers(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(1))
	})

	It("abandons an MP and records the reason as a forge comment", func() {
		Expect(pub.AbandonMP(ctx, url, "superseded by manual fix")).To(Succeed())

		forge.mu.Lock()
		defer forge.mu.Unlock()
		Expect(forge.closed[url]).To(BeTrue())
		Expect(forge.comments[url]).To(ContainElement("superseded by manual fix"))

		mps, err := pub.GetMergeProposals(ctx, "")
		Expect(err).NotTo(HaveOccurred())
		found := false
		for _, mp := range mps {
			if mp.URL == url {
				found = true
				Expect(mp.Status).To(Equal(store.MPAbandoned))
			}
		}
		Expect(found).To(BeTrue())
	})

	It("closes an MP applied through another channel", func() {
		Expect(pub.CloseAppliedMP(ctx, url)).To(Succeed())

		forge.mu.Lock()
		defer forge.mu.Unlock()
		Expect(forge.closed[url]).To(BeTrue())

		mps, err := pub.GetMergeProposals(ctx, "")
		Expect(err).NotTo(HaveOccurred())
		for _, mp := range mps {
			if mp.URL == url {
				Expect(mp.Status).To(Equal(store.MPApplied))
			}
		}
	})
})
