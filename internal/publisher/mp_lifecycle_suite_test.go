package publisher_test

import (
	"os"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// TestMPLifecycleSuite bootstraps the Ginkgo suite covering Scan,
// CheckStragglers, AbandonMP and CloseAppliedMP: the "reconcile stored MP
// state against forge reality" shape the teacher's controller suites
// exercise against a Kubernetes API server, generalized here to a forge.
func TestMPLifecycleSuite(t *testing.T) {
	if os.Getenv("JANITOR_TEST_DATABASE_URL") == "" {
		t.Skip("JANITOR_TEST_DATABASE_URL not set, skipping MP lifecycle suite")
	}
	RegisterFailHandler(Fail)
	RunSpecs(t, "MP Lifecycle Suite")
}
