package differ

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// TestPrecacheSuite bootstraps the Ginkgo suite covering the precache
// pipeline's "eventually converges" shape: the same pattern the teacher's
// controller suites use to assert a reconciler drives observed state to
// desired state, generalized here from a CRD reconcile loop to "the diff
// cache eventually holds both kinds for a freshly finished run".
func TestPrecacheSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Precache Suite")
}
