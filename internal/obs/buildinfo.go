package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce sync.Once

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Credential engine build information.",
		},
		[]string{"version", "commit", "ledger"},
	)
)

// InitBuildInfo registers build_info once and records the running build and
// the ledger backend it talks to.
func InitBuildInfo(version, commit, ledgerMode string) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	buildInfo.WithLabelValues(version, commit, ledgerMode).Set(1)
}
