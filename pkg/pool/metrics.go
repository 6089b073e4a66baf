package pool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var devicesByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "casewire",
	Name:      "pool_devices",
	Help:      "Number of pooled devices by lifecycle state.",
}, []string{"state"})
