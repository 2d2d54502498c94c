package resync

import (
	"standby/pkg/metrics"
)

const subsystem = "resync"

var (
	attemptsTotal = metrics.NewCounter(
		"attempts",
		subsystem,
		"sync attempts made by the resync controller",
		[]string{"result"},
	)
	resets = metrics.NewCounter(
		"session_resets",
		subsystem,
		"sessions dropped after a recoverable fault",
		[]string{"kind"},
	)
)
