package runner

// remote jobs take from milliseconds to hours
var defaultHistogramBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300, 900, 1800, 3600,
}

var customBuckets = map[string][]float64{
	"reconciler_admin_request_latency": {
		0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
	},
	"reconciler_run_duration": {
		60, 300, 900, 1800, 3600, 7200, 14400, 28800, 86400, // 1 minute up to 1 day
	},
}
