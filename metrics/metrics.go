package metrics

type GatewayMetricsInterface interface {
	AddSentBytes(count uint64)
	AddReceivedBytes(count uint64)
	AddSentPackages(count uint64)
	AddReceivedPackages(count uint64)
	AddMalformedPackages(count uint64)
	AddRejectedPackages(count uint64)
	AddDecodedPositions(count uint64)
}

type PipelineMetricsInterface interface {
	AddFilteredPositions(count uint64)
	AddStoredPositions(count uint64)
	AddForwardedPositions(count uint64)
	AddDroppedForwards(count uint64)
}

type CommandMetricsInterface interface {
	AddSentCommands(count uint64)
	AddQueuedCommands(count uint64)
}
