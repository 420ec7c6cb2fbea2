package messaging

// Topics the miner publishes to.
const (
	TopicShares = "ptsminer.shares" // one record per share handed to the pool
	TopicStats  = "ptsminer.stats"  // periodic rate reports
)
