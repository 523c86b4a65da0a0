package metrics

import "expvar"

var (
	TradesOK        = expvar.NewInt("trades_ok")
	TradesFailed    = expvar.NewInt("trades_failed")
	Snipes          = expvar.NewInt("snipes")
	FeedReconnects  = expvar.NewInt("feed_reconnects")
	FeedParseErrors = expvar.NewInt("feed_parse_errors")
	FeedEvents      = expvar.NewInt("feed_events")
	PendingExpired  = expvar.NewInt("pending_expired")
	DCATicks        = expvar.NewInt("dca_ticks")
	CopyTrades      = expvar.NewInt("copy_trades")
	WalletConnects  = expvar.NewInt("wallet_connects")
	SnapshotSaves   = expvar.NewInt("snapshot_saves")
	SnapshotLoads   = expvar.NewInt("snapshot_loads")
	TradeLogDropped = expvar.NewInt("tradelog_dropped")
)
