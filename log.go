package blockdb

import (
	"github.com/btcsuite/btclog"

	"github.com/chainforge/blockdb/blockfs"
	"github.com/chainforge/blockdb/chanutils"
	"github.com/chainforge/blockdb/headerindex"
	"github.com/chainforge/blockdb/metastore"
)

// log is a logger that is initialized with no output filters.  This
// means the package will not perform any logging by default until the caller
// requests it.
var log btclog.Logger

// The default amount of logging is none.
func init() {
	DisableLog()
}

// DisableLog disables all library log output.  Logging output is disabled
// by default until UseLogger is called.
func DisableLog() {
	log = btclog.Disabled
}

// UseLogger uses a specified Logger to output package logging info.
func UseLogger(logger btclog.Logger) {
	log = logger
	blockfs.UseLogger(logger)
	headerindex.UseLogger(logger)
	metastore.UseLogger(logger)
	chanutils.UseLogger(logger)
}
