package config

import "time"

// Default values for configuration.
const (
	DefaultLogLevel = "info"
	DefaultLogJSON  = true

	DefaultSchedule = "0 */10 * * * *" // every ten minutes, seconds field first

	DefaultPlatformRPS            = 2.0
	DefaultPlatformBurst          = 5
	DefaultPlatformRequestTimeout = 30 * time.Second

	DefaultFetchWindow          = 7 * 24 * time.Hour
	DefaultFetchPace            = 2 * time.Second
	DefaultFetchGroupLimit      = 200
	DefaultFetchDirectLimit     = 100
	DefaultFetchMaxThrottleWait = 2 * time.Hour
	DefaultFetchPageSize        = 100

	DefaultLockStaleAfter = time.Duration(0) // manual release only

	DefaultDBPath = "tgcollector.db"

	DefaultPersistStore           = StoreAPI
	DefaultPersistDirectStore     = StoreSQLite
	DefaultPersistBatchSize       = 100
	DefaultPersistMaxAttempts     = 3
	DefaultPersistRetryDelay      = 2 * time.Second
	DefaultPersistRequestTimeout  = 30 * time.Second
	DefaultPersistMongoDatabase   = "telegram"
	DefaultPersistBreakerFailures = 5
	DefaultPersistBreakerReset    = time.Minute

	DefaultEventsExchange = "tgcollector.events"

	DefaultServerAddr = ":8080"
)

// Store kinds accepted by persist.store.
const (
	StoreAPI    = "api"
	StoreSQLite = "sqlite"
	StoreMongo  = "mongo"
	StoreBoth   = "both"
)

var defaults = map[string]any{
	"log.level": DefaultLogLevel,
	"log.json":  DefaultLogJSON,

	"platform.rps":             DefaultPlatformRPS,
	"platform.burst":           DefaultPlatformBurst,
	"platform.request_timeout": DefaultPlatformRequestTimeout,

	"fetch.window":            DefaultFetchWindow,
	"fetch.pace":              DefaultFetchPace,
	"fetch.group_limit":       DefaultFetchGroupLimit,
	"fetch.direct_limit":      DefaultFetchDirectLimit,
	"fetch.max_throttle_wait": DefaultFetchMaxThrottleWait,
	"fetch.page_size":         DefaultFetchPageSize,

	"lock.stale_after": DefaultLockStaleAfter,

	"database.path": DefaultDBPath,

	"persist.store":            DefaultPersistStore,
	"persist.direct_store":     DefaultPersistDirectStore,
	"persist.batch_size":       DefaultPersistBatchSize,
	"persist.max_attempts":     DefaultPersistMaxAttempts,
	"persist.retry_delay":      DefaultPersistRetryDelay,
	"persist.request_timeout":  DefaultPersistRequestTimeout,
	"persist.mongo_database":   DefaultPersistMongoDatabase,
	"persist.breaker_failures": DefaultPersistBreakerFailures,
	"persist.breaker_reset":    DefaultPersistBreakerReset,

	"events.exchange": DefaultEventsExchange,

	"server.addr": DefaultServerAddr,
}
