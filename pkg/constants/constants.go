package constants

import "time"

const (
	// DefaultCouchDBPort is used when a couchDB connection names no port.
	DefaultCouchDBPort = 5984
	// DefaultSyncGatewayPort is used for every other HTTP connection without a port,
	// including connections whose type is auto-detected.
	DefaultSyncGatewayPort = 4984

	DefaultMaxSockets   = 100
	DefaultHTTPTimeout  = 10 * time.Second
	DefaultHeartbeatTTL = 10 * time.Second

	// DefaultBulkThreshold is the number of ids at or below which a bulk get
	// against the gateway is served by individual gets.
	DefaultBulkThreshold = 1

	// DefaultFeedHeartbeat is the interval the HTTP change feeds ask the server
	// to send keep-alive newlines at.
	DefaultFeedHeartbeat = 30 * time.Second
	// DefaultFeedBuffer is the capacity of each feed event channel.
	DefaultFeedBuffer = 64

	// DefaultDirectTimeout bounds direct-bucket operations and view queries.
	DefaultDirectTimeout = 100 * time.Second

	// RequestIDLength is the size of generated feed handle ids.
	RequestIDLength = 16
)

// Reserved document fields.
const (
	FieldID        = "_id"
	FieldRev       = "_rev"
	FieldDeleted   = "_deleted"
	FieldConflicts = "_conflicts"
	FieldSync      = "_sync"
)

// Special id prefixes.
const (
	LocalPrefix  = "_local/"
	DesignPrefix = "_design/"
	UserPrefix   = "_user/"
	RolePrefix   = "_role/"

	// SyncMetadataMarker appears in ids of the gateway's internal documents.
	SyncMetadataMarker = "_sync"
)

// DesignLanguage is the language tag stored in every design document.
const DesignLanguage = "javascript"

const (
	HTTPScheme       = "http"
	HTTPSecureScheme = "https"
	WebsocketScheme  = "ws"
	WebsocketSecure  = "wss"
)
