package consts

// ContextKey is a custom type for context keys to avoid collisions between packages.
type ContextKey string

const (
	// UseMasterDBKey is the context key for the "use_master" boolean value.
	// It signals the database layer that a query must run on the primary
	// (write) pool instead of a read replica. Token redemption and the
	// membership lookups that follow it rely on this for read-your-writes.
	UseMasterDBKey = ContextKey("use_master")

	// SessionIDKey carries the LMTP session identifier into log lines emitted
	// by the moderation pipeline.
	SessionIDKey = ContextKey("session_id")
)
