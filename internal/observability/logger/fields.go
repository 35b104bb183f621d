package logger

import (
	"time"

	"go.uber.org/zap"
)

// =================================================================================
// STANDARD FIELDS - HTTP
// =================================================================================

// RequestID field for the inbound request ID.
func RequestID(v string) zap.Field {
	return zap.String("request_id", v)
}

// Method field for the HTTP method.
func Method(v string) zap.Field {
	return zap.String("method", v)
}

// Path field for the request path.
func Path(v string) zap.Field {
	return zap.String("path", v)
}

// Status field for an HTTP status code.
func Status(v int) zap.Field {
	return zap.Int("status", v)
}

// URL field for an outbound target URL.
func URL(v string) zap.Field {
	return zap.String("url", v)
}

// Duration field for elapsed time.
func Duration(v time.Duration) zap.Field {
	return zap.Duration("duration", v)
}

// ClientIP field for the remote address.
func ClientIP(v string) zap.Field {
	return zap.String("client_ip", v)
}

// =================================================================================
// STANDARD FIELDS - SYNC PROTOCOL
// =================================================================================

// ClientGroupID field for the client group a component serves.
func ClientGroupID(v string) zap.Field {
	return zap.String("client_group", v)
}

// ClientID field for the originating sync client.
func ClientID(v string) zap.Field {
	return zap.String("client_id", v)
}

// WSID field for the socket identity of a client connection.
func WSID(v string) zap.Field {
	return zap.String("ws_id", v)
}

// MutationID field for a mutation's client-assigned counter.
func MutationID(v int64) zap.Field {
	return zap.Int64("mutation_id", v)
}

// MutationName field for the mutator a mutation invokes.
func MutationName(v string) zap.Field {
	return zap.String("mutation_name", v)
}

// QueryID field for a custom query's identifier.
func QueryID(v string) zap.Field {
	return zap.String("query_id", v)
}

// =================================================================================
// STANDARD FIELDS - SYSTEM
// =================================================================================

// Component field for the component/module emitting the entry.
func Component(v string) zap.Field {
	return zap.String("component", v)
}

// Op field for the current operation.
func Op(v string) zap.Field {
	return zap.String("op", v)
}

// Err field for an error.
func Err(err error) zap.Field {
	return zap.Error(err)
}

// =================================================================================
// STANDARD FIELDS - DATA
// =================================================================================

// Count field for a generic count.
func Count(v int) zap.Field {
	return zap.Int("count", v)
}

// Key field for a generic key.
func Key(v string) zap.Field {
	return zap.String("key", v)
}

// Any field for any value.
func Any(key string, v any) zap.Field {
	return zap.Any(key, v)
}

// String field.
func String(key, v string) zap.Field {
	return zap.String(key, v)
}

// Int field.
func Int(key string, v int) zap.Field {
	return zap.Int(key, v)
}

// Bool field.
func Bool(key string, v bool) zap.Field {
	return zap.Bool(key, v)
}
