package redisx

import "time"

const (
	// idem:order:create:{user_id}:{idempotency_key} -> order_id (or the pending marker)
	KeyIdemOrderCreate = "idem:order:create:%s:%s"

	// dedup:{consumer}:{id}, id = event_id or reference:status
	KeyDedup = "dedup:%s:%s"
)

var (
	TTLIdempotency = 24 * time.Hour
	TTLInFlight    = time.Minute
	TTLDedup       = 48 * time.Hour
)
