package redisx

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/teckw/go-shop-orders/internal/apperr"
)

const pendingMarker = "__pending__"

var ErrRequestInProgress = apperr.New(apperr.Conflict, "REQUEST_IN_PROGRESS", "a request with this idempotency key is still being processed")

// Idempotency remembers the order created for a client-supplied key.
type Idempotency struct {
	KV KV
}

func idemKey(userID, key string) string {
	return fmt.Sprintf(KeyIdemOrderCreate, userID, key)
}

// Claim reserves key for userID. When an earlier request already completed it
// returns that order id and claimed=false.
func (i *Idempotency) Claim(ctx context.Context, userID, key string) (orderID string, claimed bool, err error) {
	k := idemKey(userID, key)
	ok, err := i.KV.SetNX(ctx, k, pendingMarker, TTLInFlight).Result()
	if err != nil {
		return "", false, err
	}
	if ok {
		return "", true, nil
	}
	v, err := i.KV.Get(ctx, k).Result()
	switch {
	case errors.Is(err, redis.Nil):
		// expired between the two calls
		return i.Claim(ctx, userID, key)
	case err != nil:
		return "", false, err
	case v == pendingMarker:
		return "", false, ErrRequestInProgress
	}
	return v, false, nil
}

// Complete binds key to orderID for TTLIdempotency.
func (i *Idempotency) Complete(ctx context.Context, userID, key, orderID string) error {
	return i.KV.Set(ctx, idemKey(userID, key), orderID, TTLIdempotency).Err()
}

// Release drops a claim whose request failed so the client may retry.
func (i *Idempotency) Release(ctx context.Context, userID, key string) error {
	return i.KV.Del(ctx, idemKey(userID, key)).Err()
}

// Dedup marks ids as processed for one consumer.
type Dedup struct {
	KV       KV
	Consumer string
}

func (d *Dedup) key(id string) string { return fmt.Sprintf(KeyDedup, d.Consumer, id) }

// Seen marks id and reports whether it had been marked before.
func (d *Dedup) Seen(ctx context.Context, id string) (bool, error) {
	fresh, err := d.KV.SetNX(ctx, d.key(id), "1", TTLDedup).Result()
	if err != nil {
		return false, err
	}
	return !fresh, nil
}

// Forget clears id so a redelivery is processed again.
func (d *Dedup) Forget(ctx context.Context, id string) error {
	return d.KV.Del(ctx, d.key(id)).Err()
}
