package pubsub

import (
	"time"

	"gopkg.in/karalabe/cookiejar.v2/collections/prque"
)

// expiryQueue orders stored messages by expiry so a coordinator's
// periodic sweep can pop and drop everything past its expiresAt without
// rescanning the whole collection, per spec.md §4.J "Garbage collection".
//
// prque.Prque pops highest priority first, so entries are pushed with
// priority -expiresAt: the earliest expiry surfaces first.
type expiryQueue struct {
	pq *prque.Prque
}

func newExpiryQueue() *expiryQueue {
	return &expiryQueue{pq: prque.New()}
}

func (q *expiryQueue) push(messageID string, expiresAt time.Time) {
	q.pq.Push(messageID, -float32(expiresAt.Unix()))
}

// popExpired drains and returns every messageID whose expiry is at or
// before now, leaving unexpired entries queued.
func (q *expiryQueue) popExpired(now time.Time) []string {
	var expired []string
	for !q.pq.Empty() {
		val, prio := q.pq.Pop()
		expiresAt := time.Unix(int64(-prio), 0)
		if expiresAt.After(now) {
			q.pq.Push(val, prio)
			break
		}
		expired = append(expired, val.(string))
	}
	return expired
}
