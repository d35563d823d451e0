package wftask

import (
	"context"
	"encoding/json"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdLockTable backs task locks with etcd leases so the claim survives
// across process restarts and is visible to multiple scheduler processes.
// A lock is a single key under lockKeyPrefix+resource whose value carries
// the holder and session id; its etcd lease TTL is the lock TTL, so an
// unreleased lock disappears from etcd on its own the moment it expires —
// the same "expire, don't require the owner to clean up" guarantee the
// shared-resource policy needs.
type EtcdLockTable struct {
	client *clientv3.Client
	prefix string
}

// NewEtcdLockTable wraps an existing etcd client. prefix namespaces keys,
// e.g. "/arranger/locks/".
func NewEtcdLockTable(client *clientv3.Client, prefix string) *EtcdLockTable {
	if prefix == "" {
		prefix = "/arranger/locks/"
	}
	return &EtcdLockTable{client: client, prefix: prefix}
}

type lockValue struct {
	HolderID  string    `json:"holder_id"`
	SessionID string    `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (t *EtcdLockTable) key(resource string) string {
	return t.prefix + resource
}

func (t *EtcdLockTable) Acquire(ctx context.Context, resource, holderID, sessionID string, ttl time.Duration) (bool, error) {
	lease, err := t.client.Grant(ctx, int64(ttl.Seconds()))
	if err != nil {
		return false, err
	}

	val := lockValue{HolderID: holderID, SessionID: sessionID, ExpiresAt: time.Now().Add(ttl)}
	payload, err := json.Marshal(val)
	if err != nil {
		return false, err
	}

	key := t.key(resource)

	// Atomic claim: succeed only if the key is absent (CreateRevision==0)
	// or is already owned by this holder (renewal).
	current, err := t.client.Get(ctx, key)
	if err != nil {
		return false, err
	}

	var cmps []clientv3.Cmp
	if len(current.Kvs) == 0 {
		cmps = append(cmps, clientv3.Compare(clientv3.CreateRevision(key), "=", 0))
	} else {
		var existing lockValue
		if err := json.Unmarshal(current.Kvs[0].Value, &existing); err == nil && existing.HolderID == holderID {
			cmps = append(cmps, clientv3.Compare(clientv3.Value(key), "=", string(current.Kvs[0].Value)))
		} else {
			return false, nil
		}
	}

	txn := t.client.Txn(ctx).If(cmps...).
		Then(clientv3.OpPut(key, string(payload), clientv3.WithLease(lease.ID)))
	resp, err := txn.Commit()
	if err != nil {
		return false, err
	}
	return resp.Succeeded, nil
}

func (t *EtcdLockTable) Release(ctx context.Context, resource, holderID string) error {
	key := t.key(resource)
	current, err := t.client.Get(ctx, key)
	if err != nil {
		return err
	}
	if len(current.Kvs) == 0 {
		return nil
	}
	var existing lockValue
	if err := json.Unmarshal(current.Kvs[0].Value, &existing); err != nil {
		return err
	}
	if existing.HolderID != holderID {
		return newErr(ErrCodeLockContention, resource, nil)
	}
	_, err = t.client.Delete(ctx, key)
	return err
}

func (t *EtcdLockTable) Get(ctx context.Context, resource string) (*Lock, bool) {
	resp, err := t.client.Get(ctx, t.key(resource))
	if err != nil || len(resp.Kvs) == 0 {
		return nil, false
	}
	var v lockValue
	if err := json.Unmarshal(resp.Kvs[0].Value, &v); err != nil {
		return nil, false
	}
	return &Lock{Resource: resource, HolderID: v.HolderID, SessionID: v.SessionID, ExpiresAt: v.ExpiresAt}, true
}

func (t *EtcdLockTable) ReleaseAll(ctx context.Context, holderID string) error {
	resp, err := t.client.Get(ctx, t.prefix, clientv3.WithPrefix())
	if err != nil {
		return err
	}
	for _, kv := range resp.Kvs {
		var v lockValue
		if err := json.Unmarshal(kv.Value, &v); err != nil {
			continue
		}
		if v.HolderID == holderID {
			if _, err := t.client.Delete(ctx, string(kv.Key)); err != nil {
				return err
			}
		}
	}
	return nil
}
