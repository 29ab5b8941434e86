// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"hash/fnv"
	"sync"
)

const numKeyShards = 128

// keyLock serializes identity changes per client id: connect, takeover,
// teardown and the expiry and will timers. Distinct ids may share a shard,
// so a holder must never take a second key.
type keyLock struct {
	shards [numKeyShards]sync.Mutex
}

func (kl *keyLock) Lock(clientID string) {
	kl.shards[shardIndex(clientID)].Lock()
}

func (kl *keyLock) Unlock(clientID string) {
	kl.shards[shardIndex(clientID)].Unlock()
}

func shardIndex(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32() % numKeyShards
}
