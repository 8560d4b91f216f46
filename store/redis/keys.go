package redis

// Redis key naming conventions for cascade data.
// All keys are prefixed with "cascade:" to avoid collisions.

const keyPrefix = "cascade:"

// ── Instance keys ──

// instanceKey returns the Hash key for an instance: cascade:instance:{id}
func instanceKey(id string) string { return keyPrefix + "instance:" + id }

// attemptsKey returns the Hash key holding an instance's per-step attempt
// counters: cascade:attempts:{instanceID}. A dedicated hash makes HINCRBY
// the atomic increment point.
func attemptsKey(instanceID string) string { return keyPrefix + "attempts:" + instanceID }

// instanceIDsKey is the Set tracking all instance IDs for enumeration.
const instanceIDsKey = keyPrefix + "instance_ids"

// ── Invocation keys ──

// invocationKey returns the Hash key for an invocation: cascade:invocation:{id}
func invocationKey(id string) string { return keyPrefix + "invocation:" + id }

// pendingKey is the Sorted Set of pending invocation IDs scored by due time
// (Unix milliseconds). ZREM on claim is the at-most-once handoff point.
const pendingKey = keyPrefix + "pending"

// claimedKey is the Set of claimed invocation IDs.
const claimedKey = keyPrefix + "claimed"

// instanceInvsKey returns the Set key tracking an instance's invocation IDs:
// cascade:instance_invs:{instanceID}
func instanceInvsKey(instanceID string) string {
	return keyPrefix + "instance_invs:" + instanceID
}

// ── Cron keys ──

// cronKey returns the Hash key for a cron entry: cascade:cron:{id}
func cronKey(id string) string { return keyPrefix + "cron:" + id }

// cronLockKey returns the SET NX lock key for a cron entry:
// cascade:cron_lock:{id}. The key's TTL is the lock's TTL; the locked_by and
// locked_until hash fields mirror it for inspection only.
func cronLockKey(id string) string { return keyPrefix + "cron_lock:" + id }

// cronIDsKey is the Set tracking all cron entry IDs for enumeration.
const cronIDsKey = keyPrefix + "cron_ids"

// cronNamesKey maps cron names to IDs for duplicate detection.
const cronNamesKey = keyPrefix + "cron_names"

// ── DLQ keys ──

// dlqKey returns the Hash key for a DLQ entry: cascade:dlq:{id}
func dlqKey(id string) string { return keyPrefix + "dlq:" + id }

// dlqIDsKey is the Set tracking all DLQ entry IDs for enumeration.
const dlqIDsKey = keyPrefix + "dlq_ids"

// ── History keys ──

// historyKey returns the Stream key for an instance's history log:
// cascade:history:{instanceID}. Stream entry order carries the append order.
func historyKey(instanceID string) string { return keyPrefix + "history:" + instanceID }

// historyInstancesKey is the Set tracking instance IDs with history, for
// purge enumeration.
const historyInstancesKey = keyPrefix + "history_instances"

// ── Cluster keys ──

// workerKey returns the Hash key for a worker: cascade:worker:{id}
func workerKey(id string) string { return keyPrefix + "worker:" + id }

// workerIDsKey is the Set tracking all worker IDs for enumeration.
const workerIDsKey = keyPrefix + "worker_ids"

// leaderKey stores the current leader worker ID with the leadership TTL.
const leaderKey = keyPrefix + "leader"
