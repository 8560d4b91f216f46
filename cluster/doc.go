// Package cluster provides distributed worker coordination, leader
// election, and worker registration.
//
// When running multiple Cascade instances against a shared store, the
// cluster package coordinates which instance is the leader (responsible
// for cron firing and stale-claim recovery) and which are followers.
//
// # Worker Entity
//
// Each running Cascade instance registers itself as a [Worker] with:
//   - a unique [id.WorkerID]
//   - its hostname
//   - the list of workflow types it processes (empty means all)
//   - its concurrency limit
//   - a state: [WorkerActive], [WorkerDraining], or [WorkerDead]
//
// Workers send periodic heartbeats. If a heartbeat is not received within
// the configured threshold, the worker is considered dead and its claimed
// invocations are eligible for release back to pending.
//
// # Leader Election
//
// One worker at a time holds leadership. The leader:
//   - fires cron entries
//   - releases stale claims held by dead workers
//
// Leadership is managed by [Store.AcquireLeadership] using optimistic
// locking. If leadership is lost mid-operation,
// [cascade.ErrLeadershipLost] is returned.
//
// # Kubernetes Consensus
//
// For K8s deployments use the cluster/k8s sub-package which uses Kubernetes
// leader election via client-go for consensus.
package cluster
