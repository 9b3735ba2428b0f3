// Package pool implements the TaskPool (§4.2): a lock-free, size-classed
// slab allocator for per-message Task slots.
//
// Free-list membership is tracked by a combined claim-bit + reference-count
// word per block, following M. Michael & M. Scott's correction of J.
// Valois's lock-free free-list algorithm (as used by the accelio RDMA
// memory pool this component is modeled on): the low bit marks "claimed by
// the free list", the remaining bits count external holders in steps of
// two. A block is only ever reclaimed to the free list when its holder
// count reaches zero, and popping the free list uses a "safe read" (hold,
// then verify the head did not change) to avoid the ABA problem on a
// lock-free pop.
package pool
