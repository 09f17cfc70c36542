// Package state persists supervisor records that outlive a single process:
// the last status reported by each worker and the owner lease that keeps
// two supervisors from driving the same account.
//
// Two backends implement Store: MemoryStore for tests and single-process
// deployments, and NATSStore on a JetStream key-value bucket.
//
//	store := state.NewMemoryStore()
//	lease, err := store.Acquire(ctx, state.OwnerKey("acct-1"), "farmd-a", 30*time.Second)
//	if errors.Is(err, state.ErrLeaseHeld) {
//	    // another supervisor owns acct-1
//	}
//	defer lease.Release(ctx)
//
//	_ = state.PutJSON(ctx, store, state.StatusKey("acct-1"), status)
//
// Keys are dot-separated. Account ids are folded into a single token with
// bus.Token so ids containing dots or wildcards stay addressable.
package state
