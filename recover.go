package cache

// Recovery protocol. A process that finds a bucket in its mutating
// state, or times out on an interprocess lock, routes the error here
// instead of surfacing it. Recovery takes every bucket lock and then
// the pool lock exclusively (the same bucket-before-pool order every
// other code path uses), wipes all shared state, and bumps the rebuild
// epoch so concurrent recoverers detect that the work is already done.
//
// flock ownership dies with its process, so the exclusive sweep only
// blocks on processes that are still alive. A live but hung holder
// makes the sweep time out; the client then gets the sweep's timeout
// error and the cache stays unrecovered.

// recoverFromInconsistentState rebuilds the cache from scratch.
// observedEpoch is the epoch the failing operation started under; if
// the shared epoch moved past it another process already recovered
// and nothing needs to be done.
func (c *Cache) recoverFromInconsistentState(observedEpoch uint64) error {
	c.shmGuard.Lock()
	defer c.shmGuard.Unlock()
	if c.shm == nil {
		return nil
	}
	if c.shm.epoch() != observedEpoch {
		return nil
	}

	// Tell waiters blocked on pending entries that the world is about
	// to change under them.
	c.semInvalid.post()

	var releases []unlockFunc
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, b := range c.buckets {
		u, err := b.tocLock.lock(c.lockTimeout)
		if err != nil {
			releaseAll()
			return err
		}
		releases = append(releases, u)
	}
	u, err := c.pool.lock.lock(c.lockTimeout)
	if err != nil {
		releaseAll()
		return err
	}
	releases = append(releases, u)
	defer releaseAll()

	if c.shm.epoch() != observedEpoch {
		return nil
	}

	c.log.Info("recovering cache", "epoch", observedEpoch, "attached", c.shm.load(shmOffPoolProcs))
	for _, b := range c.buckets {
		if err := b.wipeLocked(); err != nil {
			return err
		}
	}
	c.pool.mapMu.Lock()
	err = c.pool.wipe()
	c.pool.mapMu.Unlock()
	if err != nil {
		return err
	}

	c.shm.bumpEpoch()
	c.semValid.post()
	return nil
}
