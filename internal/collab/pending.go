// pending.go
package collab

// HasPending reports whether any registered document or query has outstanding
// work.
func (c *Connection) HasPending() bool {
	c.mu.Lock()
	docs := c.docsSnapshotLocked()
	queries := c.queriesSnapshotLocked()
	c.mu.Unlock()
	for _, doc := range docs {
		if doc.HasPending() {
			return true
		}
	}
	for _, q := range queries {
		if q.HasPending() {
			return true
		}
	}
	return false
}

// HasWritePending reports whether any registered document has an
// unacknowledged write.
func (c *Connection) HasWritePending() bool {
	c.mu.Lock()
	docs := c.docsSnapshotLocked()
	c.mu.Unlock()
	for _, doc := range docs {
		if doc.HasWritePending() {
			return true
		}
	}
	return false
}

// WhenNothingPending fires fn once no registered document or query reports
// pending work. The scan restarts from the top after every wait, on a later
// tick, because settling one document may have registered new mutations.
// fn itself fires on a later tick even when nothing is pending.
func (c *Connection) WhenNothingPending(fn func()) {
	c.mu.Lock()
	docs := c.docsSnapshotLocked()
	queries := c.queriesSnapshotLocked()
	c.mu.Unlock()

	for _, doc := range docs {
		if doc.HasPending() {
			doc.OnceNothingPending(func() {
				go c.WhenNothingPending(fn)
			})
			return
		}
	}
	for _, q := range queries {
		if q.HasPending() {
			q.OnceReady(func() {
				go c.WhenNothingPending(fn)
			})
			return
		}
	}
	go fn()
}
