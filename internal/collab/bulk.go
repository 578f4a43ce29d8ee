// bulk.go
package collab

import (
	"log"
	"sort"

	json "github.com/goccy/go-json"
)

// bulkOps is the bulk accumulator: collection -> action -> doc id -> version,
// where a nil version means the action carries no version (unsubscribe, or a
// document that has never seen a snapshot).
type bulkOps map[string]map[string]map[string]*int64

// StartBulk opens a bulk window. Outbound fetch/subscribe/unsubscribe traffic
// is coalesced until EndBulk. Nested calls are absorbed into the same window.
func (c *Connection) StartBulk() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bulk == nil {
		c.bulk = make(bulkOps)
	}
}

// EndBulk closes the bulk window and flushes the accumulated actions, at most
// two frames per (collection, action): one for versioned entries, one for
// version-less entries. Nothing is flushed while the connection cannot send.
func (c *Connection) EndBulk() {
	c.mu.Lock()
	bulk := c.bulk
	c.bulk = nil
	canSend := c.canSend
	c.mu.Unlock()
	if bulk == nil || !canSend {
		return
	}

	collections := make([]string, 0, len(bulk))
	for name := range bulk {
		collections = append(collections, name)
	}
	sort.Strings(collections)
	for _, collection := range collections {
		actions := bulk[collection]
		for _, action := range []string{ActionFetch, ActionSubscribe, ActionUnsubscribe} {
			if versions, ok := actions[action]; ok {
				c.sendBulk(action, collection, versions)
			}
		}
	}
}

// sendBulk partitions one (collection, action) group into versioned and
// version-less entries and emits the single or bulk form for each.
func (c *Connection) sendBulk(action, collection string, versions map[string]*int64) {
	ids := make([]string, 0, len(versions))
	for id := range versions {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	versioned := make(map[string]int64)
	var lastVersionedID string
	var noVersionIDs []string
	for _, id := range ids {
		if v := versions[id]; v == nil {
			noVersionIDs = append(noVersionIDs, id)
		} else {
			versioned[id] = *v
			lastVersionedID = id
		}
	}

	switch len(versioned) {
	case 0:
	case 1:
		v := versioned[lastVersionedID]
		c.send(&DocMessage{Action: action, Collection: collection, Doc: lastVersionedID, Version: &v})
	default:
		b, err := json.Marshal(versioned)
		if err != nil {
			log.Printf("[collab] failed to encode bulk %s frame: %v", action, err)
			break
		}
		c.send(&bulkMessage{Action: "b" + action, Collection: collection, B: b})
	}

	switch len(noVersionIDs) {
	case 0:
	case 1:
		c.send(&DocMessage{Action: action, Collection: collection, Doc: noVersionIDs[0]})
	default:
		b, err := json.Marshal(noVersionIDs)
		if err != nil {
			log.Printf("[collab] failed to encode bulk %s frame: %v", action, err)
			break
		}
		c.send(&bulkMessage{Action: "b" + action, Collection: collection, B: b})
	}
}

// SendFetch requests a fetch for doc at its current version. Inside a bulk
// window it reports whether the doc already had a recording for this action.
func (c *Connection) SendFetch(doc Doc) bool {
	return c.sendDocAction(ActionFetch, doc, doc.Version())
}

// SendSubscribe requests a subscription for doc at its current version.
func (c *Connection) SendSubscribe(doc Doc) bool {
	return c.sendDocAction(ActionSubscribe, doc, doc.Version())
}

// SendUnsubscribe ends the subscription for doc.
func (c *Connection) SendUnsubscribe(doc Doc) bool {
	return c.sendDocAction(ActionUnsubscribe, doc, nil)
}

func (c *Connection) sendDocAction(action string, doc Doc, version *int64) bool {
	c.addDoc(doc)

	c.mu.Lock()
	if c.bulk != nil {
		actions := c.bulk[doc.Collection()]
		if actions == nil {
			actions = make(map[string]map[string]*int64)
			c.bulk[doc.Collection()] = actions
		}
		versions := actions[action]
		if versions == nil {
			versions = make(map[string]*int64)
			actions[action] = versions
		}
		_, duplicate := versions[doc.ID()]
		versions[doc.ID()] = version
		c.mu.Unlock()
		return duplicate
	}
	c.mu.Unlock()

	c.send(&DocMessage{
		Action:     action,
		Collection: doc.Collection(),
		Doc:        doc.ID(),
		Version:    version,
	})
	return false
}

// SendOp submits an operation. Ops are never batched. The op, create, and del
// payloads are carried verbatim.
func (c *Connection) SendOp(doc Doc, op *Op) {
	c.addDoc(doc)
	if c.opSink != nil {
		c.opSink.RecordOp(op.Src, op.Seq, doc.Collection(), doc.ID(), op.Op)
	}
	c.send(&DocMessage{
		Action:     ActionOp,
		Collection: doc.Collection(),
		Doc:        doc.ID(),
		Version:    doc.Version(),
		Src:        op.Src,
		Seq:        op.Seq,
		Op:         op.Op,
		Create:     op.Create,
		Del:        op.Del,
	})
}
