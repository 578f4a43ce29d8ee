// registry.go
package collab

import (
	"fmt"
	"log"
	"sort"

	json "github.com/goccy/go-json"
	"github.com/tidwall/sjson"
)

// Get returns the document for (collection, id), constructing and registering
// it on first use. Creation emits a doc event. The connection keeps at most
// one document per (collection, id).
func (c *Connection) Get(collection, id string) Doc {
	c.mu.Lock()
	if doc := c.collections[collection][id]; doc != nil {
		c.mu.Unlock()
		return doc
	}
	factory := c.docFactory
	c.mu.Unlock()

	if factory == nil {
		panic("collab: Connection has no DocFactory")
	}
	doc := factory(c, collection, id)

	c.mu.Lock()
	if existing := c.collections[collection][id]; existing != nil {
		// Lost a construction race; the registered document wins.
		c.mu.Unlock()
		return existing
	}
	c.addDocLocked(doc)
	c.mu.Unlock()

	c.emit(EventDoc, doc)
	return doc
}

// GetExisting returns the registered document for (collection, id), or nil.
func (c *Connection) GetExisting(collection, id string) Doc {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.collections[collection][id]
}

// DestroyDoc removes a document from the registry. An emptied collection is
// removed from the outer map.
func (c *Connection) DestroyDoc(doc Doc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	docs := c.collections[doc.Collection()]
	if docs == nil {
		return
	}
	delete(docs, doc.ID())
	if len(docs) == 0 {
		delete(c.collections, doc.Collection())
	}
}

// addDoc registers a document if it is not already present.
func (c *Connection) addDoc(doc Doc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.collections[doc.Collection()][doc.ID()] == nil {
		c.addDocLocked(doc)
	}
}

func (c *Connection) addDocLocked(doc Doc) {
	docs := c.collections[doc.Collection()]
	if docs == nil {
		docs = make(map[string]Doc)
		c.collections[doc.Collection()] = docs
	}
	docs[doc.ID()] = doc
}

// docsSnapshotLocked returns every registered document in stable
// (collection, id) order.
func (c *Connection) docsSnapshotLocked() []Doc {
	collections := make([]string, 0, len(c.collections))
	for name := range c.collections {
		collections = append(collections, name)
	}
	sort.Strings(collections)

	var docs []Doc
	for _, name := range collections {
		inner := c.collections[name]
		ids := make([]string, 0, len(inner))
		for id := range inner {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			docs = append(docs, inner[id])
		}
	}
	return docs
}

// CreateFetchQuery registers a one-shot fetch query and triggers its initial
// send. Options, when present, are merged verbatim into the qf frame.
func (c *Connection) CreateFetchQuery(collection string, query json.RawMessage, options map[string]any) (Query, error) {
	return c.createQuery(ActionQueryFetch, collection, query, options)
}

// CreateSubscribeQuery registers a subscription query and triggers its
// initial send.
func (c *Connection) CreateSubscribeQuery(collection string, query json.RawMessage, options map[string]any) (Query, error) {
	return c.createQuery(ActionQuerySubscribe, collection, query, options)
}

func (c *Connection) createQuery(action, collection string, query json.RawMessage, options map[string]any) (Query, error) {
	c.mu.Lock()
	factory := c.queryFactory
	if factory == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("collab: Connection has no QueryFactory")
	}
	id := c.nextQueryID
	c.nextQueryID++
	c.mu.Unlock()

	q := factory(c, id, action, collection, query)

	key := queryKey(action, collection, query)
	c.mu.Lock()
	c.queries[id] = q
	c.queryKeys[id] = key
	c.queryKeyCounts[key]++
	if n := c.queryKeyCounts[key]; n > 1 {
		log.Printf("[collab] %d identical %s queries in flight for collection %q", n, action, collection)
	}
	c.mu.Unlock()

	c.SendQuery(action, id, collection, query, options)
	return q, nil
}

// SendQuery emits the qf/qs frame for a query. Queries re-send themselves
// through here when the connection reconnects; nothing is sent while the
// connection cannot send.
func (c *Connection) SendQuery(action string, id int64, collection string, query json.RawMessage, options map[string]any) {
	if !c.CanSend() {
		return
	}
	data, err := json.Marshal(&queryMessage{
		Action:     action,
		ID:         id,
		Collection: collection,
		Query:      query,
	})
	if err != nil {
		log.Printf("[collab] failed to encode query frame: %v", err)
		return
	}
	keys := make([]string, 0, len(options))
	for k := range options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		data, err = sjson.SetBytes(data, k, options[k])
		if err != nil {
			log.Printf("[collab] failed to merge query option %q: %v", k, err)
			return
		}
	}
	c.sendBytes(data)
}

// DestroyQuery removes a query from the registry.
func (c *Connection) DestroyQuery(q Query) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := q.ID()
	if _, ok := c.queries[id]; !ok {
		return
	}
	delete(c.queries, id)
	if key, ok := c.queryKeys[id]; ok {
		delete(c.queryKeys, id)
		if c.queryKeyCounts[key]--; c.queryKeyCounts[key] <= 0 {
			delete(c.queryKeyCounts, key)
		}
	}
}

// queriesSnapshotLocked returns every registered query in id order.
func (c *Connection) queriesSnapshotLocked() []Query {
	ids := make([]int64, 0, len(c.queries))
	for id := range c.queries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	queries := make([]Query, 0, len(ids))
	for _, id := range ids {
		queries = append(queries, c.queries[id])
	}
	return queries
}
