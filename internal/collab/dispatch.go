// dispatch.go
package collab

import (
	"fmt"
	"log"
	"sort"

	json "github.com/goccy/go-json"
)

// dispatch routes one decoded frame by its action tag. A returned error is a
// dispatch failure and is surfaced by the caller on a later tick; malformed
// frames for a known action fall into that category. Unknown actions are
// logged and dropped.
func (c *Connection) dispatch(raw []byte) error {
	switch action := messageAction(raw); action {
	case ActionInit:
		return c.handleInit(raw)
	case ActionQueryFetch, ActionQuerySubscribe:
		return c.handleQueryResponse(raw)
	case ActionQueryUnsubscribe:
		return nil
	case ActionQueryUpdate:
		return c.handleQueryUpdate(raw)
	case ActionFetch, ActionSubscribe, ActionUnsubscribe, ActionOp:
		return c.handleDocMessage(raw)
	case ActionBulkFetch, ActionBulkSubscribe, ActionBulkUnsubscribe:
		return c.handleBulkMessage(raw)
	default:
		log.Printf("[collab] ignoring message with unknown action %q", action)
		return nil
	}
}

// handleInit validates the server hello. Any validation failure surfaces a
// coded error and leaves the state machine where it is.
func (c *Connection) handleInit(raw []byte) error {
	var msg initMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("malformed init message: %w", err)
	}
	if msg.Protocol != 1 {
		c.emit(EventError, newError(ErrCodeInvalidProtocolVersion, "Invalid protocol version"))
		return nil
	}
	if msg.Type != c.defaultType {
		c.emit(EventError, newError(ErrCodeInvalidDefaultType, "Invalid default type"))
		return nil
	}
	if msg.ID == "" {
		c.emit(EventError, newError(ErrCodeInvalidClientID, "Invalid client id"))
		return nil
	}
	c.mu.Lock()
	c.id = msg.ID
	c.mu.Unlock()
	c.setState(StateConnected, "")
	return nil
}

func (c *Connection) handleQueryResponse(raw []byte) error {
	var msg queryMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("malformed query reply: %w", err)
	}
	c.mu.Lock()
	q := c.queries[msg.ID]
	c.mu.Unlock()
	if q == nil {
		return nil
	}
	q.HandleResponse(wireError(msg.Error, raw), msg.Data, msg.Extra)
	return nil
}

// handleQueryUpdate routes a q frame. An error envelope routes the error
// only, even when the frame also carries a diff.
func (c *Connection) handleQueryUpdate(raw []byte) error {
	var msg queryMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("malformed query update: %w", err)
	}
	c.mu.Lock()
	q := c.queries[msg.ID]
	c.mu.Unlock()
	if q == nil {
		return nil
	}
	if msg.Error != nil {
		q.HandleError(wireError(msg.Error, raw))
		return nil
	}
	if msg.Diff != nil {
		q.HandleDiff(msg.Diff)
	}
	if msg.Extra != nil {
		q.HandleExtra(msg.Extra)
	}
	return nil
}

// handleDocMessage routes an f/s/u/op frame to its document. Frames for
// unregistered documents are dropped silently. An op frame carrying an error
// envelope still delivers; the document decides.
func (c *Connection) handleDocMessage(raw []byte) error {
	var msg DocMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("malformed document message: %w", err)
	}
	doc := c.GetExisting(msg.Collection, msg.Doc)
	if doc == nil {
		return nil
	}
	err := wireError(msg.Error, raw)
	switch msg.Action {
	case ActionFetch:
		doc.HandleFetch(err, msg.Data)
	case ActionSubscribe:
		doc.HandleSubscribe(err, msg.Data)
	case ActionUnsubscribe:
		doc.HandleUnsubscribe(err)
	case ActionOp:
		doc.HandleOp(err, &msg)
	}
	return nil
}

// handleBulkMessage fans a bf/bs/bu reply out to the listed documents. A data
// map forwards the per-doc payload together with the message-level error; a b
// array or map forwards the error alone.
func (c *Connection) handleBulkMessage(raw []byte) error {
	var msg bulkMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("malformed bulk message: %w", err)
	}
	err := wireError(msg.Error, raw)

	forward := func(id string, payload json.RawMessage) {
		doc := c.GetExisting(msg.Collection, id)
		if doc == nil {
			return
		}
		switch msg.Action {
		case ActionBulkFetch:
			doc.HandleFetch(err, payload)
		case ActionBulkSubscribe:
			doc.HandleSubscribe(err, payload)
		case ActionBulkUnsubscribe:
			doc.HandleUnsubscribe(err)
		}
	}

	switch {
	case msg.Data != nil:
		ids := make([]string, 0, len(msg.Data))
		for id := range msg.Data {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			forward(id, msg.Data[id])
		}
	case len(msg.B) > 0:
		ids, ok := bulkReplyIDs(msg.B)
		if !ok {
			log.Printf("[collab] invalid bulk message: %.128s", raw)
			return nil
		}
		for _, id := range ids {
			forward(id, nil)
		}
	default:
		log.Printf("[collab] invalid bulk message: %.128s", raw)
	}
	return nil
}

// bulkReplyIDs extracts the target doc ids from a bulk reply's b field, which
// is either an array of ids or a map of id to version.
func bulkReplyIDs(b json.RawMessage) ([]string, bool) {
	var ids []string
	if err := json.Unmarshal(b, &ids); err == nil {
		return ids, true
	}
	var versions map[string]json.RawMessage
	if err := json.Unmarshal(b, &versions); err != nil {
		return nil, false
	}
	ids = make([]string, 0, len(versions))
	for id := range versions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, true
}
