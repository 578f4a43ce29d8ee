// main is the application's entrypoint: a demo client that subscribes to a
// single document and logs the traffic it sees.
package main

import (
	"log"
	"os"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"

	"realtime-collab/internal/collab"
	"realtime-collab/internal/journal"
	"realtime-collab/internal/wsclient"
)

// watchDoc is a minimal document collaborator: it tracks the server version,
// resubscribes on reconnect, and logs everything else.
type watchDoc struct {
	conn       *collab.Connection
	collection string
	id         string

	mu      sync.Mutex
	version *int64
	waiting bool
	pending []func()
}

func newWatchDoc(conn *collab.Connection, collection, id string) *watchDoc {
	return &watchDoc{conn: conn, collection: collection, id: id}
}

func (d *watchDoc) Collection() string { return d.collection }
func (d *watchDoc) ID() string         { return d.id }

func (d *watchDoc) Version() *int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.version
}

func (d *watchDoc) OnConnectionStateChanged() {
	if d.conn.CanSend() {
		d.subscribe()
	}
}

func (d *watchDoc) subscribe() {
	d.mu.Lock()
	d.waiting = true
	d.mu.Unlock()
	d.conn.SendSubscribe(d)
}

func (d *watchDoc) HandleFetch(err error, snapshot json.RawMessage) {
	d.HandleSubscribe(err, snapshot)
}

func (d *watchDoc) HandleSubscribe(err error, snapshot json.RawMessage) {
	if err != nil {
		log.Printf("subscribe %s/%s failed: %v", d.collection, d.id, err)
		d.settle()
		return
	}
	if v := gjson.GetBytes(snapshot, "v"); v.Exists() {
		version := v.Int()
		d.mu.Lock()
		d.version = &version
		d.mu.Unlock()
	}
	log.Printf("subscribed %s/%s: %s", d.collection, d.id, snapshot)
	d.settle()
}

func (d *watchDoc) HandleUnsubscribe(err error) {
	if err != nil {
		log.Printf("unsubscribe %s/%s failed: %v", d.collection, d.id, err)
	}
	d.settle()
}

func (d *watchDoc) HandleOp(err error, msg *collab.DocMessage) {
	if err != nil {
		log.Printf("op on %s/%s carried error: %v", d.collection, d.id, err)
		return
	}
	if msg.Version != nil {
		next := *msg.Version + 1
		d.mu.Lock()
		d.version = &next
		d.mu.Unlock()
	}
	log.Printf("op on %s/%s: %s", d.collection, d.id, msg.Op)
}

func (d *watchDoc) HasPending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.waiting
}

func (d *watchDoc) HasWritePending() bool { return false }

func (d *watchDoc) OnceNothingPending(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.waiting {
		go fn()
		return
	}
	d.pending = append(d.pending, fn)
}

func (d *watchDoc) settle() {
	d.mu.Lock()
	d.waiting = false
	fns := d.pending
	d.pending = nil
	d.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func main() {
	serverURL := os.Getenv("SERVER_URL")
	if serverURL == "" {
		serverURL = "ws://localhost:8080/ws"
	}

	collection := os.Getenv("COLLECTION")
	if collection == "" {
		collection = "docs"
	}
	docID := os.Getenv("DOC_ID")
	if docID == "" {
		docID = "example"
	}

	var opts collab.Options
	opts.Debug = os.Getenv("DEBUG") == "1"
	opts.DocFactory = func(conn *collab.Connection, collection, id string) collab.Doc {
		return newWatchDoc(conn, collection, id)
	}

	// An optional SQLite op journal records every submitted op.
	if journalPath := os.Getenv("JOURNAL_DB_PATH"); journalPath != "" {
		j, err := journal.Open(journalPath)
		if err != nil {
			log.Fatalf("Failed to open op journal: %v", err)
		}
		defer j.Close()
		j.RunJanitor(24*time.Hour, 1*time.Hour)
		opts.OpSink = j
	}

	socket, err := wsclient.Dial(serverURL)
	if err != nil {
		log.Fatalf("Failed to dial %s: %v", serverURL, err)
	}

	conn := collab.NewConnection(socket, &opts)
	conn.On(collab.EventState, func(args ...any) {
		log.Printf("connection state: %v (reason %q)", args[0], args[1])
	})
	conn.On(collab.EventError, func(args ...any) {
		log.Printf("connection error: %v", args[0])
	})

	doc := conn.Get(collection, docID)
	if conn.CanSend() {
		conn.SendSubscribe(doc)
	}

	log.Printf("Watching %s/%s on %s", collection, docID, serverURL)
	select {}
}
