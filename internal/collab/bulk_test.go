// bulk_test.go
package collab

import (
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestBulkSubscribeCoalescing(t *testing.T) {
	conn, socket := newTestConnection()
	connect(conn, socket, "C1")

	doc1 := newFakeDoc("books", "id1")
	doc1.setVersion(1)
	doc2 := newFakeDoc("books", "id2")
	doc2.setVersion(1)
	doc3 := newFakeDoc("books", "id3")

	before := len(socket.sentFrames())
	conn.StartBulk()
	conn.SendSubscribe(doc1)
	conn.SendSubscribe(doc2)
	conn.SendSubscribe(doc3)
	assert.Empty(t, socket.sentFrames()[before:], "nothing is sent inside the bulk window")
	conn.EndBulk()

	frames := socket.sentFrames()[before:]
	require.Len(t, frames, 2)
	assert.JSONEq(t, `{"a":"bs","c":"books","b":{"id1":1,"id2":1}}`, frames[0])
	assert.JSONEq(t, `{"a":"s","c":"books","d":"id3"}`, frames[1])
}

func TestEmptyBulkWindowEmitsNothing(t *testing.T) {
	conn, socket := newTestConnection()
	connect(conn, socket, "C1")

	before := len(socket.sentFrames())
	conn.StartBulk()
	conn.EndBulk()
	assert.Empty(t, socket.sentFrames()[before:])
}

func TestBulkSingleEntriesUseSingleForm(t *testing.T) {
	conn, socket := newTestConnection()
	connect(conn, socket, "C1")

	versioned := newFakeDoc("books", "v1")
	versioned.setVersion(4)
	unversioned := newFakeDoc("books", "u1")

	before := len(socket.sentFrames())
	conn.StartBulk()
	conn.SendFetch(versioned)
	conn.SendFetch(unversioned)
	conn.EndBulk()

	frames := socket.sentFrames()[before:]
	require.Len(t, frames, 2)
	assert.JSONEq(t, `{"a":"f","c":"books","d":"v1","v":4}`, frames[0])
	assert.JSONEq(t, `{"a":"f","c":"books","d":"u1"}`, frames[1])
}

func TestBulkFramesPerCollectionAction(t *testing.T) {
	// Both a versioned and a version-less group on the same action produce
	// exactly two frames; a second collection is flushed independently.
	conn, socket := newTestConnection()
	connect(conn, socket, "C1")

	b1 := newFakeDoc("books", "b1")
	b1.setVersion(1)
	b2 := newFakeDoc("books", "b2")
	b2.setVersion(2)
	b3 := newFakeDoc("books", "b3")
	b4 := newFakeDoc("books", "b4")
	a1 := newFakeDoc("authors", "a1")

	before := len(socket.sentFrames())
	conn.StartBulk()
	for _, doc := range []*fakeDoc{b1, b2, b3, b4} {
		conn.SendSubscribe(doc)
	}
	conn.SendUnsubscribe(a1)
	conn.EndBulk()

	frames := socket.sentFrames()[before:]
	require.Len(t, frames, 3)
	assert.JSONEq(t, `{"a":"u","c":"authors","d":"a1"}`, frames[0])
	assert.JSONEq(t, `{"a":"bs","c":"books","b":{"b1":1,"b2":2}}`, frames[1])
	assert.JSONEq(t, `{"a":"bs","c":"books","b":["b3","b4"]}`, frames[2])
}

func TestBulkDuplicateRecording(t *testing.T) {
	conn, _ := newTestConnection()

	doc := newFakeDoc("books", "b1")
	conn.StartBulk()
	assert.False(t, conn.SendSubscribe(doc))
	assert.True(t, conn.SendSubscribe(doc), "second recording for the same doc and action is a duplicate")
	assert.False(t, conn.SendUnsubscribe(doc), "a different action is not a duplicate")
	conn.EndBulk()
}

func TestBulkSuppressedWhileNotConnected(t *testing.T) {
	conn, socket := newTestConnection()
	require.False(t, conn.CanSend())

	doc := newFakeDoc("books", "b1")
	conn.StartBulk()
	conn.SendSubscribe(doc)
	conn.EndBulk()

	assert.Empty(t, socket.sentFrames())
}

func TestSendOpNeverBatched(t *testing.T) {
	conn, socket := newTestConnection()
	connect(conn, socket, "C1")

	doc := newFakeDoc("books", "b1")
	doc.setVersion(2)

	before := len(socket.sentFrames())
	conn.StartBulk()
	conn.SendOp(doc, &Op{Src: "C1", Seq: 1, Op: []byte(`[{"p":["title"],"oi":"x"}]`)})
	conn.EndBulk()

	frames := socket.sentFrames()[before:]
	require.Len(t, frames, 1)
	assert.JSONEq(t, `{"a":"op","c":"books","d":"b1","v":2,"src":"C1","seq":1,"op":[{"p":["title"],"oi":"x"}]}`, frames[0])
}

func TestSendOpCarriesCreateAndDel(t *testing.T) {
	conn, socket := newTestConnection()
	connect(conn, socket, "C1")

	doc := newFakeDoc("books", "b1")
	before := len(socket.sentFrames())
	conn.SendOp(doc, &Op{Src: "C1", Seq: 2, Create: []byte(`{"type":"json0","data":{}}`)})
	conn.SendOp(doc, &Op{Src: "C1", Seq: 3, Del: []byte(`true`)})

	frames := socket.sentFrames()[before:]
	require.Len(t, frames, 2)
	assert.JSONEq(t, `{"a":"op","c":"books","d":"b1","src":"C1","seq":2,"create":{"type":"json0","data":{}}}`, frames[0])
	assert.JSONEq(t, `{"a":"op","c":"books","d":"b1","src":"C1","seq":3,"del":true}`, frames[1])
}

func TestSendOpFeedsOpSink(t *testing.T) {
	var recorded []string
	sink := opSinkFunc(func(src string, seq int64, collection, id string, op json.RawMessage) {
		recorded = append(recorded, src)
		assert.Equal(t, int64(1), seq)
		assert.Equal(t, "books", collection)
		assert.Equal(t, "b1", id)
		assert.Equal(t, `["op"]`, string(op))
	})

	socket := newFakeSocket(ReadyStateOpen)
	conn := NewConnection(socket, &Options{OpSink: sink})
	connect(conn, socket, "C1")

	doc := newFakeDoc("books", "b1")
	conn.SendOp(doc, &Op{Src: "C1", Seq: 1, Op: []byte(`["op"]`)})

	assert.Equal(t, []string{"C1"}, recorded)
}

type opSinkFunc func(src string, seq int64, collection, id string, op json.RawMessage)

func (f opSinkFunc) RecordOp(src string, seq int64, collection, id string, op json.RawMessage) {
	f(src, seq, collection, id, op)
}

func TestSendEventCarriesEncodedFrame(t *testing.T) {
	conn, socket := newTestConnection()
	connect(conn, socket, "C1")

	var sent []string
	conn.On(EventSend, func(args ...any) { sent = append(sent, string(args[0].([]byte))) })

	doc := newFakeDoc("books", "b1")
	conn.SendFetch(doc)

	require.Len(t, sent, 1)
	assert.Equal(t, "f", gjson.Get(sent[0], "a").String())
	assert.Equal(t, "books", gjson.Get(sent[0], "c").String())
}
