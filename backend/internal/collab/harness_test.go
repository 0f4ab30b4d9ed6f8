package collab

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"collabClient/backend/internal/ot/delta"
	"collabClient/backend/internal/report"
	"collabClient/backend/internal/timer"
	"collabClient/backend/internal/ws"
)

// recorder 记录 Document 发出的消息，按 FIFO 取出
type recorder struct {
	mu   sync.Mutex
	msgs []ws.ClientMessage
	err  error
}

func (r *recorder) Send(_ context.Context, msg ws.ClientMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recorder) all() []ws.ClientMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ws.ClientMessage(nil), r.msgs...)
}

func (r *recorder) pop() (ws.ClientMessage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.msgs) == 0 {
		return ws.ClientMessage{}, false
	}
	m := r.msgs[0]
	r.msgs = r.msgs[1:]
	return m, true
}

func (r *recorder) ofType(typ string) []ws.ClientMessage {
	var out []ws.ClientMessage
	for _, m := range r.all() {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

type listener struct {
	mu      sync.Mutex
	changes []ContentChange
	notices []Notice
}

func (l *listener) ContentChanged(c ContentChange) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changes = append(l.changes, c)
}

func (l *listener) Notify(n Notice) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.notices = append(l.notices, n)
}

func (l *listener) hasNotice(code string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, n := range l.notices {
		if n.Code == code {
			return true
		}
	}
	return false
}

type draft struct {
	sectionID string
	userID    uint64
	base      uint64
	content   string
}

type drafts struct {
	mu    sync.Mutex
	saved []draft
}

func (d *drafts) SaveDraft(_ context.Context, sectionID string, userID uint64, base uint64, content string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.saved = append(d.saved, draft{sectionID, userID, base, content})
	return nil
}

type nopReporter struct{}

func (nopReporter) Enqueue(context.Context, report.SyncEvent) error { return nil }

type fixture struct {
	doc    *Document
	out    *recorder
	clock  *timer.Fake
	events *listener
	drafts *drafts
}

func newFixture(t *testing.T, userID uint64, content string, version uint64, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		out:    &recorder{},
		clock:  timer.NewFake(time.Unix(1700000000, 0)),
		events: &listener{},
		drafts: &drafts{},
	}
	f.doc = NewDocument(Options{
		SectionID: "section-1",
		UserID:    userID,
		ClientID:  clientIDFor(userID),
		Content:   content,
		Version:   version,
	}, cfg, Deps{
		Sender:   f.out,
		Clock:    f.clock,
		Reporter: nopReporter{},
		Drafts:   f.drafts,
		Listener: f.events,
		Logger:   log.New(io.Discard, "", 0),
	})
	t.Cleanup(f.doc.Teardown)
	return f
}

func clientIDFor(userID uint64) string {
	return "client-" + string(rune('a'+userID))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.AckTimeout = time.Second
	cfg.RetransmitBackoff = 100 * time.Millisecond
	cfg.MaxRetransmitBackoff = time.Second
	cfg.MaxRetransmits = 2
	return cfg
}

// authority 测试用的服务端：按到达顺序定序，把迟到的 batch 对历史做变换。
// 并发插入的先后规则与 Document.localFirst 相同。
type applied struct {
	userID   uint64
	clientID string
	opID     string
	ops      delta.Delta
}

type authority struct {
	content  string
	revision uint64
	history  []applied
	seen     map[string]uint64
}

func newAuthority(content string) *authority {
	return &authority{content: content, seen: make(map[string]uint64)}
}

func (a *authority) submit(userID uint64, msg ws.ClientMessage) (ack ws.ServerMessage, broadcast *ws.ServerMessage) {
	if rev, ok := a.seen[msg.OperationID]; ok {
		// 重传：只回 ack，不重复应用
		return ws.ServerMessage{Type: ws.TypeOperationAcknowledged, OperationID: msg.OperationID, ServerVersion: rev}, nil
	}
	ops := msg.Operations
	for _, h := range a.history[msg.BaseVersion:] {
		hFirst := h.userID < userID || (h.userID == userID && h.clientID < msg.ClientID)
		_, ops = delta.Transform(h.ops, ops, hFirst)
	}
	a.content = delta.Apply(a.content, ops)
	a.revision++
	a.history = append(a.history, applied{userID: userID, clientID: msg.ClientID, opID: msg.OperationID, ops: ops})
	a.seen[msg.OperationID] = a.revision

	ack = ws.ServerMessage{Type: ws.TypeOperationAcknowledged, SectionID: msg.SectionID, OperationID: msg.OperationID, ServerVersion: a.revision}
	broadcast = &ws.ServerMessage{
		Type:          ws.TypeApplyRemoteOperation,
		SectionID:     msg.SectionID,
		UserID:        userID,
		ClientID:      msg.ClientID,
		OperationID:   msg.OperationID,
		ServerVersion: a.revision,
		Operation:     ops,
	}
	return ack, broadcast
}

func deliver(doc *Document, msg ws.ServerMessage) {
	switch msg.Type {
	case ws.TypeOperationAcknowledged:
		doc.OnAcknowledge(msg.OperationID, msg.ServerVersion)
	case ws.TypeApplyRemoteOperation:
		doc.OnRemoteOperation(RemoteOperation{
			UserID:        msg.UserID,
			ClientID:      msg.ClientID,
			OperationID:   msg.OperationID,
			ServerVersion: msg.ServerVersion,
			Ops:           msg.Operation,
		})
	case ws.TypeExternalContentUpdate:
		doc.OnExternalContent(msg.Content, msg.ServerVersion)
	}
}
