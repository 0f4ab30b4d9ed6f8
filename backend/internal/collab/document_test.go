package collab

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"collabClient/backend/internal/ot/delta"
	"collabClient/backend/internal/ws"
)

func caret(n int) ws.Selection { return ws.Selection{Start: n, End: n} }

func TestDocument_LocalEditTransmits(t *testing.T) {
	f := newFixture(t, 1, "hello", 0, testConfig())

	res, err := f.doc.OnLocalEdit("hello world", caret(11))
	if err != nil {
		t.Fatalf("OnLocalEdit() error = %v", err)
	}
	if res.State != StateAwaitingAck || res.LocalVersion != 1 || res.ServerVersion != 0 {
		t.Fatalf("OnLocalEdit() = %+v, want awaiting_ack local=1 server=0", res)
	}

	sent := f.out.ofType(ws.TypeTextUpdate)
	if len(sent) != 1 {
		t.Fatalf("sent %d text_update, want 1", len(sent))
	}
	msg := sent[0]
	want := delta.Delta{delta.Retain(5), delta.Insert(" world")}
	if !reflect.DeepEqual(msg.Operations, want) {
		t.Fatalf("Operations = %v, want %v", msg.Operations, want)
	}
	if msg.OperationID != res.OperationID || msg.BaseVersion != 0 || msg.Content != "hello world" {
		t.Fatalf("text_update = %+v", msg)
	}
	if msg.Selection == nil || *msg.Selection != caret(11) {
		t.Fatalf("Selection = %v, want %v", msg.Selection, caret(11))
	}

	f.doc.OnAcknowledge(res.OperationID, 1)
	snap := f.doc.Snapshot()
	if snap.State != StateIdle.String() || snap.ServerVersion != 1 || snap.LocalVersion != 1 || snap.Pending != 0 {
		t.Fatalf("Snapshot() = %+v, want idle 1/1", snap)
	}
}

func TestDocument_NoopEditSendsNothing(t *testing.T) {
	f := newFixture(t, 1, "same", 4, testConfig())
	res, err := f.doc.OnLocalEdit("same", caret(2))
	if err != nil {
		t.Fatalf("OnLocalEdit() error = %v", err)
	}
	if len(res.Ops) != 0 || res.OperationID != "" || res.State != StateIdle {
		t.Fatalf("OnLocalEdit() = %+v, want no-op", res)
	}
	if n := len(f.out.all()); n != 0 {
		t.Fatalf("sent %d messages, want 0", n)
	}
	if f.clock.Pending() != 0 {
		t.Fatalf("no-op edit armed a timer")
	}
}

func TestDocument_OneBatchInFlight(t *testing.T) {
	f := newFixture(t, 1, "a", 0, testConfig())

	e1, _ := f.doc.OnLocalEdit("ab", caret(2))
	e2, _ := f.doc.OnLocalEdit("abc", caret(3))
	e3, _ := f.doc.OnLocalEdit("abcd", caret(4))
	if e2.State != StateAwaitingAckQueued || e3.LocalVersion != 3 || e3.ServerVersion != 0 {
		t.Fatalf("after three edits: e2=%+v e3=%+v", e2, e3)
	}
	if n := len(f.out.ofType(ws.TypeTextUpdate)); n != 1 {
		t.Fatalf("sent %d text_update before first ack, want 1", n)
	}

	f.doc.OnAcknowledge(e1.OperationID, 1)
	sent := f.out.ofType(ws.TypeTextUpdate)
	if len(sent) != 2 || sent[1].OperationID != e2.OperationID || sent[1].BaseVersion != 1 {
		t.Fatalf("after ack(E1) sent = %+v, want E2 on base 1", sent)
	}
	if sent[1].Content != "" {
		t.Fatalf("E2 carried content %q while E3 is still queued", sent[1].Content)
	}

	// 重复 ack 不推进版本也不发送
	f.doc.OnAcknowledge(e1.OperationID, 1)
	if snap := f.doc.Snapshot(); snap.ServerVersion != 1 || snap.Pending != 2 {
		t.Fatalf("duplicate ack changed state: %+v", snap)
	}

	f.doc.OnAcknowledge(e2.OperationID, 2)
	f.doc.OnAcknowledge(e3.OperationID, 3)
	sent = f.out.ofType(ws.TypeTextUpdate)
	if len(sent) != 3 {
		t.Fatalf("sent %d text_update, want 3", len(sent))
	}
	for i, want := range []string{e1.OperationID, e2.OperationID, e3.OperationID} {
		if sent[i].OperationID != want || sent[i].BaseVersion != uint64(i) {
			t.Fatalf("sent[%d] = %s base %d, want %s base %d", i, sent[i].OperationID, sent[i].BaseVersion, want, i)
		}
	}
	if sent[2].Content != "abcd" {
		t.Fatalf("last batch content = %q, want %q", sent[2].Content, "abcd")
	}
	if s := f.doc.State(); s != StateIdle {
		t.Fatalf("State() = %v, want idle", s)
	}
	if f.clock.Pending() != 0 {
		t.Fatalf("ack timer still armed after final ack")
	}
}

func TestDocument_RetransmitReusesBatch(t *testing.T) {
	f := newFixture(t, 1, "hello", 0, testConfig())
	e1, _ := f.doc.OnLocalEdit("hello!", caret(6))

	f.clock.Advance(time.Second)
	if n := len(f.out.ofType(ws.TypeTextUpdate)); n != 1 {
		t.Fatalf("retransmitted before backoff elapsed: %d sends", n)
	}
	if !f.events.hasNotice("reconnecting") {
		t.Fatalf("missing reconnecting notice")
	}

	// 超时期间的新编辑进队列，不影响重传的内容
	if _, err := f.doc.OnLocalEdit("hello!?", caret(7)); err != nil {
		t.Fatalf("OnLocalEdit() error = %v", err)
	}
	f.clock.Advance(100 * time.Millisecond)
	f.clock.Advance(time.Second + 200*time.Millisecond)

	sent := f.out.ofType(ws.TypeTextUpdate)
	if len(sent) != 3 {
		t.Fatalf("sent %d text_update, want original + 2 retransmits", len(sent))
	}
	for i := 1; i < len(sent); i++ {
		if !reflect.DeepEqual(sent[i], sent[0]) {
			t.Fatalf("retransmit %d = %+v, want %+v", i, sent[i], sent[0])
		}
	}
	if sent[0].OperationID != e1.OperationID {
		t.Fatalf("retransmitted op %s, want %s", sent[0].OperationID, e1.OperationID)
	}

	// late ack 仍然被接受
	f.doc.OnAcknowledge(e1.OperationID, 1)
	if s := f.doc.State(); s != StateAwaitingAck {
		t.Fatalf("State() = %v, want awaiting_ack for the queued edit", s)
	}
}

func TestDocument_DesyncRecovery(t *testing.T) {
	f := newFixture(t, 1, "hello", 0, testConfig())
	if _, err := f.doc.OnLocalEdit("hello!", caret(6)); err != nil {
		t.Fatalf("OnLocalEdit() error = %v", err)
	}

	// 1s 超时 + 100ms，1s 超时 + 200ms，再 1s 超时 -> 放弃
	f.clock.Advance(3300 * time.Millisecond)
	if s := f.doc.State(); s != StateResyncing {
		t.Fatalf("State() = %v, want resyncing", s)
	}
	if n := len(f.out.ofType(ws.TypeRequestResync)); n != 1 {
		t.Fatalf("sent %d request_resync, want 1", n)
	}
	if !f.events.hasNotice("resyncing") {
		t.Fatalf("missing resyncing notice")
	}

	// 全量同步期间的编辑只留在本地
	res, err := f.doc.OnLocalEdit("hello!?", caret(7))
	if err != nil || !res.Held {
		t.Fatalf("OnLocalEdit() during resync = %+v, %v, want held", res, err)
	}
	if n := len(f.out.ofType(ws.TypeTextUpdate)); n != 3 {
		t.Fatalf("held edit was transmitted")
	}

	// 没有回应时按 ack 超时周期重发请求
	f.clock.Advance(time.Second)
	if n := len(f.out.ofType(ws.TypeRequestResync)); n != 2 {
		t.Fatalf("sent %d request_resync, want 2", n)
	}

	f.doc.OnExternalContent("server text", 7)
	snap := f.doc.Snapshot()
	if snap.Content != "server text" || snap.ServerVersion != 7 || snap.LocalVersion != 7 || snap.State != StateIdle.String() {
		t.Fatalf("Snapshot() = %+v, want server text at 7", snap)
	}
	if len(f.drafts.saved) != 1 || f.drafts.saved[0].content != "hello!?" || f.drafts.saved[0].base != 0 {
		t.Fatalf("drafts = %+v, want local text preserved", f.drafts.saved)
	}
	if !f.events.hasNotice("draft_saved") || !f.events.hasNotice("resynced") {
		t.Fatalf("notices = %+v", f.events.notices)
	}
	if f.clock.Pending() != 0 {
		t.Fatalf("resync timer survived the snapshot")
	}

	res, _ = f.doc.OnLocalEdit("server text!", caret(12))
	last := f.out.ofType(ws.TypeTextUpdate)
	msg := last[len(last)-1]
	want := delta.Delta{delta.Retain(11), delta.Insert("!")}
	if msg.BaseVersion != 7 || !reflect.DeepEqual(msg.Operations, want) || msg.OperationID != res.OperationID {
		t.Fatalf("post-resync text_update = %+v, want %v on base 7", msg, want)
	}
}

func TestDocument_ZeroRetransmitsResyncsOnFirstTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetransmits = 0
	f := newFixture(t, 1, "abc", 2, cfg)
	_, _ = f.doc.OnLocalEdit("abcd", caret(4))

	f.clock.Advance(time.Second)
	if s := f.doc.State(); s != StateResyncing {
		t.Fatalf("State() = %v, want resyncing", s)
	}
	if n := len(f.out.ofType(ws.TypeTextUpdate)); n != 1 {
		t.Fatalf("sent %d text_update, want no retransmit", n)
	}
	req := f.out.ofType(ws.TypeRequestResync)
	if len(req) != 1 || req[0].BaseVersion != 2 {
		t.Fatalf("request_resync = %+v, want one on base 2", req)
	}
}

func TestDocument_RemoteTransformedAgainstUnacked(t *testing.T) {
	f := newFixture(t, 2, "hello", 0, testConfig())
	e1, _ := f.doc.OnLocalEdit("hello world", caret(11))
	e2, _ := f.doc.OnLocalEdit("hello world!", caret(12))

	f.doc.OnRemoteOperation(RemoteOperation{
		UserID:        1,
		ClientID:      clientIDFor(1),
		OperationID:   "remote-1",
		ServerVersion: 1,
		Ops:           delta.Delta{delta.Insert("X")},
	})
	snap := f.doc.Snapshot()
	if snap.Content != "Xhello world!" {
		t.Fatalf("content = %q, want %q", snap.Content, "Xhello world!")
	}
	if snap.Selection != caret(13) {
		t.Fatalf("selection = %+v, want shifted to 13", snap.Selection)
	}
	if snap.ServerVersion != 1 || snap.LocalVersion != 3 {
		t.Fatalf("versions = %d/%d, want server 1 local 3", snap.ServerVersion, snap.LocalVersion)
	}
	last := f.events.changes[len(f.events.changes)-1]
	if last.AuthorID != 1 || last.Content != "Xhello world!" {
		t.Fatalf("ContentChanged = %+v", last)
	}

	f.doc.OnAcknowledge(e1.OperationID, 2)
	sent := f.out.ofType(ws.TypeTextUpdate)
	next := sent[len(sent)-1]
	want := delta.Delta{delta.Retain(12), delta.Insert("!")}
	if next.OperationID != e2.OperationID || next.BaseVersion != 2 || !reflect.DeepEqual(next.Operations, want) {
		t.Fatalf("E2 = %+v, want %v on base 2", next, want)
	}
	if next.Content != "Xhello world!" {
		t.Fatalf("E2 content = %q", next.Content)
	}
}

func TestDocument_EchoOfInFlightIgnored(t *testing.T) {
	f := newFixture(t, 1, "abc", 0, testConfig())
	e1, _ := f.doc.OnLocalEdit("abcd", caret(4))
	f.doc.OnRemoteOperation(RemoteOperation{
		UserID: 1, ClientID: clientIDFor(1), OperationID: e1.OperationID,
		ServerVersion: 1, Ops: e1.Ops,
	})
	if c := f.doc.Snapshot().Content; c != "abcd" {
		t.Fatalf("content = %q, echo applied twice", c)
	}
}

func TestDocument_MalformedRemoteNotApplied(t *testing.T) {
	f := newFixture(t, 1, "abc", 0, testConfig())
	f.doc.OnRemoteOperation(RemoteOperation{
		UserID: 2, OperationID: "bad", ServerVersion: 1,
		Ops: delta.Delta{delta.Retain(50), delta.Insert("x")},
	})
	snap := f.doc.Snapshot()
	if snap.Content != "abc" || snap.ServerVersion != 0 {
		t.Fatalf("malformed remote changed the document: %+v", snap)
	}
	if snap.State != StateResyncing.String() {
		t.Fatalf("State = %s, want resyncing", snap.State)
	}
	if n := len(f.out.ofType(ws.TypeRequestResync)); n != 1 {
		t.Fatalf("sent %d request_resync, want 1", n)
	}
	if len(f.events.changes) != 0 {
		t.Fatalf("listener saw %d content changes, want 0", len(f.events.changes))
	}
}

func TestDocument_MalformedRemoteWithUnackedEdit(t *testing.T) {
	f := newFixture(t, 1, "hello", 0, testConfig())
	if _, err := f.doc.OnLocalEdit("hello!", caret(6)); err != nil {
		t.Fatalf("OnLocalEdit() error = %v", err)
	}
	f.doc.OnRemoteOperation(RemoteOperation{
		UserID: 2, OperationID: "bad", ServerVersion: 1,
		Ops: delta.Delta{{Kind: "bogus", Count: 2}, delta.Retain(-3), delta.Insert("X")},
	})
	snap := f.doc.Snapshot()
	if snap.Content != "hello!" || snap.ServerVersion != 0 {
		t.Fatalf("malformed remote changed the document: %+v", snap)
	}
	if snap.State != StateResyncing.String() {
		t.Fatalf("State = %s, want resyncing", snap.State)
	}
	if n := len(f.out.ofType(ws.TypeRequestResync)); n != 1 {
		t.Fatalf("sent %d request_resync, want 1", n)
	}
	if len(f.events.changes) != 0 {
		t.Fatalf("listener saw %d content changes, want 0", len(f.events.changes))
	}
}

type failingBuffer struct {
	Buffer
}

func (failingBuffer) Apply(delta.Delta) error { return errors.New("disk on fire") }

func TestDocument_BufferApplyFailureRequestsResync(t *testing.T) {
	f := newFixture(t, 1, "abc", 0, testConfig())
	f.doc.buf = failingBuffer{Buffer: f.doc.buf}
	f.doc.OnRemoteOperation(RemoteOperation{UserID: 2, ServerVersion: 1, Ops: delta.Delta{delta.Insert("z")}})
	snap := f.doc.Snapshot()
	if snap.ServerVersion != 0 || snap.LocalVersion != 0 || snap.Revision != 0 {
		t.Fatalf("versions advanced on a failed apply: %+v", snap)
	}
	if snap.State != StateResyncing.String() {
		t.Fatalf("State = %s, want resyncing", snap.State)
	}
	if n := len(f.out.ofType(ws.TypeRequestResync)); n != 1 {
		t.Fatalf("sent %d request_resync, want 1", n)
	}
}

func TestDocument_LocalEditAtKeepsRemoteText(t *testing.T) {
	cases := []struct {
		name      string
		local     uint64
		remote    uint64
		wantText  string
		wantCaret int
	}{
		// 同一位置：user id 小的文本在前
		{"local first", 1, 2, "hello! bob", 6},
		{"remote first", 2, 1, "hello bob!", 10},
	}
	for _, tc := range cases {
		f := newFixture(t, tc.local, "hello", 1, testConfig())
		f.doc.OnRemoteOperation(RemoteOperation{
			UserID: tc.remote, ClientID: clientIDFor(tc.remote), OperationID: "remote-1", ServerVersion: 2,
			Ops: delta.Delta{delta.Retain(5), delta.Insert(" bob")},
		})

		// 编辑器还停在 revision 0 的 "hello"
		res, err := f.doc.OnLocalEditAt(0, "hello!", caret(6))
		if err != nil {
			t.Fatalf("%s: OnLocalEditAt() error = %v", tc.name, err)
		}
		snap := f.doc.Snapshot()
		if !res.Rebased || snap.Content != tc.wantText || snap.Selection != caret(tc.wantCaret) {
			t.Fatalf("%s: result %+v content %q selection %+v, want %q caret %d",
				tc.name, res, snap.Content, snap.Selection, tc.wantText, tc.wantCaret)
		}
		sent := f.out.ofType(ws.TypeTextUpdate)
		if len(sent) != 1 || delta.Apply("hello bob", sent[0].Operations) != tc.wantText {
			t.Fatalf("%s: text_update = %+v, want an insert on top of the remote text", tc.name, sent)
		}
		last := f.events.changes[len(f.events.changes)-1]
		if last.Content != tc.wantText || last.AuthorID != tc.local {
			t.Fatalf("%s: ContentChanged = %+v, want refreshed editor text", tc.name, last)
		}
	}
}

func TestDocument_LocalEditAtStaleBase(t *testing.T) {
	cfg := testConfig()
	cfg.RebaseDepth = 1
	f := newFixture(t, 1, "abc", 0, cfg)
	e1, _ := f.doc.OnLocalEdit("abcd", caret(4))
	f.doc.OnAcknowledge(e1.OperationID, 1)
	f.doc.OnRemoteOperation(RemoteOperation{UserID: 2, ServerVersion: 2, Ops: delta.Delta{delta.Insert(">")}})

	// revision 0 已经滚出历史
	if _, err := f.doc.OnLocalEditAt(0, "abc!", caret(4)); !errors.Is(err, ErrStaleBase) {
		t.Fatalf("OnLocalEditAt(0) error = %v, want ErrStaleBase", err)
	}
	if _, err := f.doc.OnLocalEditAt(7, "abc!", caret(4)); !errors.Is(err, ErrStaleBase) {
		t.Fatalf("OnLocalEditAt(ahead) error = %v, want ErrStaleBase", err)
	}
	res, err := f.doc.OnLocalEditAt(1, "abcd!", caret(5))
	if err != nil || f.doc.Snapshot().Content != ">abcd!" || !res.Rebased {
		t.Fatalf("OnLocalEditAt(1) = %+v, %v content %q", res, err, f.doc.Snapshot().Content)
	}

	// 全量同步之前的修订版都不能再变基
	rev := f.doc.Snapshot().Revision
	f.doc.OnExternalContent("fresh", 9)
	if _, err := f.doc.OnLocalEditAt(rev, "fresh!", caret(6)); !errors.Is(err, ErrStaleBase) {
		t.Fatalf("OnLocalEditAt() across resync error = %v, want ErrStaleBase", err)
	}
	current := f.doc.Snapshot().Revision
	if res, err := f.doc.OnLocalEditAt(current, "fresh!", caret(6)); err != nil || res.Rebased {
		t.Fatalf("OnLocalEditAt(current) = %+v, %v", res, err)
	}
}

func TestDocument_VersionGapRequestsResync(t *testing.T) {
	f := newFixture(t, 1, "abc", 3, testConfig())
	f.doc.OnRemoteOperation(RemoteOperation{UserID: 2, ServerVersion: 6, Ops: delta.Delta{delta.Insert("z")}})
	if s := f.doc.State(); s != StateResyncing {
		t.Fatalf("State() = %v, want resyncing", s)
	}
	// 失步期间的远端操作和 ack 都不处理
	f.doc.OnRemoteOperation(RemoteOperation{UserID: 2, ServerVersion: 4, Ops: delta.Delta{delta.Insert("z")}})
	if c := f.doc.Snapshot().Content; c != "abc" {
		t.Fatalf("content = %q, want untouched", c)
	}
}

func TestDocument_ExternalContentWithoutLocalChanges(t *testing.T) {
	f := newFixture(t, 1, "abc", 3, testConfig())
	f.doc.OnExternalContent("abc and more", 9)
	if len(f.drafts.saved) != 0 {
		t.Fatalf("saved draft without local changes: %+v", f.drafts.saved)
	}
	last := f.events.changes[len(f.events.changes)-1]
	if !last.Replaced || last.Content != "abc and more" {
		t.Fatalf("ContentChanged = %+v, want replacement", last)
	}
	if snap := f.doc.Snapshot(); snap.LocalVersion != 9 || snap.ServerVersion != 9 {
		t.Fatalf("versions = %d/%d, want 9/9", snap.LocalVersion, snap.ServerVersion)
	}
}

func TestDocument_UndoRedoAcrossRemoteEdit(t *testing.T) {
	f := newFixture(t, 2, "abc", 0, testConfig())
	e1, _ := f.doc.OnLocalEdit("abcd", caret(4))
	f.doc.OnAcknowledge(e1.OperationID, 1)
	f.doc.OnRemoteOperation(RemoteOperation{UserID: 1, ServerVersion: 2, Ops: delta.Delta{delta.Insert("X")}})

	res, err := f.doc.Undo()
	if err != nil {
		t.Fatalf("Undo() error = %v", err)
	}
	if c := f.doc.Snapshot().Content; c != "Xabc" {
		t.Fatalf("content after Undo() = %q, want %q", c, "Xabc")
	}
	sent := f.out.ofType(ws.TypeTextUpdate)
	if sent[len(sent)-1].OperationID != res.OperationID || sent[len(sent)-1].BaseVersion != 2 {
		t.Fatalf("undo was not transmitted as a normal batch")
	}
	f.doc.OnAcknowledge(res.OperationID, 3)

	if _, err := f.doc.Redo(); err != nil {
		t.Fatalf("Redo() error = %v", err)
	}
	snap := f.doc.Snapshot()
	if snap.Content != "Xabcd" || !snap.CanUndo || snap.CanRedo {
		t.Fatalf("after Redo() = %+v", snap)
	}

	// 栈空时什么都不做
	f2 := newFixture(t, 1, "x", 0, testConfig())
	res, err = f2.doc.Redo()
	if err != nil || res.OperationID != "" {
		t.Fatalf("Redo() on empty stack = %+v, %v", res, err)
	}
}

func TestDocument_TeardownReleasesTimers(t *testing.T) {
	f := newFixture(t, 1, "abc", 0, testConfig())
	_, _ = f.doc.OnLocalEdit("abcd", caret(4))
	if f.clock.Pending() == 0 {
		t.Fatalf("ack timer not armed")
	}

	f.doc.Teardown()
	if n := f.clock.Pending(); n != 0 {
		t.Fatalf("Pending() = %d after Teardown, want 0", n)
	}
	if len(f.drafts.saved) != 1 || f.drafts.saved[0].content != "abcd" {
		t.Fatalf("drafts = %+v, want unacked text saved", f.drafts.saved)
	}
	if _, err := f.doc.OnLocalEdit("abcde", caret(5)); !errors.Is(err, ErrClosed) {
		t.Fatalf("OnLocalEdit() after Teardown error = %v, want ErrClosed", err)
	}
	// 第二次 Teardown 不重复保存
	f.doc.Teardown()
	if len(f.drafts.saved) != 1 {
		t.Fatalf("Teardown twice saved %d drafts", len(f.drafts.saved))
	}
}

func TestDocument_SendFailureFallsBackToRetransmit(t *testing.T) {
	f := newFixture(t, 1, "abc", 0, testConfig())
	f.out.err = ws.ErrNotConnected
	_, _ = f.doc.OnLocalEdit("abcd", caret(4))
	f.out.err = nil

	f.doc.OnReconnect()
	sent := f.out.ofType(ws.TypeTextUpdate)
	if len(sent) != 1 || sent[0].Content != "abcd" {
		t.Fatalf("OnReconnect() sent %+v, want the in-flight batch", sent)
	}
}
