package conn

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/accelsess/rpcsession/internal/bus"
	"github.com/accelsess/rpcsession/internal/pool"
	"github.com/accelsess/rpcsession/internal/transport"
	"github.com/accelsess/rpcsession/internal/wire"
)

// Sentinel errors for Connection operation failures (§7).
var (
	// ErrInvalidState is returned by send operations once the connection
	// has moved past ONLINE.
	ErrInvalidState = errors.New("conn: invalid state")

	// ErrNoRequest is returned by SendResponse when msg.Request is nil.
	ErrNoRequest = errors.New("conn: response has no request")
)

// Callbacks is the subset of the spec's callback surface a Connection
// invokes directly (§6). Every field is optional except OnMsg, which must
// be set to receive anything; a nil field is simply skipped.
type Callbacks struct {
	OnMsg             func(c *Connection, msg *Message, moreInBatch bool)
	OnMsgSendComplete func(c *Connection, msg *Message)
	OnMsgDelivered    func(c *Connection, msg *Message, moreInBatch bool)
	OnMsgError        func(c *Connection, status string, msg *Message)
	OnCancelRequest   func(c *Connection, msg *Message)
	OnCancel          func(c *Connection, msg *Message, canceled bool)
	OnDisconnected    func(c *Connection, reason bus.DisconnectReason)
	OnClosed          func(c *Connection)
	OnError           func(c *Connection, err error)

	// OnEstablished and OnRefused surface the underlying transport's
	// connect outcome; the session layer uses these to drive the setup
	// handshake (§4.6), most connections leave them nil.
	OnEstablished func(c *Connection)
	OnRefused     func(c *Connection)

	// OnSetupReq and OnSetupRsp deliver SETUP_REQ/SETUP_RSP frames
	// verbatim to the session layer, which owns the setup protocol; a
	// plain Connection used purely for message traffic leaves both nil.
	OnSetupReq func(c *Connection, req wire.SetupRequest)
	OnSetupRsp func(c *Connection, rsp wire.SetupResponse)
}

// pendingSend is a framed buffer waiting for xmit_msgs to hand it to the
// transport.
type pendingSend struct {
	tlvType wire.TLVType
	buf     []byte
	task    *Task // nil for frames with no task lifecycle (setup, FIN, cancel)
}

// sentEntry correlates a Transport.Send seqNo to the task it carried, so
// the eventual SendCompletion event can be matched back to it.
type sentEntry struct {
	seqNo uint64
	task  *Task
}

// Connection is the per-(session,context) logical channel (§4.5).
type Connection struct {
	// ConnIdx is the caller-supplied routing hint used by the session's
	// portal-assignment policy (§4.6).
	ConnIdx uint32

	// LocalSessionID is stamped as dest_session_id by the remote peer and
	// is the key this Connection registers under on its bound transport's
	// Observer Bus.
	LocalSessionID uint32

	// PeerSessionID is stamped as dest_session_id on every outbound frame
	// this Connection sends.
	PeerSessionID uint32

	nextSerial func() uint64
	pool       *pool.Pool
	cb         Callbacks
	logger     *slog.Logger

	mu       sync.Mutex
	state    State
	t        transport.Transport
	pending  []pendingSend
	sent     []sentEntry
	inflight map[uint64]*Task // requests/one-ways awaiting response or receipt, by serial
	inbound  map[uint64]*Task // inbound requests awaiting our response, by serial
}

// New creates an unbound Connection in state INIT.
func New(connIdx uint32, localSessionID uint32, nextSerial func() uint64, p *pool.Pool, cb Callbacks, logger *slog.Logger) *Connection {
	return &Connection{
		ConnIdx:        connIdx,
		LocalSessionID: localSessionID,
		nextSerial:     nextSerial,
		pool:           p,
		cb:             cb,
		logger:         logger.With(slog.Uint64("conn_idx", uint64(connIdx))),
		state:          StateInit,
		inflight:       make(map[uint64]*Task),
		inbound:        make(map[uint64]*Task),
	}
}

// State returns the connection's current FIN-machine state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetPeerSessionID updates the session id stamped as dest_session_id on
// subsequent sends. Used once the setup handshake learns the peer's
// session id, which is not yet known when the lead connection is first
// bound (§4.6).
func (c *Connection) SetPeerSessionID(id uint32) {
	c.mu.Lock()
	c.PeerSessionID = id
	c.mu.Unlock()
}

// SendSetupRequest sends req as a SETUP_REQ frame (§4.1, §4.6 step 1).
func (c *Connection) SendSetupRequest(req wire.SetupRequest) error {
	buf, err := wire.WriteSetupRequest(req)
	if err != nil {
		return fmt.Errorf("send setup request: %w", err)
	}
	c.queueRaw(wire.TLVSetupReq, buf, nil)
	return nil
}

// SendSetupResponse sends rsp as a SETUP_RSP frame (§4.1, §4.6 step 3).
func (c *Connection) SendSetupResponse(rsp wire.SetupResponse) error {
	buf, err := wire.WriteSetupResponse(rsp)
	if err != nil {
		return fmt.Errorf("send setup response: %w", err)
	}
	c.queueRaw(wire.TLVSetupRsp, buf, nil)
	return nil
}

// Bind attaches t to the connection, registers as an observer keyed by
// LocalSessionID, and transitions INIT→ONLINE (§3: "bound to a transport
// handle on connect/assign").
func (c *Connection) Bind(t transport.Transport, peerSessionID uint32) {
	c.mu.Lock()
	c.t = t
	c.PeerSessionID = peerSessionID
	res := apply(c.state, EventBind)
	c.state = res.NewState
	c.mu.Unlock()

	t.Observers().Register(c.LocalSessionID, c)
	t.Observers().Register(transport.SetupKey, c)
}

// Handle implements bus.Subscriber: every event the bound transport
// delivers for this connection's session id arrives here.
func (c *Connection) Handle(ev bus.Event) {
	switch e := ev.(type) {
	case bus.NewMessage:
		c.onNewMessage(e)
	case bus.SendCompletion:
		c.onSendCompletion(e)
	case bus.Disconnected:
		c.onTransportDisconnected(e)
	case bus.Closed:
		c.onTransportClosed()
	case bus.Error:
		c.onTransportError(e)
	case bus.Established:
		if c.cb.OnEstablished != nil {
			c.cb.OnEstablished(c)
		}
	case bus.Refused:
		if c.cb.OnRefused != nil {
			c.cb.OnRefused(c)
		}
	}
}

func (c *Connection) onNewMessage(e bus.NewMessage) {
	switch e.TLVType {
	case wire.TLVSetupReq:
		if c.cb.OnSetupReq != nil {
			if req, err := wire.ReadSetupRequest(e.Payload); err == nil {
				c.cb.OnSetupReq(c, req)
			}
		}
	case wire.TLVSetupRsp:
		if c.cb.OnSetupRsp != nil {
			if rsp, err := wire.ReadSetupResponse(e.Payload); err == nil {
				c.cb.OnSetupRsp(c, rsp)
			}
		}
	case wire.TLVMsgReq, wire.TLVOneWayReq:
		c.deliverInbound(e, false)
	case wire.TLVMsgRsp, wire.TLVOneWayRsp:
		c.deliverInbound(e, true)
	case wire.TLVFinReq:
		c.onFinReqIn()
	case wire.TLVFinRsp:
		c.onFinRspIn()
	case wire.TLVCancelReq:
		c.onCancelReqIn(e)
	case wire.TLVCancelRsp:
		c.onCancelRspIn(e)
	}
}

func (c *Connection) deliverInbound(e bus.NewMessage, isResponse bool) {
	hdr, err := wire.ReadHeader(e.Payload)
	if err != nil {
		c.reportError(fmt.Errorf("deliver inbound: %w", err))
		return
	}
	// A standalone read-receipt is header-only: it carries no body.
	var header, data []byte
	if body := e.Payload[wire.HeaderSize:]; len(body) > 0 {
		header, data, err = wire.ReadBody(body)
		if err != nil {
			c.reportError(fmt.Errorf("deliver inbound: %w", err))
			return
		}
	}

	// Copy the inbound header/data into a pool-backed Block rather than
	// holding onto e.Payload's buffer indefinitely; msg.task carries the
	// Block back to the pool once the caller calls ReleaseMsg (§4.2, §3).
	// Acquire failure degrades gracefully to the bus-owned buffer instead
	// of dropping the message.
	task := &Task{SerialNum: hdr.SerialNum, TLVType: e.TLVType, State: TaskInflight}
	hlen := len(header)
	if blk, aerr := c.pool.Acquire(hlen + len(data)); aerr == nil {
		buf := blk.Buf[:hlen+len(data)]
		copy(buf[:hlen], header)
		copy(buf[hlen:], data)
		header = buf[:hlen]
		data = buf[hlen:]
		task.Block = blk
	}

	msg := &Message{
		Header:    header,
		Data:      data,
		Flags:     hdr.Flags,
		SerialNum: hdr.SerialNum,
		task:      task,
	}

	if isResponse {
		msg.Type = MsgResponse
		c.mu.Lock()
		reqTask := c.inflight[hdr.SerialNum]
		delete(c.inflight, hdr.SerialNum)
		c.mu.Unlock()
		if reqTask != nil {
			msg.Request = &Message{SerialNum: reqTask.SerialNum}
			if reqTask.RetainForReceipt {
				// The sent task was held back from pool release at
				// send-completion (finishSend) precisely so it would
				// survive until this receipt/response arrived.
				c.releaseTask(reqTask)
			}
		}
		if hdr.Flags&wire.FlagRspFirst != 0 {
			if c.cb.OnMsgDelivered != nil {
				c.cb.OnMsgDelivered(c, msg, e.MoreInBatch)
			}
			return
		}
		if c.cb.OnMsg != nil {
			c.cb.OnMsg(c, msg, e.MoreInBatch)
		}
		return
	}

	msg.Type = MsgRequest
	if e.TLVType == wire.TLVOneWayReq {
		msg.Type = MsgOneWay
	}

	c.mu.Lock()
	c.inbound[hdr.SerialNum] = task
	c.mu.Unlock()

	if hdr.Flags&wire.FlagRequestReadReceipt != 0 {
		c.sendReceipt(hdr.SerialNum)
	}

	if c.cb.OnMsg != nil {
		c.cb.OnMsg(c, msg, e.MoreInBatch)
	}
}

func (c *Connection) sendReceipt(serialNum uint64) {
	blk, err := c.pool.Acquire(wire.HeaderSize)
	if err != nil {
		return
	}
	buf := blk.Buf[:wire.HeaderSize]
	if err := wire.WriteHeader(buf, wire.Header{
		DestSessionID: c.PeerSessionID,
		SerialNum:     serialNum,
		Flags:         wire.FlagRspFirst | wire.FlagRspLast,
	}); err != nil {
		c.pool.Release(blk)
		return
	}
	t := &Task{SerialNum: serialNum, TLVType: wire.TLVMsgRsp, State: TaskQueued, Block: blk, isReceipt: true}
	c.queueRaw(wire.TLVMsgRsp, buf, t)
}

func (c *Connection) onSendCompletion(e bus.SendCompletion) {
	c.mu.Lock()
	var completed *Task
	for i, s := range c.sent {
		if s.seqNo == e.SeqNo {
			completed = s.task
			c.sent = append(c.sent[:i], c.sent[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	if completed == nil {
		return
	}
	c.finishSend(completed)
}

func (c *Connection) finishSend(t *Task) {
	t.State = TaskCompleted
	if t.RetainForReceipt {
		return
	}
	if t.TLVType == wire.TLVMsgRsp && !t.isReceipt && c.cb.OnMsgSendComplete != nil {
		c.cb.OnMsgSendComplete(c, &Message{SerialNum: t.SerialNum})
	}
	c.releaseTask(t)
}

func (c *Connection) releaseTask(t *Task) {
	if t.Block != nil {
		c.pool.Release(t.Block)
	}
}

func (c *Connection) onFinReqIn() {
	c.mu.Lock()
	res := apply(c.state, EventFinReqIn)
	c.state = res.NewState
	c.mu.Unlock()
	c.runActions(res.Actions)
}

func (c *Connection) onFinRspIn() {
	c.mu.Lock()
	res := apply(c.state, EventFinRspIn)
	c.state = res.NewState
	c.mu.Unlock()
	c.runActions(res.Actions)
}

func (c *Connection) onCancelReqIn(e bus.NewMessage) {
	if len(e.Payload) < wire.HeaderSize {
		return
	}
	req, err := wire.ReadCancelRequest(e.Payload[wire.HeaderSize:])
	if err != nil {
		return
	}

	c.mu.Lock()
	_, found := c.inbound[req.TargetSerialNum]
	c.mu.Unlock()

	if !found {
		c.sendCancelResponse(req.TargetSerialNum, wire.CancelStatusNotFound)
		return
	}
	if c.cb.OnCancelRequest != nil {
		c.cb.OnCancelRequest(c, &Message{SerialNum: req.TargetSerialNum})
	}
}

// sendCancelResponse replies to an inbound CANCEL_REQ. Responders that
// located the target task upcall on_cancel_request and reply themselves
// once it resolves; this is the direct MSG_NOT_FOUND path.
func (c *Connection) sendCancelResponse(targetSerial uint64, status wire.CancelStatus) {
	buf := append(c.controlFrame(), wire.WriteCancelResponse(wire.CancelResponse{
		TargetSerialNum: targetSerial,
		Status:          status,
	})...)
	c.queueRaw(wire.TLVCancelRsp, buf, nil)
}

func (c *Connection) onCancelRspIn(e bus.NewMessage) {
	if len(e.Payload) < wire.HeaderSize {
		return
	}
	rsp, err := wire.ReadCancelResponse(e.Payload[wire.HeaderSize:])
	if err != nil {
		return
	}

	canceled := rsp.Status == wire.CancelStatusCanceled
	c.mu.Lock()
	t := c.inflight[rsp.TargetSerialNum]
	if canceled {
		delete(c.inflight, rsp.TargetSerialNum)
	}
	c.mu.Unlock()

	if t != nil && c.cb.OnCancel != nil {
		c.cb.OnCancel(c, &Message{SerialNum: rsp.TargetSerialNum}, canceled)
	}
}

// SendCancel sends a CANCEL_REQ for targetSerial, a previously sent
// request's serial number, to responderSessionID (§4.5).
func (c *Connection) SendCancel(targetSerial uint64, responderSessionID uint32) {
	buf := append(c.controlFrame(), wire.WriteCancelRequest(wire.CancelRequest{
		TargetSerialNum:    targetSerial,
		ResponderSessionID: responderSessionID,
	})...)
	c.queueRaw(wire.TLVCancelReq, buf, nil)
}

func (c *Connection) onTransportDisconnected(e bus.Disconnected) {
	c.mu.Lock()
	res := apply(c.state, EventTransportDisconnected)
	c.state = res.NewState
	c.mu.Unlock()
	if c.cb.OnDisconnected != nil {
		c.cb.OnDisconnected(c, e.Reason)
	}
}

func (c *Connection) onTransportClosed() {
	if c.cb.OnClosed != nil {
		c.cb.OnClosed(c)
	}
}

func (c *Connection) onTransportError(e bus.Error) {
	c.mu.Lock()
	res := apply(c.state, EventTransportError)
	c.state = res.NewState
	c.mu.Unlock()
	c.reportError(e.Err)
}

func (c *Connection) reportError(err error) {
	if c.cb.OnError != nil {
		c.cb.OnError(c, err)
	}
}

// SendRequest enqueues msg on the outbound queue, stamps a fresh serial
// number, and adds it to the in-flight task list (§4.5).
func (c *Connection) SendRequest(msg *Message) error {
	c.mu.Lock()
	if c.state != StateOnline {
		c.mu.Unlock()
		return fmt.Errorf("send request: %w", ErrInvalidState)
	}
	c.mu.Unlock()

	msg.Type = MsgRequest
	msg.SerialNum = c.nextSerial()

	t := &Task{SerialNum: msg.SerialNum, TLVType: wire.TLVMsgReq, State: TaskQueued, RetainForReceipt: msg.RequestReadReceipt()}
	msg.task = t

	c.mu.Lock()
	c.inflight[msg.SerialNum] = t
	c.mu.Unlock()

	return c.enqueueFrame(wire.TLVMsgReq, msg, t)
}

// SendResponse sends msg as the response to msg.Request; the inbound task
// it answers is released once the send completes (§4.5).
func (c *Connection) SendResponse(msg *Message) error {
	if msg.Request == nil {
		return fmt.Errorf("send response: %w", ErrNoRequest)
	}

	c.mu.Lock()
	delete(c.inbound, msg.Request.SerialNum)
	c.mu.Unlock()

	msg.Type = MsgResponse
	msg.SerialNum = msg.Request.SerialNum

	t := &Task{SerialNum: msg.SerialNum, TLVType: wire.TLVMsgRsp, State: TaskQueued}
	msg.task = t

	return c.enqueueFrame(wire.TLVMsgRsp, msg, t)
}

// SendOneWay enqueues msg without response correlation. If
// REQUEST_READ_RECEIPT is set the task is retained until the receipt
// arrives (§4.5).
func (c *Connection) SendOneWay(msg *Message) error {
	c.mu.Lock()
	if c.state != StateOnline {
		c.mu.Unlock()
		return fmt.Errorf("send one way: %w", ErrInvalidState)
	}
	c.mu.Unlock()

	msg.Type = MsgOneWay
	msg.SerialNum = c.nextSerial()

	t := &Task{SerialNum: msg.SerialNum, TLVType: wire.TLVOneWayReq, State: TaskQueued, RetainForReceipt: msg.RequestReadReceipt()}
	msg.task = t

	if t.RetainForReceipt {
		c.mu.Lock()
		c.inflight[msg.SerialNum] = t
		c.mu.Unlock()
	}

	return c.enqueueFrame(wire.TLVOneWayReq, msg, t)
}

// ReleaseMsg returns a previously-delivered message to the runtime; the
// backing task returns to the pool only once its refcount drops to zero
// (§4.5, §3).
func (c *Connection) ReleaseMsg(msg *Message) error {
	if msg.task == nil {
		return nil
	}
	c.releaseTask(msg.task)
	return nil
}

func (c *Connection) enqueueFrame(tlvType wire.TLVType, msg *Message, t *Task) error {
	body := wire.WriteBody(msg.Header, msg.Data)
	total := wire.HeaderSize + len(body)

	blk, err := c.pool.Acquire(total)
	if err != nil {
		return fmt.Errorf("enqueue frame: %w", err)
	}
	buf := blk.Buf[:total]

	if err := wire.WriteHeader(buf, wire.Header{
		DestSessionID: c.PeerSessionID,
		SerialNum:     msg.SerialNum,
		Flags:         msg.Flags,
	}); err != nil {
		c.pool.Release(blk)
		return fmt.Errorf("enqueue frame: %w", err)
	}
	copy(buf[wire.HeaderSize:], body)

	t.Block = blk
	c.queueRaw(tlvType, buf, t)
	return nil
}

func (c *Connection) queueRaw(tlvType wire.TLVType, buf []byte, t *Task) {
	c.mu.Lock()
	c.pending = append(c.pending, pendingSend{tlvType: tlvType, buf: buf, task: t})
	c.mu.Unlock()

	c.XmitMsgs()
}

// XmitMsgs drains the outbound queue against the bound transport. Safe to
// call on every event that may open a send slot; a no-op when unbound or
// empty (§4.5).
func (c *Connection) XmitMsgs() {
	c.mu.Lock()
	t := c.t
	batch := c.pending
	c.pending = nil
	c.mu.Unlock()

	if t == nil {
		c.mu.Lock()
		c.pending = append(batch, c.pending...)
		c.mu.Unlock()
		return
	}

	for _, p := range batch {
		seqNo, err := t.Send(p.tlvType, p.buf)
		if err != nil {
			if p.task != nil {
				if c.cb.OnMsgError != nil {
					c.cb.OnMsgError(c, err.Error(), &Message{SerialNum: p.task.SerialNum})
				}
				c.releaseTask(p.task)
			}
			continue
		}
		if p.task != nil {
			p.task.State = TaskInflight
			c.mu.Lock()
			c.sent = append(c.sent, sentEntry{seqNo: seqNo, task: p.task})
			c.mu.Unlock()
		}
	}
}

// Disconnect transitions the connection to FIN_WAIT, emits FIN_REQ, and
// awaits FIN_RSP before the transport is closed (§4.5).
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	res := apply(c.state, EventDisconnectCalled)
	c.state = res.NewState
	c.mu.Unlock()
	if res.OldState == res.NewState {
		return fmt.Errorf("disconnect: %w", ErrInvalidState)
	}
	c.runActions(res.Actions)
	return nil
}

func (c *Connection) controlFrame() []byte {
	buf := make([]byte, wire.HeaderSize)
	c.mu.Lock()
	peer := c.PeerSessionID
	c.mu.Unlock()
	_ = wire.WriteHeader(buf, wire.Header{DestSessionID: peer})
	return buf
}

func (c *Connection) runActions(actions []Action) {
	for _, a := range actions {
		switch a {
		case ActionSendFinReq:
			c.queueRaw(wire.TLVFinReq, c.controlFrame(), nil)
		case ActionSendFinRsp:
			c.queueRaw(wire.TLVFinRsp, c.controlFrame(), nil)
			c.mu.Lock()
			res := apply(c.state, EventFinRspOut)
			c.state = res.NewState
			c.mu.Unlock()
			c.runActions(res.Actions)
		case ActionRequestTransportClose:
			c.mu.Lock()
			t := c.t
			c.mu.Unlock()
			if t != nil {
				_ = t.Close()
			}
		case ActionNotifyDisconnected:
			// delivered by the Disconnected/Error event handlers that fed this action
		}
	}
}
