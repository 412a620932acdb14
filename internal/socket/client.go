package socket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/walletconnect-labs/relay/internal/domain"
	"github.com/walletconnect-labs/relay/internal/jsonrpc"
)

// Close codes this layer assigns deliberately (spec 4.3/7.).
const (
	closeFrameTooBig    = 1009
	closeInternalError  = 1011
	closeServiceRestart = 1012
	closeTryAgainLater  = 1013
)

// ErrUnknownSocket is returned by Hub.SendToSocket when socketID has no
// live connection on this node.
var ErrUnknownSocket = errors.New("socket: unknown socket id")

// state is the C4 connection state machine: OPEN -> ALIVE -> CLOSING ->
// CLOSED. OPEN is the moment between accept and the first successful pump
// start; ALIVE is the steady operating state; CLOSING begins the instant
// either side initiates shutdown; CLOSED is set once closeWithCode has sent
// the close frame and closed the connection.
type state int32

const (
	stateOpen state = iota
	stateAlive
	stateClosing
	stateClosed
)

// Conn is the subset of *websocket.Conn the socket layer depends on, so
// tests can drive the state machine and dispatch without a real network
// connection.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Client is one live WebSocket session.
type Client struct {
	hub   *Hub
	conn  Conn
	id    domain.SocketID
	state int32 // atomic state

	send chan []byte

	closeOnce sync.Once
	logger    *slog.Logger
}

func newClient(hub *Hub, conn Conn) *Client {
	id := domain.NewSocketID()
	return &Client{
		hub:    hub,
		conn:   conn,
		id:     id,
		state:  int32(stateOpen),
		send:   make(chan []byte, hub.cfg.SendBuffer),
		logger: slog.Default().With("component", "socket-client", "socket", id),
	}
}

// ID returns the socket's assigned identifier.
func (c *Client) ID() domain.SocketID { return c.id }

func (c *Client) setState(s state) {
	atomic.StoreInt32(&c.state, int32(s))
}

func (c *Client) currentState() state {
	return state(atomic.LoadInt32(&c.state))
}

// enqueue queues frame for delivery. If the send buffer is saturated it
// closes the socket with 1013 and returns ErrBackpressure without blocking.
func (c *Client) enqueue(frame []byte) error {
	if c.currentState() >= stateClosing {
		return ErrUnknownSocket
	}
	select {
	case c.send <- frame:
		return nil
	default:
		c.closeWithCode(closeTryAgainLater, "send buffer saturated")
		return ErrBackpressure
	}
}

// ErrBackpressure is returned by enqueue when the client's outbound buffer
// is full; the socket is closed with 1013 as a side effect.
var ErrBackpressure = errors.New("socket: send buffer saturated")

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(c.hub.cfg.MaxFrameBytes)
	// Two beats: a silent peer is evicted on the second missed pong, within
	// the 10s bound spec 8. scenario 6 requires for the default 5s beat.
	deadline := c.hub.cfg.BeatInterval * 2
	_ = c.conn.SetReadDeadline(time.Now().Add(deadline))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(deadline))
		return nil
	})

	c.setState(stateAlive)

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if isFrameTooBig(err) {
				c.closeWithCode(closeFrameTooBig, "frame exceeds limit")
			}
			return
		}
		c.dispatch(raw)
	}
}

func isFrameTooBig(err error) bool {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return false
	}
	return err != nil && containsReadLimitText(err.Error())
}

func containsReadLimitText(s string) bool {
	const marker = "read limit exceeded"
	for i := 0; i+len(marker) <= len(s); i++ {
		if s[i:i+len(marker)] == marker {
			return true
		}
	}
	return false
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.cfg.BeatInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.setState(stateClosing)
				return
			}

		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.hub.cfg.BeatInterval)); err != nil {
				c.setState(stateClosing)
				return
			}
		}
	}
}

func (c *Client) dispatch(raw []byte) {
	req, err := jsonrpc.Parse(raw)
	if err != nil {
		c.replyError(nil, jsonrpc.CodeParseError, "malformed request")
		return
	}

	ctx := context.Background()
	switch req.Method {
	case jsonrpc.MethodPublish:
		c.handlePublish(ctx, req)
	case jsonrpc.MethodSubscribe:
		c.handleSubscribe(ctx, req)
	case jsonrpc.MethodUnsubscribe:
		c.handleUnsubscribe(ctx, req)
	case jsonrpc.MethodAck:
		c.handleAck(ctx, req)
	case jsonrpc.MethodHistorySet:
		c.handleHistorySet(ctx, req)
	case jsonrpc.MethodHistoryUpdate:
		c.handleHistoryUpdate(ctx, req)
	case jsonrpc.MethodHistoryGet:
		c.handleHistoryGet(ctx, req)
	case jsonrpc.MethodHistoryDelete:
		c.handleHistoryDelete(ctx, req)
	case jsonrpc.MethodHistoryPending:
		c.handleHistoryPending(ctx, req)
	default:
		c.replyError(req.ID, jsonrpc.CodeMethodNotFound, "unknown method: "+req.Method)
	}
}

func (c *Client) handlePublish(ctx context.Context, req *jsonrpc.Request) {
	var params jsonrpc.PublishParams
	if err := unmarshalParams(req.Params, &params); err != nil {
		c.replyError(req.ID, jsonrpc.CodeInvalidParams, "invalid relay_publish params")
		return
	}
	topic := domain.Topic(params.Topic)
	if err := topic.Validate(); err != nil {
		c.replyError(req.ID, jsonrpc.CodeInvalidParams, err.Error())
		return
	}

	ttl := time.Duration(params.TTL) * time.Second
	if _, err := c.hub.relay.Publish(ctx, c.id, topic, params.Message, ttl); err != nil {
		c.replyError(req.ID, jsonrpc.CodeBrokerDegraded, "publish failed")
		return
	}
	c.replyResult(req.ID, true)
}

func (c *Client) handleSubscribe(ctx context.Context, req *jsonrpc.Request) {
	var params jsonrpc.SubscribeParams
	if err := unmarshalParams(req.Params, &params); err != nil {
		c.replyError(req.ID, jsonrpc.CodeInvalidParams, "invalid relay_subscribe params")
		return
	}
	topic := domain.Topic(params.Topic)
	if err := topic.Validate(); err != nil {
		c.replyError(req.ID, jsonrpc.CodeInvalidParams, err.Error())
		return
	}

	id, err := c.hub.relay.Subscribe(ctx, c.id, topic)
	if err != nil {
		c.replyError(req.ID, jsonrpc.CodeBrokerDegraded, "subscribe failed")
		return
	}
	c.replyResult(req.ID, jsonrpc.SubscribeResult(id))
}

func (c *Client) handleUnsubscribe(ctx context.Context, req *jsonrpc.Request) {
	var params jsonrpc.UnsubscribeParams
	if err := unmarshalParams(req.Params, &params); err != nil {
		c.replyError(req.ID, jsonrpc.CodeInvalidParams, "invalid relay_unsubscribe params")
		return
	}
	if err := c.hub.relay.Unsubscribe(ctx, c.id, domain.SubscriptionID(params.ID)); err != nil {
		c.replyError(req.ID, jsonrpc.CodeBrokerDegraded, "unsubscribe failed")
		return
	}
	c.replyResult(req.ID, true)
}

func (c *Client) handleAck(ctx context.Context, req *jsonrpc.Request) {
	var params jsonrpc.AckParams
	if err := unmarshalParams(req.Params, &params); err != nil {
		c.replyError(req.ID, jsonrpc.CodeInvalidParams, "invalid relay_ack params")
		return
	}
	if err := c.hub.relay.Acknowledge(ctx, c.id, domain.Topic(params.Topic), params.MessageHash); err != nil {
		c.replyError(req.ID, jsonrpc.CodeBrokerDegraded, "ack failed")
		return
	}
	c.replyResult(req.ID, true)
}

func (c *Client) handleHistorySet(ctx context.Context, req *jsonrpc.Request) {
	var params jsonrpc.HistorySetParams
	if err := unmarshalParams(req.Params, &params); err != nil {
		c.replyError(req.ID, jsonrpc.CodeInvalidParams, "invalid relay_history_set params")
		return
	}
	domainReq := domain.JSONRPCRequest{Method: params.Request.Method, Params: params.Request.Params}
	if err := c.hub.relay.HistorySet(ctx, domain.Topic(params.Topic), params.ID, domainReq, params.ChainID); err != nil {
		c.replyError(req.ID, jsonrpc.CodeHistoryRecord, err.Error())
		return
	}
	c.replyResult(req.ID, true)
}

func (c *Client) handleHistoryUpdate(ctx context.Context, req *jsonrpc.Request) {
	var params jsonrpc.HistoryUpdateParams
	if err := unmarshalParams(req.Params, &params); err != nil {
		c.replyError(req.ID, jsonrpc.CodeInvalidParams, "invalid relay_history_update params")
		return
	}
	var rpcErr *domain.RPCErr
	if params.Response.Error != nil {
		rpcErr = &domain.RPCErr{Code: params.Response.Error.Code, Message: params.Response.Error.Message}
	}
	domainResp := domain.JSONRPCResponse{Result: params.Response.Result, Error: rpcErr}
	if err := c.hub.relay.HistoryUpdate(ctx, domain.Topic(params.Topic), params.ID, domainResp); err != nil {
		c.replyError(req.ID, jsonrpc.CodeHistoryRecord, err.Error())
		return
	}
	c.replyResult(req.ID, true)
}

func (c *Client) handleHistoryGet(ctx context.Context, req *jsonrpc.Request) {
	var params jsonrpc.HistoryGetParams
	if err := unmarshalParams(req.Params, &params); err != nil {
		c.replyError(req.ID, jsonrpc.CodeInvalidParams, "invalid relay_history_get params")
		return
	}
	record, err := c.hub.relay.HistoryGet(ctx, domain.Topic(params.Topic), params.ID)
	if err != nil {
		c.replyError(req.ID, jsonrpc.CodeHistoryRecord, err.Error())
		return
	}
	c.replyResult(req.ID, historyRecordView(record))
}

func (c *Client) handleHistoryDelete(ctx context.Context, req *jsonrpc.Request) {
	var params jsonrpc.HistoryDeleteParams
	if err := unmarshalParams(req.Params, &params); err != nil {
		c.replyError(req.ID, jsonrpc.CodeInvalidParams, "invalid relay_history_delete params")
		return
	}
	if err := c.hub.relay.HistoryDelete(ctx, domain.Topic(params.Topic), params.ID); err != nil {
		c.replyError(req.ID, jsonrpc.CodeHistoryRecord, err.Error())
		return
	}
	c.replyResult(req.ID, true)
}

func (c *Client) handleHistoryPending(ctx context.Context, req *jsonrpc.Request) {
	records, err := c.hub.relay.HistoryPending(ctx)
	if err != nil {
		c.replyError(req.ID, jsonrpc.CodeHistoryRecord, err.Error())
		return
	}
	views := make([]jsonrpc.HistoryRecordView, len(records))
	for i, r := range records {
		views[i] = historyRecordView(r)
	}
	c.replyResult(req.ID, views)
}

func historyRecordView(r domain.HistoryRecord) jsonrpc.HistoryRecordView {
	view := jsonrpc.HistoryRecordView{
		ID:      r.ID,
		Topic:   string(r.Topic),
		Request: jsonrpc.HistoryRequestParam{Method: r.Request.Method, Params: r.Request.Params},
		ChainID: r.ChainID,
	}
	if r.Response != nil {
		resp := &jsonrpc.HistoryResponseParam{Result: r.Response.Result}
		if r.Response.Error != nil {
			resp.Error = &jsonrpc.Error{Code: r.Response.Error.Code, Message: r.Response.Error.Message}
		}
		view.Response = resp
	}
	return view
}

func (c *Client) replyResult(id []byte, result interface{}) {
	resp, err := jsonrpc.NewResult(id, result)
	if err != nil {
		c.logger.Error("marshal result", "error", err)
		return
	}
	c.send0(resp)
}

func (c *Client) replyError(id []byte, code int, message string) {
	c.send0(jsonrpc.NewError(id, code, message))
}

func (c *Client) send0(resp *jsonrpc.Response) {
	frame, err := jsonrpc.Marshal(resp)
	if err != nil {
		c.logger.Error("marshal response", "error", err)
		return
	}
	_ = c.enqueue(frame)
}

// closeWithCode sends a close frame with code and tears down the
// connection. Idempotent: only the first call takes effect.
func (c *Client) closeWithCode(code int, reason string) {
	c.closeOnce.Do(func() {
		c.setState(stateClosing)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = c.conn.Close()
		c.setState(stateClosed)
	})
}

func unmarshalParams(raw []byte, v interface{}) error {
	if len(raw) == 0 {
		return errEmptyParams
	}
	return json.Unmarshal(raw, v)
}

var errEmptyParams = errors.New("socket: empty params")
