package jsonrpc

import "encoding/json"

// Method names dispatched by the socket session layer (spec 6.).
const (
	MethodPublish     = "relay_publish"
	MethodSubscribe   = "relay_subscribe"
	MethodUnsubscribe = "relay_unsubscribe"
	MethodAck         = "relay_ack"
	// MethodSubscription is server-initiated, never sent by a peer.
	MethodSubscription = "relay_subscription"

	// History query methods (C5), dispatched by the socket layer the same
	// way relay_publish dispatches to the broker.
	MethodHistorySet     = "relay_history_set"
	MethodHistoryUpdate  = "relay_history_update"
	MethodHistoryGet     = "relay_history_get"
	MethodHistoryDelete  = "relay_history_delete"
	MethodHistoryPending = "relay_history_pending"
)

// PublishParams is the params object of a relay_publish request.
type PublishParams struct {
	Topic   string `json:"topic"`
	Message string `json:"message"`
	TTL     int64  `json:"ttl"`
}

// SubscribeParams is the params object of a relay_subscribe request.
type SubscribeParams struct {
	Topic string `json:"topic"`
}

// SubscribeResult is the result of a successful relay_subscribe: a fresh
// SubscriptionId.
type SubscribeResult = string

// UnsubscribeParams is the params object of a relay_unsubscribe request.
type UnsubscribeParams struct {
	Topic string `json:"topic"`
	ID    string `json:"id"`
}

// AckParams is the params object of a relay_ack request.
type AckParams struct {
	Topic       string `json:"topic"`
	MessageHash string `json:"messageHash"`
}

// SubscriptionData is the payload of a server-initiated relay_subscription
// notification: the delivered message plus its content hash, so the peer's
// relay_ack can reference it.
type SubscriptionData struct {
	Topic       string `json:"topic"`
	Message     string `json:"message"`
	MessageHash string `json:"messageHash"`
}

// SubscriptionParams is the params object of a relay_subscription request
// the relay sends to a subscriber; ID is the SubscriptionId under which
// this peer is receiving the topic.
type SubscriptionParams struct {
	ID   string           `json:"id"`
	Data SubscriptionData `json:"data"`
}

// HistoryRequestParam is the request half of a relay_history_set params
// object.
type HistoryRequestParam struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// HistoryResponseParam is the response half of a relay_history_update
// params object; exactly one of Result/Error is set.
type HistoryResponseParam struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// HistorySetParams is the params object of a relay_history_set request.
type HistorySetParams struct {
	Topic   string              `json:"topic"`
	ID      uint64              `json:"id"`
	Request HistoryRequestParam `json:"request"`
	ChainID string              `json:"chainId,omitempty"`
}

// HistoryUpdateParams is the params object of a relay_history_update
// request.
type HistoryUpdateParams struct {
	Topic    string               `json:"topic"`
	ID       uint64               `json:"id"`
	Response HistoryResponseParam `json:"response"`
}

// HistoryGetParams is the params object of a relay_history_get request.
type HistoryGetParams struct {
	Topic string `json:"topic"`
	ID    uint64 `json:"id"`
}

// HistoryDeleteParams is the params object of a relay_history_delete
// request. ID is nil to delete every record of topic.
type HistoryDeleteParams struct {
	Topic string  `json:"topic"`
	ID    *uint64 `json:"id,omitempty"`
}

// HistoryRecordView is the wire representation of a domain.HistoryRecord.
type HistoryRecordView struct {
	ID       uint64                `json:"id"`
	Topic    string                `json:"topic"`
	Request  HistoryRequestParam   `json:"request"`
	ChainID  string                `json:"chainId,omitempty"`
	Response *HistoryResponseParam `json:"response,omitempty"`
}
