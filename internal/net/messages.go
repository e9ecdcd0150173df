// Package net is the wire transport: a length-prefixed binary protocol
// carrying orders, cancellations and execution reports between clients and
// the matching core. Amounts and prices travel as ASCII decimal strings
// (never float64) so the numeric kernel's exactness survives the wire.
package net

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"clobcore/internal/common"
)

var (
	ErrInvalidMessageType = errors.New("invalid message type")
	ErrMessageTooShort    = errors.New("message too short for declared field lengths")
)

type MessageType uint16

const (
	Heartbeat MessageType = iota
	NewOrder
	CancelOrder
)

type ReportMessageType uint16

const (
	ExecutionReport ReportMessageType = iota
	OrderAckReport
	OrderCancelReport
	ErrorReport
)

type Message interface {
	GetType() MessageType
}

const baseMessageHeaderLen = 2 // MessageType

type BaseMessage struct {
	TypeOf MessageType
}

func (m BaseMessage) GetType() MessageType { return m.TypeOf }

// parseMessage strips the shared 2-byte type header and dispatches to the
// per-type parser.
func parseMessage(msg []byte) (Message, error) {
	if len(msg) < baseMessageHeaderLen {
		return nil, ErrMessageTooShort
	}
	typeOf := MessageType(binary.BigEndian.Uint16(msg[0:2]))
	body := msg[2:]
	switch typeOf {
	case NewOrder:
		return parseNewOrder(body)
	case CancelOrder:
		return parseCancelOrder(body)
	case Heartbeat:
		return BaseMessage{TypeOf: Heartbeat}, nil
	default:
		return nil, ErrInvalidMessageType
	}
}

// readLenPrefixed reads a uint16-length-prefixed string starting at offset,
// returning the string and the offset just past it.
func readLenPrefixed(buf []byte, offset int) (string, int, error) {
	if len(buf) < offset+2 {
		return "", 0, ErrMessageTooShort
	}
	n := int(binary.BigEndian.Uint16(buf[offset : offset+2]))
	offset += 2
	if len(buf) < offset+n {
		return "", 0, ErrMessageTooShort
	}
	return string(buf[offset : offset+n]), offset + n, nil
}

func putLenPrefixed(buf *[]byte, s string) {
	var lenBytes [2]byte
	binary.BigEndian.PutUint16(lenBytes[:], uint16(len(s)))
	*buf = append(*buf, lenBytes[:]...)
	*buf = append(*buf, s...)
}

// NewOrderMessage is the wire form of an order submission. Field order:
// side(1) type(1) pair(lp) price(lp) amount(lp) user_id(lp) chain_id(8)
// nonce(lp) signature(lp).
type NewOrderMessage struct {
	BaseMessage
	Side      common.Side
	Type      common.OrderType
	Pair      string
	Price     string // empty for MARKET orders
	Amount    string
	UserID    string
	ChainID   uint64
	Nonce     []byte
	Signature []byte
}

// Order converts the wire message into a domain order, assigning a fresh
// ID. Price and Amount are left unset: the caller parses the wire strings
// with the numeric kernel's Parse (see Server.handleNewOrder) and fills
// them in before submission.
func (m *NewOrderMessage) Order() common.Order {
	var nonce, sig []byte
	if len(m.Nonce) > 0 {
		nonce = append([]byte(nil), m.Nonce...)
	}
	if len(m.Signature) > 0 {
		sig = append([]byte(nil), m.Signature...)
	}
	return common.Order{
		ID:        uuid.New().String(),
		UserID:    m.UserID,
		Pair:      m.Pair,
		Side:      m.Side,
		Type:      m.Type,
		ChainID:   m.ChainID,
		Nonce:     nonce,
		Signature: sig,
	}
}

func parseNewOrder(buf []byte) (NewOrderMessage, error) {
	if len(buf) < 2 {
		return NewOrderMessage{}, ErrMessageTooShort
	}
	m := NewOrderMessage{BaseMessage: BaseMessage{TypeOf: NewOrder}}
	m.Side = common.Side(buf[0])
	m.Type = common.OrderType(buf[1])
	offset := 2

	var err error
	if m.Pair, offset, err = readLenPrefixed(buf, offset); err != nil {
		return NewOrderMessage{}, err
	}
	if m.Price, offset, err = readLenPrefixed(buf, offset); err != nil {
		return NewOrderMessage{}, err
	}
	if m.Amount, offset, err = readLenPrefixed(buf, offset); err != nil {
		return NewOrderMessage{}, err
	}
	if m.UserID, offset, err = readLenPrefixed(buf, offset); err != nil {
		return NewOrderMessage{}, err
	}
	if len(buf) < offset+8 {
		return NewOrderMessage{}, ErrMessageTooShort
	}
	m.ChainID = binary.BigEndian.Uint64(buf[offset : offset+8])
	offset += 8

	var nonceStr, sigStr string
	if nonceStr, offset, err = readLenPrefixed(buf, offset); err != nil {
		return NewOrderMessage{}, err
	}
	m.Nonce = []byte(nonceStr)
	if sigStr, _, err = readLenPrefixed(buf, offset); err != nil {
		return NewOrderMessage{}, err
	}
	m.Signature = []byte(sigStr)

	return m, nil
}

// Encode serializes a NewOrderMessage back to wire bytes; used by clients.
func (m *NewOrderMessage) Encode() []byte {
	buf := make([]byte, 0, 64)
	var typeBytes [2]byte
	binary.BigEndian.PutUint16(typeBytes[:], uint16(NewOrder))
	buf = append(buf, typeBytes[:]...)
	buf = append(buf, byte(m.Side), byte(m.Type))
	putLenPrefixed(&buf, m.Pair)
	putLenPrefixed(&buf, m.Price)
	putLenPrefixed(&buf, m.Amount)
	putLenPrefixed(&buf, m.UserID)
	var chainBytes [8]byte
	binary.BigEndian.PutUint64(chainBytes[:], m.ChainID)
	buf = append(buf, chainBytes[:]...)
	putLenPrefixed(&buf, string(m.Nonce))
	putLenPrefixed(&buf, string(m.Signature))
	return buf
}

// CancelOrderMessage is the wire form of a cancellation request.
type CancelOrderMessage struct {
	BaseMessage
	OrderID string
	UserID  string
}

func parseCancelOrder(buf []byte) (CancelOrderMessage, error) {
	m := CancelOrderMessage{BaseMessage: BaseMessage{TypeOf: CancelOrder}}
	var err error
	offset := 0
	if m.OrderID, offset, err = readLenPrefixed(buf, offset); err != nil {
		return CancelOrderMessage{}, err
	}
	if m.UserID, _, err = readLenPrefixed(buf, offset); err != nil {
		return CancelOrderMessage{}, err
	}
	return m, nil
}

// Encode serializes a CancelOrderMessage back to wire bytes.
func (m *CancelOrderMessage) Encode() []byte {
	buf := make([]byte, 0, 32)
	var typeBytes [2]byte
	binary.BigEndian.PutUint16(typeBytes[:], uint16(CancelOrder))
	buf = append(buf, typeBytes[:]...)
	putLenPrefixed(&buf, m.OrderID)
	putLenPrefixed(&buf, m.UserID)
	return buf
}

// Report is the wire form sent back to a client: an execution (trade),
// acknowledgement, cancellation, or error.
type Report struct {
	Type         ReportMessageType
	Pair         string
	Side         common.Side
	Price        string
	Amount       string
	Timestamp    uint64
	OrderID      string
	Counterparty string
	Err          string
}

// Serialize converts the report to wire bytes. Field order: type(2)
// side(1) timestamp(8) pair(lp) price(lp) amount(lp) order_id(lp)
// counterparty(lp) err(lp).
func (r *Report) Serialize() []byte {
	buf := make([]byte, 0, 64)
	var typeBytes [2]byte
	binary.BigEndian.PutUint16(typeBytes[:], uint16(r.Type))
	buf = append(buf, typeBytes[:]...)
	buf = append(buf, byte(r.Side))
	var tsBytes [8]byte
	binary.BigEndian.PutUint64(tsBytes[:], r.Timestamp)
	buf = append(buf, tsBytes[:]...)
	putLenPrefixed(&buf, r.Pair)
	putLenPrefixed(&buf, r.Price)
	putLenPrefixed(&buf, r.Amount)
	putLenPrefixed(&buf, r.OrderID)
	putLenPrefixed(&buf, r.Counterparty)
	putLenPrefixed(&buf, r.Err)
	return buf
}

// ParseReport decodes a Report serialized by Serialize; used by clients
// reading responses off the wire.
func ParseReport(buf []byte) (Report, error) {
	if len(buf) < 2+1+8 {
		return Report{}, ErrMessageTooShort
	}
	r := Report{Type: ReportMessageType(binary.BigEndian.Uint16(buf[0:2]))}
	r.Side = common.Side(buf[2])
	r.Timestamp = binary.BigEndian.Uint64(buf[3:11])
	offset := 11

	var err error
	if r.Pair, offset, err = readLenPrefixed(buf, offset); err != nil {
		return Report{}, err
	}
	if r.Price, offset, err = readLenPrefixed(buf, offset); err != nil {
		return Report{}, err
	}
	if r.Amount, offset, err = readLenPrefixed(buf, offset); err != nil {
		return Report{}, err
	}
	if r.OrderID, offset, err = readLenPrefixed(buf, offset); err != nil {
		return Report{}, err
	}
	if r.Counterparty, offset, err = readLenPrefixed(buf, offset); err != nil {
		return Report{}, err
	}
	if r.Err, _, err = readLenPrefixed(buf, offset); err != nil {
		return Report{}, err
	}
	return r, nil
}

// tradeReports builds the pair of execution reports (one per counterparty)
// for a completed trade.
func tradeReports(trade common.Trade, makerUserID, takerUserID string) (makerReport, takerReport Report) {
	makerReport = Report{
		Type:         ExecutionReport,
		Pair:         trade.Pair,
		Side:         trade.Side.Opposite(),
		Price:        trade.Price.String(),
		Amount:       trade.Amount.String(),
		Timestamp:    trade.Timestamp,
		OrderID:      trade.MakerOrderID,
		Counterparty: takerUserID,
	}
	takerReport = Report{
		Type:         ExecutionReport,
		Pair:         trade.Pair,
		Side:         trade.Side,
		Price:        trade.Price.String(),
		Amount:       trade.Amount.String(),
		Timestamp:    trade.Timestamp,
		OrderID:      trade.TakerOrderID,
		Counterparty: makerUserID,
	}
	return makerReport, takerReport
}

func errorReport(err error) Report {
	return Report{Type: ErrorReport, Err: fmt.Sprintf("%v", err)}
}
