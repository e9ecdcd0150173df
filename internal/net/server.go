package net

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"

	"clobcore/internal/common"
	"clobcore/internal/decimal"
	"clobcore/internal/engine"
	"clobcore/internal/events"
	"clobcore/internal/utils"
)

const (
	maxRecvSize        = 4 * 1024
	defaultNWorkers    = 10
	defaultConnTimeout = 30 * time.Second
)

var ErrImproperConversion = errors.New("improper type conversion")

// ClientMessage links a parsed message to the connection it arrived on.
type ClientMessage struct {
	conn    net.Conn
	message Message
}

// Server is the TCP front end over the Book Registry. One connection can
// carry orders for any user/pair; sessions are keyed by user id so trade
// reports can be routed back to both sides of a match regardless of which
// connection admitted which order.
type Server struct {
	address  string
	port     int
	registry *engine.Registry

	pool           utils.WorkerPool
	cancel         context.CancelFunc
	sessions       map[string]net.Conn // user_id -> connection
	sessionsLock   sync.Mutex
	clientMessages chan ClientMessage
}

// New constructs a server that routes submitted orders to registry.
func New(address string, port int, registry *engine.Registry) *Server {
	return &Server{
		address:        address,
		port:           port,
		registry:       registry,
		pool:           utils.NewWorkerPool(defaultNWorkers),
		sessions:       make(map[string]net.Conn),
		clientMessages: make(chan ClientMessage, 1),
	}
}

func (s *Server) Shutdown() {
	log.Info().Msg("server shutting down")
	s.cancel()
}

// Run starts the TCP listener, the worker pool, the session handler, and
// the Registry event-forwarding goroutine. Blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) {
	defer s.Shutdown()

	ctx, s.cancel = context.WithCancel(ctx)
	t, ctx := tomb.WithContext(ctx)

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", fmt.Sprintf("%s:%d", s.address, s.port))
	if err != nil {
		log.Error().Err(err).Msg("unable to start listener")
		return
	}
	defer func() {
		if err := listener.Close(); err != nil {
			log.Error().Err(err).Msg("unable to close listener")
		}
	}()

	t.Go(func() error {
		s.pool.Setup(t, s.handleConnection)
		return nil
	})
	t.Go(func() error {
		return s.sessionHandler(t)
	})
	t.Go(func() error {
		return s.forwardTrades(t)
	})

	log.Info().Str("address", listener.Addr().String()).Msg("server running")

	for {
		select {
		case <-ctx.Done():
			return
		default:
			conn, err := listener.Accept()
			if err != nil {
				log.Error().Err(err).Msg("error accepting client")
				continue
			}
			log.Info().Str("remote", conn.RemoteAddr().String()).Msg("new client connected")
			s.pool.AddTask(conn)
		}
	}
}

// forwardTrades subscribes to every book's events and pushes execution
// reports to whichever connected sessions own the maker/taker orders.
func (s *Server) forwardTrades(t *tomb.Tomb) error {
	sub := s.registry.Subscribe(nil, events.TradeExecuted)
	for {
		select {
		case <-t.Dying():
			return nil
		case ev, ok := <-sub.Events:
			if !ok {
				return nil
			}
			if ev.Kind == events.TradeExecuted && ev.Trade != nil {
				s.reportTrade(*ev.Trade)
			}
		}
	}
}

func (s *Server) reportTrade(trade common.Trade) {
	maker, err := s.registry.GetOrder(trade.MakerOrderID)
	if err != nil {
		log.Error().Err(err).Str("orderID", trade.MakerOrderID).Msg("trade references unknown maker order")
		return
	}
	taker, err := s.registry.GetOrder(trade.TakerOrderID)
	if err != nil {
		log.Error().Err(err).Str("orderID", trade.TakerOrderID).Msg("trade references unknown taker order")
		return
	}

	makerReport, takerReport := tradeReports(trade, maker.UserID, taker.UserID)
	s.sendTo(maker.UserID, &makerReport)
	s.sendTo(taker.UserID, &takerReport)
}

func (s *Server) sendTo(userID string, report *Report) {
	s.sessionsLock.Lock()
	conn, ok := s.sessions[userID]
	s.sessionsLock.Unlock()
	if !ok {
		return
	}
	if _, err := conn.Write(report.Serialize()); err != nil {
		log.Error().Err(err).Str("userID", userID).Msg("unable to deliver report")
		s.deleteSession(userID)
	}
}

// sessionHandler processes parsed client messages serially, so order
// submission against the registry is never concurrent with itself here
// (the Registry is already internally safe, but this keeps report ordering
// sane per connection).
func (s *Server) sessionHandler(t *tomb.Tomb) error {
	for {
		select {
		case <-t.Dying():
			return nil
		case cm := <-s.clientMessages:
			s.handleMessage(cm)
		}
	}
}

func (s *Server) handleMessage(cm ClientMessage) {
	switch msg := cm.message.(type) {
	case NewOrderMessage:
		s.handleNewOrder(cm.conn, msg)
	case CancelOrderMessage:
		s.handleCancelOrder(cm.conn, msg)
	case BaseMessage:
		// Heartbeat; nothing to do.
	default:
		log.Error().Msg("unrecognized message reached handler")
	}
}

func (s *Server) handleNewOrder(conn net.Conn, msg NewOrderMessage) {
	s.registerSession(msg.UserID, conn)

	order := msg.Order()
	if msg.Type == common.Limit {
		price, err := decimalOrError(msg.Price)
		if err != nil {
			s.sendErr(conn, err)
			return
		}
		order.Price = price
	}
	amount, err := decimalOrError(msg.Amount)
	if err != nil {
		s.sendErr(conn, err)
		return
	}
	order.Amount = amount

	admitted, err := s.registry.Submit(order)
	if err != nil {
		log.Error().Err(err).Str("userID", msg.UserID).Msg("order rejected")
		s.sendErr(conn, err)
		return
	}

	ack := Report{
		Type:      OrderAckReport,
		Pair:      admitted.Pair,
		Side:      admitted.Side,
		Price:     admitted.Price.String(),
		Amount:    admitted.Amount.String(),
		Timestamp: admitted.Timestamp,
		OrderID:   admitted.ID,
	}
	s.write(conn, &ack)
}

func (s *Server) handleCancelOrder(conn net.Conn, msg CancelOrderMessage) {
	s.registerSession(msg.UserID, conn)

	if err := s.registry.Cancel(msg.OrderID, msg.UserID); err != nil {
		log.Error().Err(err).Str("orderID", msg.OrderID).Msg("cancel rejected")
		s.sendErr(conn, err)
		return
	}
	ack := Report{Type: OrderCancelReport, OrderID: msg.OrderID}
	s.write(conn, &ack)
}

func (s *Server) sendErr(conn net.Conn, err error) {
	report := errorReport(err)
	s.write(conn, &report)
}

func (s *Server) write(conn net.Conn, report *Report) {
	if _, err := conn.Write(report.Serialize()); err != nil {
		log.Error().Err(err).Msg("unable to write report")
	}
}

// handleConnection reads one message off conn, hands it to the session
// handler, then resubmits conn to the pool so the next message gets
// picked up by (possibly) a different worker. Mirrors the original
// per-message worker handoff; a returned error is logged by the pool and
// the connection is not resubmitted.
func (s *Server) handleConnection(t *tomb.Tomb, task any) error {
	conn, ok := task.(net.Conn)
	if !ok {
		return ErrImproperConversion
	}

	if err := conn.SetReadDeadline(time.Now().Add(defaultConnTimeout)); err != nil {
		log.Error().Err(err).Msg("failed setting read deadline")
		conn.Close()
		return nil
	}

	buffer := make([]byte, maxRecvSize)
	select {
	case <-t.Dying():
		return nil
	default:
		n, err := conn.Read(buffer)
		if err != nil {
			conn.Close()
			return nil
		}

		message, err := parseMessage(buffer[:n])
		if err != nil {
			log.Error().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("error parsing message")
			s.sendErr(conn, err)
			s.pool.AddTask(conn)
			return nil
		}

		s.clientMessages <- ClientMessage{conn: conn, message: message}
		s.pool.AddTask(conn)
	}
	return nil
}

func decimalOrError(s string) (decimal.Amount, error) {
	amt, err := decimal.Parse(s)
	if err != nil {
		return decimal.Amount{}, fmt.Errorf("%w: %s", common.ErrInvalidOrder, err)
	}
	return amt, nil
}

func (s *Server) registerSession(userID string, conn net.Conn) {
	if userID == "" {
		return
	}
	s.sessionsLock.Lock()
	s.sessions[userID] = conn
	s.sessionsLock.Unlock()
}

func (s *Server) deleteSession(userID string) {
	s.sessionsLock.Lock()
	delete(s.sessions, userID)
	s.sessionsLock.Unlock()
}
