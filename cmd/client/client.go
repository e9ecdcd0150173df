// Command client is a small CLI for exercising the matching core over the
// wire protocol: place and cancel orders, and print execution reports as
// they arrive.
package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"strings"

	"clobcore/internal/common"
	clobnet "clobcore/internal/net"
)

func main() {
	serverAddr := flag.String("server", "127.0.0.1:9001", "address of the matching server")
	userID := flag.String("user", "", "user id placing/cancelling the order (required)")
	action := flag.String("action", "place", "action to perform: 'place' or 'cancel'")

	pair := flag.String("pair", "BASE/QUOTE", "trading pair")
	sideStr := flag.String("side", "buy", "order side: 'buy' or 'sell'")
	typeStr := flag.String("type", "limit", "order type: 'limit' or 'market'")
	price := flag.String("price", "100", "limit price (ignored for market orders)")
	amount := flag.String("amount", "10", "order amount")

	orderID := flag.String("order-id", "", "order id to cancel (required for 'cancel')")

	flag.Parse()

	if *userID == "" {
		fmt.Println("Error: -user is required.")
		flag.Usage()
		os.Exit(1)
	}

	conn, err := net.Dial("tcp", *serverAddr)
	if err != nil {
		log.Fatalf("failed to connect to %s: %v", *serverAddr, err)
	}
	defer conn.Close()
	fmt.Printf("connected to %s as %q\n", *serverAddr, *userID)

	go readReports(conn)

	switch strings.ToLower(*action) {
	case "place":
		side := common.Buy
		if strings.ToLower(*sideStr) == "sell" {
			side = common.Sell
		}
		orderType := common.Limit
		priceStr := *price
		if strings.ToLower(*typeStr) == "market" {
			orderType = common.Market
			priceStr = ""
		}

		msg := clobnet.NewOrderMessage{
			Side:   side,
			Type:   orderType,
			Pair:   *pair,
			Price:  priceStr,
			Amount: *amount,
			UserID: *userID,
		}
		if _, err := conn.Write(msg.Encode()); err != nil {
			log.Fatalf("failed to send order: %v", err)
		}
		fmt.Printf("-> sent %s %s order: %s %s @ %s\n", orderType, side, *pair, *amount, priceStr)

	case "cancel":
		if *orderID == "" {
			log.Fatal("Error: -order-id is required for cancel")
		}
		msg := clobnet.CancelOrderMessage{OrderID: *orderID, UserID: *userID}
		if _, err := conn.Write(msg.Encode()); err != nil {
			log.Fatalf("failed to send cancel: %v", err)
		}
		fmt.Printf("-> sent cancel request for order %s\n", *orderID)

	default:
		log.Fatalf("unknown action: %s", *action)
	}

	fmt.Println("listening for reports... (press Ctrl+C to exit)")
	select {}
}

// readReports continuously reads and prints Report messages from the
// server until the connection is closed.
func readReports(conn net.Conn) {
	buffer := make([]byte, 4*1024)
	for {
		n, err := conn.Read(buffer)
		if err != nil {
			fmt.Printf("connection closed: %v\n", err)
			os.Exit(0)
		}
		report, err := clobnet.ParseReport(buffer[:n])
		if err != nil {
			fmt.Printf("error parsing report: %v\n", err)
			continue
		}
		printReport(report)
	}
}

func printReport(r clobnet.Report) {
	switch r.Type {
	case clobnet.ErrorReport:
		fmt.Printf("\n[ERROR] %s\n", r.Err)
	case clobnet.OrderAckReport:
		fmt.Printf("\n[ACK] order %s resting/admitted: %s %s @ %s\n", r.OrderID, r.Side, r.Amount, r.Price)
	case clobnet.OrderCancelReport:
		fmt.Printf("\n[CANCELLED] order %s\n", r.OrderID)
	case clobnet.ExecutionReport:
		fmt.Printf("\n[EXECUTION] %s %s | qty %s @ %s | counterparty %s | order %s | ts %s\n",
			r.Side, r.Pair, r.Amount, r.Price, r.Counterparty, r.OrderID, strconv.FormatUint(r.Timestamp, 10))
	default:
		fmt.Printf("\n[UNKNOWN REPORT TYPE %d]\n", r.Type)
	}
}
