package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"FlowSend-Chain/sdk/go/flowsend"
)

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "FlowSend API base url")
	wallet := flag.String("wallet", "", "connected wallet address")
	flag.Parse()

	client, err := flowsend.NewClient(*baseURL, nil)
	if err != nil {
		log.Fatal(err)
	}

	var (
		sessionID string
		history   []flowsend.Message
	)
	in := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for in.Scan() {
		text := strings.TrimSpace(in.Text())
		if text == "" {
			fmt.Print("> ")
			continue
		}
		history = append(history, flowsend.Message{Role: "user", Content: text})

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		reply, err := client.Chat(ctx, flowsend.ChatRequest{SessionID: sessionID, Messages: history, WalletAddress: *wallet})
		cancel()
		if err != nil {
			fmt.Printf("error: %v\n> ", err)
			continue
		}
		sessionID = reply.SessionID

		if reply.Request == nil {
			history = append(history, flowsend.Message{Role: "assistant", Content: reply.Text})
			fmt.Printf("%s\n> ", reply.Text)
			continue
		}

		fmt.Printf("%s\nconfirm %s? [y/N] ", reply.Request.Message, reply.Request.Action)
		if !in.Scan() || !strings.EqualFold(strings.TrimSpace(in.Text()), "y") {
			history = append(history, flowsend.Message{Role: "assistant", Content: "Cancelled."})
			fmt.Print("cancelled\n> ")
			continue
		}
		ctx, cancel = context.WithTimeout(context.Background(), flowsend.DefaultHTTPTimeout)
		receipt, err := client.Confirm(ctx, reply.Request.ConfirmRequest(sessionID, *wallet))
		cancel()
		if err != nil {
			fmt.Printf("error: %v\n> ", err)
			continue
		}
		history = append(history, flowsend.Message{Role: "assistant", Content: receipt.Message})
		fmt.Printf("[%s] %s\n> ", receipt.Status, receipt.Message)
	}
}
