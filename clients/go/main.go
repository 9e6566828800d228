// chat - command line client for the presence router
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joaoipiraja/chat-mom-offline/clients/go/chat"
)

const callTimeout = 10 * time.Second

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	addr := os.Getenv("CHAT_ROUTER_ADDR")
	if addr == "" {
		addr = "localhost:5000"
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := os.Args[1]

	switch cmd {
	case "login":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: chat login <user>")
			os.Exit(1)
		}
		client := dial(ctx, addr)
		defer client.Close()
		exitOnError(withTimeout(ctx, func(ctx context.Context) error {
			return client.Register(ctx, os.Args[2])
		}))
		fmt.Printf("Registered as: %s (type /help for commands)\n", os.Args[2])
		session(ctx, client)

	case "presence":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: chat presence <user>...")
			os.Exit(1)
		}
		client := dial(ctx, addr)
		defer client.Close()
		var statuses map[string]string
		exitOnError(withTimeout(ctx, func(ctx context.Context) error {
			got, err := client.Presence(ctx, os.Args[2:]...)
			statuses = make(map[string]string, len(got))
			for u, s := range got {
				statuses[u] = string(s)
			}
			return err
		}))
		for _, u := range os.Args[2:] {
			fmt.Printf("  %-20s %s\n", u, statuses[u])
		}

	case "ping":
		client := dial(ctx, addr)
		defer client.Close()
		start := time.Now()
		exitOnError(withTimeout(ctx, client.Ping))
		fmt.Printf("PONG from %s in %s\n", addr, time.Since(start).Round(time.Microsecond))

	case "help", "--help", "-h":
		usage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

// session prints pushes as they arrive and runs commands read from stdin.
func session(ctx context.Context, client *chat.Client) {
	go func() {
		for m := range client.Deliveries() {
			fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Format("2006-01-02 15:04:05"), m.Sender, m.Body)
		}
	}()
	go func() {
		for ev := range client.PresenceEvents() {
			fmt.Printf("* %s is %s\n", ev.User, ev.Status)
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			fmt.Fprintf(os.Stderr, "Disconnected: %v\n", client.Err())
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := runLine(ctx, client, strings.TrimSpace(line)); quit {
				return
			}
		}
	}
}

func runLine(ctx context.Context, client *chat.Client, line string) bool {
	if line == "" {
		return false
	}

	if strings.HasPrefix(line, "@") {
		to, body, ok := strings.Cut(line[1:], " ")
		if !ok || strings.TrimSpace(body) == "" {
			fmt.Fprintln(os.Stderr, "Usage: @<user> <message>")
			return false
		}
		report(withTimeout(ctx, func(ctx context.Context) error {
			res, err := client.Send(ctx, to, body)
			if err == nil {
				fmt.Printf("Sent %s (%s)\n", res.DeliveryID, res.Mode)
			}
			return err
		}))
		return false
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/on", "/off":
		report(withTimeout(ctx, func(ctx context.Context) error {
			return client.SetStatus(ctx, fields[0] == "/on")
		}))
	case "/fetch":
		report(withTimeout(ctx, func(ctx context.Context) error {
			msgs, err := client.Fetch(ctx)
			for _, m := range msgs {
				fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Format("2006-01-02 15:04:05"), m.Sender, m.Body)
			}
			if err == nil && len(msgs) == 0 {
				fmt.Println("No pending messages")
			}
			return err
		}))
	case "/who":
		report(withTimeout(ctx, func(ctx context.Context) error {
			got, err := client.Presence(ctx, fields[1:]...)
			for _, u := range fields[1:] {
				fmt.Printf("  %-20s %s\n", u, got[u])
			}
			return err
		}))
	case "/watch":
		report(withTimeout(ctx, func(ctx context.Context) error {
			return client.Watch(ctx, fields[1:]...)
		}))
	case "/quit":
		return true
	case "/help":
		sessionHelp()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", fields[0])
	}
	return false
}

func dial(ctx context.Context, addr string) *chat.Client {
	var client *chat.Client
	exitOnError(withTimeout(ctx, func(ctx context.Context) error {
		var err error
		client, err = chat.Dial(ctx, addr, chat.Options{})
		return err
	}))
	return client
}

func withTimeout(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	return fn(ctx)
}

func usage() {
	fmt.Println(`chat - presence router client

Usage: chat <command> [options]

Commands:
  login <user>            Register and start an interactive session
  presence <user>...      Show users' status
  ping                    Check the router

Environment:
  CHAT_ROUTER_ADDR        Router address (default: localhost:5000)`)
}

func sessionHelp() {
	fmt.Println(`  @<user> <message>       Send a message
  /on | /off              Go ONLINE or OFFLINE
  /fetch                  Drain pending messages
  /who <user>...          Show users' status
  /watch <user>...        Follow users' status changes
  /quit                   Leave`)
}

func report(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
}

func exitOnError(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
