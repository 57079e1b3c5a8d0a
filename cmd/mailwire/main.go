package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	mailwire "github.com/ltngt-ai/mailwire"
	"github.com/ltngt-ai/mailwire/contracts"
	"github.com/ltngt-ai/mailwire/messaging"
	"github.com/ltngt-ai/mailwire/transport"
)

var (
	version   = "dev"
	gitCommit = "unknown"
)

func main() {
	// Optional .env; absence is fine.
	godotenv.Load()

	var (
		socketURL string
		userEmail string
		debug     bool
	)

	rootCmd := &cobra.Command{
		Use:     "mailwire",
		Short:   "Mail channel client for the agent backend",
		Long:    "Mailwire connects to the agent backend over a persistent duplex socket\nand exchanges asynchronously-delivered mail with it.",
		Version: fmt.Sprintf("%s (commit: %s)", version, gitCommit),
	}

	rootCmd.PersistentFlags().StringVarP(&socketURL, "url", "u", envOr("MAILWIRE_URL", "ws://localhost:8765/ws"), "socket URL")
	rootCmd.PersistentFlags().StringVarP(&userEmail, "email", "e", os.Getenv("MAILWIRE_EMAIL"), "mailbox address to announce")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", envBool("MAILWIRE_DEBUG"), "enable debug logging")

	tailCmd := &cobra.Command{
		Use:   "tail",
		Short: "Connect and print inbound mail until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient(socketURL, userEmail, debug)
			defer client.Close()

			client.Registry().Register(messaging.Registration{
				ID:       "tail-printer",
				Priority: 0,
				Handler: messaging.MailHandlerFunc(func(ctx context.Context, m contracts.Mail) messaging.HandlerResult {
					fmt.Printf("[%s] %s -> %s: %s\n%s\n\n",
						m.Timestamp.Format(time.RFC3339), m.From, m.To, m.Subject, m.Body)
					return messaging.HandlerResult{Handled: true}
				}),
			})

			if err := client.Connect(cmd.Context()); err != nil {
				return fmt.Errorf("connect: %w", err)
			}

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			select {
			case <-sig:
			case <-cmd.Context().Done():
			}
			return nil
		},
	}

	var (
		sendTo      string
		sendSubject string
		sendBody    string
		sendWait    time.Duration
	)
	sendCmd := &cobra.Command{
		Use:   "send",
		Short: "Send one mail, optionally waiting for the reply",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient(socketURL, userEmail, debug)
			defer client.Close()

			if err := client.Connect(cmd.Context()); err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			// Give the identity handshake a moment to fill the default
			// target address.
			time.Sleep(500 * time.Millisecond)

			if sendWait <= 0 {
				sent, err := client.SendMailTo(sendTo, sendSubject, sendBody, nil)
				if err != nil {
					return err
				}
				fmt.Printf("sent %s\n", sent.MessageID)
				return nil
			}

			mail := contracts.NewMail(sendTo, sendSubject, sendBody)
			reply, err := client.Request(cmd.Context(), mail, sendWait)
			if err != nil {
				return err
			}
			fmt.Printf("%s\n%s\n", reply.Subject, reply.Body)
			return nil
		},
	}
	sendCmd.Flags().StringVar(&sendTo, "to", "", "target mailbox (defaults to the UI agent)")
	sendCmd.Flags().StringVar(&sendSubject, "subject", "", "mail subject")
	sendCmd.Flags().StringVar(&sendBody, "body", "", "mail body")
	sendCmd.Flags().DurationVar(&sendWait, "wait", 0, "wait this long for a reply (0 = fire and forget)")
	sendCmd.MarkFlagRequired("subject")

	rootCmd.AddCommand(tailCmd, sendCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newClient(url, email string, debug bool) *mailwire.Client {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	return mailwire.NewClient(url,
		mailwire.WithLogger(logger),
		mailwire.WithUserEmail(email),
		mailwire.WithTransportOptions(
			transport.WithMaxReconnectAttempts(envInt("MAILWIRE_MAX_RECONNECTS", 10)),
			transport.WithReconnectDelay(envDuration("MAILWIRE_RECONNECT_DELAY", 5*time.Second)),
			transport.WithHeartbeatInterval(envDuration("MAILWIRE_HEARTBEAT", 30*time.Second)),
		),
	)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string) bool {
	v, _ := strconv.ParseBool(os.Getenv(key))
	return v
}

func envInt(key string, fallback int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}
