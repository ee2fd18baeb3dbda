package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/visusnet/trade-republic-mcp-server-sub002/internal/client"
	"github.com/visusnet/trade-republic-mcp-server-sub002/internal/logger"
	"github.com/visusnet/trade-republic-mcp-server-sub002/internal/protocol"
	"github.com/visusnet/trade-republic-mcp-server-sub002/internal/trace"
	"github.com/visusnet/trade-republic-mcp-server-sub002/internal/types"
)

func must(err error) {
	if err != nil {
		log.Fatal(err)
	}
}

func main() {
	must(initializeSystem())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer trace.Shutdown(context.Background())

	cfg, err := loadConfig(ctx)
	must(err)

	startMetrics(ctx, cfg)

	c, err := initializeClient(ctx, cfg)
	must(err)
	defer c.Close(context.Background())

	c.OnMessage(func(f types.Frame) {
		b, _ := json.Marshal(f)
		fmt.Println(string(b))
	})
	c.OnError(func(err error) {
		var cerr *protocol.ConnectivityError
		if errors.As(err, &cerr) {
			logger.Error(ctx, "Connection is gone for good, restart required", "error", cerr.Error())
			cancel()
			return
		}
		logger.Warn(ctx, "Stream error", "error", err.Error())
	})
	c.OnReconnected(func() {
		logger.Info(ctx, "Reconnected, subscriptions replayed")
	})

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	// Lazy login: the first subscribe triggers the login flow and asks
	// for a two-factor code on stdin when the backend demands one.
	topic := os.Getenv("TR_DEMO_TOPIC")
	if topic == "" {
		topic = "ticker"
	}
	params := map[string]any{}
	if isin := os.Getenv("TR_DEMO_ISIN"); isin != "" {
		params["id"] = isin
	}

	if err := subscribeWithLogin(ctx, c, topic, params); err != nil {
		logger.ErrorWithErr(ctx, "Failed to subscribe", err, "topic", topic)
		os.Exit(1)
	}
	logger.Info(ctx, "Streaming", "topic", topic)

	select {
	case <-sigc:
		logger.Info(ctx, "Shutting down...")
	case <-ctx.Done():
	}
}

// subscribeWithLogin drives the lazy-authentication handshake: on a
// two-factor prompt it reads the code from stdin and retries.
func subscribeWithLogin(ctx context.Context, c *client.Client, topic string, params map[string]any) error {
	for attempt := 0; attempt < 3; attempt++ {
		_, err := c.Subscribe(ctx, topic, params)
		if err == nil {
			return nil
		}

		var tfa *protocol.TwoFactorRequiredError
		if !errors.As(err, &tfa) {
			return err
		}

		code, rerr := promptCode(tfa)
		if rerr != nil {
			return rerr
		}
		if cerr := c.CompleteTwoFactor(ctx, code); cerr != nil {
			var aerr *protocol.AuthenticationError
			if errors.As(cerr, &aerr) {
				fmt.Printf("Code rejected: %s\n", aerr.Message)
				continue
			}
			return cerr
		}
	}
	return fmt.Errorf("giving up after repeated two-factor failures")
}

func promptCode(tfa *protocol.TwoFactorRequiredError) (string, error) {
	if tfa.CodeResent {
		fmt.Printf("A new code was sent to %s.\n", tfa.MaskedPhoneNumber)
	} else {
		fmt.Printf("A code was sent to %s (valid for %ds).\n", tfa.MaskedPhoneNumber, tfa.CountdownInSeconds)
	}
	fmt.Print("Enter code: ")

	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read two-factor code: %w", err)
	}
	code := strings.TrimSpace(line)
	if code == "" {
		return "", fmt.Errorf("empty two-factor code")
	}
	return code, nil
}
