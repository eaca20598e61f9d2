// Command natsub is a small CLI exercising Subscribe/SubscribeSync
// against a real broker, grounded on the signal-handling/graceful-
// shutdown shape used by the pack's subpub-service cmd/server/main.go.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tencherry10/natscore/config"
	"github.com/tencherry10/natscore/core/auth"
	"github.com/tencherry10/natscore/core/conn"
	"github.com/tencherry10/natscore/core/manage"
	"github.com/tencherry10/natscore/core/msg"
	"github.com/tencherry10/natscore/core/sub"
	"github.com/tencherry10/natscore/internal/logging"
)

func main() {
	configPath := flag.String("config", "natsub.toml", "path to a TOML client config file")
	subject := flag.String("subject", "", "subject to subscribe to")
	queue := flag.String("queue", "", "optional queue group")
	sync := flag.Bool("sync", false, "use a synchronous subscription instead of an async handler")
	flag.Parse()

	if *subject == "" {
		fmt.Fprintln(os.Stderr, "natsub: -subject is required")
		os.Exit(2)
	}

	opts, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "natsub: loading config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Config{
		Format:   opts.LogFormat,
		FilePath: opts.LogFile,
		Debug:    opts.LogDebug,
	})

	var cred *auth.Credential
	if opts.AuthToken != "" {
		cred = auth.NewCredential(opts.ClientID, []byte(opts.AuthToken), time.Minute)
	}

	c, err := conn.Dial(conn.Options{
		Servers:        opts.Servers,
		MaxPendingMsgs: opts.MaxPendingMsgs,
		DialTimeout:    opts.DialTimeout,
		Logger:         logger,
	}, cred)
	if err != nil {
		logger.Errorf("natsub: dial: %v", err)
		os.Exit(1)
	}
	defer c.Close()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	if *sync {
		runSync(c, *subject, *queue, stop, logger)
		return
	}
	runAsync(c, *subject, *queue, stop, logger)
}

func runAsync(c *conn.Conn, subject, queue string, stop <-chan os.Signal, logger logging.Logger) {
	handler := func(_ sub.Connection, _ *sub.Subscription, m *msg.Msg, _ interface{}) {
		fmt.Printf("[%s] %s\n", m.Subject, m.Data)
	}

	var s *sub.Subscription
	var err error
	if queue != "" {
		s, err = sub.QueueSubscribe(c, subject, queue, handler, nil)
	} else {
		s, err = sub.Subscribe(c, subject, handler, nil)
	}
	if err != nil {
		logger.Errorf("natsub: subscribe: %v", err)
		os.Exit(1)
	}
	defer s.Destroy()

	<-stop
}

func runSync(c *conn.Conn, subject, queue string, stop <-chan os.Signal, logger logging.Logger) {
	var s *sub.Subscription
	var err error
	if queue != "" {
		s, err = sub.QueueSubscribeSync(c, subject, queue)
	} else {
		s, err = sub.SubscribeSync(c, subject)
	}
	if err != nil {
		logger.Errorf("natsub: subscribe: %v", err)
		os.Exit(1)
	}

	subscriber := manage.NewSubscriber(s)
	defer subscriber.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgs := make(chan *msg.Msg)
	done := make(chan error, 1)
	go func() {
		done <- subscriber.ReceiveAsync(ctx, msgs)
	}()

	for {
		select {
		case <-stop:
			return

		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Warnf("natsub: receive: %v", err)
			}
			return

		case m := <-msgs:
			fmt.Printf("[%s] %s\n", m.Subject, m.Data)
		}
	}
}
