package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/gatherline/realtime/client"
	"github.com/gatherline/realtime/model"
	"github.com/gatherline/realtime/protocol"
)

type envConfig struct {
	MaxMessages      int           `env:"CHAT_MAX_MESSAGES,default=100"`
	MaxMessageLength int           `env:"CHAT_MAX_MESSAGE_LENGTH,default=4000"`
	QueueCapacity    int           `env:"CHAT_QUEUE_CAPACITY,default=50"`
	TypingTimeout    time.Duration `env:"CHAT_TYPING_TIMEOUT,default=3s"`
	InitialBackoff   time.Duration `env:"CHAT_INITIAL_BACKOFF,default=500ms"`
	MaxBackoff       time.Duration `env:"CHAT_MAX_BACKOFF,default=30s"`
	MaxAttempts      int           `env:"CHAT_MAX_RECONNECT_ATTEMPTS,default=10"`
}

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		url      = fs.StringP("url", "u", "ws://localhost:8888/ws", "backend websocket url")
		roomID   = fs.StringP("room", "r", "lobby", "room to join")
		userID   = fs.StringP("user", "i", "", "user id")
		userName = fs.StringP("name", "n", "", "display name")
		logLevel = fs.StringP("log-level", "l", "info", "log level")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}
	if *userID == "" {
		logger.Fatal().Msg("--user is required")
	}
	if *userName == "" {
		*userName = *userID
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	var ec envConfig
	if _, err = env.UnmarshalFromEnviron(&ec); err != nil {
		logger.Fatal().Err(err).Msg("failed to read environment config")
	}

	c := client.New(client.Config{
		Logger:           &logger,
		URL:              *url,
		UserID:           *userID,
		UserName:         *userName,
		MaxMessages:      ec.MaxMessages,
		MaxMessageLength: ec.MaxMessageLength,
		QueueCapacity:    ec.QueueCapacity,
		TypingTimeout:    ec.TypingTimeout,
		InitialBackoff:   ec.InitialBackoff,
		MaxBackoff:       ec.MaxBackoff,
		MaxAttempts:      ec.MaxAttempts,
		OnQueueDrop: func(dropped model.Envelope) {
			logger.Warn().Str("id", dropped.ID).Msg("outbound envelope dropped")
		},
	})
	defer c.Close()

	c.Connect()
	room := c.JoinRoom(*roomID)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	fmt.Printf("joined %q as %s — /msgs /who /state /quit\n", *roomID, *userName)

InputLoop:
	for {
		select {
		case <-ctx.Done():
			logger.Warn().Msg("interrupted")
			break InputLoop
		case line, ok := <-lines:
			if !ok {
				break InputLoop
			}
			switch line {
			case "":
			case "/quit":
				break InputLoop
			case "/msgs":
				for _, m := range room.Messages() {
					fmt.Printf("[%s] %s: %s\n", protocol.FormatTimestamp(m.Timestamp), m.UserID, m.Content)
				}
			case "/who":
				for _, id := range c.Presence().OnlineUsers() {
					fmt.Printf("%s (%s)\n", id, c.Presence().Status(id))
				}
			case "/state":
				fmt.Printf("connection: %s, queued: %d\n", c.ConnectionState(), c.QueueLen())
				spew.Dump(room.TypingUsers())
			default:
				delivery, sendErr := room.SendMessage(line)
				if sendErr != nil {
					fmt.Printf("rejected: %v\n", sendErr)
					continue
				}
				fmt.Printf("%s\n", delivery)
			}
		}
	}
}
