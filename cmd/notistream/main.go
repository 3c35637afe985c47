package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/agentworkforce/notistream/internal/notify"
)

func main() {
	baseURL := os.Getenv("NOTISTREAM_BASE_URL")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	principal := os.Getenv("NOTISTREAM_PRINCIPAL")
	if principal == "" {
		log.Fatalf("NOTISTREAM_PRINCIPAL is required")
	}

	credential, closeCredential, err := buildCredentialFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize credential source: %v", err)
	}
	defer closeCredential()

	cache, err := notify.BuildSnapshotCacheFromDSN(os.Getenv("NOTISTREAM_CACHE_DSN"))
	if err != nil {
		log.Fatalf("failed to initialize snapshot cache: %v", err)
	}
	if cache != nil {
		defer func() { _ = cache.Close() }()
	}

	store := notify.NewStore(notify.StoreOptions{
		Alerter: notify.NewWriterAlerter(os.Stdout, boolEnv("NOTISTREAM_BELL", true)),
		Logger:  log.Default(),
	})
	channel, err := notify.NewChannel(notify.ChannelOptions{
		BaseURL:              baseURL,
		Credential:           credential,
		MaxReconnectAttempts: intEnv("NOTISTREAM_MAX_RECONNECT_ATTEMPTS", 0),
		ReconnectBaseDelay:   durationEnv("NOTISTREAM_RECONNECT_BASE_DELAY", 0),
		ReconnectMaxDelay:    durationEnv("NOTISTREAM_RECONNECT_MAX_DELAY", 0),
		Logger:               log.Default(),
		OnStatus: func(state notify.ChannelState) {
			log.Printf("channel status: %s", state)
		},
	})
	if err != nil {
		log.Fatalf("failed to initialize channel: %v", err)
	}

	client := notify.NewHTTPClient(baseURL, credential, nil)
	session := notify.NewSession(client, channel, notify.SessionOptions{
		Store:  store,
		Cache:  cache,
		Logger: log.Default(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := session.Start(ctx, principal); err != nil {
		log.Printf("initial snapshot unavailable: %v", err)
	}
	log.Printf("notistream consuming notifications for %s (%d unread)", principal, store.UnreadCount())

	ticker := time.NewTicker(durationEnv("NOTISTREAM_STATUS_INTERVAL", 30*time.Second))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			session.Stop()
			log.Printf("notistream shutting down")
			return
		case <-ticker.C:
			log.Printf("%d notifications, %d unread", store.Len(), store.UnreadCount())
		}
	}
}

func buildCredentialFromEnv() (notify.CredentialSource, func(), error) {
	if path := os.Getenv("NOTISTREAM_TOKEN_FILE"); path != "" {
		credential, err := notify.NewFileCredential(path, log.Default())
		if err != nil {
			return nil, nil, err
		}
		return credential, func() { _ = credential.Close() }, nil
	}
	return notify.StaticCredential(os.Getenv("NOTISTREAM_TOKEN")), func() {}, nil
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %t", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
