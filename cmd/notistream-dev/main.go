// notistream-dev runs the in-memory notification service stub and,
// optionally, emits a demo notification at a fixed interval so the
// consumer has something to chew on.
package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/notistream/internal/devserver"
	"github.com/agentworkforce/notistream/internal/notify"
)

func main() {
	addr := os.Getenv("NOTISTREAM_DEV_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	token := os.Getenv("NOTISTREAM_DEV_TOKEN")
	if token == "" {
		token = "dev-token"
	}

	server := devserver.New(devserver.Config{
		Token:  token,
		Logger: log.Default(),
	})

	if principal := os.Getenv("NOTISTREAM_DEV_PRINCIPAL"); principal != "" {
		interval := 10 * time.Second
		if raw := os.Getenv("NOTISTREAM_DEV_EMIT_INTERVAL"); raw != "" {
			parsed, err := time.ParseDuration(raw)
			if err != nil {
				log.Printf("invalid NOTISTREAM_DEV_EMIT_INTERVAL=%q, using %s", raw, interval)
			} else {
				interval = parsed
			}
		}
		go emitDemoNotifications(server, principal, interval)
	}

	log.Printf("notistream-dev listening on %s", addr)
	if err := http.ListenAndServe(addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func emitDemoNotifications(server *devserver.Server, principal string, interval time.Duration) {
	severities := []notify.Severity{
		notify.SeverityInfo,
		notify.SeveritySuccess,
		notify.SeverityWarning,
		notify.SeverityError,
	}
	for i := 0; ; i++ {
		time.Sleep(interval)
		server.Publish(notify.Notification{
			ID:          uuid.NewString(),
			PrincipalID: principal,
			Message:     fmt.Sprintf("demo notification #%d", i+1),
			Severity:    severities[i%len(severities)],
			CreatedAt:   time.Now().UTC(),
		})
	}
}
