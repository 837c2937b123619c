package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"connguard/client"
)

var (
	addr           = flag.String("addr", "postgres://localhost:5432/postgres", "Postgres connection string")
	serviceName    = flag.String("service", "connguard-demo", "service name stamped into the lease")
	instanceName   = flag.String("instance", "", "instance id stamped into the lease (default: generated)")
	secret         = flag.String("secret", "", "coordination secret, at least 16 bytes")
	reapEnabled    = flag.Bool("reap", true, "run the distributed reaper on connect")
	queryInterval  = flag.Duration("query-interval", 2*time.Second, "interval between demo queries")
)

func main() {
	flag.Parse()

	c, err := client.New(client.Config{
		Addr:               *addr,
		ServiceName:         *serviceName,
		InstanceName:        *instanceName,
		CoordinationSecret:  []byte(*secret),
		Reaper:              *reapEnabled,
		Hooks:               newLoggingHooks(),
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("shutdown signal: %s", sig)
		cancel()
	}()

	if err := c.Connect(ctx); err != nil {
		log.Fatalf("connect: %v", err)
	}
	log.Printf("connected state=%s", c.State())

	ticker := time.NewTicker(*queryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.Close(context.Background())
			log.Printf("closed state=%s", c.State())
			return
		case <-ticker.C:
			rows, err := c.Query(ctx, "SELECT 1")
			if err != nil {
				log.Printf("query_error err=%v", err)
				continue
			}
			rows.Close()
		}
	}
}

func newLoggingHooks() *client.Hooks {
	return &client.Hooks{
		OnConnect: func(gen uint64) {
			log.Printf("on_connect gen=%d", gen)
		},
		OnReconnect: func(gen uint64, retries int, delay time.Duration, err error) {
			log.Printf("on_reconnect gen=%d retries=%d delay=%s err=%v", gen, retries, delay, err)
		},
		OnQueryRetry: func(retries int, delay time.Duration, err error) {
			log.Printf("on_query_retry retries=%d delay=%s err=%v", retries, delay, err)
		},
		OnHeartbeat: func(gen uint64) {
			log.Printf("on_heartbeat gen=%d", gen)
		},
		OnHeartbeatFail: func(gen uint64, err error) {
			log.Printf("on_heartbeat_fail gen=%d err=%v", gen, err)
		},
		OnReap: func(gen uint64, locked bool, killed int, duration time.Duration) {
			log.Printf("on_reap gen=%d locked=%t killed=%d duration=%s", gen, locked, killed, duration)
		},
		OnClientDead: func(source string, err error, meta client.FatalMeta) {
			log.Printf("on_client_dead source=%s err=%v sqlstate=%s", source, err, meta.SQLState)
		},
	}
}
