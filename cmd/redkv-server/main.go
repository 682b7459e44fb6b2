// Command redkv-server runs a standalone redkv server listening on a TCP
// port, speaking RESP to any Redis client.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mgranath/redkv"
)

func main() {
	port := flag.Int("port", 6379, "TCP port to listen on")
	maxConns := flag.Int("max-conns", 1000, "maximum concurrent client connections")
	readTimeout := flag.Duration("read-timeout", 30*time.Second, "per-command read timeout")
	writeTimeout := flag.Duration("write-timeout", 30*time.Second, "per-reply write timeout")
	idleTimeout := flag.Duration("idle-timeout", 120*time.Second, "idle connection timeout")
	shards := flag.Int("shards", 32, "number of store lock shards (rounded up to a power of two)")
	slowLog := flag.Duration("slow-log-threshold", 0, "log commands slower than this duration (0 disables)")
	flag.Parse()

	server := redkv.NewServer(fmt.Sprintf(":%d", *port),
		redkv.WithStore(redkv.NewStore(redkv.WithShards(*shards))),
		redkv.WithSlowLogThreshold(*slowLog),
	)
	server.MaxConnections = *maxConns
	server.ReadTimeout = *readTimeout
	server.WriteTimeout = *writeTimeout
	server.IdleTimeout = *idleTimeout

	server.UseFunc(func(conn *redkv.Connection, cmd *redkv.Command, next redkv.CommandHandler) redkv.Value {
		start := time.Now()
		result := next.Handle(conn, cmd)
		log.Printf("%s %v (%s)", cmd.Name, cmd.Args, time.Since(start))
		return result
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("shutdown error: %v", err)
		}
	}()

	if err := server.ListenAndServe(); err != nil {
		log.Fatalf("server error: %v", err)
	}

	os.Exit(0)
}
