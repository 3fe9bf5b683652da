// Command shelltenderd runs the Shelltender broker: it listens for duplex
// client connections (WebSocket), spawns and multiplexes PTY-backed
// sessions, and serves a read-only admin surface over MCP.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/shelltender/shelltender/internal/hub"
	"github.com/shelltender/shelltender/internal/httpapi"
	"github.com/shelltender/shelltender/internal/ringbuffer"
	"github.com/shelltender/shelltender/internal/wiring"
)

func main() {
	if err := godotenv.Load(); err != nil {
		logrus.Debug("shelltenderd: no .env file found, continuing with process environment")
	}

	port := flag.Int("port", 8080, "port to listen on")
	shortPort := flag.Int("p", 0, "port to listen on (shorthand)")
	storeDir := flag.String("store-dir", "./shelltender-sessions", "directory holding persisted session records")
	adminAddr := flag.String("admin-mcp-addr", ":8081", "listen address for the read-only admin MCP surface")
	bufferCap := flag.Int("buffer-cap", ringbuffer.DefaultCapBytes, "per-session scrollback buffer cap, in bytes")
	shell := flag.String("shell", "", "default shell for sessions created without an explicit command (falls back to $SHELL, then /bin/sh)")
	flag.Parse()

	portValue := *port
	if *shortPort != 0 {
		portValue = *shortPort
	}
	if *shell != "" {
		os.Setenv("SHELL", *shell)
	}

	sys, err := wiring.Bootstrap(wiring.Config{
		StoreDir:        *storeDir,
		BufferCapBytes:  *bufferCap,
		SendQueueCap:    hub.DefaultSendQueueCap,
		PersistDebounce: 0, // falls back to store.DefaultDebounce
	})
	if err != nil {
		logrus.WithError(err).Fatal("shelltenderd: failed to bootstrap")
	}

	router := httpapi.NewRouter(sys.Hub, false)
	srv := &http.Server{Addr: fmt.Sprintf(":%d", portValue), Handler: router}

	adminSrv := &http.Server{Addr: *adminAddr, Handler: sys.Admin.Handler()}

	go func() {
		logrus.Infof("shelltenderd: listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("shelltenderd: server failed")
		}
	}()

	go func() {
		logrus.Infof("shelltenderd: admin mcp listening on %s", adminSrv.Addr)
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Error("shelltenderd: admin server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logrus.Info("shelltenderd: shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	_ = adminSrv.Shutdown(ctx)
	if err := sys.Shutdown(ctx); err != nil {
		logrus.WithError(err).Error("shelltenderd: shutdown encountered an error")
	}
}
