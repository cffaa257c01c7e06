// Package pprofutil serves net/http/pprof on a loopback address when the
// operator asks for it.
package pprofutil

import (
	"context"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	EnvEnable      = "ILP_PPROF"
	EnvAddr        = "ILP_PPROF_ADDR"
	EnvAllowPublic = "ILP_PPROF_ALLOW_PUBLIC"
	defaultAddr    = "127.0.0.1:6060"
)

var (
	startOnce sync.Once
	startErr  error
)

// StartFromEnv starts the pprof server when ILP_PPROF=1. The server stops
// when ctx is done. Later calls are no-ops.
func StartFromEnv(ctx context.Context, log zerolog.Logger) error {
	if strings.TrimSpace(os.Getenv(EnvEnable)) != "1" {
		return nil
	}
	startOnce.Do(func() {
		startErr = start(ctx, listenAddr(), log)
	})
	return startErr
}

func listenAddr() string {
	if addr := strings.TrimSpace(os.Getenv(EnvAddr)); addr != "" {
		return addr
	}
	return defaultAddr
}

func start(ctx context.Context, addr string, log zerolog.Logger) error {
	allowPublic := strings.TrimSpace(os.Getenv(EnvAllowPublic)) == "1"
	if !allowPublic && !isLoopbackBind(addr) {
		return fmt.Errorf("%s must be loopback unless %s=1: %s", EnvAddr, EnvAllowPublic, addr)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("pprof listen failed: %w", err)
	}
	actual := ln.Addr().String()
	srv := &http.Server{
		Addr:              actual,
		Handler:           http.DefaultServeMux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	go func() {
		_ = srv.Serve(ln)
	}()
	log.Info().Str("url", "http://"+actual+"/debug/pprof/").Msg("pprof enabled")
	return nil
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
