// Command engine is the matching/settlement backend's entry point
// (spec.md §6): `serve --config <path>` runs the engine until SIGINT/
// SIGTERM; `admin token activate|pause|delist <addr>` and `admin params set
// <addr> <key> <value>` drive a running engine's admin HTTP routes.
//
// Grounded on the teacher's cmd/node/main.go: godotenv-backed config load,
// util.NewLoggerWithFile, signal.NotifyContext(os.Interrupt, SIGTERM), the
// API server started in its own goroutine with sugar.Fatalw on failure.
// Rebuilt around SPEC_FULL.md's own CLI surface and exit-code contract
// instead of the teacher's single always-run node process.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/memeperp/engine/params"
	"github.com/memeperp/engine/pkg/chaingateway"
	"github.com/memeperp/engine/pkg/engine"
	"github.com/memeperp/engine/pkg/util"
)

const (
	exitOK = iota
	exitBadConfig
	exitRepositoryUnreachable
	exitChainGatewayUnreachable
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(exitBadConfig)
	}

	switch os.Args[1] {
	case "serve":
		os.Exit(runServe(os.Args[2:]))
	case "admin":
		os.Exit(runAdmin(os.Args[2:]))
	default:
		usage()
		os.Exit(exitBadConfig)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  engine serve --config <path>
  engine admin token activate|pause|delist <address>
  engine admin params set <address> <key> <value>`)
}

func runServe(args []string) int {
	var configPath string
	for i := 0; i < len(args); i++ {
		if args[i] == "--config" && i+1 < len(args) {
			configPath = args[i+1]
			i++
		}
	}

	cfg := params.LoadFromEnv(configPath)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "bad config: %v\n", err)
		return exitBadConfig
	}

	logFile := os.Getenv("LOG_FILE")
	if logFile == "" {
		logFile = "data/engine.log"
	}
	logger, err := util.NewLoggerWithFile(logFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", logFile)

	var gw chaingateway.Gateway
	if cfg.ChainGateway.Endpoint == "" {
		sugar.Infow("chain_gateway_dev_mode", "reason", "CHAIN_GATEWAY_ENDPOINT unset, using in-process MemGateway")
		gw = chaingateway.NewMemGateway(256)
	} else {
		// A real deployment wires a go-ethereum RPC-backed Gateway here; none
		// is implemented by this module (spec.md §1 Non-goals: "on-chain
		// settlement contracts and EVM RPC").
		sugar.Errorw("chain_gateway_rpc_unimplemented", "endpoint", cfg.ChainGateway.Endpoint)
		return exitChainGatewayUnreachable
	}

	eng, err := engine.New(cfg, gw, sugar)
	if err != nil {
		sugar.Errorw("engine_init_failed", "err", err)
		return exitRepositoryUnreachable
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sugar.Infow("engine_starting", "http_addr", cfg.HTTP.ListenAddr, "repository", cfg.Repository.Path)

	errCh := make(chan error, 2)
	go func() {
		errCh <- eng.ListenAndServe(ctx)
	}()
	go func() {
		errCh <- eng.Run(ctx)
	}()

	<-ctx.Done()
	sugar.Infow("engine_shutdown_signal_received")
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			sugar.Errorw("engine_component_error", "err", err)
		}
	}
	sugar.Infow("engine_stopped")
	return exitOK
}

func runAdmin(args []string) int {
	if len(args) < 2 {
		usage()
		return exitBadConfig
	}
	adminAddr := os.Getenv("HTTP_ADDR")
	if adminAddr == "" {
		adminAddr = "http://localhost:8080"
	}

	switch args[0] {
	case "token":
		if len(args) != 3 {
			usage()
			return exitBadConfig
		}
		action, addr := args[1], args[2]
		if action != "activate" && action != "pause" && action != "delist" {
			usage()
			return exitBadConfig
		}
		return postAdmin(adminAddr, fmt.Sprintf("/api/v1/admin/tokens/%s/%s", addr, action), nil)

	case "params":
		if len(args) != 5 || args[1] != "set" {
			usage()
			return exitBadConfig
		}
		addr, key, value := args[2], args[3], args[4]
		body := map[string]string{"key": key, "value": value}
		return postAdmin(adminAddr, fmt.Sprintf("/api/v1/admin/tokens/%s/params", addr), body)

	default:
		usage()
		return exitBadConfig
	}
}

func postAdmin(baseAddr, path string, body interface{}) int {
	var reader bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&reader).Encode(body); err != nil {
			fmt.Fprintf(os.Stderr, "error encoding request: %v\n", err)
			return exitBadConfig
		}
	}
	resp, err := http.Post(baseAddr+path, "application/json", &reader)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reaching engine at %s: %v\n", baseAddr, err)
		return exitChainGatewayUnreachable
	}
	defer resp.Body.Close()
	fmt.Println("status:", resp.StatusCode)
	return exitOK
}
