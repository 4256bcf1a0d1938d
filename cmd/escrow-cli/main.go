package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	rpcEndpoint  = defaultRPCEndpoint()
	rpcAuthToken = strings.TrimSpace(os.Getenv("ESCROW_RPC_TOKEN"))
	outputFormat = "json"
	httpClient   = &http.Client{Timeout: 15 * time.Second}
)

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func main() {
	args, err := applyGlobalFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(run(args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	switch args[0] {
	case "create":
		return runCreate(args[1:], stdout, stderr)
	case "release":
		return runIDCommand("release", "escrow_release", true, args[1:], stdout, stderr)
	case "partial-release":
		return runPartialRelease(args[1:], stdout, stderr)
	case "refund":
		return runIDCommand("refund", "escrow_refund", true, args[1:], stdout, stderr)
	case "dispute":
		return runDispute(args[1:], stdout, stderr)
	case "resolve":
		return runResolve(args[1:], stdout, stderr)
	case "get":
		return runIDCommand("get", "escrow_get", false, args[1:], stdout, stderr)
	case "count":
		return runNoArgs("count", "escrow_getCount", args[1:], stdout, stderr)
	case "remaining":
		return runIDCommand("remaining", "escrow_getRemaining", false, args[1:], stdout, stderr)
	case "can-refund":
		return runIDCommand("can-refund", "escrow_canRefund", false, args[1:], stdout, stderr)
	case "unlock":
		return runIDCommand("unlock", "escrow_getTimeUntilUnlock", false, args[1:], stdout, stderr)
	case "stats":
		return runNoArgs("stats", "escrow_getTotalStats", args[1:], stdout, stderr)
	case "list":
		return runList(args[1:], stdout, stderr)
	case "events":
		return runEvents(args[1:], stdout, stderr)
	case "balance":
		return runBalance(args[1:], stdout, stderr)
	case "token":
		return runToken(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func usage() string {
	return strings.TrimSpace(`Usage:
  escrow-cli [--rpc URL] [--token JWT] [--output json|text] <command> [flags]

Mutating commands (need a token):
  create           Lock funds for a beneficiary
  release          Pay the whole remaining balance to the beneficiary
  partial-release  Pay part of the remaining balance to the beneficiary
  refund           Return the remaining balance to the depositor after the timelock
  dispute          Freeze an escrow for arbitration
  resolve          Settle a disputed escrow as its arbiter

Queries:
  get, count, remaining, can-refund, unlock, stats, list, events, balance

Tools:
  token            Mint a JWT for a caller or dev principal
`)
}

func defaultRPCEndpoint() string {
	if v := strings.TrimSpace(os.Getenv("ESCROW_RPC_URL")); v != "" {
		return v
	}
	return "http://127.0.0.1:8545"
}

func applyGlobalFlags(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		matched := false
		for _, name := range []string{"--rpc", "--token", "--output"} {
			var value string
			switch {
			case arg == name:
				if i+1 >= len(args) {
					return nil, fmt.Errorf("missing value for %s", name)
				}
				value = args[i+1]
				i++
			case strings.HasPrefix(arg, name+"="):
				value = strings.TrimPrefix(arg, name+"=")
			default:
				continue
			}
			matched = true
			switch name {
			case "--rpc":
				rpcEndpoint = value
			case "--token":
				rpcAuthToken = strings.TrimSpace(value)
			case "--output":
				if value != "json" && value != "text" {
					return nil, fmt.Errorf("--output must be json or text")
				}
				outputFormat = value
			}
			break
		}
		if !matched {
			out = append(out, arg)
		}
	}
	return out, nil
}

var escrowRPCCall = callRPC

func callRPC(method string, params interface{}, requireAuth bool) (json.RawMessage, *rpcError, error) {
	payload := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
	}
	if params != nil {
		payload["params"] = []interface{}{params}
	} else {
		payload["params"] = []interface{}{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, err
	}
	if requireAuth && rpcAuthToken == "" {
		return nil, nil, fmt.Errorf("%s requires a token; pass --token or set ESCROW_RPC_TOKEN", method)
	}
	req, err := http.NewRequest(http.MethodPost, rpcEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if requireAuth {
		req.Header.Set("Authorization", "Bearer "+rpcAuthToken)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, nil, fmt.Errorf("failed to decode RPC response (HTTP %d): %w", resp.StatusCode, err)
	}
	return rpcResp.Result, rpcResp.Error, nil
}
