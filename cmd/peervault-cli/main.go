package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"peervault/crypto"
)

const (
	rpcTokenEnv     = "PEERVAULT_RPC_TOKEN"
	keystorePassEnv = "PEERVAULT_KEYSTORE_PASS"

	defaultKeystorePath = "wallet.keystore"
)

var (
	rpcEndpoint  = defaultRPCEndpoint()
	rpcAuthToken = os.Getenv(rpcTokenEnv)
)

func defaultRPCEndpoint() string {
	if env := strings.TrimSpace(os.Getenv("RPC_URL")); env != "" {
		return env
	}
	return "http://localhost:8080"
}

func main() {
	args, err := applyGlobalFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}

	switch command := args[0]; command {
	case "generate-key":
		handleGenerateKey(args[1:])
	case "free-balance":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Usage: peervault-cli free-balance <seller> [asset]")
			os.Exit(1)
		}
		asset := ""
		if len(args) > 2 {
			asset = args[2]
		}
		handleFreeBalance(args[1], asset)
	case "instance":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Usage: peervault-cli instance <seller>")
			os.Exit(1)
		}
		handleInstance(args[1])
	case "instances":
		handleInstances()
	case "trade":
		os.Exit(runTradeCommand(args[1:], os.Stdout, os.Stderr))
	case "admin":
		os.Exit(runAdminCommand(args[1:], os.Stdout, os.Stderr))
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

// applyGlobalFlags strips --rpc overrides from the argument list before
// command dispatch so every command accepts them in any position.
func applyGlobalFlags(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--rpc" {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("missing value for --rpc")
			}
			rpcEndpoint = args[i+1]
			i++
			continue
		}
		if strings.HasPrefix(arg, "--rpc=") {
			rpcEndpoint = strings.TrimPrefix(arg, "--rpc=")
			continue
		}
		out = append(out, arg)
	}
	return out, nil
}

func handleGenerateKey(args []string) {
	path := defaultKeystorePath
	if len(args) > 0 {
		path = args[0]
	}
	_, statErr := os.Stat(path)
	key, err := crypto.EnsureKey(path, os.Getenv(keystorePassEnv))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	addr := key.PubKey().Address()
	if statErr == nil {
		fmt.Printf("Loaded existing keystore %s\n", path)
	} else {
		fmt.Printf("New keystore saved to %s\n", path)
		fmt.Printf("Back up this file. Set %s to encrypt it with a passphrase.\n", keystorePassEnv)
	}
	fmt.Printf("Address: %s\n", addr.String())
}

func handleFreeBalance(seller, asset string) {
	params := map[string]interface{}{"seller": seller}
	if strings.TrimSpace(asset) != "" {
		params["asset"] = asset
	}
	result, rpcErr, err := tradeRPCCall("trade_freeBalance", params, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "RPC call failed: %v\n", err)
		os.Exit(1)
	}
	if rpcErr != nil {
		fmt.Fprintf(os.Stderr, "RPC error %d: %s\n", rpcErr.Code, rpcErr.Message)
		os.Exit(1)
	}
	var balance struct {
		Seller string `json:"seller"`
		Asset  string `json:"asset"`
		Free   string `json:"free"`
	}
	if err := json.Unmarshal(result, &balance); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to decode balance: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Free balance for %s\n", balance.Seller)
	fmt.Printf("  Asset: %s\n", balance.Asset)
	fmt.Printf("  Free:  %s\n", balance.Free)
}

func handleInstance(seller string) {
	result, rpcErr, err := tradeRPCCall("trade_instance", map[string]interface{}{"seller": seller}, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "RPC call failed: %v\n", err)
		os.Exit(1)
	}
	if rpcErr != nil {
		fmt.Fprintf(os.Stderr, "RPC error %d: %s\n", rpcErr.Code, rpcErr.Message)
		os.Exit(1)
	}
	writeRPCResult(os.Stdout, result)
}

func handleInstances() {
	result, rpcErr, err := tradeRPCCall("trade_instance", nil, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "RPC call failed: %v\n", err)
		os.Exit(1)
	}
	if rpcErr != nil {
		fmt.Fprintf(os.Stderr, "RPC error %d: %s\n", rpcErr.Code, rpcErr.Message)
		os.Exit(1)
	}
	writeRPCResult(os.Stdout, result)
}

func doRPCRequest(payload []byte, requireAuth bool) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodPost, rpcEndpoint, bytes.NewBuffer(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if requireAuth {
		if strings.TrimSpace(rpcAuthToken) == "" {
			return nil, fmt.Errorf("privileged RPC call requires %s to be set", rpcTokenEnv)
		}
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(rpcAuthToken))
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", rpcEndpoint, err)
	}
	return resp, nil
}

func printUsage() {
	fmt.Println("Usage: peervault-cli [--rpc <url>] <command> [arguments]")
	fmt.Println()
	fmt.Println("Lifecycle and admin commands send a bearer token read from " + rpcTokenEnv + ".")
	fmt.Println("Commands:")
	fmt.Println("  generate-key [path]            - Generates a local keystore and prints its address")
	fmt.Println("  free-balance <seller> [asset]  - Shows a seller's withdrawable vault balance")
	fmt.Println("  instance <seller>              - Shows a seller's deployed escrow instance")
	fmt.Println("  instances                      - Lists every deployed escrow instance")
	fmt.Println("  trade                          - Trade lifecycle subcommands")
	fmt.Println("  admin                          - Operator policy subcommands")
}
