package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"vmarket/cmd/internal/passphrase"
	"vmarket/crypto"
)

var rpcEndpoint = defaultRPCEndpoint() // Defaults to localhost, can be overridden via RPC_URL or --rpc flag
var rpcAuthToken = os.Getenv("VMARKET_RPC_TOKEN")

func main() {
	args := os.Args[1:]
	var err error
	rpcEndpoint = defaultRPCEndpoint()
	args, err = applyGlobalFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if len(args) < 1 {
		printUsage()
		return
	}

	command := args[0]
	switch command {
	case "generate-key":
		generateKey(args[1:])
	case "balance":
		if len(args) < 2 {
			fmt.Println("Error: Please provide an address.")
			printUsage()
			return
		}
		getBalance(args[1])
	case "market":
		code := runMarketCommand(args[1:], os.Stdout, os.Stderr)
		if code != 0 {
			os.Exit(code)
		}
		return
	case "proof-hash":
		code := runProofHashCommand(args[1:], os.Stdout, os.Stderr)
		if code != 0 {
			os.Exit(code)
		}
		return
	case "events":
		code := runEventsCommand(args[1:], os.Stdout, os.Stderr)
		if code != 0 {
			os.Exit(code)
		}
		return
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
	}
}

func defaultRPCEndpoint() string {
	if v := strings.TrimSpace(os.Getenv("RPC_URL")); v != "" {
		return v
	}
	return "http://localhost:8080"
}

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

func generateKey(args []string) {
	keystorePath := ""
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--keystore" && i+1 < len(args) {
			keystorePath = args[i+1]
			i++
			continue
		}
		if strings.HasPrefix(arg, "--keystore=") {
			keystorePath = strings.TrimPrefix(arg, "--keystore=")
		}
	}

	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		panic(err)
	}

	if keystorePath != "" {
		source := passphrase.NewSource("VMARKET_KEYSTORE_PASS", "Keystore passphrase: ")
		pass, err := source.Get()
		if err != nil {
			fmt.Printf("Error: failed to read passphrase: %v\n", err)
			os.Exit(1)
		}
		if err := crypto.SaveToKeystore(keystorePath, key, pass); err != nil {
			fmt.Printf("Error: failed to save keystore to %s: %v\n", keystorePath, err)
			os.Exit(1)
		}
		fmt.Printf("Generated new key and saved keystore to %s\n", keystorePath)
		fmt.Printf("Your public address is: %s\n", key.PubKey().Address().String())
		return
	}

	fileName := "wallet.key"
	if err := os.WriteFile(fileName, key.Bytes(), 0600); err != nil {
		panic(fmt.Sprintf("Failed to save key to %s: %v", fileName, err))
	}

	fmt.Printf("Generated new key and saved to %s\n", fileName)
	fmt.Printf("Your public address is: %s\n", key.PubKey().Address().String())
	fmt.Println("Store this file securely.")
}

// balanceResponse mirrors the vmk_getBalance result: the spendable balance
// plus the pull-payment pending balance awaiting withdrawal.
type balanceResponse struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
	Pending string `json:"pending"`
}

func getBalance(addr string) {
	payload, _ := json.Marshal(map[string]interface{}{
		"id": 1, "method": "vmk_getBalance", "params": []string{addr},
	})

	resp, err := doRPCRequest(payload, false)
	if err != nil {
		fmt.Printf("Error fetching balance: %v\n", err)
		return
	}
	defer resp.Body.Close()

	var rpcResp struct {
		Result balanceResponse `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		fmt.Println("Error: failed to decode response from node")
		return
	}
	if rpcResp.Error != nil {
		fmt.Printf("Error from node: %s\n", rpcResp.Error.Message)
		return
	}

	fmt.Printf("State for: %s\n", rpcResp.Result.Address)
	fmt.Printf("  Balance: %s\n", rpcResp.Result.Balance)
	fmt.Printf("  Pending: %s\n", rpcResp.Result.Pending)
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func doRPCRequest(payload []byte, requireAuth bool) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodPost, rpcEndpoint, bytes.NewBuffer(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if requireAuth {
		if rpcAuthToken == "" {
			return nil, fmt.Errorf("privileged RPC call requires VMARKET_RPC_TOKEN to be set")
		}
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(rpcAuthToken))
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", rpcEndpoint, err)
	}
	return resp, nil
}

func callMarketRPC(method string, params interface{}, requireAuth bool) (json.RawMessage, *rpcError, error) {
	payload := map[string]interface{}{
		"id":     1,
		"method": method,
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
	resp, err := doRPCRequest(body, requireAuth)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, nil, fmt.Errorf("failed to decode RPC response: %w", err)
	}
	return rpcResp.Result, rpcResp.Error, nil
}

func printUsage() {
	fmt.Println("Usage: vmarket-cli <command> [arguments]")
	fmt.Println()
	fmt.Println("Global flags:")
	fmt.Println("  --rpc <url>                 - Node RPC endpoint (default http://localhost:8080, or RPC_URL)")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  generate-key [--keystore p] - Generates a new key (raw wallet.key, or an encrypted keystore)")
	fmt.Println("  balance <address>           - Shows spendable and pending balances for an address")
	fmt.Println("  market                      - Marketplace listing and ledger subcommands")
	fmt.Println("  proof-hash                  - Derives the proof hash for an artifact descriptor")
	fmt.Println("  events                      - Reads or tails the ledger event journal")
	fmt.Println()
	fmt.Println("Mutating market calls require VMARKET_RPC_TOKEN to be set.")
}
