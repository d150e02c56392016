package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"

	"vmarket/crypto"
)

var marketRPCCall = callMarketRPC

func runMarketCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, marketUsage())
		return 1
	}

	switch args[0] {
	case "create":
		return runMarketCreate(args[1:], stdout, stderr)
	case "get":
		return runMarketGet(args[1:], stdout, stderr)
	case "buy":
		return runMarketBuy(args[1:], stdout, stderr)
	case "fee":
		return runMarketFee(args[1:], stdout, stderr)
	case "set-fee":
		return runMarketSetFee(args[1:], stdout, stderr)
	case "pause":
		return runMarketPauseToggle("market_pause", args[1:], stdout, stderr)
	case "unpause":
		return runMarketPauseToggle("market_unpause", args[1:], stdout, stderr)
	case "transfer-owner":
		return runMarketTransferOwner(args[1:], stdout, stderr)
	case "withdraw":
		return runMarketWithdraw(args[1:], stdout, stderr)
	case "pending":
		return runMarketPending(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown market subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, marketUsage())
		return 1
	}
}

func runMarketCreate(args []string, stdout, stderr io.Writer) int {
	fs := newMarketFlagSet("market create", stderr)
	var (
		seller    string
		id        string
		priceStr  string
		proofHash string
	)
	fs.StringVar(&seller, "seller", "", "seller bech32 address")
	fs.StringVar(&id, "id", "", "listing identifier")
	fs.StringVar(&priceStr, "price", "", "listing price in base units (supports 1_000_000 shorthand)")
	fs.StringVar(&proofHash, "proof", "", "32-byte proof hash as hex")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if err := validateAddressFlag("--seller", seller); err != nil {
		return printMarketError(stderr, err.Error())
	}
	if err := validateListingID(id); err != nil {
		return printMarketError(stderr, err.Error())
	}
	price, err := normalizeAmount("--price", priceStr)
	if err != nil {
		return printMarketError(stderr, err.Error())
	}
	normalizedProof, err := normalizeProofHash(proofHash)
	if err != nil {
		return printMarketError(stderr, err.Error())
	}

	params := map[string]string{
		"seller":    seller,
		"listingId": id,
		"price":     price,
		"proofHash": normalizedProof,
	}
	return invokeMarketRPC("market_create", params, true, stdout, stderr)
}

func runMarketGet(args []string, stdout, stderr io.Writer) int {
	fs := newMarketFlagSet("market get", stderr)
	var id string
	fs.StringVar(&id, "id", "", "listing identifier")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if err := validateListingID(id); err != nil {
		return printMarketError(stderr, err.Error())
	}
	return invokeMarketRPC("market_get", map[string]string{"listingId": id}, false, stdout, stderr)
}

func runMarketBuy(args []string, stdout, stderr io.Writer) int {
	fs := newMarketFlagSet("market buy", stderr)
	var (
		buyer    string
		id       string
		valueStr string
	)
	fs.StringVar(&buyer, "buyer", "", "buyer bech32 address")
	fs.StringVar(&id, "id", "", "listing identifier")
	fs.StringVar(&valueStr, "value", "", "attached payment in base units (>= listing price)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if err := validateAddressFlag("--buyer", buyer); err != nil {
		return printMarketError(stderr, err.Error())
	}
	if err := validateListingID(id); err != nil {
		return printMarketError(stderr, err.Error())
	}
	value, err := normalizeAmount("--value", valueStr)
	if err != nil {
		return printMarketError(stderr, err.Error())
	}

	params := map[string]string{
		"buyer":         buyer,
		"listingId":     id,
		"attachedValue": value,
	}
	return invokeMarketRPC("market_purchase", params, true, stdout, stderr)
}

func runMarketFee(args []string, stdout, stderr io.Writer) int {
	fs := newMarketFlagSet("market fee", stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	return invokeMarketRPC("market_feeInfo", nil, false, stdout, stderr)
}

func runMarketSetFee(args []string, stdout, stderr io.Writer) int {
	fs := newMarketFlagSet("market set-fee", stderr)
	var (
		caller string
		bpsStr string
	)
	fs.StringVar(&caller, "caller", "", "owner bech32 address")
	fs.StringVar(&bpsStr, "bps", "", "new fee in basis points (max 1000)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if err := validateAddressFlag("--caller", caller); err != nil {
		return printMarketError(stderr, err.Error())
	}
	if bpsStr == "" {
		return printMarketError(stderr, "--bps is required")
	}
	bps, err := strconv.ParseUint(bpsStr, 10, 32)
	if err != nil {
		return printMarketError(stderr, "--bps must be a non-negative integer")
	}

	params := map[string]interface{}{"caller": caller, "feeBps": bps}
	return invokeMarketRPC("market_updateFee", params, true, stdout, stderr)
}

func runMarketPauseToggle(method string, args []string, stdout, stderr io.Writer) int {
	fs := newMarketFlagSet(method, stderr)
	var caller string
	fs.StringVar(&caller, "caller", "", "owner bech32 address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if err := validateAddressFlag("--caller", caller); err != nil {
		return printMarketError(stderr, err.Error())
	}
	return invokeMarketRPC(method, map[string]string{"caller": caller}, true, stdout, stderr)
}

func runMarketTransferOwner(args []string, stdout, stderr io.Writer) int {
	fs := newMarketFlagSet("market transfer-owner", stderr)
	var (
		caller   string
		newOwner string
	)
	fs.StringVar(&caller, "caller", "", "current owner bech32 address")
	fs.StringVar(&newOwner, "new-owner", "", "new owner bech32 address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if err := validateAddressFlag("--caller", caller); err != nil {
		return printMarketError(stderr, err.Error())
	}
	if err := validateAddressFlag("--new-owner", newOwner); err != nil {
		return printMarketError(stderr, err.Error())
	}
	params := map[string]string{"caller": caller, "newOwner": newOwner}
	return invokeMarketRPC("market_transferOwnership", params, true, stdout, stderr)
}

func runMarketWithdraw(args []string, stdout, stderr io.Writer) int {
	fs := newMarketFlagSet("market withdraw", stderr)
	var caller string
	fs.StringVar(&caller, "caller", "", "bech32 address withdrawing its accrued balance")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if err := validateAddressFlag("--caller", caller); err != nil {
		return printMarketError(stderr, err.Error())
	}
	return invokeMarketRPC("market_withdraw", map[string]string{"caller": caller}, true, stdout, stderr)
}

func runMarketPending(args []string, stdout, stderr io.Writer) int {
	fs := newMarketFlagSet("market pending", stderr)
	var address string
	fs.StringVar(&address, "address", "", "bech32 address to query")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if err := validateAddressFlag("--address", address); err != nil {
		return printMarketError(stderr, err.Error())
	}
	return invokeMarketRPC("market_pendingBalance", map[string]string{"address": address}, false, stdout, stderr)
}

func invokeMarketRPC(method string, params interface{}, requireAuth bool, stdout, stderr io.Writer) int {
	result, rpcErr, err := marketRPCCall(method, params, requireAuth)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func newMarketFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, marketUsage())
	}
	return fs
}

func printMarketError(w io.Writer, msg string) int {
	fmt.Fprintf(w, "Error: %s\n", msg)
	return 1
}

func handleRPCError(w io.Writer, err *rpcError) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(w, "RPC error %d: %s\n", err.Code, err.Message)
	return 1
}

func handleRPCCallError(w io.Writer, err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(w, "RPC call failed: %v\n", err)
	return 1
}

func writeRPCResult(w io.Writer, result json.RawMessage) {
	if len(result) == 0 {
		fmt.Fprintln(w, "null")
		return
	}
	if _, err := w.Write(result); err == nil {
		if result[len(result)-1] != '\n' {
			fmt.Fprintln(w)
		}
	}
}

func marketUsage() string {
	return strings.TrimSpace(`Usage:
  vmarket-cli market <command> [flags]

Commands:
  create          Create a new listing
  get             Fetch listing details by id
  buy             Purchase a listing with attached payment
  fee             Show the current fee rate and owner
  set-fee         Update the platform fee (owner only)
  pause           Halt listing creation and purchase (owner only)
  unpause         Resume normal operation (owner only)
  transfer-owner  Transfer ownership and migrate accrued fees (owner only)
  withdraw        Withdraw the caller's accrued balance
  pending         Show an address's pending pull-payment balance
`)
}

func validateAddressFlag(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s is required", name)
	}
	if _, err := crypto.DecodeAddress(strings.TrimSpace(value)); err != nil {
		return fmt.Errorf("%s: %v", name, err)
	}
	return nil
}

func validateListingID(value string) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fmt.Errorf("--id is required")
	}
	if len(trimmed) > 128 {
		return fmt.Errorf("--id must be at most 128 bytes")
	}
	return nil
}

// normalizeAmount accepts plain decimal digits with optional underscore
// separators and returns the canonical decimal string sent over RPC.
func normalizeAmount(name, value string) (string, error) {
	trimmed := strings.ReplaceAll(strings.TrimSpace(value), "_", "")
	if trimmed == "" {
		return "", fmt.Errorf("%s is required", name)
	}
	if !isDigits(trimmed) {
		return "", fmt.Errorf("%s must be a positive integer", name)
	}
	trimmed = strings.TrimLeft(trimmed, "0")
	if trimmed == "" {
		return "", fmt.Errorf("%s must be a positive integer", name)
	}
	return trimmed, nil
}

func normalizeProofHash(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", fmt.Errorf("--proof is required")
	}
	cleaned := strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	if len(cleaned) != 64 {
		return "", fmt.Errorf("--proof must be a 32-byte hex string")
	}
	if !isHex(cleaned) {
		return "", fmt.Errorf("--proof must contain only hexadecimal characters")
	}
	return strings.ToLower(cleaned), nil
}

func isDigits(value string) bool {
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(value) > 0
}

func isHex(value string) bool {
	for _, r := range value {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return len(value) > 0
}
