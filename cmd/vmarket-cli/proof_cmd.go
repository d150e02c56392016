package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"vmarket/native/market"
)

// runProofHashCommand derives the 32-byte listing proof hash from an artifact
// descriptor, so sellers can compute the value they pass to market create
// without uploading the artifact anywhere.
func runProofHashCommand(args []string, stdout, stderr io.Writer) int {
	fs := newMarketFlagSet("proof-hash", stderr)
	var (
		contentType string
		uri         string
		payloadFile string
		payloadStr  string
	)
	fs.StringVar(&contentType, "content-type", "application/json", "artifact content type")
	fs.StringVar(&uri, "uri", "", "optional artifact location in off-chain storage")
	fs.StringVar(&payloadFile, "file", "", "path to the artifact payload")
	fs.StringVar(&payloadStr, "payload", "", "inline artifact payload (alternative to --file)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if payloadFile == "" && payloadStr == "" {
		return printMarketError(stderr, "one of --file or --payload is required")
	}
	if payloadFile != "" && payloadStr != "" {
		return printMarketError(stderr, "--file and --payload are mutually exclusive")
	}

	payload := []byte(payloadStr)
	if payloadFile != "" {
		data, err := os.ReadFile(payloadFile)
		if err != nil {
			return printMarketError(stderr, fmt.Sprintf("failed to read %s: %v", payloadFile, err))
		}
		payload = data
	}

	hash, err := market.CanonicalProofHash(market.ProofArtifact{
		ContentType: contentType,
		URI:         uri,
		Payload:     payload,
	})
	if err != nil {
		return printMarketError(stderr, err.Error())
	}
	fmt.Fprintln(stdout, hex.EncodeToString(hash[:]))
	return 0
}
