// genkey generates a random API key for the warpd collector.
//
// Usage (run from the repo root):
//
//	go run scripts/genkey/main.go [-n count] [-prefix wm_live_]
//
// Prints one key per line and a WARPD_API_KEYS line that can be pasted into
// .env. SDK clients send the key as WARPMETRICS_API_KEY.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strings"
)

// keyBytes is the entropy per key (256 bits).
const keyBytes = 32

func main() {
	n := flag.Int("n", 1, "number of keys to generate")
	prefix := flag.String("prefix", "wm_live_", "key prefix")
	flag.Parse()

	if *n < 1 {
		fmt.Fprintln(os.Stderr, "error: -n must be at least 1")
		os.Exit(1)
	}

	keys := make([]string, 0, *n)
	for range *n {
		key, err := newKey(*prefix)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: generate key: %v\n", err)
			os.Exit(1)
		}
		keys = append(keys, key)
		fmt.Println(key)
	}
	fmt.Printf("WARPD_API_KEYS=%s\n", strings.Join(keys, ","))
}

func newKey(prefix string) (string, error) {
	b := make([]byte, keyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return prefix + hex.EncodeToString(b), nil
}
