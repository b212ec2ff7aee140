package eth

import (
	"encoding/hex"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
)

func TestParsePrivateKeyHex(t *testing.T) {
	t.Parallel()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	hexKey := "0x" + hex.EncodeToString(crypto.FromECDSA(key))

	parsed, err := ParsePrivateKeyHex(hexKey)
	if err != nil {
		t.Fatalf("ParsePrivateKeyHex: %v", err)
	}
	if crypto.PubkeyToAddress(parsed.PublicKey) != crypto.PubkeyToAddress(key.PublicKey) {
		t.Fatal("round-tripped key has different address")
	}

	// Without the 0x prefix and with surrounding whitespace.
	parsed, err = ParsePrivateKeyHex("  " + hexKey[2:] + "\n")
	if err != nil {
		t.Fatalf("ParsePrivateKeyHex bare: %v", err)
	}
	if crypto.PubkeyToAddress(parsed.PublicKey) != crypto.PubkeyToAddress(key.PublicKey) {
		t.Fatal("bare key has different address")
	}
}

func TestParsePrivateKeyHex_Invalid(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "0x", "zz", "0x1234"} {
		if _, err := ParsePrivateKeyHex(in); !errors.Is(err, ErrInvalidPrivateKey) {
			t.Fatalf("input %q: err=%v", in, err)
		}
	}
}
