package chain

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

//go:embed contract.abi.json
var defaultABI []byte

// LoadABI parses the ABI at path, or the embedded campaign contract ABI when path is empty.
func LoadABI(path string) (*abi.ABI, error) {
	data := defaultABI
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read abi %s: %w", path, err)
		}
		data = raw
	}
	a, err := abi.JSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse abi %s: %w", path, err)
	}
	return &a, nil
}
