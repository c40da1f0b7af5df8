package admin

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/malbeclabs/tiprouter/keeper/pkg/keeper"
	"github.com/malbeclabs/tiprouter/router/pkg/ballot"
)

// ReadOperators decodes the operators of an epoch snapshot, in snapshot order,
// from a JSON array of {"operator": "<base58>", "delegations": n} objects.
func ReadOperators(r io.Reader) ([]keeper.OperatorSnapshot, error) {
	var ops []keeper.OperatorSnapshot
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&ops); err != nil {
		return nil, fmt.Errorf("failed to decode operators: %w", err)
	}
	if len(ops) == 0 {
		return nil, errors.New("no operators")
	}
	for i, op := range ops {
		if op.Operator.IsZero() {
			return nil, fmt.Errorf("operator %d has no public key", i)
		}
	}
	return ops, nil
}

func ReadOperatorsFile(path string) ([]keeper.OperatorSnapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadOperators(f)
}

// ParseResult decodes a hex encoded ballot result, with or without a 0x prefix.
func ParseResult(s string) (ballot.Result, error) {
	var r ballot.Result
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return r, fmt.Errorf("invalid result: %w", err)
	}
	if len(raw) != len(r) {
		return r, fmt.Errorf("result is %d bytes, want %d", len(raw), len(r))
	}
	copy(r[:], raw)
	return r, nil
}
