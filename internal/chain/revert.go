package chain

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// DecodeRevert renders revert data as Error(string) text, a known custom
// error with its arguments, or raw hex.
func DecodeRevert(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	if reason, err := abi.UnpackRevert(data); err == nil {
		return reason
	}
	if len(data) >= 4 {
		for name, e := range closerABI.Errors {
			if !bytes.Equal(e.ID.Bytes()[:4], data[:4]) {
				continue
			}
			args, err := e.Inputs.Unpack(data[4:])
			if err != nil || len(args) == 0 {
				return name
			}
			parts := make([]string, len(args))
			for i, a := range args {
				parts[i] = fmt.Sprint(a)
			}
			return name + "(" + strings.Join(parts, ",") + ")"
		}
	}
	return hexutil.Encode(data)
}

// revertData extracts the revert payload carried by a JSON-RPC error
func revertData(err error) ([]byte, bool) {
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return nil, false
	}
	switch v := dataErr.ErrorData().(type) {
	case string:
		b, decErr := hexutil.Decode(v)
		if decErr != nil {
			return nil, false
		}
		return b, true
	case []byte:
		return v, true
	}
	return nil, false
}

// decodeCallError turns a failed eth_call/estimateGas error into a reason
func decodeCallError(err error) string {
	if data, ok := revertData(err); ok {
		if reason := DecodeRevert(data); reason != "" {
			return reason
		}
	}
	return strings.TrimPrefix(err.Error(), "execution reverted: ")
}
