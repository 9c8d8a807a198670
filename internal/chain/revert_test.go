package chain

import (
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type jsonRPCError struct {
	msg  string
	data interface{}
}

func (e *jsonRPCError) Error() string          { return e.msg }
func (e *jsonRPCError) ErrorCode() int         { return 3 }
func (e *jsonRPCError) ErrorData() interface{} { return e.data }

func errorSelector(sig string) []byte {
	return crypto.Keccak256([]byte(sig))[:4]
}

func TestDecodeRevertCustomErrors(t *testing.T) {
	assert.Equal(t, "SlippageExceeded", DecodeRevert(errorSelector("SlippageExceeded()")))
	assert.Equal(t, "NotApproved", DecodeRevert(errorSelector("NotApproved()")))

	args, err := closerABI.Errors["ConditionNotMet"].Inputs.Pack(big.NewInt(-10), big.NewInt(100))
	require.NoError(t, err)
	data := append(errorSelector("ConditionNotMet(int24,int24)"), args...)
	assert.Equal(t, "ConditionNotMet(-10,100)", DecodeRevert(data))
}

func TestDecodeRevertErrorString(t *testing.T) {
	// Error(string) selector followed by the abi-encoded reason
	data, err := hexutil.Decode("0x08c379a0" +
		"0000000000000000000000000000000000000000000000000000000000000020" +
		"0000000000000000000000000000000000000000000000000000000000000003" +
		"5354460000000000000000000000000000000000000000000000000000000000")
	require.NoError(t, err)
	assert.Equal(t, "STF", DecodeRevert(data))
}

func TestDecodeRevertUnknownSelector(t *testing.T) {
	assert.Equal(t, "0xdeadbeef", DecodeRevert([]byte{0xde, 0xad, 0xbe, 0xef}))
	assert.Equal(t, "", DecodeRevert(nil))
}

func TestDecodeCallError(t *testing.T) {
	rpcErr := &jsonRPCError{msg: "execution reverted", data: hexutil.Encode(errorSelector("OrderNotActive()"))}
	assert.Equal(t, "OrderNotActive", decodeCallError(fmt.Errorf("call: %w", rpcErr)))

	assert.Equal(t, "boom", decodeCallError(errors.New("execution reverted: boom")))
}
