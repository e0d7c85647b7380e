package fheabi

import (
	"fmt"
	"math/big"
	"net/http"
	"strings"

	ethabi "github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	apperrors "github.com/fhe-relay/fhe-relay/pkg/errors"
)

// WireType returns the on-chain ABI type for a declared input: encrypted
// inputs travel as a bytes32 handle, everything else keeps its declared type.
func WireType(declaredType string) string {
	if ClassifyType(declaredType).Encrypted() {
		return "bytes32"
	}
	return declaredType
}

// Calldata ABI-encodes a classified call into selector plus packed arguments.
// args must already be the assembled wire argument list from
// BuildEncryptedArgs: handles in encrypted slots, plus the trailing proof when
// the function declares encrypted inputs.
func Calldata(cls *Classification, args []any) ([]byte, error) {
	wireTypes := make([]string, 0, len(cls.Kinds)+1)
	for _, in := range cls.Function.Inputs {
		wireTypes = append(wireTypes, WireType(in.Type))
	}
	if cls.EncryptedCount() > 0 {
		wireTypes = append(wireTypes, "bytes")
	}

	if len(args) != len(wireTypes) {
		return nil, fmt.Errorf("have %d wire arguments, want %d", len(args), len(wireTypes))
	}

	arguments := make(ethabi.Arguments, len(wireTypes))
	packed := make([]any, len(wireTypes))
	for i, wt := range wireTypes {
		typ, err := ethabi.NewType(wt, "", nil)
		if err != nil {
			return nil, fmt.Errorf("unsupported ABI type %q: %w", wt, err)
		}
		arguments[i] = ethabi.Argument{Type: typ}

		v, err := coerce(typ, args[i])
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		packed[i] = v
	}

	encoded, err := arguments.Pack(packed...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack arguments: %w", err)
	}

	sig := fmt.Sprintf("%s(%s)", cls.Function.Name, strings.Join(wireTypes, ","))
	selector := crypto.Keccak256([]byte(sig))[:4]

	return append(selector, encoded...), nil
}

// DecodeHandle interprets a read-call result as a single bytes32 ciphertext
// handle and returns its hex form.
func DecodeHandle(result []byte) (string, error) {
	if len(result) < 32 {
		return "", apperrors.NewWithDetail(
			apperrors.ErrCodeInternalError,
			"Unexpected contract call result",
			fmt.Sprintf("want at least 32 bytes, got %d", len(result)),
			http.StatusInternalServerError,
		)
	}
	return hexutil.Encode(result[:32]), nil
}

// ZeroHandle reports whether a hex handle is the all-zero handle, i.e. an
// uninitialized ciphertext slot.
func ZeroHandle(handle string) bool {
	s := strings.TrimPrefix(handle, "0x")
	for _, c := range s {
		if c != '0' {
			return false
		}
	}
	return true
}

// coerce converts a decoded-JSON or engine-produced value into the Go shape
// the ABI packer expects for typ.
func coerce(typ ethabi.Type, value any) (any, error) {
	switch typ.T {
	case ethabi.FixedBytesTy:
		b, err := toBytes(value)
		if err != nil {
			return nil, err
		}
		if len(b) != typ.Size {
			return nil, fmt.Errorf("want %d bytes, got %d", typ.Size, len(b))
		}
		if typ.Size == 32 {
			var out [32]byte
			copy(out[:], b)
			return out, nil
		}
		return nil, fmt.Errorf("unsupported fixed-bytes size %d", typ.Size)

	case ethabi.BytesTy:
		return toBytes(value)

	case ethabi.AddressTy:
		s, ok := value.(string)
		if !ok || !common.IsHexAddress(s) {
			return nil, fmt.Errorf("expected hex address, got %v", value)
		}
		return common.HexToAddress(s), nil

	case ethabi.BoolTy:
		return toBool(value)

	case ethabi.UintTy, ethabi.IntTy:
		n, err := toBigInt(value)
		if err != nil {
			return nil, err
		}
		return sizedInt(typ, n)

	case ethabi.StringTy:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", value)
		}
		return s, nil

	default:
		return nil, fmt.Errorf("unsupported ABI type %s", typ.String())
	}
}

// sizedInt narrows a big integer to the exact Go type the packer expects for
// the declared width. Widths above 64 bits pack as *big.Int.
func sizedInt(typ ethabi.Type, n *big.Int) (any, error) {
	if typ.Size > 64 {
		return n, nil
	}
	if typ.T == ethabi.UintTy {
		if n.Sign() < 0 || n.BitLen() > typ.Size {
			return nil, fmt.Errorf("value %s out of range for uint%d", n, typ.Size)
		}
		u := n.Uint64()
		switch typ.Size {
		case 8:
			return uint8(u), nil
		case 16:
			return uint16(u), nil
		case 32:
			return uint32(u), nil
		case 64:
			return u, nil
		}
		return nil, fmt.Errorf("unsupported uint width %d", typ.Size)
	}
	if !n.IsInt64() {
		return nil, fmt.Errorf("value %s out of range for int%d", n, typ.Size)
	}
	i := n.Int64()
	if typ.Size < 64 {
		lo := int64(-1) << (typ.Size - 1)
		hi := int64(1)<<(typ.Size-1) - 1
		if i < lo || i > hi {
			return nil, fmt.Errorf("value %s out of range for int%d", n, typ.Size)
		}
	}
	switch typ.Size {
	case 8:
		return int8(i), nil
	case 16:
		return int16(i), nil
	case 32:
		return int32(i), nil
	case 64:
		return i, nil
	}
	return nil, fmt.Errorf("unsupported int width %d", typ.Size)
}

func toBytes(value any) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		b, err := hexutil.Decode(v)
		if err != nil {
			return nil, fmt.Errorf("cannot parse %q as hex bytes: %w", v, err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("expected bytes, got %T", value)
	}
}
