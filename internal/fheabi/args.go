package fheabi

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/fhe-relay/fhe-relay/internal/engine"
	apperrors "github.com/fhe-relay/fhe-relay/pkg/errors"
)

// BuildEncryptedArgs feeds every encrypted input through the engine's input
// builder and reassembles the final positional argument list: passthrough
// values keep their original position and value, encrypted slots are replaced
// by their 32-byte handle, and the proof is appended exactly once as the final
// argument. When the function declares no encrypted inputs the values are
// returned as-is, with no proof.
//
// The value count is strict: it must equal the declared input count.
func BuildEncryptedArgs(ctx context.Context, eng engine.Engine, contract, user common.Address, values []any, cls *Classification) ([]any, error) {
	if len(values) != len(cls.Kinds) {
		return nil, argCountMismatch(cls.Function.Name, len(values), len(cls.Kinds))
	}

	if cls.EncryptedCount() == 0 {
		out := make([]any, len(values))
		copy(out, values)
		return out, nil
	}

	builder := eng.CreateEncryptedInput(contract, user)
	for i, kind := range cls.Kinds {
		if !kind.Encrypted() {
			continue
		}
		if err := addValue(builder, kind, values[i], cls.Function.Inputs[i].Name); err != nil {
			return nil, err
		}
	}

	enc, err := builder.Encrypt(ctx)
	if err != nil {
		if appErr, ok := apperrors.IsAppError(err); ok {
			return nil, appErr
		}
		return nil, apperrors.EncryptionFailure(err.Error())
	}

	// Reassembly order matters: a misplaced handle or a proof anywhere but
	// last produces a call that reverts or silently misbehaves.
	out := make([]any, 0, len(values)+1)
	next := 0
	for i, kind := range cls.Kinds {
		if kind.Encrypted() {
			out = append(out, enc.Handles[next])
			next++
			continue
		}
		out = append(out, values[i])
	}
	out = append(out, enc.Proof)

	return out, nil
}

func addValue(builder *engine.Builder, kind Kind, value any, name string) error {
	switch kind {
	case EncBool:
		b, err := toBool(value)
		if err != nil {
			return invalidValue(name, err)
		}
		builder.AddBool(b)

	case EncAddress:
		s, ok := value.(string)
		if !ok || !common.IsHexAddress(s) {
			return invalidValue(name, fmt.Errorf("expected hex address, got %v", value))
		}
		builder.AddAddress(common.HexToAddress(s))

	default:
		v, err := toBigInt(value)
		if err != nil {
			return invalidValue(name, err)
		}
		if v.Sign() < 0 || v.BitLen() > kind.Bits() {
			return invalidValue(name, fmt.Errorf("value out of range for %d-bit encrypted integer", kind.Bits()))
		}
		builder.AddUint(kind.Bits(), v)
	}
	return nil
}

// toBigInt accepts the value shapes JSON decoding produces: numbers, decimal
// strings and 0x hex strings.
func toBigInt(value any) (*big.Int, error) {
	switch v := value.(type) {
	case float64:
		if v != float64(int64(v)) {
			return nil, fmt.Errorf("non-integer number %v", v)
		}
		return big.NewInt(int64(v)), nil
	case int:
		return big.NewInt(int64(v)), nil
	case int64:
		return big.NewInt(v), nil
	case uint64:
		return new(big.Int).SetUint64(v), nil
	case *big.Int:
		return v, nil
	case string:
		base := 10
		s := v
		if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
			base = 16
			s = s[2:]
		}
		n, ok := new(big.Int).SetString(s, base)
		if !ok {
			return nil, fmt.Errorf("cannot parse %q as integer", v)
		}
		return n, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", value)
	}
}

func toBool(value any) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		switch strings.ToLower(v) {
		case "true", "1":
			return true, nil
		case "false", "0":
			return false, nil
		}
	case float64:
		if v == 0 || v == 1 {
			return v == 1, nil
		}
	}
	return false, fmt.Errorf("cannot parse %v as boolean", value)
}

func invalidValue(name string, err error) *apperrors.AppError {
	return apperrors.NewWithDetail(
		apperrors.ErrCodeBadRequest,
		"Invalid argument value",
		fmt.Sprintf("input %s: %v", name, err),
		http.StatusBadRequest,
	)
}
