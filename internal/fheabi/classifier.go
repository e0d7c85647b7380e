// Package fheabi classifies contract ABI inputs into encrypted and
// passthrough parameters and assembles encrypted argument lists.
//
// Encrypted inputs are declared with the external encrypted type names
// (externalEbool, externalEuint8..externalEuint256, externalEaddress). On the
// wire they become a 32-byte handle each, plus a single input proof appended
// after the last declared argument.
package fheabi

import (
	"fmt"
	"net/http"

	apperrors "github.com/fhe-relay/fhe-relay/pkg/errors"
	"github.com/fhe-relay/fhe-relay/pkg/types"
)

// Kind is the classification of one declared input.
type Kind int

const (
	Passthrough Kind = iota
	EncBool
	EncUint8
	EncUint16
	EncUint32
	EncUint64
	EncUint128
	EncUint256
	EncAddress
)

// encryptedTypes maps declared external encrypted type names to their kind.
// Declared types not present here pass through unchanged.
var encryptedTypes = map[string]Kind{
	"externalEbool":    EncBool,
	"externalEuint8":   EncUint8,
	"externalEuint16":  EncUint16,
	"externalEuint32":  EncUint32,
	"externalEuint64":  EncUint64,
	"externalEuint128": EncUint128,
	"externalEuint256": EncUint256,
	"externalEaddress": EncAddress,
}

// Encrypted reports whether the kind requires encryption.
func (k Kind) Encrypted() bool {
	return k != Passthrough
}

// Bits returns the bit width for encrypted integer kinds, 0 otherwise.
func (k Kind) Bits() int {
	switch k {
	case EncUint8:
		return 8
	case EncUint16:
		return 16
	case EncUint32:
		return 32
	case EncUint64:
		return 64
	case EncUint128:
		return 128
	case EncUint256:
		return 256
	}
	return 0
}

// ClassifyType classifies a single declared input type.
func ClassifyType(declaredType string) Kind {
	if kind, ok := encryptedTypes[declaredType]; ok {
		return kind
	}
	return Passthrough
}

// Classification is the per-input classification of one contract function.
type Classification struct {
	Function types.ABIFunction
	Kinds    []Kind
}

// EncryptedCount returns the number of inputs that require encryption.
func (c *Classification) EncryptedCount() int {
	n := 0
	for _, k := range c.Kinds {
		if k.Encrypted() {
			n++
		}
	}
	return n
}

// Classify looks up operation in the ABI and classifies each declared input.
// Fails with unknown_operation if the function is not present.
func Classify(abi []types.ABIFunction, operation string) (*Classification, error) {
	for _, fn := range abi {
		if fn.Name != operation {
			continue
		}
		kinds := make([]Kind, len(fn.Inputs))
		for i, in := range fn.Inputs {
			kinds[i] = ClassifyType(in.Type)
		}
		return &Classification{Function: fn, Kinds: kinds}, nil
	}
	return nil, apperrors.UnknownOperation(operation)
}

// argCountMismatch builds the strict count-mismatch error. Unmatched slots are
// never defaulted.
func argCountMismatch(operation string, got, want int) *apperrors.AppError {
	return apperrors.NewWithDetail(
		apperrors.ErrCodeBadRequest,
		"Argument count mismatch",
		fmt.Sprintf("operation %s declares %d inputs, got %d values", operation, want, got),
		http.StatusBadRequest,
	)
}
