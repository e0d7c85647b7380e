// Package authn authenticates signed session requests. Every read and mutate
// request carries a personal-sign signature by the session owner over a
// canonical message embedding the session id, operation, arguments and the
// expected nonce.
package authn

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/fhe-relay/fhe-relay/internal/session"
	apperrors "github.com/fhe-relay/fhe-relay/pkg/errors"
)

// ProtocolTag domain-separates relay request signatures from any other
// personal-sign payload a wallet might produce.
const ProtocolTag = "fherelay-v1"

// CanonicalMessage deterministically encodes a request for signing:
// PROTOCOL_TAG:sessionId:operationName:JSON(args or []):nonce.
func CanonicalMessage(sessionID, operation string, args []any, nonce uint64) (string, error) {
	if args == nil {
		args = []any{}
	}
	encoded, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("failed to encode arguments: %w", err)
	}
	return fmt.Sprintf("%s:%s:%s:%s:%d", ProtocolTag, sessionID, operation, encoded, nonce), nil
}

// Verify checks a request signature against the session owner and nonce.
//
// The nonce is checked first: a stale or replayed nonce fails with
// invalid_nonce before any signature work. The caller advances the nonce only
// after the downstream operation succeeds, so failed attempts never consume
// nonces.
func Verify(sess *session.Session, operation string, args []any, signatureHex string, claimedNonce uint64) error {
	if claimedNonce != sess.Nonce {
		return apperrors.InvalidNonce(claimedNonce, sess.Nonce)
	}

	msg, err := CanonicalMessage(sess.ID.String(), operation, args, claimedNonce)
	if err != nil {
		return apperrors.NewWithDetail(apperrors.ErrCodeBadRequest, "Invalid request arguments", err.Error(), http.StatusBadRequest)
	}

	signer, err := RecoverText(msg, signatureHex)
	if err != nil {
		return apperrors.SignatureMismatch(err.Error())
	}
	if signer != sess.Owner {
		return apperrors.SignatureMismatch(
			fmt.Sprintf("recovered %s, expected session owner %s", signer.Hex(), sess.Owner.Hex()),
		)
	}

	return nil
}

// SignText produces a personal-sign (EIP-191) signature over msg, with the
// recovery byte in wallet convention (27/28). Used by clients and tests.
func SignText(msg string, key *ecdsa.PrivateKey) (string, error) {
	sig, err := crypto.Sign(accounts.TextHash([]byte(msg)), key)
	if err != nil {
		return "", err
	}
	sig[64] += 27
	return hexutil.Encode(sig), nil
}
