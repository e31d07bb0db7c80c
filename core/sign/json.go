package sign

import (
	"crypto/ed25519"
	"fmt"

	"github.com/reprozip/reprozip/core/jcs"
)

// SignJSON signs the JCS digest of input.
func SignJSON(priv ed25519.PrivateKey, input []byte) (Signature, error) {
	digest, err := jcs.DigestJCS(input)
	if err != nil {
		return Signature{}, err
	}
	return SignDigestHex(priv, digest)
}

// VerifyJSON checks that sig covers exactly the canonical form of input.
func VerifyJSON(pub ed25519.PublicKey, sig Signature, input []byte) (bool, error) {
	digest, err := jcs.DigestJCS(input)
	if err != nil {
		return false, err
	}
	if sig.SignedDigest != digest {
		return false, fmt.Errorf("signed_digest mismatch")
	}
	return VerifyDigestHex(pub, sig)
}
