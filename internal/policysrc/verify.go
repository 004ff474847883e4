package policysrc

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"

	"github.com/estately-labs/ratelimiter/internal/xerrors"
)

// kmsKeyFetcher is the subset of the KMS API needed to fetch a public key.
type kmsKeyFetcher interface {
	GetPublicKey(ctx context.Context, params *kms.GetPublicKeyInput, optFns ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
}

// Verifier checks detached signatures over policy documents against an
// asymmetric KMS key. The public key is fetched once and verification is local.
type Verifier struct {
	client kmsKeyFetcher
	keyARN string

	mu     sync.RWMutex
	pubKey crypto.PublicKey
}

func NewVerifier(client kmsKeyFetcher, keyARN string) *Verifier {
	return &Verifier{client: client, keyARN: keyARN}
}

// PublicKey fetches and caches the signing key's public half.
func (v *Verifier) PublicKey(ctx context.Context) (crypto.PublicKey, error) {
	v.mu.RLock()
	if v.pubKey != nil {
		defer v.mu.RUnlock()
		return v.pubKey, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.pubKey != nil {
		return v.pubKey, nil
	}
	if v.client == nil {
		return nil, xerrors.New("kms client is not configured")
	}

	out, err := v.client.GetPublicKey(ctx, &kms.GetPublicKeyInput{KeyId: aws.String(v.keyARN)})
	if err != nil {
		return nil, xerrors.Wrap(err, "kms get public key")
	}
	if out.KeyUsage != kmstypes.KeyUsageTypeSignVerify {
		return nil, xerrors.Newf("kms key %s has KeyUsage=%s, expected SIGN_VERIFY", v.keyARN, out.KeyUsage)
	}
	pub, err := x509.ParsePKIXPublicKey(out.PublicKey)
	if err != nil {
		return nil, xerrors.Wrap(err, "parse kms public key DER")
	}

	v.pubKey = pub
	return pub, nil
}

// Verify checks signature over message. ECDSA P-384 uses SHA-384, ECDSA P-256
// and RSA-PSS use SHA-256.
func (v *Verifier) Verify(ctx context.Context, message, signature []byte) error {
	if len(signature) == 0 {
		return xerrors.New("empty signature")
	}
	pub, err := v.PublicKey(ctx)
	if err != nil {
		return err
	}

	switch key := pub.(type) {
	case *ecdsa.PublicKey:
		return verifyECDSA(key, message, signature)
	case *rsa.PublicKey:
		digest := sha256.Sum256(message)
		if err := rsa.VerifyPSS(key, crypto.SHA256, digest[:], signature, nil); err != nil {
			return xerrors.Wrap(err, "RSA-PSS signature verification failed")
		}
		return nil
	default:
		return xerrors.Newf("unsupported public key type: %T", pub)
	}
}

func verifyECDSA(key *ecdsa.PublicKey, message, signature []byte) error {
	var digest []byte
	switch key.Curve {
	case elliptic.P256():
		d := sha256.Sum256(message)
		digest = d[:]
	case elliptic.P384():
		d := sha512.Sum384(message)
		digest = d[:]
	default:
		return xerrors.Newf("unsupported ECDSA curve: %v", key.Curve.Params().Name)
	}
	if !ecdsa.VerifyASN1(key, digest, signature) {
		return xerrors.Newf("ECDSA signature verification failed (curve %s)", key.Curve.Params().Name)
	}
	return nil
}
