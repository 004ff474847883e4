// Package policysrc assembles the startup policy table from built-in
// defaults and optional overlays: a local file, an SSM parameter and a
// signed S3 object. Sources are applied in that order; any failure aborts.
package policysrc

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/estately-labs/ratelimiter/internal/log"
	"github.com/estately-labs/ratelimiter/internal/policy"
	"github.com/estately-labs/ratelimiter/internal/xerrors"
)

// maxDocumentBytes caps policy documents and signatures read from S3.
const maxDocumentBytes = 1 << 20

// SignatureSuffix is appended to the S3 key to locate the detached signature.
const SignatureSuffix = ".sig"

type ssmAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type Options struct {
	Logger log.Logger

	// File is a local YAML/JSON policy document.
	File string

	// SSMParam names a parameter whose value is a policy document.
	SSMParam string

	// S3Bucket/S3Key locate a policy document. SigningKeyARN is required with
	// them; the object at S3Key+".sig" must hold a valid signature over it.
	S3Bucket      string
	S3Key         string
	SigningKeyARN string

	// AWS config (uses default if nil and an AWS source is configured)
	AWSConfig *aws.Config
}

func (o Options) usesAWS() bool {
	return o.SSMParam != "" || o.S3Bucket != ""
}

func (o Options) validate() error {
	if (o.S3Bucket == "") != (o.S3Key == "") {
		return xerrors.New("S3Bucket and S3Key must be set together")
	}
	if o.SigningKeyARN != "" && o.S3Bucket == "" {
		return xerrors.New("SigningKeyARN requires an S3 policy source")
	}
	if o.S3Bucket != "" && o.SigningKeyARN == "" {
		return xerrors.New("S3 policy source requires SigningKeyARN")
	}
	return nil
}

type clients struct {
	ssm ssmAPI
	s3  s3API
	kms kmsKeyFetcher
}

// Load builds the immutable policy registry.
func Load(ctx context.Context, opts Options) (*policy.Registry, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	var c clients
	if opts.usesAWS() {
		var awsCfg aws.Config
		if opts.AWSConfig != nil {
			awsCfg = *opts.AWSConfig
		} else {
			var err error
			awsCfg, err = config.LoadDefaultConfig(ctx)
			if err != nil {
				return nil, xerrors.Wrap(err, "load AWS config")
			}
		}
		c = clients{
			ssm: ssm.NewFromConfig(awsCfg),
			s3:  s3.NewFromConfig(awsCfg),
			kms: kms.NewFromConfig(awsCfg),
		}
	}
	return load(ctx, opts, c)
}

type source struct {
	name  string
	fetch func(context.Context) ([]byte, error)
}

func load(ctx context.Context, opts Options, c clients) (*policy.Registry, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	L := opts.Logger
	if L == nil {
		L = log.Nop()
	}

	var sources []source
	if opts.File != "" {
		sources = append(sources, source{"file", func(context.Context) ([]byte, error) {
			b, err := os.ReadFile(opts.File)
			if err != nil {
				return nil, xerrors.Wrapf(err, "read policy file %s", opts.File)
			}
			return b, nil
		}})
	}
	if opts.SSMParam != "" {
		sources = append(sources, source{"ssm", func(ctx context.Context) ([]byte, error) {
			return fetchSSM(ctx, c.ssm, opts.SSMParam)
		}})
	}
	if opts.S3Bucket != "" {
		sources = append(sources, source{"s3", func(ctx context.Context) ([]byte, error) {
			return fetchS3Signed(ctx, c, opts)
		}})
	}

	table := policy.Defaults()
	for _, src := range sources {
		doc, err := src.fetch(ctx)
		if err != nil {
			return nil, xerrors.Wrapf(err, "policy source %s", src.name)
		}
		overlay, err := policy.Parse(doc)
		if err != nil {
			return nil, xerrors.Wrapf(err, "policy source %s", src.name)
		}
		table = policy.Merge(table, overlay)
		L.Info(ctx, "policy source applied", "source", src.name, "policies", len(overlay))
	}

	reg, err := policy.NewRegistry(table)
	if err != nil {
		return nil, err
	}
	for _, e := range reg.Entries() {
		L.Debug(ctx, "policy active", "category", e.Category, "max_requests", e.MaxRequests, "window_ms", e.WindowMs)
	}
	return reg, nil
}

func fetchSSM(ctx context.Context, client ssmAPI, name string) ([]byte, error) {
	if client == nil {
		return nil, xerrors.New("ssm client is not configured")
	}
	out, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get SSM parameter %s", name)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return nil, xerrors.Newf("SSM parameter %s has no value", name)
	}
	v := strings.TrimSpace(*out.Parameter.Value)
	if v == "" {
		return nil, xerrors.Newf("SSM parameter %s is empty", name)
	}
	return []byte(v), nil
}

func fetchS3Signed(ctx context.Context, c clients, opts Options) ([]byte, error) {
	doc, err := fetchS3(ctx, c.s3, opts.S3Bucket, opts.S3Key)
	if err != nil {
		return nil, err
	}
	sig, err := fetchS3(ctx, c.s3, opts.S3Bucket, opts.S3Key+SignatureSuffix)
	if err != nil {
		return nil, xerrors.Wrap(err, "fetch policy signature")
	}
	if err := NewVerifier(c.kms, opts.SigningKeyARN).Verify(ctx, doc, sig); err != nil {
		return nil, xerrors.Wrapf(err, "verify s3://%s/%s", opts.S3Bucket, opts.S3Key)
	}
	return doc, nil
}

func fetchS3(ctx context.Context, client s3API, bucket, key string) ([]byte, error) {
	if client == nil {
		return nil, xerrors.New("s3 client is not configured")
	}
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get S3 object s3://%s/%s", bucket, key)
	}
	defer out.Body.Close()

	b, err := io.ReadAll(io.LimitReader(out.Body, maxDocumentBytes+1))
	if err != nil {
		return nil, xerrors.Wrapf(err, "read S3 object s3://%s/%s", bucket, key)
	}
	if len(b) > maxDocumentBytes {
		return nil, xerrors.Newf("S3 object s3://%s/%s exceeds %d bytes", bucket, key, maxDocumentBytes)
	}
	return b, nil
}
