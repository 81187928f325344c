package fetcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/nestframe/agentrun/pkg/errs"
	"github.com/nestframe/agentrun/pkg/metrics"
	"github.com/nestframe/agentrun/pkg/types"
)

// Policy bounds every Fetch call. Populated from config.FetchConfig.
type Policy struct {
	MaxBytes         int64
	Timeout          time.Duration
	RetryInitial     time.Duration
	RetryMax         time.Duration
	RetryFactor      float64
	RetryMaxAttempts int
}

// Fetcher downloads packages from the object-store or https schemes.
// The S3 client is built lazily (and only once) since most deployments
// never touch the object-store scheme.
type Fetcher struct {
	policy     Policy
	httpClient *http.Client
	log        zerolog.Logger

	s3Client *s3.Client
}

// New creates a Fetcher bound to the given policy.
func New(policy Policy, log zerolog.Logger) *Fetcher {
	return &Fetcher{
		policy: policy,
		httpClient: &http.Client{
			Timeout: policy.Timeout,
		},
		log: log,
	}
}

// Fetch downloads source into destDir, verifying expectedFingerprint if
// supplied, and returns the resulting CachedPackage. source must use the
// object-store:// or https:// scheme; any other scheme is rejected
// immediately with kind FetchUnavailable to prevent SSRF via local-file
// schemes.
func (f *Fetcher) Fetch(ctx context.Context, source, destDir string, expectedFingerprint string) (*types.CachedPackage, error) {
	scheme, err := parseScheme(source)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, f.policy.Timeout)
	defer cancel()

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.FetchDuration, string(scheme))

	var cached *types.CachedPackage
	attempt := 0
	backoff := f.policy.RetryInitial

	for {
		attempt++
		cached, err = f.fetchOnce(ctx, scheme, source, destDir, expectedFingerprint)
		if err == nil {
			metrics.FetchBytesTotal.WithLabelValues(string(scheme)).Add(float64(cached.SizeBytes))
			return cached, nil
		}

		if !isRetryable(err) || attempt >= f.policy.RetryMaxAttempts {
			kind, ok := errs.KindOf(err)
			if !ok {
				kind = errs.KindFetchUnavailable
			}
			metrics.FetchFailuresTotal.WithLabelValues(string(scheme), string(kind)).Inc()
			return nil, err
		}

		f.log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", backoff).Msg("retrying fetch")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			metrics.FetchFailuresTotal.WithLabelValues(string(scheme), string(errs.KindFetchUnavailable)).Inc()
			return nil, errs.Wrap(errs.KindFetchUnavailable, "fetch cancelled during backoff", ctx.Err())
		}

		backoff = time.Duration(float64(backoff) * f.policy.RetryFactor)
		if backoff > f.policy.RetryMax {
			backoff = f.policy.RetryMax
		}
	}
}

func (f *Fetcher) fetchOnce(ctx context.Context, scheme types.PackageScheme, source, destDir, expectedFingerprint string) (*types.CachedPackage, error) {
	var body io.ReadCloser
	var err error

	switch scheme {
	case types.SchemeHTTPS:
		body, err = f.openHTTPS(ctx, source)
	case types.SchemeObjectStore:
		body, err = f.openObjectStore(ctx, source)
	default:
		return nil, errs.New(errs.KindFetchUnavailable, fmt.Sprintf("unsupported scheme %q", scheme))
	}
	if err != nil {
		return nil, err
	}
	defer body.Close()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, errs.Wrap(errs.KindFetchUnavailable, "create destination directory", err)
	}

	tmp, err := os.CreateTemp(destDir, ".fetch-*.tmp")
	if err != nil {
		return nil, errs.Wrap(errs.KindFetchUnavailable, "create temp file", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	hasher := sha256.New()
	limited := io.LimitReader(body, f.policy.MaxBytes+1)
	written, err := io.Copy(io.MultiWriter(tmp, hasher), limited)
	closeErr := tmp.Close()
	if err != nil {
		return nil, errs.Wrap(errs.KindFetchUnavailable, "stream package body", err)
	}
	if closeErr != nil {
		return nil, errs.Wrap(errs.KindFetchUnavailable, "close temp file", closeErr)
	}
	if written > f.policy.MaxBytes {
		return nil, errs.New(errs.KindFetchUnavailable, fmt.Sprintf("package exceeds max size of %d bytes", f.policy.MaxBytes))
	}

	digest := hex.EncodeToString(hasher.Sum(nil))
	if expectedFingerprint != "" && !strings.EqualFold(digest, expectedFingerprint) {
		return nil, errs.New(errs.KindIntegrityMismatch, fmt.Sprintf("expected fingerprint %s, got %s", expectedFingerprint, digest))
	}

	finalPath := filepath.Join(destDir, digest+".pkg")
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return nil, errs.Wrap(errs.KindFetchUnavailable, "rename into place", err)
	}

	return &types.CachedPackage{
		Path:        finalPath,
		Fingerprint: digest,
		SizeBytes:   written,
		FetchedAt:   time.Now(),
	}, nil
}

func (f *Fetcher) openHTTPS(ctx context.Context, source string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindFetchUnavailable, "build https request", err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, &retryableError{errs.Wrap(errs.KindFetchUnavailable, "https request failed", err)}
	}

	if resp.StatusCode >= 500 {
		resp.Body.Close()
		return nil, &retryableError{errs.New(errs.KindFetchUnavailable, fmt.Sprintf("origin returned %d", resp.StatusCode))}
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, errs.New(errs.KindFetchUnavailable, fmt.Sprintf("origin returned %d", resp.StatusCode))
	}

	return resp.Body, nil
}

func (f *Fetcher) openObjectStore(ctx context.Context, source string) (io.ReadCloser, error) {
	client, err := f.objectStoreClient(ctx)
	if err != nil {
		return nil, err
	}

	bucket, key, err := parseObjectStoreURL(source)
	if err != nil {
		return nil, err
	}

	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &bucket,
		Key:    &key,
	})
	if err != nil {
		if isNotFoundOrDenied(err) {
			return nil, errs.Wrap(errs.KindFetchUnavailable, "object-store get object", err)
		}
		return nil, &retryableError{errs.Wrap(errs.KindFetchUnavailable, "object-store get object", err)}
	}

	return out.Body, nil
}

func (f *Fetcher) objectStoreClient(ctx context.Context) (*s3.Client, error) {
	if f.s3Client != nil {
		return f.s3Client, nil
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.KindFetchUnavailable, "load object-store credentials", err)
	}

	f.s3Client = s3.NewFromConfig(cfg)
	return f.s3Client, nil
}

func parseScheme(source string) (types.PackageScheme, error) {
	switch {
	case strings.HasPrefix(source, "object-store://"):
		return types.SchemeObjectStore, nil
	case strings.HasPrefix(source, "https://"):
		return types.SchemeHTTPS, nil
	default:
		return "", errs.New(errs.KindFetchUnavailable, fmt.Sprintf("scheme not allowed for %q", source))
	}
}

func parseObjectStoreURL(source string) (bucket, key string, err error) {
	rest := strings.TrimPrefix(source, "object-store://")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errs.New(errs.KindFetchUnavailable, fmt.Sprintf("malformed object-store url %q", source))
	}
	return parts[0], parts[1], nil
}

func isNotFoundOrDenied(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "NoSuchKey") || strings.Contains(msg, "AccessDenied") || strings.Contains(msg, "NotFound")
}

type retryableError struct{ error }

func (r *retryableError) Unwrap() error { return r.error }

func isRetryable(err error) bool {
	_, ok := err.(*retryableError)
	return ok
}
