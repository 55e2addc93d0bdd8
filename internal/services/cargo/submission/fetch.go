package submission

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	apperrors "github.com/louisbranch/cargo.space/internal/platform/errors"
)

// MaxPaintBytes bounds a fetched or uploaded paint.
const MaxPaintBytes = 16 << 20

// RefFetcher resolves paint references. It understands data: URLs and
// http(s) URLs.
type RefFetcher struct {
	client   *http.Client
	maxBytes int64
}

// NewRefFetcher returns a fetcher using client for remote references. A nil
// client uses http.DefaultClient. A non-positive maxBytes uses MaxPaintBytes.
func NewRefFetcher(client *http.Client, maxBytes int64) *RefFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if maxBytes <= 0 {
		maxBytes = MaxPaintBytes
	}
	return &RefFetcher{client: client, maxBytes: maxBytes}
}

// Fetch returns the bytes ref points to. Malformed or unsupported references
// are VALIDATION errors. Transport failures, non-2xx responses and oversized
// bodies are FETCH errors.
func (f *RefFetcher) Fetch(ctx context.Context, ref string) ([]byte, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, apperrors.New(apperrors.CodeValidation, "paint is required")
	}
	if strings.HasPrefix(strings.ToLower(ref), "data:") {
		return f.decodeDataURL(ref)
	}
	target, err := url.Parse(ref)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeValidation, "paint reference is malformed", err)
	}
	switch strings.ToLower(target.Scheme) {
	case "http", "https":
		return f.fetchRemote(ctx, target)
	default:
		return nil, apperrors.New(apperrors.CodeValidation, fmt.Sprintf("paint scheme %q is not supported", target.Scheme))
	}
}

func (f *RefFetcher) decodeDataURL(ref string) ([]byte, error) {
	meta, payload, ok := strings.Cut(ref[len("data:"):], ",")
	if !ok {
		return nil, apperrors.New(apperrors.CodeValidation, "paint data url is malformed")
	}
	if strings.HasSuffix(strings.ToLower(meta), ";base64") {
		if int64(base64.StdEncoding.DecodedLen(len(payload))) > f.maxBytes+2 {
			return nil, f.tooLarge()
		}
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
		}
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeValidation, "paint data url is malformed", err)
		}
		if int64(len(data)) > f.maxBytes {
			return nil, f.tooLarge()
		}
		return data, nil
	}
	decoded, err := url.PathUnescape(payload)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeValidation, "paint data url is malformed", err)
	}
	if int64(len(decoded)) > f.maxBytes {
		return nil, f.tooLarge()
	}
	return []byte(decoded), nil
}

func (f *RefFetcher) fetchRemote(ctx context.Context, target *url.URL) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeValidation, "paint reference is malformed", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeFetch, "paint could not be fetched", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, apperrors.Wrap(apperrors.CodeFetch, "paint could not be fetched", fmt.Errorf("status %d", resp.StatusCode))
	}
	return ReadLimited(resp.Body, f.maxBytes)
}

func (f *RefFetcher) tooLarge() error {
	return apperrors.New(apperrors.CodeFetch, fmt.Sprintf("paint exceeds %d bytes", f.maxBytes))
}

// ReadLimited reads r fully, failing with a FETCH error once more than max
// bytes arrive.
func ReadLimited(r io.Reader, max int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeFetch, "paint could not be read", err)
	}
	if int64(len(data)) > max {
		return nil, apperrors.New(apperrors.CodeFetch, fmt.Sprintf("paint exceeds %d bytes", max))
	}
	return data, nil
}
