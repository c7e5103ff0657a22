package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"hash"

	"github.com/google/uuid"

	"github.com/rendis/chainflow/internal/dispatch"
	"github.com/rendis/chainflow/pkg/schema"
)

func hashFunc(algorithm string) (func() hash.Hash, error) {
	switch algorithm {
	case "", "sha256":
		return sha256.New, nil
	case "sha512":
		return sha512.New, nil
	case "sha384":
		return sha512.New384, nil
	case "sha1":
		return sha1.New, nil
	case "md5":
		return md5.New, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "unsupported hash algorithm %q", algorithm)
	}
}

// encodeSum renders a digest as hex (default) or base64.
func encodeSum(sum []byte, encoding string) (string, error) {
	switch encoding {
	case "", "hex":
		return hex.EncodeToString(sum), nil
	case "base64":
		return base64.StdEncoding.EncodeToString(sum), nil
	default:
		return "", schema.NewErrorf(schema.ErrCodeConfiguration, "unsupported encoding %q", encoding)
	}
}

// SignHMAC returns the encoded HMAC of data under key. Empty algorithm and
// encoding mean sha256 and hex. Outgoing webhook deliveries are signed with
// it as well.
func SignHMAC(algorithm, key string, data []byte, encoding string) (string, error) {
	newHash, err := hashFunc(algorithm)
	if err != nil {
		return "", err
	}
	mac := hmac.New(newHash, []byte(key))
	mac.Write(data)
	return encodeSum(mac.Sum(nil), encoding)
}

// hashData digests config "data". Output is {"hash", "algorithm"}.
func (h *Handlers) hashData(_ context.Context, cfg map[string]any, _ string, _ map[string]any) (dispatch.ActionResult, error) {
	data, ok := cfg["data"].(string)
	if !ok {
		return dispatch.ActionResult{}, schema.NewError(schema.ErrCodeConfiguration, "hash: missing required config 'data'")
	}
	algorithm := stringParam(cfg, "algorithm", "sha256")
	newHash, err := hashFunc(algorithm)
	if err != nil {
		return dispatch.ActionResult{}, err
	}
	d := newHash()
	d.Write([]byte(data))
	sum, err := encodeSum(d.Sum(nil), stringParam(cfg, "encoding", ""))
	if err != nil {
		return dispatch.ActionResult{}, err
	}
	return dispatch.Success(map[string]any{"hash": sum, "algorithm": algorithm}), nil
}

// hmacData signs config "data" with config "key". With "expected" set, the
// output also reports a constant-time comparison under "valid", which is how
// webhook signatures are checked.
func (h *Handlers) hmacData(_ context.Context, cfg map[string]any, _ string, _ map[string]any) (dispatch.ActionResult, error) {
	data, ok := cfg["data"].(string)
	if !ok {
		return dispatch.ActionResult{}, schema.NewError(schema.ErrCodeConfiguration, "hmac: missing required config 'data'")
	}
	key, ok := cfg["key"].(string)
	if !ok || key == "" {
		return dispatch.ActionResult{}, schema.NewError(schema.ErrCodeConfiguration, "hmac: missing required config 'key'")
	}
	algorithm := stringParam(cfg, "algorithm", "sha256")
	sum, err := SignHMAC(algorithm, key, []byte(data), stringParam(cfg, "encoding", ""))
	if err != nil {
		return dispatch.ActionResult{}, err
	}

	out := map[string]any{"hmac": sum, "algorithm": algorithm}
	if expected, ok := cfg["expected"].(string); ok {
		out["valid"] = hmac.Equal([]byte(sum), []byte(expected))
	}
	return dispatch.Success(out), nil
}

func newUUID(_ context.Context, _ *dispatch.Call) dispatch.ActionResult {
	return dispatch.Success(map[string]any{"uuid": uuid.NewString()})
}
