// Package ipfs stores entities as raw blocks on a Kubo (IPFS) daemon.
package ipfs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrBlockNotFound is returned by BlockGet when the daemon does not have the
// block.
var ErrBlockNotFound = errors.New("ipfs: block not found")

// KuboClient is an HTTP client for the Kubo daemon API.
type KuboClient struct {
	apiURL string
	client *http.Client
}

// NewKuboClient creates a client for the Kubo API at apiURL, e.g.
// http://127.0.0.1:5001/api/v0.
func NewKuboClient(apiURL string) *KuboClient {
	return &KuboClient{
		apiURL: strings.TrimRight(apiURL, "/"),
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (k *KuboClient) post(ctx context.Context, path string, params url.Values, body io.Reader, contentType string) (*http.Response, error) {
	u := k.apiURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return k.client.Do(req)
}

// kuboError reads the error message of a failed call.
func kuboError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	var msg struct {
		Message string `json:"Message"`
	}
	if json.Unmarshal(body, &msg) == nil && msg.Message != "" {
		return fmt.Errorf("ipfs %s: status %d: %s", op, resp.StatusCode, msg.Message)
	}
	return fmt.Errorf("ipfs %s: status %d: %s", op, resp.StatusCode, body)
}

// IsAvailable checks if the daemon is reachable.
func (k *KuboClient) IsAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	resp, err := k.post(ctx, "/id", nil, nil, "")
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// BlockPut stores data as a block with the given codec and hash function
// names and returns the CID the daemon computed.
func (k *KuboClient) BlockPut(ctx context.Context, data []byte, codec, mhType string, pin bool) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", "data")
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("write form data: %w", err)
	}
	w.Close()

	params := url.Values{"cid-codec": {codec}, "mhtype": {mhType}}
	if pin {
		params.Set("pin", "true")
	}
	resp, err := k.post(ctx, "/block/put", params, &buf, w.FormDataContentType())
	if err != nil {
		return "", fmt.Errorf("ipfs block/put: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", kuboError("block/put", resp)
	}

	var result struct {
		Key string `json:"Key"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("ipfs block/put: parse response: %w", err)
	}
	return result.Key, nil
}

// BlockGet reads a block. It does not wait for the network longer than the
// client timeout or ctx allow.
func (k *KuboClient) BlockGet(ctx context.Context, cid string) ([]byte, error) {
	params := url.Values{"arg": {cid}, "offline": {"true"}}
	resp, err := k.post(ctx, "/block/get", params, nil, "")
	if err != nil {
		return nil, fmt.Errorf("ipfs block/get: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		err := kuboError("block/get", resp)
		if strings.Contains(err.Error(), "not found") {
			return nil, fmt.Errorf("%w: %s", ErrBlockNotFound, cid)
		}
		return nil, err
	}
	return io.ReadAll(resp.Body)
}

// BlockRm removes a block from the local blockstore. Missing blocks are not
// an error.
func (k *KuboClient) BlockRm(ctx context.Context, cid string) error {
	resp, err := k.post(ctx, "/block/rm", url.Values{"arg": {cid}, "force": {"true"}}, nil, "")
	if err != nil {
		return fmt.Errorf("ipfs block/rm: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return kuboError("block/rm", resp)
	}
	return nil
}

// Pin pins a block to protect it from garbage collection.
func (k *KuboClient) Pin(ctx context.Context, cid string) error {
	resp, err := k.post(ctx, "/pin/add", url.Values{"arg": {cid}}, nil, "")
	if err != nil {
		return fmt.Errorf("ipfs pin: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return kuboError("pin/add", resp)
	}
	return nil
}
