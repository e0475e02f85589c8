// Package allocator talks to the IP allocator service that lends sandbox
// addresses. Borrow and return are idempotent per borrow token.
package allocator

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/SirClappington/sandboxd/internal/domain"
)

var ErrInvalidLease = errors.New("invalid lease")

// StatusError is a non-2xx reply from the allocator.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return "allocator " + e.Op + ": " + http.StatusText(e.Code) + ": " + e.Body
}

type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Lease borrows an address.
func (c *Client) Lease(ctx context.Context) (domain.ResourceLease, error) {
	var l domain.ResourceLease
	if err := c.post(ctx, "borrow", "/ip/borrow", struct{}{}, &l); err != nil {
		return l, err
	}
	if err := l.Validate(); err != nil {
		return l, errors.Wrap(ErrInvalidLease, err.Error())
	}
	return l, nil
}

// Release returns a borrowed address.
func (c *Client) Release(ctx context.Context, l domain.ResourceLease) error {
	if err := l.Validate(); err != nil {
		return errors.Wrap(ErrInvalidLease, err.Error())
	}
	return c.post(ctx, "return", "/ip/return", l, nil)
}

func (c *Client) post(ctx context.Context, op, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return errors.Wrapf(err, "allocator %s: encode", op)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return errors.Wrapf(err, "allocator %s", op)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "allocator %s", op)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Op: op, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "allocator %s: decode", op)
	}
	return nil
}
