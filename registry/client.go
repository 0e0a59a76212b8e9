// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pointvault/pointvault/pkg/errors"
)

// Errors reported by the registry wire protocol.
var (
	ErrAlreadyBound = errors.New("name already bound")
	ErrProtected    = errors.New("registry is protected")
)

// Client talks the registry name-bind protocol to a directory in another
// process on the local host.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a registry client for the given host:port.
func NewClient(hostPort string) *Client {
	return &Client{
		baseURL: "http://" + hostPort,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Bind binds the endpoint under its name.
func (c *Client) Bind(ctx context.Context, endpoint Endpoint) error {
	return c.put(ctx, endpoint, false)
}

// Rebind binds the endpoint, replacing any existing entry.
func (c *Client) Rebind(ctx context.Context, endpoint Endpoint) error {
	return c.put(ctx, endpoint, true)
}

func (c *Client) put(ctx context.Context, endpoint Endpoint, rebind bool) error {
	body, err := json.Marshal(endpoint)
	if err != nil {
		return err
	}

	target := c.entryURL(endpoint.Name)
	if rebind {
		target += "?rebind=true"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusCreated:
		return nil
	case http.StatusConflict:
		return ErrAlreadyBound
	case http.StatusForbidden:
		return ErrProtected
	default:
		return fmt.Errorf("registry bind: unexpected status %d", resp.StatusCode)
	}
}

// Lookup resolves a bound name to its endpoint.
func (c *Client) Lookup(ctx context.Context, name string) (Endpoint, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.entryURL(name), nil)
	if err != nil {
		return Endpoint{}, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Endpoint{}, errors.NewRegistryError("lookup", name, err)
	}
	defer drain(resp)

	if resp.StatusCode == http.StatusNotFound {
		return Endpoint{}, errors.NewRegistryError("lookup", name, errors.ErrNotBound)
	}
	if resp.StatusCode != http.StatusOK {
		return Endpoint{}, errors.NewRegistryError("lookup", name,
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var endpoint Endpoint
	if err := json.NewDecoder(resp.Body).Decode(&endpoint); err != nil {
		return Endpoint{}, errors.NewRegistryError("lookup", name, err)
	}
	return endpoint, nil
}

// Unbind removes the bound name.
func (c *Client) Unbind(ctx context.Context, name string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.entryURL(name), nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		return errors.ErrNotBound
	case http.StatusForbidden:
		return ErrProtected
	default:
		return fmt.Errorf("registry unbind: unexpected status %d", resp.StatusCode)
	}
}

// List returns the bound names.
func (c *Client) List(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/registry/", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry list: unexpected status %d", resp.StatusCode)
	}

	var names []string
	if err := json.NewDecoder(resp.Body).Decode(&names); err != nil {
		return nil, err
	}
	return names, nil
}

func (c *Client) entryURL(name string) string {
	return c.baseURL + "/registry/" + url.PathEscape(name)
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
