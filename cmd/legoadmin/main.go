// Command legoadmin manages users, domains and permissions of a running
// provider instance through its admin API.
//
// Usage:
//
//	legoadmin create-user <username>
//	legoadmin allow-domains <username> <level> <fqdn> [fqdn...]
//	legoadmin revoke-domains <username> <level> <fqdn> [fqdn...]
//	legoadmin list-users
//	legoadmin list-domains
//	legoadmin list-permissions [username]
//	legoadmin list-requests
//
// The API endpoint and token come from LEGO_API_URL and LEGO_ADMIN_TOKEN.
package main

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

const passwordAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

type client struct {
	baseURL string
	token   string
	http    *http.Client
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	baseURL := strings.TrimRight(envOrDefault("LEGO_API_URL", "http://127.0.0.1:8080"), "/")
	c := &client{
		baseURL: baseURL,
		token:   os.Getenv("LEGO_ADMIN_TOKEN"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "create-user":
		err = createUser(c, args)
	case "allow-domains":
		err = allowDomains(c, args)
	case "revoke-domains":
		err = revokeDomains(c, args)
	case "list-users":
		err = listPath(c, "/v1/users", nil)
	case "list-domains":
		err = listPath(c, "/v1/domains", nil)
	case "list-permissions":
		query := url.Values{}
		if len(args) > 0 {
			query.Set("username", args[0])
		}
		err = listPath(c, "/v1/permissions", query)
	case "list-requests":
		err = listPath(c, "/v1/requests", nil)
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "legoadmin: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: legoadmin <create-user|allow-domains|revoke-domains|list-users|list-domains|list-permissions|list-requests> [args]")
}

func createUser(c *client, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("create-user requires exactly one username")
	}

	password, err := randomPassword(24)
	if err != nil {
		return fmt.Errorf("generate password: %w", err)
	}

	if err := c.do(http.MethodPost, "/v1/users", map[string]string{
		"username": args[0],
		"password": password,
	}, nil); err != nil {
		return err
	}

	fmt.Printf("user %s created, password: %s\n", args[0], password)
	return nil
}

func allowDomains(c *client, args []string) error {
	username, level, fqdns, err := permissionArgs(args)
	if err != nil {
		return err
	}

	for _, fqdn := range fqdns {
		if err := c.do(http.MethodPost, "/v1/permissions", map[string]string{
			"username":     username,
			"fqdn":         fqdn,
			"access_level": level,
		}, nil); err != nil {
			return fmt.Errorf("allow %s: %w", fqdn, err)
		}
		fmt.Printf("granted %s %s on %s\n", username, level, fqdn)
	}
	return nil
}

func revokeDomains(c *client, args []string) error {
	username, level, fqdns, err := permissionArgs(args)
	if err != nil {
		return err
	}

	for _, fqdn := range fqdns {
		if err := c.do(http.MethodDelete, "/v1/permissions", map[string]string{
			"username":     username,
			"fqdn":         fqdn,
			"access_level": level,
		}, nil); err != nil {
			return fmt.Errorf("revoke %s: %w", fqdn, err)
		}
		fmt.Printf("revoked %s %s on %s\n", username, level, fqdn)
	}
	return nil
}

func permissionArgs(args []string) (username, level string, fqdns []string, err error) {
	if len(args) < 3 {
		return "", "", nil, fmt.Errorf("expected <username> <exact|subtree> <fqdn> [fqdn...]")
	}
	level = args[1]
	if level != "exact" && level != "subtree" {
		return "", "", nil, fmt.Errorf("access level must be exact or subtree, got %q", level)
	}
	return args[0], level, args[2:], nil
}

func listPath(c *client, path string, query url.Values) error {
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	var out map[string]any
	if err := c.do(http.MethodGet, path, nil, &out); err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func (c *client) do(method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("X-API-Token", c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(b)))
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func randomPassword(length int) (string, error) {
	var sb strings.Builder
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(passwordAlphabet))))
		if err != nil {
			return "", err
		}
		sb.WriteByte(passwordAlphabet[n.Int64()])
	}
	return sb.String(), nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}
