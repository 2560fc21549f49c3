package keyserver

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/satya-market/access-go/internal/crypto"
)

const requestTokenLifetime = 5 * time.Minute

// ErrDenied is returned when the server refuses a rewrap for the requester.
var ErrDenied = errors.New("key server denied the request")

type Client struct {
	*http.Client
	Endpoint *url.URL
}

type ClientOptions struct {
	HttpClient *http.Client
	Endpoint   *url.URL
}

// Authorizer signs rewrap requests on behalf of a session.
type Authorizer interface {
	Certificate() *Certificate
	SignRequest(requestBody []byte) ([]byte, error)
}

func NewClient(ops ...ClientOptions) (*Client, error) {
	client := &Client{}
	if len(ops) > 0 {
		client.Client = ops[0].HttpClient
		if ops[0].Endpoint != nil && ops[0].Endpoint.String() != "" {
			client.Endpoint = ops[0].Endpoint
		}
	}
	if client.Endpoint == nil {
		return nil, errors.New("key server endpoint cannot be empty")
	}
	clientDefaults(client)
	return client, nil
}

func clientDefaults(client *Client) {
	if client.Client == nil {
		client.Client = http.DefaultClient
	}
}

func (c *Client) endpoint(path string) string {
	return strings.TrimSuffix(c.Endpoint.String(), "/") + path
}

// Health probes the health endpoint. A non-nil error means the server could
// not be reached; otherwise the HTTP status code is returned.
func (c *Client) Health(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(HealthPath), nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, nil
}

// PublicKey fetches the RSA key shares are wrapped to. The server answers
// with the PEM encoded key as a JSON string.
func (c *Client) PublicKey(ctx context.Context) (*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(PublicKeyPath), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("public key request failed with status code: %d", resp.StatusCode)
	}

	var key string
	if err := json.NewDecoder(resp.Body).Decode(&key); err != nil {
		return nil, errors.Join(err, errors.New("unable to decode key server public key"))
	}
	pubKey, err := crypto.ParseRSAPublicKey([]byte(key))
	if err != nil {
		return nil, errors.Join(err, errors.New("unable to parse public key"))
	}
	return pubKey, nil
}

// Rewrap asks the server to unwrap its share and seal it to the client
// public key carried in rr.
func (c *Client) Rewrap(ctx context.Context, rr *RequestBody, auth Authorizer) (*RewrapResponse, error) {
	var (
		rewrapResponse = new(RewrapResponse)
	)
	rr.Certificate = *auth.Certificate()
	rr.SchemaVersion = schemaVersion

	rewrapReqToSign, err := json.Marshal(rr)
	if err != nil {
		return nil, err
	}
	signedRequest, err := auth.SignRequest(rewrapReqToSign)
	if err != nil {
		return nil, err
	}

	jsonBody, err := json.Marshal(&RewrapRequest{SignedRequestToken: string(signedRequest)})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(RewrapPath), bytes.NewReader(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if err != nil {
			return nil, err
		}
		err = fmt.Errorf("rewrap failed with status code: %d body: %s", resp.StatusCode, strings.TrimSpace(string(errBody)))
		if resp.StatusCode == http.StatusForbidden {
			return nil, errors.Join(ErrDenied, err)
		}
		return nil, err
	}

	if err := json.NewDecoder(resp.Body).Decode(rewrapResponse); err != nil {
		return nil, err
	}
	return rewrapResponse, nil
}

// SignRequestToken wraps a serialized request body in a short lived EdDSA
// JWT signed by the session key.
func SignRequestToken(rr []byte, key ed25519.PrivateKey, now time.Time) ([]byte, error) {
	requestBody := jwt.New()
	if err := requestBody.Set(jwt.IssuedAtKey, now.Unix()); err != nil {
		return nil, err
	}
	if err := requestBody.Set(jwt.ExpirationKey, now.Add(requestTokenLifetime).Unix()); err != nil {
		return nil, err
	}
	if err := requestBody.Set("requestBody", string(rr)); err != nil {
		return nil, err
	}
	return jwt.Sign(requestBody, jwt.WithKey(jwa.EdDSA, key))
}
