package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/satya-market/access-go/pkg/errdefs"
)

const defaultRPCTimeout = 10 * time.Second

type RPCClient struct {
	*http.Client
	Endpoint string
	nextID   atomic.Uint64
}

type RPCClientOptions struct {
	HttpClient *http.Client
	Timeout    time.Duration
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type getObjectResponse struct {
	Result *struct {
		Data *struct {
			ObjectID string          `json:"objectId"`
			Version  string          `json:"version"`
			Type     string          `json:"type"`
			Owner    json.RawMessage `json:"owner"`
			Content  *struct {
				DataType string         `json:"dataType"`
				Type     string         `json:"type"`
				Fields   map[string]any `json:"fields"`
			} `json:"content"`
		} `json:"data"`
		Error *struct {
			Code     string `json:"code"`
			ObjectID string `json:"object_id"`
		} `json:"error"`
	} `json:"result"`
	Error *rpcError `json:"error"`
}

func NewRPCClient(endpoint string, ops ...RPCClientOptions) (*RPCClient, error) {
	if endpoint == "" {
		return nil, errors.New("ledger rpc endpoint cannot be empty")
	}
	client := &RPCClient{Endpoint: endpoint}
	if len(ops) > 0 {
		client.Client = ops[0].HttpClient
		if client.Client == nil && ops[0].Timeout > 0 {
			client.Client = &http.Client{Timeout: ops[0].Timeout}
		}
	}
	rpcClientDefaults(client)
	return client, nil
}

func rpcClientDefaults(client *RPCClient) {
	if client.Client == nil {
		client.Client = &http.Client{Timeout: defaultRPCTimeout}
	}
}

// GetObject calls sui_getObject with content and owner.
func (c *RPCClient) GetObject(ctx context.Context, id string) (*Object, error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  "sui_getObject",
		Params: []any{id, map[string]bool{
			"showType":    true,
			"showOwner":   true,
			"showContent": true,
		}},
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.Do(req)
	if err != nil {
		return nil, wrapUnavailable(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, wrapUnavailable(fmt.Errorf("ledger rpc failed with status code: %d body: %s", resp.StatusCode, string(errBody)))
	}

	var out getObjectResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, wrapUnavailable(errors.Join(errors.New("unable to decode ledger response"), err))
	}
	if out.Error != nil {
		return nil, wrapUnavailable(fmt.Errorf("rpc error %d: %s", out.Error.Code, out.Error.Message))
	}
	if out.Result == nil {
		return nil, wrapUnavailable(errors.New("empty rpc result"))
	}
	if out.Result.Error != nil {
		switch out.Result.Error.Code {
		case "notExists", "deleted", "dynamicFieldNotFound":
			return nil, fmt.Errorf("object %s %s: %w", id, out.Result.Error.Code, errdefs.ErrNotFound)
		default:
			return nil, wrapUnavailable(fmt.Errorf("object %s: %s", id, out.Result.Error.Code))
		}
	}
	data := out.Result.Data
	if data == nil {
		return nil, fmt.Errorf("object %s: %w", id, errdefs.ErrNotFound)
	}

	obj := &Object{
		ID:      data.ObjectID,
		Version: data.Version,
		Type:    data.Type,
	}
	obj.Owner, obj.OwnerKind = parseOwner(data.Owner)
	if data.Content != nil {
		if obj.Type == "" {
			obj.Type = data.Content.Type
		}
		obj.Fields = data.Content.Fields
	}
	return obj, nil
}

func parseOwner(raw json.RawMessage) (string, OwnerKind) {
	if len(raw) == 0 {
		return "", ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "Immutable" {
			return "", OwnerImmutable
		}
		return "", ""
	}
	var owner struct {
		AddressOwner string          `json:"AddressOwner"`
		ObjectOwner  string          `json:"ObjectOwner"`
		Shared       json.RawMessage `json:"Shared"`
	}
	if err := json.Unmarshal(raw, &owner); err != nil {
		return "", ""
	}
	switch {
	case owner.AddressOwner != "":
		return owner.AddressOwner, OwnerAddress
	case owner.ObjectOwner != "":
		return owner.ObjectOwner, OwnerObject
	case len(owner.Shared) > 0:
		return "", OwnerShared
	}
	return "", ""
}
