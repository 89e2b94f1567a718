// health.go implements the raw JSON-RPC probes used by /healthz.
//
// The probes deliberately bypass the ethclient used for indexing: they hit
// the primary and fallback HTTP endpoints directly over resty so the
// health report distinguishes "the node is down" from "the gateway is
// backed up". Contract checks read eth_getCode for each configured
// address; an empty code blob means the contract is not deployed.
package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"marketindex/internal/config"
)

// EndpointStatus reports one probed RPC endpoint.
type EndpointStatus struct {
	URL       string `json:"url"`
	Reachable bool   `json:"reachable"`
	ChainID   string `json:"chainId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ContractStatus reports one configured contract.
type ContractStatus struct {
	Name     string `json:"name"`
	Address  string `json:"address"`
	Deployed bool   `json:"deployed"`
}

// HealthProber checks endpoint reachability and contract deployment.
type HealthProber struct {
	http      *resty.Client
	primary   string
	fallback  string
	contracts config.ContractsConfig
	logger    *slog.Logger
}

// NewHealthProber creates a prober over the configured endpoints.
func NewHealthProber(rpc config.RPCConfig, contracts config.ContractsConfig, logger *slog.Logger) *HealthProber {
	httpClient := resty.New().
		SetTimeout(5 * time.Second).
		SetRetryCount(1).
		SetHeader("Content-Type", "application/json")

	return &HealthProber{
		http:      httpClient,
		primary:   rpc.URL,
		fallback:  rpc.FallbackURL,
		contracts: contracts,
		logger:    logger.With("component", "health-prober"),
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *HealthProber) call(ctx context.Context, url, method string, params []any) (json.RawMessage, error) {
	var out rpcResponse
	resp, err := p.http.R().
		SetContext(ctx).
		SetBody(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params}).
		SetResult(&out).
		Post(url)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("%s: status %d", method, resp.StatusCode())
	}
	if out.Error != nil {
		return nil, fmt.Errorf("%s: rpc error %d: %s", method, out.Error.Code, out.Error.Message)
	}
	return out.Result, nil
}

// Endpoints probes the primary and, when configured, the fallback endpoint.
func (p *HealthProber) Endpoints(ctx context.Context) []EndpointStatus {
	urls := []string{p.primary}
	if p.fallback != "" {
		urls = append(urls, p.fallback)
	}

	out := make([]EndpointStatus, 0, len(urls))
	for _, url := range urls {
		st := EndpointStatus{URL: url}
		raw, err := p.call(ctx, url, "eth_chainId", []any{})
		if err != nil {
			st.Error = err.Error()
		} else {
			st.Reachable = true
			var id string
			if json.Unmarshal(raw, &id) == nil {
				st.ChainID = id
			}
		}
		out = append(out, st)
	}
	return out
}

// Contracts checks eth_getCode for every configured contract address.
// Unconfigured addresses are skipped.
func (p *HealthProber) Contracts(ctx context.Context) []ContractStatus {
	named := []struct{ name, addr string }{
		{"factory", p.contracts.FactoryAddress},
		{"ctf", p.contracts.CTFAddress},
		{"usdf", p.contracts.USDFAddress},
	}

	out := make([]ContractStatus, 0, len(named))
	for _, c := range named {
		if c.addr == "" {
			continue
		}
		st := ContractStatus{Name: c.name, Address: strings.ToLower(c.addr)}
		raw, err := p.call(ctx, p.primary, "eth_getCode", []any{c.addr, "latest"})
		if err != nil {
			p.logger.Warn("contract probe failed", "contract", c.name, "error", err)
		} else {
			var code string
			if json.Unmarshal(raw, &code) == nil {
				st.Deployed = code != "" && code != "0x"
			}
		}
		out = append(out, st)
	}
	return out
}
