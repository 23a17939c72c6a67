package gateway

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/tosin2013/pipeline-guardian/contracts"
)

// hopByHopHeaders are stripped before forwarding, per RFC 7230 §6.1.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailers", "Transfer-Encoding", "Upgrade",
}

// Forwarder sends requests to resolved backends, carrying the request id
// and the calling user through headers.
type Forwarder struct {
	httpClient *http.Client
}

// NewForwarder builds the forwarder. client may be nil for the default.
func NewForwarder(client *http.Client) *Forwarder {
	if client == nil {
		client = &http.Client{}
	}
	return &Forwarder{httpClient: client}
}

// Forward replays the inbound request against baseURL+backendPath with the
// route's timeout, returning the captured response.
func (f *Forwarder) Forward(ctx context.Context, baseURL string, route *RouteDescriptor, reqCtx *RequestContext, inbound *http.Request) (*ServiceResponse, error) {
	if route.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, route.Timeout)
		defer cancel()
	}

	var body io.Reader
	if inbound.Body != nil {
		raw, err := io.ReadAll(inbound.Body)
		if err != nil {
			return nil, contracts.Wrap(contracts.KindInternal, err, "failed to read request body")
		}
		body = bytes.NewReader(raw)
	}

	target := baseURL + route.BackendPath
	if inbound.URL.RawQuery != "" {
		target += "?" + inbound.URL.RawQuery
	}
	outbound, err := http.NewRequestWithContext(ctx, inbound.Method, target, body)
	if err != nil {
		return nil, contracts.Wrap(contracts.KindInternal, err, "failed to build backend request")
	}

	copyHeaders(outbound.Header, inbound.Header)
	outbound.Header.Set("X-Request-ID", reqCtx.RequestID)
	if reqCtx.User != nil {
		outbound.Header.Set("X-User-ID", reqCtx.User.UserID)
	}

	resp, err := f.httpClient.Do(outbound)
	if err != nil {
		return nil, contracts.Wrap(contracts.KindTransient, err, "backend call failed")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, contracts.Wrap(contracts.KindTransient, err, "failed to read backend response")
	}

	headers := map[string][]string{}
	for key, values := range resp.Header {
		if isHopByHop(key) {
			continue
		}
		headers[key] = values
	}
	return &ServiceResponse{StatusCode: resp.StatusCode, Headers: headers, Body: respBody}, nil
}

func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		if isHopByHop(key) {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

func isHopByHop(key string) bool {
	for _, h := range hopByHopHeaders {
		if http.CanonicalHeaderKey(key) == h {
			return true
		}
	}
	return false
}
