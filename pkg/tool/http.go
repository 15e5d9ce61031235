package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-resty/resty/v2"

	"github.com/noetl/noetl/pkg/errdef"
	"github.com/noetl/noetl/pkg/types"
)

// HTTP calls an endpoint. The outcome always carries status_code,
// response headers, and the body (parsed when the server says JSON),
// so retry_when conditions can route on any of them. Responses with
// status 400 and above are error outcomes whose code is the status.
type HTTP struct {
	client *resty.Client
}

// NewHTTP builds the http tool with a shared client
func NewHTTP() *HTTP {
	return &HTTP{client: resty.New()}
}

func (h *HTTP) Kind() string { return "http" }

func (h *HTTP) Run(ctx context.Context, in Input) types.Outcome {
	endpoint := argString(in.Args, "url")
	if endpoint == "" {
		endpoint = argString(in.Args, "endpoint")
	}
	if endpoint == "" {
		return Fail(errdef.KindValidation, "", "http task requires url")
	}
	method := strings.ToUpper(argString(in.Args, "method"))
	if method == "" {
		method = http.MethodGet
	}
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch,
		http.MethodDelete, http.MethodHead, http.MethodOptions:
	default:
		return Fail(errdef.KindValidation, "", "http method %q is not supported", method)
	}

	ctx, cancel := withTimeout(ctx, in)
	defer cancel()

	req := h.client.R().SetContext(ctx)
	for k, v := range argMap(in.Args, "headers") {
		req.SetHeader(k, fmt.Sprintf("%v", v))
	}
	for k, v := range argMap(in.Args, "params") {
		req.SetQueryParam(k, fmt.Sprintf("%v", v))
	}
	if body, ok := in.Args["payload"]; ok && body != nil {
		req.SetBody(body)
		if req.Header.Get("Content-Type") == "" {
			req.SetHeader("Content-Type", "application/json")
		}
	}

	cred, err := soleCredential(in, argString(in.Args, "auth"))
	if err != nil {
		return FromError(err)
	}
	if cred != nil {
		if err := applyHTTPAuth(req, cred); err != nil {
			return FromError(err)
		}
	}

	resp, err := req.Execute(method, endpoint)
	if err != nil {
		return FromError(errdef.Wrap(errdef.KindTransient, err, "http %s %s: %v", method, endpoint, err))
	}

	data := map[string]any{
		"status_code": resp.StatusCode(),
		"headers":     flattenHeader(resp.Header()),
		"elapsed_ms":  resp.Time().Milliseconds(),
	}
	data["data"] = decodeBody(resp.Header().Get("Content-Type"), resp.Body())

	if resp.StatusCode() >= http.StatusBadRequest {
		return FailWithData(errdef.KindTool, strconv.Itoa(resp.StatusCode()),
			fmt.Sprintf("http %s %s: %s", method, endpoint, resp.Status()), data)
	}
	return OK(data)
}

// applyHTTPAuth maps a resolved credential onto the request
func applyHTTPAuth(req *resty.Request, cred *types.Credential) error {
	switch cred.Type {
	case types.CredentialBearer:
		token := firstOf(cred.Data, "token", "value")
		if token == "" {
			return errdef.Resolution("bearer credential has no token field")
		}
		req.SetAuthToken(token)
	case types.CredentialBasic:
		req.SetBasicAuth(cred.Data["username"], cred.Data["password"])
	case types.CredentialAPIKey:
		key := firstOf(cred.Data, "key", "value", "token")
		if key == "" {
			return errdef.Resolution("api_key credential has no key field")
		}
		header := firstOf(cred.Data, "header")
		if header == "" {
			header = cred.Meta["header"]
		}
		if header == "" {
			header = "X-API-Key"
		}
		req.SetHeader(header, key)
	case types.CredentialHeader:
		for k, v := range cred.Data {
			req.SetHeader(k, v)
		}
	default:
		return errdef.Validation("credential type %q cannot authenticate an http call", cred.Type)
	}
	return nil
}

// decodeBody parses JSON responses and passes everything else through
// as a string
func decodeBody(contentType string, body []byte) any {
	if len(body) == 0 {
		return nil
	}
	if strings.Contains(contentType, "json") {
		var parsed any
		if err := json.Unmarshal(body, &parsed); err == nil {
			return parsed
		}
	}
	return string(body)
}

func flattenHeader(h http.Header) map[string]any {
	out := make(map[string]any, len(h))
	for k, vs := range h {
		out[k] = strings.Join(vs, ", ")
	}
	return out
}
