package metashare

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang/glog"
)

// Requester performs one authenticated request and returns the raw response body.
// A non-2xx response is returned as an `*ApiError`.
// Retry policy belongs to the implementation, never to its callers.
type Requester interface {
	Request(ctx context.Context, method string, url string, body any) ([]byte, error)
}

// ApiError carries the user-displayable server message of a non-2xx response
type ApiError struct {
	StatusCode int
	Message    string
}

func (self *ApiError) Error() string {
	return fmt.Sprintf("%d: %s", self.StatusCode, self.Message)
}

type ApiClientSettings struct {
	HttpTimeout        time.Duration
	HttpConnectTimeout time.Duration
	HttpTlsTimeout     time.Duration
}

func DefaultApiClientSettings() *ApiClientSettings {
	return &ApiClientSettings{
		HttpTimeout:        60 * time.Second,
		HttpConnectTimeout: 5 * time.Second,
		HttpTlsTimeout:     5 * time.Second,
	}
}

// ApiClient is the http Requester. The session token is attached as a bearer token.
type ApiClient struct {
	client     *http.Client
	token      string
	instanceId string
}

func NewApiClientWithDefaults(token string) *ApiClient {
	return NewApiClient(token, DefaultApiClientSettings())
}

func NewApiClient(token string, settings *ApiClientSettings) *ApiClient {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: settings.HttpConnectTimeout,
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: settings.HttpTlsTimeout,
	}
	return &ApiClient{
		client: &http.Client{
			Transport: transport,
			Timeout:   settings.HttpTimeout,
		},
		token:      token,
		instanceId: NewId(),
	}
}

// AuthHeader is the header used for both http and the push socket handshake
func (self *ApiClient) AuthHeader() http.Header {
	header := http.Header{}
	if self.token != "" {
		header.Add("Authorization", fmt.Sprintf("Bearer %s", self.token))
	}
	header.Add("X-Instance-Id", self.instanceId)
	return header
}

func (self *ApiClient) Request(ctx context.Context, method string, url string, body any) ([]byte, error) {
	var requestBody io.Reader
	if body != nil {
		requestBodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		requestBody = bytes.NewReader(requestBodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, requestBody)
	if err != nil {
		return nil, err
	}
	for key, values := range self.AuthHeader() {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	req.Header.Add("Accept", "application/json")
	if body != nil {
		req.Header.Add("Content-Type", "application/json")
	}

	r, err := self.client.Do(req)
	if err != nil {
		glog.Infof("[api]%s %s error = %s\n", method, url, err)
		return nil, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)
	if r.StatusCode < 200 || 300 <= r.StatusCode {
		apiErr := &ApiError{
			StatusCode: r.StatusCode,
			Message:    errorMessage(responseBodyBytes, r.Status),
		}
		glog.Infof("[api]%s %s = %s\n", method, url, apiErr)
		return nil, apiErr
	}
	if err != nil {
		return nil, err
	}
	glog.V(2).Infof("[api]%s %s = %d\n", method, url, r.StatusCode)
	return responseBodyBytes, nil
}

// the server reports errors as `detail`, `error`, `non_field_errors`, or plain text
func errorMessage(body []byte, status string) string {
	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err == nil {
		for _, key := range []string{"detail", "error", "message", "non_field_errors"} {
			switch v := fields[key].(type) {
			case string:
				if v != "" {
					return v
				}
			case []any:
				messages := []string{}
				for _, message := range v {
					if s, ok := message.(string); ok {
						messages = append(messages, s)
					}
				}
				if 0 < len(messages) {
					return strings.Join(messages, " ")
				}
			}
		}
	}
	if message := strings.TrimSpace(string(body)); message != "" {
		return message
	}
	return status
}
