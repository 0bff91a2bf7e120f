// Package payload builds the body of GitHub repository dispatch requests.
package payload

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"
)

const (
	KeyTriggeredBy = "triggered_by"
	KeyTimestamp   = "timestamp"
	KeyEnvironment = "environment"
	KeyDispatchID  = "dispatch_id"
)

// Limits of the GitHub dispatches endpoint.
const (
	MaxEventTypeLen      = 100
	MaxClientPayloadKeys = 10
)

const (
	AcceptHeaderValue      = "application/vnd.github.v3+json"
	ContentTypeHeaderValue = "application/json"
)

// Request is the JSON body of a POST /repos/{owner}/{repo}/dispatches
// request.
type Request struct {
	EventType     string            `json:"event_type"`
	ClientPayload map[string]string `json:"client_payload"`
}

// JSON returns the wire representation of the request.
// Keys of the client payload are sorted.
func (r *Request) JSON() ([]byte, error) {
	if r.ClientPayload == nil {
		return json.Marshal(&Request{EventType: r.EventType, ClientPayload: map[string]string{}})
	}

	return json.Marshal(r)
}

// RawClientPayload returns the client payload as raw JSON.
func (r *Request) RawClientPayload() (json.RawMessage, error) {
	if r.ClientPayload == nil {
		return json.RawMessage("{}"), nil
	}

	data, err := json.Marshal(r.ClientPayload)
	if err != nil {
		return nil, err
	}

	return json.RawMessage(data), nil
}

func (r *Request) DispatchID() string {
	return r.ClientPayload[KeyDispatchID]
}

// Validate checks the request against the constraints of the GitHub API.
func (r *Request) Validate() error {
	var errs []error

	if strings.TrimSpace(r.EventType) == "" {
		errs = append(errs, errors.New("event_type is empty"))
	}

	if n := utf8.RuneCountInString(r.EventType); n > MaxEventTypeLen {
		errs = append(errs, fmt.Errorf("event_type is %d characters long, max. %d are allowed", n, MaxEventTypeLen))
	}

	if len(r.ClientPayload) > MaxClientPayloadKeys {
		errs = append(errs, fmt.Errorf("client_payload has %d top-level keys, max. %d are allowed", len(r.ClientPayload), MaxClientPayloadKeys))
	}

	for k := range r.ClientPayload {
		if k == "" {
			errs = append(errs, errors.New("client_payload contains an empty key"))
		}
	}

	return errors.Join(errs...)
}

// Headers returns the HTTP headers of a dispatch request.
func Headers(apiToken, userAgent string) http.Header {
	h := http.Header{}

	h.Set("Authorization", "token "+apiToken)
	h.Set("Accept", AcceptHeaderValue)
	h.Set("User-Agent", userAgent)
	h.Set("Content-Type", ContentTypeHeaderValue)

	return h
}

// DispatchURL returns the URL of the dispatches endpoint of a repository.
// An empty apiURL refers to api.github.com.
func DispatchURL(apiURL, owner, repo string) string {
	if apiURL == "" {
		apiURL = "https://api.github.com"
	} else {
		apiURL = strings.TrimSuffix(apiURL, "/")
		if !strings.HasSuffix(apiURL, "/api/v3") {
			apiURL += "/api/v3"
		}
	}

	return fmt.Sprintf("%s/repos/%s/%s/dispatches", apiURL, owner, repo)
}
