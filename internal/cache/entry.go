package cache

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/rshade/esctl/internal/transport"
)

// ErrCorruptEntry marks a stored response that cannot be decoded.
var ErrCorruptEntry = errors.New("corrupt cache entry")

// Entry is one persisted response. Fields mirror the table columns.
type Entry struct {
	Key      Key
	Method   string
	Target   string
	Headers  string // canonical request headers, see CanonicalHeaders
	Response string // see SerializeResponse
	StoredAt int64  // epoch seconds
	TTL      int64  // seconds
}

// NewEntry builds an entry for resp stored at now.
func NewEntry(method, target, headers string, resp *transport.Response, now time.Time, ttlSeconds int) (*Entry, error) {
	serialized, err := SerializeResponse(resp)
	if err != nil {
		return nil, err
	}
	return &Entry{
		Key:      Fingerprint(method, target, headers),
		Method:   method,
		Target:   target,
		Headers:  headers,
		Response: serialized,
		StoredAt: now.Unix(),
		TTL:      int64(ttlSeconds),
	}, nil
}

// ExpiresAt returns the first instant at which the entry is stale.
// Sums that overflow saturate.
func (e *Entry) ExpiresAt() time.Time {
	const limit = 1 << 62
	exp := e.StoredAt + e.TTL
	switch {
	case e.TTL > 0 && exp < e.StoredAt, exp > limit:
		exp = limit
	case e.TTL < 0 && exp > e.StoredAt, exp < -limit:
		exp = -limit
	}
	return time.Unix(exp, 0)
}

// Fresh reports whether now is before the expiry.
func (e *Entry) Fresh(now time.Time) bool {
	return now.Before(e.ExpiresAt())
}

// serializedResponse is the on-disk form of a response. Body holds UTF-8
// text; bodies that are not valid UTF-8 go to BodyBase64 instead so that no
// byte is lost to replacement characters.
type serializedResponse struct {
	Body        string      `json:"body"`
	BodyBase64  string      `json:"body_base64,omitempty"`
	Headers     http.Header `json:"headers"`
	HTTPVersion string      `json:"http_version"`
	Status      int         `json:"status"`
}

// SerializeResponse encodes status, headers as received, protocol and body.
// Duration and Node are not part of the cached identity and are dropped.
func SerializeResponse(resp *transport.Response) (string, error) {
	if resp == nil {
		return "", errors.New("cannot serialize nil response")
	}
	s := serializedResponse{
		Headers:     resp.Header,
		HTTPVersion: resp.Proto,
		Status:      resp.StatusCode,
	}
	if s.Headers == nil {
		s.Headers = http.Header{}
	}
	if utf8.Valid(resp.Body) {
		s.Body = string(resp.Body)
	} else {
		s.BodyBase64 = base64.StdEncoding.EncodeToString(resp.Body)
	}

	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("marshaling response: %w", err)
	}
	return string(data), nil
}

// DeserializeResponse restores a response written by SerializeResponse.
func DeserializeResponse(data string) (*transport.Response, error) {
	var s serializedResponse
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptEntry, err)
	}
	if s.Status == 0 {
		return nil, fmt.Errorf("%w: missing status", ErrCorruptEntry)
	}

	body := []byte(s.Body)
	if s.BodyBase64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(s.BodyBase64)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorruptEntry, err)
		}
		body = decoded
	}
	if s.Headers == nil {
		s.Headers = http.Header{}
	}

	return &transport.Response{
		StatusCode: s.Status,
		Header:     s.Headers,
		Proto:      s.HTTPVersion,
		Body:       body,
	}, nil
}
