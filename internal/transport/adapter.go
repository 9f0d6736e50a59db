package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Masterminds/semver/v3"
)

const (
	mediaJSON      = "application/json"
	compatTemplate = "application/vnd.elasticsearch+json; compatible-with=%d"

	distributionOpenSearch = "opensearch"

	// firstCompatMajor is the first major version whose REST layer expects
	// versioned media types.
	firstCompatMajor = 8
)

// ErrUnexpectedRoot is returned when the root endpoint does not describe a cluster.
var ErrUnexpectedRoot = errors.New("unexpected root endpoint response")

// ClusterInfo is the subset of the root endpoint esctl cares about.
type ClusterInfo struct {
	NodeName     string
	ClusterName  string
	Distribution string
	Version      *semver.Version
}

type rootResponse struct {
	Name        string `json:"name"`
	ClusterName string `json:"cluster_name"`
	Version     struct {
		Number       string `json:"number"`
		Distribution string `json:"distribution"`
	} `json:"version"`
}

// Detect probes GET / once and returns the cluster version.
func Detect(ctx context.Context, p Performer) (*ClusterInfo, error) {
	resp, err := p.Perform(ctx, &Request{
		Method: http.MethodGet,
		Target: "/",
		Header: http.Header{"Accept": []string{mediaJSON}},
	})
	if err != nil {
		return nil, err
	}
	if !resp.Success() {
		return nil, fmt.Errorf("%w: status %d", ErrUnexpectedRoot, resp.StatusCode)
	}

	var root rootResponse
	if err = json.Unmarshal(resp.Body, &root); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnexpectedRoot, err)
	}
	if root.Version.Number == "" {
		return nil, fmt.Errorf("%w: missing version.number", ErrUnexpectedRoot)
	}

	v, err := semver.NewVersion(root.Version.Number)
	if err != nil {
		return nil, fmt.Errorf("%w: version %q: %w", ErrUnexpectedRoot, root.Version.Number, err)
	}

	return &ClusterInfo{
		NodeName:     root.Name,
		ClusterName:  root.ClusterName,
		Distribution: strings.ToLower(root.Version.Distribution),
		Version:      v,
	}, nil
}

// Adapter applies the version-specific request conventions.
type Adapter interface {
	Name() string
	Prepare(req *Request)
}

// SelectAdapter picks the adapter for a detected cluster. A nil info selects
// plain JSON, which every supported version accepts.
func SelectAdapter(info *ClusterInfo) Adapter {
	if info == nil || info.Version == nil || info.Distribution == distributionOpenSearch {
		return jsonAdapter{}
	}
	if info.Version.Major() >= firstCompatMajor {
		return compatAdapter{major: info.Version.Major()}
	}
	return jsonAdapter{}
}

type jsonAdapter struct{}

func (jsonAdapter) Name() string { return "json" }

func (jsonAdapter) Prepare(req *Request) {
	setDefault(req.Header, "Accept", mediaJSON)
	if len(req.Body) > 0 {
		setDefault(req.Header, "Content-Type", mediaJSON)
	}
}

type compatAdapter struct {
	major uint64
}

func (a compatAdapter) Name() string { return fmt.Sprintf("compat-%d", a.major) }

func (a compatAdapter) Prepare(req *Request) {
	media := fmt.Sprintf(compatTemplate, a.major)
	setDefault(req.Header, "Accept", media)
	if len(req.Body) > 0 {
		setDefault(req.Header, "Content-Type", media)
	}
}

func setDefault(h http.Header, key, value string) {
	if h.Get(key) == "" {
		h.Set(key, value)
	}
}
