package portainer

import (
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
)

// EndpointType mirrors Portainer's endpoint type enum.
type EndpointType int

const (
	EndpointDocker      EndpointType = 1
	EndpointAgentDocker EndpointType = 2
	EndpointAzure       EndpointType = 3
	EndpointEdgeAgent   EndpointType = 4
	EndpointKubernetes  EndpointType = 5
)

// Endpoint is a Portainer-managed environment.
type Endpoint struct {
	ID     int          `json:"Id"`
	Name   string       `json:"Name"`
	URL    string       `json:"URL"`
	Type   EndpointType `json:"Type"`
	Status int          `json:"Status"` // 1 = up, 2 = down
}

// IsDocker reports whether the endpoint is a Docker environment we can scan.
func (e Endpoint) IsDocker() bool {
	return e.Type == EndpointDocker || e.Type == EndpointAgentDocker || e.Type == EndpointEdgeAgent
}

// ContainerSummary is one row of the Docker proxy container list.
type ContainerSummary struct {
	ID      string            `json:"Id"`
	Names   []string          `json:"Names"`
	Image   string            `json:"Image"`
	ImageID string            `json:"ImageID"`
	State   string            `json:"State"`
	Status  string            `json:"Status"`
	Labels  map[string]string `json:"Labels"`
	Created int64             `json:"Created"`
}

// Name returns the container name without the leading slash.
func (c ContainerSummary) Name() string {
	if len(c.Names) == 0 {
		return ""
	}
	name := c.Names[0]
	if len(name) > 0 && name[0] == '/' {
		return name[1:]
	}
	return name
}

// InspectResponse is the container inspect payload. Config and
// HostConfig reuse the Docker API types so a recreation round-trips
// every field Docker knows about, not just the ones we read.
type InspectResponse struct {
	ID      string `json:"Id"`
	Name    string `json:"Name"`
	Created string `json:"Created"`
	Image   string `json:"Image"`
	State   struct {
		Status  string `json:"Status"`
		Running bool   `json:"Running"`
	} `json:"State"`
	Config          *container.Config     `json:"Config"`
	HostConfig      *container.HostConfig `json:"HostConfig"`
	NetworkSettings struct {
		Networks map[string]*network.EndpointSettings `json:"Networks"`
	} `json:"NetworkSettings"`
}

// CreateRequest is the body of POST /docker/containers/create: the
// container config inlined at the top level plus host and networking
// config, exactly as the Docker Engine API defines it.
type CreateRequest struct {
	*container.Config
	HostConfig       *container.HostConfig     `json:"HostConfig,omitempty"`
	NetworkingConfig *network.NetworkingConfig `json:"NetworkingConfig,omitempty"`
}

// CreateResponse is returned from POST /docker/containers/create.
type CreateResponse struct {
	ID       string   `json:"Id"`
	Warnings []string `json:"Warnings"`
}

// ImageInspect is the subset of the image inspect payload the scanner
// needs to tie a running container back to a registry digest.
type ImageInspect struct {
	ID          string   `json:"Id"`
	RepoDigests []string `json:"RepoDigests"`
	RepoTags    []string `json:"RepoTags"`
	Created     string   `json:"Created"`
}

// ImageSummary is one row of the Docker proxy image list.
type ImageSummary struct {
	ID         string   `json:"Id"`
	RepoTags   []string `json:"RepoTags"`
	Size       int64    `json:"Size"`
	Containers int64    `json:"Containers"`
}

// PruneReport is returned from POST /docker/images/prune.
type PruneReport struct {
	ImagesDeleted []struct {
		Untagged string `json:"Untagged"`
		Deleted  string `json:"Deleted"`
	} `json:"ImagesDeleted"`
	SpaceReclaimed int64 `json:"SpaceReclaimed"`
}
