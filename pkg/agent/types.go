package agent

import (
	"github.com/google/uuid"

	"github.com/sokovan-io/sokovan/pkg/resources"
	"github.com/sokovan-io/sokovan/pkg/types"
)

// KernelSpec is everything an agent needs to create one kernel
// container.
type KernelSpec struct {
	KernelID     uuid.UUID         `msgpack:"kernel_id"`
	SessionID    uuid.UUID         `msgpack:"session_id"`
	Image        string            `msgpack:"image"`
	Architecture string            `msgpack:"architecture"`
	Slots        resources.Slots   `msgpack:"slots"`
	Mounts       []types.Mount     `msgpack:"mounts"`
	Env          map[string]string `msgpack:"env"`
	PreopenPorts []int             `msgpack:"preopen_ports"`
	ClusterRole  string            `msgpack:"cluster_role"`
	ClusterIdx   int               `msgpack:"cluster_idx"`
	ClusterSize  int               `msgpack:"cluster_size"`
}

// KernelCreationResult reports one kernel's creation outcome.
type KernelCreationResult struct {
	KernelID    uuid.UUID `msgpack:"kernel_id"`
	ContainerID string    `msgpack:"container_id"`
	Ok          bool      `msgpack:"ok"`
	Error       string    `msgpack:"error"`
}

// ImagePullResult reports whether the image is present on the agent
// after a check-and-pull round trip.
type ImagePullResult struct {
	Canonical string `msgpack:"canonical"`
	Present   bool   `msgpack:"present"`
	Pulling   bool   `msgpack:"pulling"`
	Error     string `msgpack:"error"`
}

// KernelLiveness is the agent's view of one kernel container.
type KernelLiveness struct {
	KernelID uuid.UUID `msgpack:"kernel_id"`
	Alive    bool      `msgpack:"alive"`
	LastStat []byte    `msgpack:"last_stat"`
}

type pingRequest struct {
	Token string `msgpack:"token"`
}

type pingReply struct {
	Token string `msgpack:"token"`
}

type pullImageRequest struct {
	Canonical    string `msgpack:"canonical"`
	Architecture string `msgpack:"architecture"`
}

type createKernelsRequest struct {
	Specs []KernelSpec `msgpack:"specs"`
}

type createKernelsReply struct {
	Results []KernelCreationResult `msgpack:"results"`
}

type destroyKernelRequest struct {
	KernelID uuid.UUID `msgpack:"kernel_id"`
	Reason   string    `msgpack:"reason"`
}

type destroyKernelReply struct {
	Ok bool `msgpack:"ok"`
}

type pingKernelRequest struct {
	KernelID uuid.UUID `msgpack:"kernel_id"`
}

type gatherStatsRequest struct {
	KernelIDs []uuid.UUID `msgpack:"kernel_ids"`
}

type gatherStatsReply struct {
	Stats []KernelLiveness `msgpack:"stats"`
}
