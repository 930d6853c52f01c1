package worker

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// Identity is the stable identity a worker computes at startup. The pod and
// node names come from the deployment environment; the instance id
// disambiguates restarts within the same pod.
type Identity struct {
	NodeName   string
	PodName    string
	InstanceID string
}

// NewIdentityFromEnv derives the identity from NODE_NAME, POD_NAME and
// INSTANCE_ID, substituting defaults for missing values.
func NewIdentityFromEnv() Identity {
	node := os.Getenv("NODE_NAME")
	if node == "" {
		node = "unknown-node"
	}
	pod := os.Getenv("POD_NAME")
	if pod == "" {
		pod = "unknown-pod"
	}
	instance := os.Getenv("INSTANCE_ID")
	if instance == "" {
		instance = uuid.NewString()
	}
	return Identity{NodeName: node, PodName: pod, InstanceID: instance}
}

// WorkerID is the ownership token written into workerPodId.
func (i Identity) WorkerID() string {
	return fmt.Sprintf("%s-%s-%s", i.NodeName, i.PodName, i.InstanceID)
}
