// Package deployment implements the Deployment Router (DR): a pure
// function mapping an inode identifier to the deployment number
// authorized to cache and write it.
package deployment

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"

	"github.com/hopswrite/writecoord/internal/coordwire"
)

// InodeRef names one inode by its own id and its parent's id. The parent
// id, not the inode id and not a path hash, is the canonical routing
// input so that siblings under the same parent co-locate in the same
// deployment.
type InodeRef struct {
	InodeID  int64
	ParentID int64
}

// Router computes the deployment number responsible for a given inode
// and checks whether the local Node is authorized to write it.
type Router struct {
	numDeployments  int
	localDeployment int
}

// New builds a Router for a fleet of numDeployments deployments, where
// this Node serves localDeployment.
func New(numDeployments, localDeployment int) (*Router, error) {
	if numDeployments <= 0 {
		return nil, fmt.Errorf("deployment: numDeployments must be positive, got %d", numDeployments)
	}
	if localDeployment < 0 || localDeployment >= numDeployments {
		return nil, fmt.Errorf("deployment: localDeployment %d out of range [0,%d)", localDeployment, numDeployments)
	}
	return &Router{numDeployments: numDeployments, localDeployment: localDeployment}, nil
}

// MappedDeployment returns the stable consistent-hash deployment number
// for parentID. The hash is FNV-1a over the big-endian encoding of
// parentID: fixed-width and unseeded, so it is stable across process
// restarts and across implementations that agree on the encoding.
func (r *Router) MappedDeployment(parentID int64) int {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(parentID))
	h := fnv.New64a()
	_, _ = h.Write(buf[:])
	return int(h.Sum64() % uint64(r.numDeployments))
}

// AuthorizedLocally reports whether the local deployment is the one
// authorized to write inode.
func (r *Router) AuthorizedLocally(inode InodeRef) bool {
	return r.MappedDeployment(inode.ParentID) == r.localDeployment
}

// Authorize checks a whole batch of inodes and returns a RoutingError
// naming the first offending inode and its expected deployment if any
// one of them is not locally authorized. No side effects are produced
// by this check; WC calls it before any ack or invalidation row exists.
func (r *Router) Authorize(inodes []InodeRef) error {
	for _, inode := range inodes {
		if !r.AuthorizedLocally(inode) {
			expected := r.MappedDeployment(inode.ParentID)
			return coordwire.New(coordwire.KindRouting, "deployment.Authorize", &RoutingError{
				Inode:    inode,
				Expected: expected,
				Actual:   r.localDeployment,
			})
		}
	}
	return nil
}

// RoutingError names the offending inode and the deployment actually
// authorized to write it.
type RoutingError struct {
	Inode    InodeRef
	Expected int
	Actual   int
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("inode %d (parent %d) belongs to deployment %d, not local deployment %d",
		e.Inode.InodeID, e.Inode.ParentID, e.Expected, e.Actual)
}

// Explain renders the hash computation for operator debugging, in the
// spirit of AS's getPendingAcks diagnostic read.
func (r *Router) Explain(inode InodeRef) string {
	mapped := r.MappedDeployment(inode.ParentID)
	return fmt.Sprintf("inode=%d parent=%d fnv64a(parent)%%%d=%d local=%d authorized=%t",
		inode.InodeID, inode.ParentID, r.numDeployments, mapped, r.localDeployment, mapped == r.localDeployment)
}
