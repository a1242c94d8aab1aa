package cluster_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ltransom/datacake/internal/cluster"
)

func node(id, dc string, alive bool) cluster.Node {
	return cluster.Node{ID: id, DC: dc, IsAlive: alive}
}

func TestSelectorNoneTargetsLiveButRequiresNothing(t *testing.T) {
	sel := cluster.NewSelector("dc1")
	target, err := sel.Select(cluster.None, []cluster.Node{
		node("a", "dc1", true), node("b", "dc1", true), node("c", "dc2", false),
	})
	require.NoError(t, err)
	require.Equal(t, 0, target.Threshold)
	require.Len(t, target.Peers, 2)
}

func TestSelectorOneRequiresALivePeer(t *testing.T) {
	sel := cluster.NewSelector("dc1")
	_, err := sel.Select(cluster.One, nil)
	require.Error(t, err)

	target, err := sel.Select(cluster.One, []cluster.Node{node("a", "dc1", true)})
	require.NoError(t, err)
	require.Equal(t, 1, target.Threshold)
}

func TestSelectorQuorumCountsLocalNodeTowardMajority(t *testing.T) {
	sel := cluster.NewSelector("dc1")
	// 3 known peers + local = cluster of 4; majority = 3; 2 remote acks needed.
	target, err := sel.Select(cluster.Quorum, []cluster.Node{
		node("a", "dc1", true), node("b", "dc1", true), node("c", "dc2", true),
	})
	require.NoError(t, err)
	require.Equal(t, 2, target.Threshold)
}

func TestSelectorQuorumFailsWhenMajorityOfKnownClusterIsDown(t *testing.T) {
	// Spec §8 scenario 6: 3-node cluster, 2 down -> ConsistencyError{required:2, available:1}.
	sel := cluster.NewSelector("dc1")
	_, err := sel.Select(cluster.Quorum, []cluster.Node{
		node("a", "dc1", false), node("b", "dc2", false),
	})
	var consErr *cluster.ConsistencyError
	require.ErrorAs(t, err, &consErr)
	require.Equal(t, 2, consErr.Required)
	require.Equal(t, 1, consErr.Available) // the local node itself is always available
}

func TestSelectorLocalQuorumScopesToLocalDC(t *testing.T) {
	sel := cluster.NewSelector("dc1")
	target, err := sel.Select(cluster.LocalQuorum, []cluster.Node{
		node("a", "dc1", true), node("b", "dc1", true),
		node("c", "dc2", true), node("d", "dc2", true), node("e", "dc2", true),
	})
	require.NoError(t, err)
	// local DC: 2 known peers + local = 3, majority = 2, remote need = 1
	require.Equal(t, 1, target.Threshold)
}

func TestSelectorLocalQuorumFailsWhenLocalDCShort(t *testing.T) {
	sel := cluster.NewSelector("dc1")
	_, err := sel.Select(cluster.LocalQuorum, []cluster.Node{
		node("a", "dc1", false), node("b", "dc1", false),
	})
	var consErr *cluster.ConsistencyError
	require.ErrorAs(t, err, &consErr)
	require.Equal(t, "dc1", consErr.DC)
}

func TestSelectorAllRequiresEveryLivePeer(t *testing.T) {
	sel := cluster.NewSelector("dc1")
	known := []cluster.Node{node("a", "dc1", true), node("b", "dc2", true), node("c", "dc2", false)}
	target, err := sel.Select(cluster.All, known)
	require.NoError(t, err)
	require.Equal(t, 2, target.Threshold)
	require.Len(t, target.Peers, 2)
}

func TestSelectorEachQuorumRequiresMajorityPerDC(t *testing.T) {
	sel := cluster.NewSelector("dc1")
	// dc1 (local): 1 known peer + local = 2, majority 2, remote need = 1
	// dc2: 2 known peers, majority(2) = 2, remote need = 2
	target, err := sel.Select(cluster.EachQuorum, []cluster.Node{
		node("a", "dc1", true), node("b", "dc2", true), node("c", "dc2", true),
	})
	require.NoError(t, err)
	require.Equal(t, 3, target.Threshold)
}

func TestSelectorEachQuorumFailsIfAnyDCShort(t *testing.T) {
	sel := cluster.NewSelector("dc1")
	_, err := sel.Select(cluster.EachQuorum, []cluster.Node{
		node("a", "dc1", true), node("b", "dc2", false),
	})
	var consErr *cluster.ConsistencyError
	require.ErrorAs(t, err, &consErr)
	require.Equal(t, "dc2", consErr.DC)
}
