package deployment

import (
	"testing"

	"github.com/hopswrite/writecoord/internal/coordwire"
	"github.com/stretchr/testify/require"
)

func TestMappedDeploymentIsStable(t *testing.T) {
	r, err := New(3, 0)
	require.NoError(t, err)

	first := r.MappedDeployment(75)
	for i := 0; i < 10; i++ {
		require.Equal(t, first, r.MappedDeployment(75))
	}
}

func TestAuthorizedLocallyMatchesMappedDeployment(t *testing.T) {
	r, err := New(3, 1)
	require.NoError(t, err)

	inode := InodeRef{InodeID: 100, ParentID: 50}
	want := r.MappedDeployment(50) == 1
	require.Equal(t, want, r.AuthorizedLocally(inode))
}

func TestAuthorizeRejectsForeignDeployment(t *testing.T) {
	// S4: D=3, local=0, inode 300 has parent 75 which maps elsewhere.
	r, err := New(3, 0)
	require.NoError(t, err)

	expected := r.MappedDeployment(75)
	require.NotEqual(t, 0, expected, "fixture assumes parent 75 hashes away from deployment 0")

	err = r.Authorize([]InodeRef{{InodeID: 300, ParentID: 75}})
	require.Error(t, err)
	require.True(t, coordwire.IsKind(err, coordwire.KindRouting))

	var routingErr *RoutingError
	require.ErrorAs(t, err, &routingErr)
	require.Equal(t, int64(300), routingErr.Inode.InodeID)
	require.Equal(t, expected, routingErr.Expected)
}

func TestAuthorizeAcceptsLocalDeployment(t *testing.T) {
	r, err := New(3, 1)
	require.NoError(t, err)

	var local []InodeRef
	for parent := int64(0); parent < 200 && len(local) < 2; parent++ {
		if r.MappedDeployment(parent) == 1 {
			local = append(local, InodeRef{InodeID: parent + 1000, ParentID: parent})
		}
	}
	require.Len(t, local, 2, "fixture assumes at least two local parents exist below 200")
	require.NoError(t, r.Authorize(local))
}

func TestNewRejectsInvalidConfiguration(t *testing.T) {
	_, err := New(0, 0)
	require.Error(t, err)

	_, err = New(3, 3)
	require.Error(t, err)

	_, err = New(3, -1)
	require.Error(t, err)
}
